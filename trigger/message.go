package trigger

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

var globalSequence uint64

// Message is one capture produced when a trigger fires.
type Message struct {
	Trigger    string                 `json:"trigger"`
	Timestamp  string                 `json:"timestamp"`
	Sequence   uint64                 `json:"sequence"`
	Controller string                 `json:"controller"`
	StateTime  int64                  `json:"stateTimestamp"`
	Metadata   map[string]string      `json:"metadata,omitempty"`
	Data       map[string]interface{} `json:"data"`
}

// NewMessage builds a capture message stamped with the next sequence number.
func NewMessage(triggerName, controller string, stateTime int64, metadata map[string]string, data map[string]interface{}) *Message {
	return &Message{
		Trigger:    triggerName,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Sequence:   atomic.AddUint64(&globalSequence, 1),
		Controller: controller,
		StateTime:  stateTime,
		Metadata:   metadata,
		Data:       data,
	}
}

func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// Key partitions captures by controller and trigger.
func (m *Message) Key() []byte {
	return []byte(m.Controller + ":" + m.Trigger)
}
