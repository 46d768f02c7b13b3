package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"rcmon/monitor"
)

const (
	// ControlBatchInterval is how often collected control requests are applied.
	ControlBatchInterval = 250 * time.Millisecond

	// ControlMaxAge is the age past which a control request is answered as
	// expired instead of applied.
	ControlMaxAge = 30 * time.Second
)

// ControlResponse is produced on the control response topic for every
// control request read.
type ControlResponse struct {
	Controller   string    `json:"controller"`
	Active       bool      `json:"active"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	Skipped      bool      `json:"skipped,omitempty"`      // request was older than ControlMaxAge
	Deduplicated bool      `json:"deduplicated,omitempty"` // replaced by a newer request for the same controller
	Timestamp    time.Time `json:"timestamp"`
}

// ControlHandler is a callback for handling activate/idle requests.
type ControlHandler func(controller string, active bool) error

// pendingControl is a control request waiting for the next batch.
type pendingControl struct {
	request     monitor.ControlRequest
	messageTime time.Time
	offset      int64
}

// Consumer reads activate/idle requests from the control topic.
type Consumer struct {
	producer *Producer // for responses
	reader   *kafka.Reader
	running  bool
	mu       sync.RWMutex

	handler ControlHandler

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a control consumer that answers through producer.
func NewConsumer(producer *Producer) *Consumer {
	return &Consumer{
		producer: producer,
		stopChan: make(chan struct{}),
	}
}

// SetControlHandler sets the callback for control requests.
func (c *Consumer) SetControlHandler(handler ControlHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Start begins consuming control requests.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	cfg := c.producer.Config()
	ns := c.producer.Namespace()
	group := cfg.ConsumerGroup
	if group == "" {
		group = ns.KafkaConsumerGroup()
	}
	dialer, err := newDialer(cfg)
	if err != nil {
		return err
	}

	topic := ns.KafkaControlTopic()
	logConsumer("Starting consumer for topic '%s' with group '%s'", topic, group)

	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		Dialer:         dialer,
	})
	c.running = true
	c.stopChan = make(chan struct{})

	c.wg.Add(1)
	go c.consumeLoop(c.reader, c.stopChan)
	return nil
}

// Stop stops the consumer and closes its reader.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	logConsumer("Stopping consumer")
	c.running = false
	close(c.stopChan)
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logConsumer("Consumer stop timeout")
	}

	if reader != nil {
		reader.Close()
	}
}

// IsRunning returns whether the consumer is running.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// consumeLoop collects requests and applies them once per batch interval.
// Only the latest request per controller in a batch is applied.
func (c *Consumer) consumeLoop(reader *kafka.Reader, stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(ControlBatchInterval)
	defer ticker.Stop()

	pending := make(map[string]pendingControl)
	var discarded []pendingControl

	flush := func() {
		if len(pending) == 0 && len(discarded) == 0 {
			return
		}
		for _, resp := range c.execute(pending, discarded, time.Now()) {
			c.sendResponse(resp)
		}
		pending = make(map[string]pendingControl)
		discarded = nil
	}

	for {
		select {
		case <-stop:
			flush()
			return
		case <-ticker.C:
			flush()
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			msg, err := reader.FetchMessage(ctx)
			cancel()
			if err != nil {
				if !errors.Is(err, context.DeadlineExceeded) {
					logConsumer("Fetch error: %v", err)
					select {
					case <-stop:
						flush()
						return
					case <-time.After(time.Second):
					}
				}
				continue
			}

			req, err := decodeControl(msg)
			if err != nil {
				logConsumer("Discarding control message at offset %d: %v", msg.Offset, err)
				c.commitMessage(reader, msg)
				continue
			}

			if existing, ok := pending[req.Controller]; ok {
				discarded = append(discarded, existing)
			}
			pending[req.Controller] = pendingControl{
				request:     req,
				messageTime: msg.Time,
				offset:      msg.Offset,
			}
			c.commitMessage(reader, msg)
		}
	}
}

// decodeControl parses a control message. The message key names the
// controller when the payload does not.
func decodeControl(msg kafka.Message) (monitor.ControlRequest, error) {
	req, err := monitor.ParseControl(msg.Value)
	if err != nil {
		return req, err
	}
	if req.Controller == "" {
		req.Controller = string(msg.Key)
	}
	if req.Controller == "" {
		return req, errors.New("controller is required")
	}
	return req, nil
}

// execute applies one batch and returns a response for every request in it.
func (c *Consumer) execute(pending map[string]pendingControl, discarded []pendingControl, now time.Time) []ControlResponse {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	responses := make([]ControlResponse, 0, len(pending)+len(discarded))
	for _, pc := range discarded {
		responses = append(responses, ControlResponse{
			Controller:   pc.request.Controller,
			Active:       pc.request.Active,
			Error:        "request superseded by newer request for same controller",
			Deduplicated: true,
			Timestamp:    now,
		})
	}

	for _, pc := range pending {
		req := pc.request
		resp := ControlResponse{
			Controller: req.Controller,
			Active:     req.Active,
			Timestamp:  now,
		}

		if age := now.Sub(pc.messageTime); age > ControlMaxAge {
			resp.Skipped = true
			resp.Error = fmt.Sprintf("request expired (age: %v, max: %v)", age.Round(time.Millisecond), ControlMaxAge)
			responses = append(responses, resp)
			continue
		}

		var err error
		if handler != nil {
			err = handler(req.Controller, req.Active)
		} else {
			err = errors.New("no control handler configured")
		}
		if err != nil {
			resp.Error = err.Error()
			logConsumer("Control %s active=%v failed: %v", req.Controller, req.Active, err)
		} else {
			resp.Success = true
			logConsumer("Control %s active=%v applied", req.Controller, req.Active)
		}
		responses = append(responses, resp)
	}
	return responses
}

// sendResponse produces a control response keyed by controller.
func (c *Consumer) sendResponse(resp ControlResponse) {
	if c.producer.GetStatus() != StatusConnected {
		logConsumer("Cannot send response: producer not connected")
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	topic := c.producer.Namespace().KafkaControlResponseTopic()
	if err := c.producer.Produce(ctx, topic, []byte(resp.Controller), payload); err != nil {
		logConsumer("Failed to publish response to %s: %v", topic, err)
	}
}

// commitMessage commits a message offset.
func (c *Consumer) commitMessage(reader *kafka.Reader, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logConsumer("Failed to commit message: %v", err)
	}
}
