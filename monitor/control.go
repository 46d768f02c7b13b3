package monitor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ControlRequest is the JSON form of an activate/idle request. Controller
// may be empty when the transport already names it (topic, URL).
type ControlRequest struct {
	Controller string `json:"controller,omitempty"`
	Active     bool   `json:"active"`
}

// ParseControl decodes a control payload. Accepted forms are a bare
// true/false, 1/0, on/off, or a ControlRequest object.
func ParseControl(payload []byte) (ControlRequest, error) {
	s := strings.TrimSpace(string(payload))
	switch strings.ToLower(strings.Trim(s, `"`)) {
	case "true", "1", "on", "active":
		return ControlRequest{Active: true}, nil
	case "false", "0", "off", "idle":
		return ControlRequest{Active: false}, nil
	}

	if strings.HasPrefix(s, "{") {
		var raw struct {
			Controller string `json:"controller"`
			Active     *bool  `json:"active"`
		}
		if err := json.Unmarshal([]byte(s), &raw); err != nil {
			return ControlRequest{}, fmt.Errorf("invalid control message: %w", err)
		}
		if raw.Active == nil {
			return ControlRequest{}, fmt.Errorf("invalid control message: missing \"active\"")
		}
		return ControlRequest{Controller: raw.Controller, Active: *raw.Active}, nil
	}
	return ControlRequest{}, fmt.Errorf("invalid control message: %q", s)
}
