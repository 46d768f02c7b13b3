package erc

import "time"

// EventKind tags the variants of Event.
type EventKind int

const (
	// EventWarning is a recoverable protocol anomaly.
	EventWarning EventKind = iota + 1
	// EventFatal ends the current session.
	EventFatal
	// EventPhaseChanged reports a new controller execution phase.
	EventPhaseChanged
	// EventConnection reports a connection status change.
	EventConnection
	// EventLog is an informational message.
	EventLog
)

func (k EventKind) String() string {
	switch k {
	case EventWarning:
		return "warning"
	case EventFatal:
		return "fatal"
	case EventPhaseChanged:
		return "phase"
	case EventConnection:
		return "connection"
	case EventLog:
		return "log"
	default:
		return "unknown"
	}
}

// StatusCode is the machine-readable connection status shown to users.
type StatusCode string

const (
	StatusDisconnected       StatusCode = "disconnected"
	StatusConnecting         StatusCode = "connecting"
	StatusConnected          StatusCode = "connected"
	StatusConnectedWithPhase StatusCode = "connected-with-phase"
	StatusReconnecting       StatusCode = "reconnecting"
)

// Event is a notification pushed from the protocol engine to the host.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind       EventKind
	Controller string
	Time       time.Time
	Text       string
	Err        error
	Phase      Phase
	Status     StatusCode
	Countdown  int
}

// Warning builds a warning event.
func Warning(text string) Event {
	return Event{Kind: EventWarning, Text: text}
}

// Fatal builds a session-fatal event.
func Fatal(err error) Event {
	return Event{Kind: EventFatal, Err: err, Text: err.Error()}
}

// PhaseChanged builds a phase change event.
func PhaseChanged(p Phase) Event {
	return Event{Kind: EventPhaseChanged, Phase: p, Status: StatusConnectedWithPhase, Text: string(p)}
}

// Connection builds a connection status event.
func Connection(code StatusCode, countdown int) Event {
	return Event{Kind: EventConnection, Status: code, Countdown: countdown, Text: string(code)}
}

// Log builds an informational event.
func Log(text string) Event {
	return Event{Kind: EventLog, Text: text}
}
