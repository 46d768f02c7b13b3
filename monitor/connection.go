// Package monitor drives controller sessions: the connection state machine,
// the poll scheduler, and the manager that runs one monitor per controller.
package monitor

import "time"

// ReconnectDelay is the countdown between a lost session and the next dial.
const ReconnectDelay = 60 * time.Second

// ConnState is the connection manager's state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateReconnecting
)

var connStateNames = [...]string{
	StateDisconnected: "Disconnected",
	StateConnecting:   "Connecting",
	StateConnected:    "Connected",
	StateClosing:      "Closing",
	StateReconnecting: "Reconnecting",
}

func (s ConnState) String() string {
	if s >= 0 && int(s) < len(connStateNames) {
		return connStateNames[s]
	}
	return "Unknown"
}

// MarshalText renders the state name in JSON output.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnEvent is an input to the connection state machine.
type ConnEvent int

const (
	// EvActivate is the external request to start operating.
	EvActivate ConnEvent = iota
	// EvIdle is the external request to stop operating.
	EvIdle
	// EvConnected reports a successful dial.
	EvConnected
	// EvSocketError reports a dial or I/O failure.
	EvSocketError
	// EvRemoteEOF reports the controller closing its end.
	EvRemoteEOF
	// EvIdleTimeout reports a reply that never arrived.
	EvIdleTimeout
	// EvSessionFatal reports a protocol error that ends the session.
	EvSessionFatal
	// EvClosed reports that our own close has finished.
	EvClosed
	// EvCountdownExpired ends the reconnect countdown.
	EvCountdownExpired

	numConnEvents
)

var connEventNames = [numConnEvents]string{
	EvActivate:         "activate",
	EvIdle:             "idle",
	EvConnected:        "connected",
	EvSocketError:      "socketError",
	EvRemoteEOF:        "remoteEOF",
	EvIdleTimeout:      "idleTimeout",
	EvSessionFatal:     "sessionFatal",
	EvClosed:           "closed",
	EvCountdownExpired: "countdownExpired",
}

func (e ConnEvent) String() string {
	if e >= 0 && e < numConnEvents {
		return connEventNames[e]
	}
	return "unknown"
}

// Action is a set of side effects the supervisor performs after a transition.
type Action uint8

const (
	// ActDial starts a new connection attempt.
	ActDial Action = 1 << iota
	// ActAbortDial abandons an in-progress connection attempt.
	ActAbortDial
	// ActStartSession logs in and starts polling on the new socket.
	ActStartSession
	// ActLogout sends $Logout before closing.
	ActLogout
	// ActClose half-closes and destroys the socket.
	ActClose
	// ActStartCountdown arms the reconnect countdown.
	ActStartCountdown
	// ActStopCountdown cancels the reconnect countdown.
	ActStopCountdown
)

// Has reports whether a includes every bit of b.
func (a Action) Has(b Action) bool { return a&b == b }

// Step is the outcome of one transition.
type Step struct {
	Next       ConnState
	HalfClosed bool
	Action     Action
}

func (s Step) String() string {
	return s.Next.String()
}

// Transition is the connection manager's state table. halfClosed is set
// while we are closing the socket ourselves; socket failures seen in that
// window never start a reconnect.
func Transition(s ConnState, ev ConnEvent, halfClosed bool) Step {
	stay := Step{Next: s, HalfClosed: halfClosed}

	switch s {
	case StateDisconnected:
		if ev == EvActivate {
			return Step{Next: StateConnecting, Action: ActDial}
		}
		return stay

	case StateConnecting:
		switch ev {
		case EvConnected:
			return Step{Next: StateConnected, Action: ActStartSession}
		case EvSocketError, EvRemoteEOF, EvIdleTimeout:
			return Step{Next: StateReconnecting, Action: ActStartCountdown}
		case EvIdle:
			return Step{Next: StateDisconnected, Action: ActAbortDial}
		}
		return stay

	case StateConnected:
		switch ev {
		case EvSocketError, EvRemoteEOF, EvIdleTimeout, EvClosed:
			if halfClosed {
				return Step{Next: StateDisconnected, Action: ActClose}
			}
			return Step{Next: StateReconnecting, Action: ActClose | ActStartCountdown}
		case EvIdle:
			return Step{Next: StateClosing, HalfClosed: true, Action: ActLogout | ActClose}
		case EvSessionFatal:
			return Step{Next: StateClosing, HalfClosed: true, Action: ActClose}
		}
		return stay

	case StateClosing:
		if ev == EvClosed {
			return Step{Next: StateDisconnected}
		}
		return stay

	case StateReconnecting:
		switch ev {
		case EvActivate, EvCountdownExpired:
			return Step{Next: StateConnecting, Action: ActStopCountdown | ActDial}
		case EvIdle:
			return Step{Next: StateDisconnected, Action: ActStopCountdown}
		}
		return stay
	}
	return stay
}

// machine holds the authoritative connection state and half-closed flag.
type machine struct {
	state      ConnState
	halfClosed bool
}

func (m *machine) fire(ev ConnEvent) Step {
	step := Transition(m.state, ev, m.halfClosed)
	m.state = step.Next
	m.halfClosed = step.HalfClosed
	return step
}
