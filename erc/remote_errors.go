package erc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a command is sent without a live socket.
	ErrNotConnected = errors.New("command sent but socket not connected")
	// ErrTimeout is returned when a reply does not arrive within the idle timeout.
	ErrTimeout = errors.New("socket timeout")
	// ErrClosed is returned by a channel whose socket has already failed.
	ErrClosed = errors.New("command channel closed")
)

// Remote command error codes returned in '!' replies.
const (
	CodeBadLogin         = "13"
	CodePasswordRequired = "98"
)

var remoteErrorMessages = map[string]string{
	"10": "Remote command does not begin with '$'",
	"11": "Remote command is wrong, or Login is not executed",
	"12": "Remote command format is wrong",
	"13": "Login command password is wrong",
	"14": "Specified number to acquire is out of range (1 or more and 100 or less) or omitted, or specified a string parameter",
	"15": "Parameter is not existed, or dimension of parameter is wrong, or element out of range is called",
	"19": "Request time out",
	"20": "Controller is not ready",
	"21": "Cannot execute since the Execute is running",
	"98": "Password is required for Login when using the global IP address",
	"99": "System error, or communication error",
}

// RemoteErrorMessage returns the text for a remote command error code.
func RemoteErrorMessage(code string) string {
	if msg, ok := remoteErrorMessages[code]; ok {
		return msg
	}
	return "Unknown remote command error"
}

// RemoteError is a '!' reply from the controller.
type RemoteError struct {
	Code     string
	Response string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("Remote command: %s: %s", e.Response, RemoteErrorMessage(e.Code))
}

// Fatal reports whether the error ends the session (password failures).
func (e *RemoteError) Fatal() bool {
	return e.Code == CodeBadLogin || e.Code == CodePasswordRequired
}

// IsFatal reports whether err carries a session-fatal remote error.
func IsFatal(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Fatal()
}
