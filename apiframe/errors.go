package apiframe

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned for requests issued after the
	// transport has closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrConnectionClosing is returned for requests issued while the
	// connection is shutting down.
	ErrConnectionClosing = errors.New("connection closing")

	// ErrConnectionError wraps transport-level failures.
	ErrConnectionError = errors.New("connection error")

	// ErrConnectionNonsense is returned when the peer violates the
	// protocol, e.g. a response for an unknown request id. The connection
	// is terminated.
	ErrConnectionNonsense = errors.New("connection nonsense")

	// ErrUnknownTarget is returned for calls on targets the connection
	// does not hold.
	ErrUnknownTarget = errors.New("unknown target")

	// ErrUnknownMethod is returned for calls on methods a target does not
	// expose.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrBadData is returned when an encoded value crosses the boundary in
	// an unrecognized shape.
	ErrBadData = errors.New("bad data")

	// ErrBadValue is returned when an argument fails validation.
	ErrBadValue = errors.New("bad value")

	// ErrAuthFailed is returned when a challenge response does not verify.
	ErrAuthFailed = errors.New("auth failed")
)

// Named is implemented by errors that carry a stable wire name. The framing
// layer uses it to preserve error identity across the RPC boundary.
type Named interface {
	ErrorName() string
}

// ErrorName maps an error to its wire name, falling back to "remoteError"
// for errors without one.
func ErrorName(err error) string {
	var named Named
	if errors.As(err, &named) {
		return named.ErrorName()
	}
	switch {
	case errors.Is(err, ErrConnectionClosed):
		return "connectionClosed"
	case errors.Is(err, ErrConnectionClosing):
		return "connectionClosing"
	case errors.Is(err, ErrConnectionNonsense):
		return "connectionNonsense"
	case errors.Is(err, ErrConnectionError):
		return "connectionError"
	case errors.Is(err, ErrUnknownTarget):
		return "unknownTarget"
	case errors.Is(err, ErrUnknownMethod):
		return "unknownMethod"
	case errors.Is(err, ErrBadData):
		return "badData"
	case errors.Is(err, ErrBadValue):
		return "badValue"
	case errors.Is(err, ErrAuthFailed):
		return "authFailed"
	}
	return "remoteError"
}

// RemoteError wraps an error surfaced from the other side of the RPC
// boundary, preserving its wire name and info payload.
type RemoteError struct {
	// Name is the wire name of the original error.
	Name string
	// Info carries structured detail about the original error.
	Info map[string]interface{}
}

// Error implements error.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %v", e.Name, e.Info)
}

// ErrorName implements Named.
func (e *RemoteError) ErrorName() string { return e.Name }

// IsRemote reports whether err is a remote error with the given wire name.
func IsRemote(err error, name string) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Name == name
}
