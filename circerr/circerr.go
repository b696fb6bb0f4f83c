// Package circerr defines the error kinds surfaced by relay selection, path
// construction and circuit building.
package circerr

import (
	"errors"
	"fmt"
)

// ErrCircTimeout is returned when a circuit build exceeds its timeout.
var ErrCircTimeout = errors.New("circuit build timed out")

// ErrCancelled is returned when the caller gave up on the operation.
var ErrCancelled = errors.New("operation cancelled")

// NoRelaysError reports that no relay could satisfy the selection constraints.
type NoRelaysError struct {
	Reason string
}

func (e *NoRelaysError) Error() string {
	return "no usable relays: " + e.Reason
}

// NoRelays builds a NoRelaysError with a formatted reason.
func NoRelays(format string, args ...any) error {
	return &NoRelaysError{Reason: fmt.Sprintf(format, args...)}
}

// ChannelError reports that the channel manager could not deliver a channel
// to the first hop.
type ChannelError struct {
	Target string
	Err    error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel to %s failed: %v", e.Target, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// ProtocolError reports a handshake failure at a named stage.
type ProtocolError struct {
	Stage string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %v", e.Stage, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// BadInputError reports malformed caller input such as an identity of the
// wrong length or an empty path.
type BadInputError struct {
	What string
}

func (e *BadInputError) Error() string {
	return "bad input: " + e.What
}

// BadInput builds a BadInputError with a formatted description.
func BadInput(format string, args ...any) error {
	return &BadInputError{What: fmt.Sprintf(format, args...)}
}

// IsNoRelays reports whether err is, or wraps, a NoRelaysError.
func IsNoRelays(err error) bool {
	var e *NoRelaysError
	return errors.As(err, &e)
}

// IsBadInput reports whether err is, or wraps, a BadInputError.
func IsBadInput(err error) bool {
	var e *BadInputError
	return errors.As(err, &e)
}
