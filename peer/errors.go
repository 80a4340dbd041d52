package peer

import "github.com/pkg/errors"

// Error reports a peer-session failure: a double-open, I/O against a
// closed socket, a handshake info-hash mismatch, or a malformed frame.
type Error struct {
	msg string
	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return "peer: " + e.msg + ": " + e.err.Error()
	}
	return "peer: " + e.msg
}

func (e *Error) Unwrap() error { return e.err }

func newPeerError(msg string) error { return &Error{msg: msg} }

func wrapPeerError(msg string, err error) error {
	return &Error{msg: msg, err: errors.WithStack(err)}
}
