package mux

import (
	"errors"
	"fmt"
)

// Lifecycle errors. ErrDraining and ErrClosed are returned by Dispatch
// and Ping once the session has left the Dispatching state; they never
// indicate a wire fault.
var (
	ErrDraining = errors.New("mux: session is draining, no new dispatches accepted")
	ErrClosed   = errors.New("mux: session is closed")
)

// ErrTagsExhausted is returned by Dispatch when every tag in
// [2, MaxTag] is already in flight.
var ErrTagsExhausted = errors.New("mux: no free tags, too many in-flight dispatches")

// ProtocolError reports a wire-level violation: an unknown frame kind,
// an unknown Rmsg status byte, a malformed Tlease, or a reply tagged
// for a stream the session never opened. A ProtocolError is always
// fatal to the session that produced it; see Session.Err.
type ProtocolError string

// Error implements the builtin.error interface.
func (e ProtocolError) Error() string {
	return "mux protocol error: " + string(e)
}

// errUnexpectedKind reports a frame kind the client does not expect to
// receive from a server (e.g. a second Tinit, or a Treq).
func errUnexpectedKind(k FrameKind) error {
	return ProtocolError(fmt.Sprintf("unexpected frame kind %s from peer", k))
}

// errUnknownStatus reports an Rmsg status byte outside {0, 1, 2}.
func errUnknownStatus(status byte) error {
	return ProtocolError(fmt.Sprintf("invalid Rmsg status code: %d", status))
}

// errUnmatchedTag reports a reply whose tag does not correspond to any
// outstanding dispatch.
func errUnmatchedTag(id uint32) error {
	return ProtocolError(fmt.Sprintf("reply for unknown tag %d", id))
}
