// Package rosbridge is a client for the rosbridge v2 protocol: ROS topics
// and services spoken as JSON (or CBOR) envelopes over a websocket.
//
// A Session owns the websocket. Service and Topic values are lightweight
// handles bound to a session; they borrow its connection and never own
// network resources themselves.
package rosbridge

import (
	"errors"
	"fmt"
)

// State describes the session's link status.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

var (
	// ErrAlreadyConnected is returned by Connect on a live session.
	ErrAlreadyConnected = errors.New("rosbridge: already connected")
	// ErrNotConnected is returned by operations that need a live link.
	ErrNotConnected = errors.New("rosbridge: not connected")
	// ErrConnectTimeout marks a connect attempt that ran out of time.
	ErrConnectTimeout = errors.New("rosbridge: connect timed out")
	// ErrServiceFailed is returned when the remote service reports result=false.
	ErrServiceFailed = errors.New("rosbridge: service call failed")
	// ErrClosed is returned to in-flight calls when the link goes away.
	ErrClosed = errors.New("rosbridge: connection closed")
)

// ConnectError reports a failed dial or websocket handshake.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("rosbridge: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
