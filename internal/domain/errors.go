package domain

import (
	"errors"
	"fmt"
)

// NoAckSentinel is the distinguished error slot value meaning the relay
// could not process the request yet. Callers with a retry policy treat
// it as transient; everyone else surfaces it as a normal failure.
const NoAckSentinel = "no_ack"

var (
	// ErrNoAck maps the no-ack sentinel onto the error taxonomy.
	ErrNoAck = errors.New("relay not ready")

	// ErrRequestTimeout is returned when no acknowledgement arrived
	// within the request deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrCancelled resolves pending requests torn down by Disconnect.
	ErrCancelled = errors.New("request cancelled")

	// ErrNotReachable is returned when the channel has no transport to
	// send on, or loses it before the acknowledgement arrives.
	ErrNotReachable = errors.New("signaling relay not reachable")

	// ErrNoStream is reported by stream-info when no broadcaster is live.
	ErrNoStream = errors.New("no stream")
)

// ServerError carries an explicit error payload from the relay.
// Codes >= 500 are relay-side faults, the rest request faults.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	if e.Code >= 500 {
		return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
	}
	if e.Code > 0 {
		return fmt.Sprintf("relay rejected request (%d): %s", e.Code, e.Message)
	}
	return e.Message
}

// NegotiationError wraps a failure inside the negotiation engine.
type NegotiationError struct {
	Stage string // "capture", "offer", "remote-description", "candidate"
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
