package domain

import (
	"encoding/json"
	"time"
)

// TicketFetcher retrieves stream credentials from the REST backend.
type TicketFetcher interface {
	FetchStreamTicket(token, sessionID string) (*StreamTicket, error)
}

// AckFunc resolves an acknowledged request exactly once. The two-slot
// convention mirrors the wire: err carries the error slot (including
// ErrNoAck for the sentinel), payload the raw success slot.
type AckFunc func(err error, payload json.RawMessage)

// Channel is the persistent bidirectional event connection to the
// signaling relay. Connect and Disconnect are safe from any goroutine;
// every callback is delivered on the owner's run loop.
type Channel interface {
	Connect()
	Disconnect()
	SendEvent(event string, payload any)
	SendRequest(event string, payload any, timeout time.Duration, ack AckFunc)
	Handle(event string, fn func(payload json.RawMessage))
	HandleState(fn func(state ChannelState))
}

// Engine manages exactly one peer connection and its media tracks.
// All methods must be invoked on the run loop; the engine never touches
// the transport, it only emits events through its observer.
type Engine interface {
	StartBroadcaster(servers []ICEServer) error
	StartViewer(servers []ICEServer) error
	Stop()
	SetTrackEnabled(kind TrackKind, enabled bool) error
	ReceiveRemoteCandidate(c Candidate)
	ReceiveRemoteDescription(answerSDP string)
	SetObserver(o EngineObserver)
}

// EngineObserver receives negotiation engine events on the run loop.
type EngineObserver interface {
	OnLocalDescription(sdp string)
	OnLocalCandidate(c Candidate)
	OnRemoteDescriptionResolved(err error)
	OnRemoteTrack(track RemoteTrack)
	OnEngineConnectionState(connected bool)
}

// RemoteTrack is an attached remote media track surfaced to the UI.
type RemoteTrack interface {
	Kind() TrackKind
	ID() string
}

// Delegate is the UI-facing surface of the coordinator.
type Delegate interface {
	OnLifecycleChange(state LifecycleState)
	OnChannelState(state ChannelState)
	OnMediaConnectionState(connected bool)
	OnRemoteTrack(track RemoteTrack)
	OnRemoteMediaState(state MediaTrackState)
	OnWaitingForBroadcaster()
	OnChat(msg ChatMessage)
	OnSessionFinished()
	OnForcedLogout(reason string)
	OnSessionError(err error)
}
