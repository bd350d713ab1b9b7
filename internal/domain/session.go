package domain

// Role identifies which side of a stream session this client plays.
// The two roles are mutually exclusive within one session.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

// Session holds the identity of one live session membership.
// Created on EnterSession and immutable until ExitSession or forced logout.
type Session struct {
	ID          string
	UserID      string
	PeerLabel   string
	AccessToken string
	Role        Role
}

// ChannelState is the connection state of the signaling channel.
type ChannelState int

const (
	ChannelDisconnected ChannelState = iota
	ChannelConnecting
	ChannelConnected
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// LifecycleState is the coordinator-owned session lifecycle.
type LifecycleState int

const (
	StateNotEntered LifecycleState = iota
	StateAwaitingJoin
	StateWaiting
	StateStarted
	StateNegotiating
	StateStreaming
	StateFinished
	StateExited
)

func (s LifecycleState) String() string {
	switch s {
	case StateAwaitingJoin:
		return "awaiting_join"
	case StateWaiting:
		return "waiting"
	case StateStarted:
		return "started"
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StateFinished:
		return "finished"
	case StateExited:
		return "exited"
	default:
		return "not_entered"
	}
}

// Session status values reported by the relay in the join acknowledgement.
const (
	SessionWaiting  = "waiting"
	SessionStarted  = "started"
	SessionFinished = "finished"
)

// TrackKind distinguishes the two local media tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// MediaTrackState mirrors the last communicated enabled flags for one
// side's stream. The local copy is owned by the negotiation engine, the
// remote copy by the coordinator (authoritative via channel events only).
type MediaTrackState struct {
	AudioEnabled bool
	VideoEnabled bool
}

// ICEServer is one STUN/TURN entry handed to the negotiation engine.
type ICEServer struct {
	URL        string `json:"url"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}
