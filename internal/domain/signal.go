package domain

// Event names on the signaling channel. Outbound unless noted.
const (
	EventJoin       = "join"
	EventLeave      = "leave"
	EventPublish    = "publish"
	EventPlay       = "play"
	EventCandidate  = "candidate" // both directions
	EventVideoOn    = "video-enable"
	EventVideoOff   = "video-disable"
	EventStreamInfo = "stream-info"
	EventStopStream = "stop-stream"
	EventChat       = "chat" // both directions

	// Inbound only.
	EventForceLogout     = "force-logout"
	EventSessionStarted  = "session-started"
	EventSessionFinished = "session-finished"
	EventStreamPublished = "stream-published"
	EventVideoEnabled    = "video-enabled"
	EventVideoDisabled   = "video-disabled"
)

// JoinPayload is sent with the join and leave events.
type JoinPayload struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	AccessToken string `json:"accessToken"`
}

// JoinAck is the success slot of the join acknowledgement.
type JoinAck struct {
	Status     string      `json:"status"`
	ServerTime int64       `json:"serverTime"`
	Session    SessionInfo `json:"sessionInfo"`
}

// SessionInfo describes the course session as the relay sees it.
type SessionInfo struct {
	ID            string `json:"id"`
	Title         string `json:"title,omitempty"`
	BroadcasterID string `json:"broadcasterId,omitempty"`
	Status        string `json:"status"`
}

// OfferPayload is sent with publish (broadcaster) and play (viewer).
type OfferPayload struct {
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	PeerLabel    string `json:"peerLabel"`
	OfferSDP     string `json:"offerSdp"`
	VideoEnabled bool   `json:"videoEnabled"`
}

// AnswerAck is the success slot of the publish/play acknowledgement.
type AnswerAck struct {
	AnswerSDP string `json:"answerSdp"`
}

// Candidate is one ICE candidate in wire form.
type Candidate struct {
	SDP           string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// CandidatePayload carries a candidate in either direction.
type CandidatePayload struct {
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId,omitempty"`
	AccessToken string    `json:"accessToken,omitempty"`
	PeerLabel   string    `json:"peerLabel,omitempty"`
	Candidate   Candidate `json:"candidate"`
}

// StreamInfoAck is the success slot of the stream-info acknowledgement.
type StreamInfoAck struct {
	PeerLabel    string `json:"peerLabel"`
	VideoEnabled bool   `json:"videoEnabled"`
}

// SessionRef is the payload of events that only name the session
// (video-enable, video-disable, stream-info, stop-stream).
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

// StreamPublishedPayload announces that the broadcaster went live.
type StreamPublishedPayload struct {
	VideoEnabled bool `json:"videoEnabled"`
}

// ForceLogoutPayload carries the server-supplied logout reason.
type ForceLogoutPayload struct {
	Reason string `json:"reason"`
}

// ChatMessage is a chat line in either direction.
type ChatMessage struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Text      string `json:"text"`
	SentAt    int64  `json:"sentAt,omitempty"`
}
