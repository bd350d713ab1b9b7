package domain

// StreamTicket holds the signaling credentials and ICE configuration the
// REST backend issues for one session entry. The access token inside is
// short-lived and scoped to the session.
type StreamTicket struct {
	SessionID      string      `json:"sessionId"`
	UserID         string      `json:"userId"`
	PeerLabel      string      `json:"peerLabel"`
	Role           string      `json:"role"`
	AccessToken    string      `json:"accessToken"`
	SignalURL      string      `json:"signalUrl"`
	ICEServers     []ICEServer `json:"iceServers"`
	PingInterval   int         `json:"pingInterval"`
	ExpirationTime int64       `json:"expirationTime"`
}

// Session builds the immutable session identity from the ticket.
func (t *StreamTicket) Session() Session {
	return Session{
		ID:          t.SessionID,
		UserID:      t.UserID,
		PeerLabel:   t.PeerLabel,
		AccessToken: t.AccessToken,
		Role:        Role(t.Role),
	}
}
