package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courselive/mobile/internal/domain"
	"courselive/mobile/internal/runloop"
)

// mockChannel scripts relay behavior. All calls happen on the loop, so
// tests read its fields through loop.Sync.
type mockChannel struct {
	handlers map[string]func(json.RawMessage)
	stateFn  func(domain.ChannelState)

	// respond returns the two ack slots for a request; nil means the
	// request is left pending forever.
	respond func(event string, payload any) (error, json.RawMessage)

	events      []string
	requests    []string
	connects    int
	disconnects int
}

func newMockChannel() *mockChannel {
	return &mockChannel{handlers: map[string]func(json.RawMessage){}}
}

func (m *mockChannel) Connect() {
	m.connects++
	if m.stateFn != nil {
		m.stateFn(domain.ChannelConnected)
	}
}

func (m *mockChannel) Disconnect() { m.disconnects++ }

func (m *mockChannel) SendEvent(event string, payload any) {
	m.events = append(m.events, event)
}

func (m *mockChannel) SendRequest(event string, payload any, timeout time.Duration, ack domain.AckFunc) {
	m.requests = append(m.requests, event)
	if m.respond == nil {
		return
	}
	err, raw := m.respond(event, payload)
	ack(err, raw)
}

func (m *mockChannel) Handle(event string, fn func(json.RawMessage)) { m.handlers[event] = fn }
func (m *mockChannel) HandleState(fn func(domain.ChannelState))      { m.stateFn = fn }

// fire delivers an inbound event the way the real channel would.
// Call from the loop.
func (m *mockChannel) fire(event string, payload any) {
	raw, _ := json.Marshal(payload)
	if fn := m.handlers[event]; fn != nil {
		fn(raw)
	}
}

func (m *mockChannel) countRequests(event string) int {
	n := 0
	for _, e := range m.requests {
		if e == event {
			n++
		}
	}
	return n
}

type mockEngine struct {
	observer domain.EngineObserver

	broadcasterStarts int
	viewerStarts      int
	stops             int
	remoteDesc        []string
	remoteCands       []domain.Candidate
	trackToggles      map[domain.TrackKind]bool
}

func newMockEngine() *mockEngine {
	return &mockEngine{trackToggles: map[domain.TrackKind]bool{}}
}

func (m *mockEngine) StartBroadcaster(servers []domain.ICEServer) error {
	m.broadcasterStarts++
	return nil
}

func (m *mockEngine) StartViewer(servers []domain.ICEServer) error {
	m.viewerStarts++
	return nil
}

func (m *mockEngine) Stop() { m.stops++ }

func (m *mockEngine) SetTrackEnabled(kind domain.TrackKind, enabled bool) error {
	m.trackToggles[kind] = enabled
	return nil
}

func (m *mockEngine) ReceiveRemoteCandidate(c domain.Candidate) {
	m.remoteCands = append(m.remoteCands, c)
}

func (m *mockEngine) ReceiveRemoteDescription(sdp string) {
	m.remoteDesc = append(m.remoteDesc, sdp)
}

func (m *mockEngine) SetObserver(o domain.EngineObserver) { m.observer = o }

type mockDelegate struct {
	lifecycle    []domain.LifecycleState
	waiting      int
	finished     int
	logoutReason string
	errors       []error
	remoteStates []domain.MediaTrackState
	chats        []domain.ChatMessage
}

func (d *mockDelegate) OnLifecycleChange(s domain.LifecycleState) { d.lifecycle = append(d.lifecycle, s) }
func (d *mockDelegate) OnChannelState(domain.ChannelState)        {}
func (d *mockDelegate) OnMediaConnectionState(bool)               {}
func (d *mockDelegate) OnRemoteTrack(domain.RemoteTrack)          {}
func (d *mockDelegate) OnRemoteMediaState(s domain.MediaTrackState) {
	d.remoteStates = append(d.remoteStates, s)
}
func (d *mockDelegate) OnWaitingForBroadcaster()      { d.waiting++ }
func (d *mockDelegate) OnChat(msg domain.ChatMessage) { d.chats = append(d.chats, msg) }
func (d *mockDelegate) OnSessionFinished()            { d.finished++ }
func (d *mockDelegate) OnForcedLogout(reason string)  { d.logoutReason = reason }
func (d *mockDelegate) OnSessionError(err error)      { d.errors = append(d.errors, err) }

func (d *mockDelegate) countLifecycle(s domain.LifecycleState) int {
	n := 0
	for _, v := range d.lifecycle {
		if v == s {
			n++
		}
	}
	return n
}

type fixture struct {
	loop  *runloop.Loop
	ch    *mockChannel
	eng   *mockEngine
	del   *mockDelegate
	coord *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	loop := runloop.New()
	go loop.Run()
	t.Cleanup(loop.Close)

	ch := newMockChannel()
	eng := newMockEngine()
	del := &mockDelegate{}
	coord := New(loop, ch, eng, del, Config{
		RequestTimeout: time.Second,
		RestartDelay:   10 * time.Millisecond,
	})
	return &fixture{loop: loop, ch: ch, eng: eng, del: del, coord: coord}
}

func testSession(role domain.Role) domain.Session {
	return domain.Session{
		ID:          "S1",
		UserID:      "U1",
		PeerLabel:   "peer-u1",
		AccessToken: "tok",
		Role:        role,
	}
}

func joinAck(status string) json.RawMessage {
	raw, _ := json.Marshal(domain.JoinAck{
		Status:  status,
		Session: domain.SessionInfo{ID: "S1", Status: status},
	})
	return raw
}

func (f *fixture) enter(t *testing.T, role domain.Role) {
	t.Helper()
	f.coord.EnterSession(testSession(role), nil)
	f.loop.Sync(func() {})
}

func TestJoinRetryOnNoAck(t *testing.T) {
	f := newFixture(t)

	joins := 0
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		if event != domain.EventJoin {
			return nil, nil
		}
		joins++
		if joins <= 3 {
			return domain.ErrNoAck, nil
		}
		return nil, joinAck(domain.SessionStarted)
	}

	f.enter(t, domain.RoleBroadcaster)

	f.loop.Sync(func() {
		// K sentinels then success: exactly K+1 join requests and one
		// transition into the joined lifecycle.
		assert.Equal(t, 4, joins)
		assert.Equal(t, 4, f.ch.countRequests(domain.EventJoin))
		assert.Equal(t, 1, f.del.countLifecycle(domain.StateStarted))
		assert.Equal(t, 1, f.eng.broadcasterStarts)
		assert.Equal(t, domain.StateNegotiating, f.coord.State())
	})
}

func TestJoinServerErrorSurfaces(t *testing.T) {
	f := newFixture(t)
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		return &domain.ServerError{Code: 403, Message: "not enrolled"}, nil
	}

	f.enter(t, domain.RoleViewer)

	f.loop.Sync(func() {
		require.Len(t, f.del.errors, 1)
		assert.ErrorContains(t, f.del.errors[0], "not enrolled")
		assert.Equal(t, 0, f.eng.viewerStarts)
	})
}

func TestJoinFinishedIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		return nil, joinAck(domain.SessionFinished)
	}

	f.enter(t, domain.RoleViewer)

	f.loop.Sync(func() {
		assert.Equal(t, domain.StateFinished, f.coord.State())
		assert.Equal(t, 1, f.del.finished)
		assert.Equal(t, 0, f.eng.viewerStarts)
		assert.Equal(t, 1, f.ch.disconnects)
	})
}

func TestBroadcasterFlow(t *testing.T) {
	f := newFixture(t)
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		switch event {
		case domain.EventJoin:
			return nil, joinAck(domain.SessionStarted)
		case domain.EventPublish:
			offer := payload.(domain.OfferPayload)
			assert.Equal(t, "offer-sdp", offer.OfferSDP)
			assert.Equal(t, "S1", offer.SessionID)
			raw, _ := json.Marshal(domain.AnswerAck{AnswerSDP: "X"})
			return nil, raw
		}
		return nil, nil
	}

	f.enter(t, domain.RoleBroadcaster)
	f.loop.Sync(func() {
		require.Equal(t, 1, f.eng.broadcasterStarts)
		f.coord.OnLocalDescription("offer-sdp")
	})

	f.loop.Sync(func() {
		require.Equal(t, []string{"X"}, f.eng.remoteDesc)
		f.coord.OnRemoteDescriptionResolved(nil)
	})

	f.loop.Sync(func() {
		assert.Equal(t, domain.StateStreaming, f.coord.State())
	})
}

func TestViewerWaitsWhenNoStream(t *testing.T) {
	f := newFixture(t)
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		switch event {
		case domain.EventJoin:
			return nil, joinAck(domain.SessionStarted)
		case domain.EventStreamInfo:
			return &domain.ServerError{Message: "no stream"}, nil
		}
		return nil, nil
	}

	f.enter(t, domain.RoleViewer)

	f.loop.Sync(func() {
		assert.Equal(t, 0, f.eng.viewerStarts)
		assert.Equal(t, 1, f.del.waiting)
		assert.Equal(t, domain.StateWaiting, f.coord.State())
	})
}

func TestViewerStartsWhenStreamLive(t *testing.T) {
	f := newFixture(t)
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		switch event {
		case domain.EventJoin:
			return nil, joinAck(domain.SessionStarted)
		case domain.EventStreamInfo:
			raw, _ := json.Marshal(domain.StreamInfoAck{PeerLabel: "b", VideoEnabled: false})
			return nil, raw
		}
		return nil, nil
	}

	f.enter(t, domain.RoleViewer)

	f.loop.Sync(func() {
		assert.Equal(t, 1, f.eng.viewerStarts)
		assert.Equal(t, domain.StateNegotiating, f.coord.State())
		// Remote video state seeded from the stream info.
		require.NotEmpty(t, f.del.remoteStates)
		assert.False(t, f.del.remoteStates[len(f.del.remoteStates)-1].VideoEnabled)
	})
}

func TestStreamPublishedStartsWaitingViewer(t *testing.T) {
	f := newFixture(t)
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		switch event {
		case domain.EventJoin:
			return nil, joinAck(domain.SessionStarted)
		case domain.EventStreamInfo:
			return &domain.ServerError{Message: "no stream"}, nil
		}
		return nil, nil
	}

	f.enter(t, domain.RoleViewer)
	f.loop.Sync(func() {
		require.Equal(t, domain.StateWaiting, f.coord.State())
		f.ch.fire(domain.EventStreamPublished, domain.StreamPublishedPayload{VideoEnabled: true})
	})

	f.loop.Sync(func() {
		assert.Equal(t, 1, f.eng.viewerStarts)
		assert.Equal(t, domain.StateNegotiating, f.coord.State())
	})
}

func TestExitSessionIdempotent(t *testing.T) {
	f := newFixture(t)
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		return nil, joinAck(domain.SessionStarted)
	}

	f.enter(t, domain.RoleBroadcaster)
	f.coord.ExitSession()
	f.coord.ExitSession()
	f.coord.ExitSession()

	f.loop.Sync(func() {
		assert.Equal(t, domain.StateExited, f.coord.State())
		assert.Equal(t, 1, f.eng.stops)
		assert.Equal(t, 1, f.ch.disconnects)
		leaves := 0
		for _, e := range f.ch.events {
			if e == domain.EventLeave {
				leaves++
			}
		}
		assert.Equal(t, 1, leaves)
	})
}

func TestForceLogoutPreemptsNegotiation(t *testing.T) {
	f := newFixture(t)
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		return nil, joinAck(domain.SessionStarted)
	}

	f.enter(t, domain.RoleBroadcaster)
	f.loop.Sync(func() {
		require.Equal(t, domain.StateNegotiating, f.coord.State())
		f.ch.fire(domain.EventForceLogout, domain.ForceLogoutPayload{Reason: "banned"})
	})

	f.loop.Sync(func() {
		assert.Equal(t, domain.StateExited, f.coord.State())
		assert.Equal(t, "banned", f.del.logoutReason)
		assert.Equal(t, 1, f.eng.stops)
		assert.Equal(t, 1, f.ch.disconnects)
	})
}

func TestTrackToggleAnnouncedOverChannel(t *testing.T) {
	f := newFixture(t)
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		return nil, joinAck(domain.SessionStarted)
	}

	f.enter(t, domain.RoleBroadcaster)
	f.coord.SetTrackEnabled(domain.TrackVideo, false)
	f.coord.SetTrackEnabled(domain.TrackVideo, true)
	f.coord.SetTrackEnabled(domain.TrackAudio, false)

	f.loop.Sync(func() {
		assert.Equal(t, false, f.eng.trackToggles[domain.TrackAudio])
		assert.Equal(t, true, f.eng.trackToggles[domain.TrackVideo])
		// Video toggles are announced; audio toggles stay local.
		videoEvents := 0
		for _, e := range f.ch.events {
			if e == domain.EventVideoOff || e == domain.EventVideoOn {
				videoEvents++
			}
		}
		assert.Equal(t, 2, videoEvents)
	})
}

func TestRemoteVideoToggleSurfaced(t *testing.T) {
	f := newFixture(t)
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		switch event {
		case domain.EventJoin:
			return nil, joinAck(domain.SessionStarted)
		case domain.EventStreamInfo:
			raw, _ := json.Marshal(domain.StreamInfoAck{PeerLabel: "b", VideoEnabled: true})
			return nil, raw
		}
		return nil, nil
	}

	f.enter(t, domain.RoleViewer)
	f.loop.Sync(func() {
		f.ch.fire(domain.EventVideoDisabled, nil)
	})

	f.loop.Sync(func() {
		require.NotEmpty(t, f.del.remoteStates)
		assert.False(t, f.del.remoteStates[len(f.del.remoteStates)-1].VideoEnabled)
		assert.False(t, f.coord.RemoteTrackState().VideoEnabled)
	})
}

func TestRemoteCandidateSequencing(t *testing.T) {
	f := newFixture(t)
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		switch event {
		case domain.EventJoin:
			return nil, joinAck(domain.SessionStarted)
		case domain.EventStreamInfo:
			return &domain.ServerError{Message: "no stream"}, nil
		}
		return nil, nil
	}

	f.enter(t, domain.RoleViewer)

	cand := domain.CandidatePayload{
		SessionID: "S1",
		Candidate: domain.Candidate{SDP: "candidate:1", SDPMid: "0"},
	}

	// Waiting: candidates must not reach the engine.
	f.loop.Sync(func() {
		require.Equal(t, domain.StateWaiting, f.coord.State())
		f.ch.fire(domain.EventCandidate, cand)
	})
	f.loop.Sync(func() {
		assert.Empty(t, f.eng.remoteCands)
		f.ch.fire(domain.EventStreamPublished, domain.StreamPublishedPayload{})
	})

	// Negotiating: candidates flow through.
	f.loop.Sync(func() {
		require.Equal(t, domain.StateNegotiating, f.coord.State())
		f.ch.fire(domain.EventCandidate, cand)
	})
	f.loop.Sync(func() {
		require.Len(t, f.eng.remoteCands, 1)
		assert.Equal(t, "candidate:1", f.eng.remoteCands[0].SDP)
	})
}

func TestOfferRejectedStopsNegotiation(t *testing.T) {
	f := newFixture(t)
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		switch event {
		case domain.EventJoin:
			return nil, joinAck(domain.SessionStarted)
		case domain.EventPublish:
			return &domain.ServerError{Code: 500, Message: "relay overloaded"}, nil
		}
		return nil, nil
	}

	f.enter(t, domain.RoleBroadcaster)
	f.loop.Sync(func() {
		f.coord.OnLocalDescription("offer-sdp")
	})

	f.loop.Sync(func() {
		assert.Equal(t, 1, f.eng.stops)
		require.Len(t, f.del.errors, 1)
		assert.ErrorContains(t, f.del.errors[0], "relay overloaded")
		assert.Empty(t, f.eng.remoteDesc)
	})
}

func TestRestartWatchWaitsForStopAck(t *testing.T) {
	f := newFixture(t)

	stopAttempts := 0
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		switch event {
		case domain.EventJoin:
			return nil, joinAck(domain.SessionStarted)
		case domain.EventStreamInfo:
			raw, _ := json.Marshal(domain.StreamInfoAck{PeerLabel: "b", VideoEnabled: true})
			return nil, raw
		case domain.EventStopStream:
			stopAttempts++
			if stopAttempts == 1 {
				return domain.ErrRequestTimeout, nil
			}
			return nil, json.RawMessage(`{}`)
		}
		return nil, nil
	}

	f.enter(t, domain.RoleViewer)
	f.loop.Sync(func() {
		require.Equal(t, 1, f.eng.viewerStarts)
	})

	f.coord.RestartWatch()
	f.loop.Sync(func() {
		// First stop-stream attempt failed: nothing torn down yet.
		assert.Equal(t, 0, f.eng.stops)
	})

	// The retry timer fires, the relay confirms, and reception restarts.
	require.Eventually(t, func() bool {
		var restarted bool
		f.loop.Sync(func() {
			restarted = f.eng.stops == 1 && f.eng.viewerStarts == 2
		})
		return restarted
	}, 3*time.Second, 10*time.Millisecond)

	f.loop.Sync(func() {
		assert.Equal(t, 2, stopAttempts)
		assert.Equal(t, domain.StateNegotiating, f.coord.State())
	})
}

func TestChatRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		switch event {
		case domain.EventJoin:
			return nil, joinAck(domain.SessionStarted)
		case domain.EventStreamInfo:
			raw, _ := json.Marshal(domain.StreamInfoAck{PeerLabel: "b", VideoEnabled: true})
			return nil, raw
		case domain.EventChat:
			msg := payload.(domain.ChatMessage)
			assert.Equal(t, "hello", msg.Text)
			return nil, json.RawMessage(`{}`)
		}
		return nil, nil
	}

	f.enter(t, domain.RoleViewer)

	var sendErr error
	sent := false
	f.coord.SendChat("hello", func(err error) {
		sendErr = err
		sent = true
	})

	f.loop.Sync(func() {
		f.ch.fire(domain.EventChat, domain.ChatMessage{UserID: "U2", Text: "hi back"})
	})

	f.loop.Sync(func() {
		assert.True(t, sent)
		assert.NoError(t, sendErr)
		require.Len(t, f.del.chats, 1)
		assert.Equal(t, "hi back", f.del.chats[0].Text)
	})
}

func TestSessionFinishedEventTearsDown(t *testing.T) {
	f := newFixture(t)
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		return nil, joinAck(domain.SessionStarted)
	}

	f.enter(t, domain.RoleBroadcaster)
	f.loop.Sync(func() {
		f.ch.fire(domain.EventSessionFinished, domain.SessionInfo{ID: "S1", Status: domain.SessionFinished})
	})

	f.loop.Sync(func() {
		assert.Equal(t, domain.StateFinished, f.coord.State())
		assert.Equal(t, 1, f.del.finished)
		assert.Equal(t, 1, f.eng.stops)
	})
}

func TestSessionStartedEventLeavesWaiting(t *testing.T) {
	f := newFixture(t)
	f.ch.respond = func(event string, payload any) (error, json.RawMessage) {
		if event == domain.EventJoin {
			return nil, joinAck(domain.SessionWaiting)
		}
		return nil, nil
	}

	f.enter(t, domain.RoleBroadcaster)
	f.loop.Sync(func() {
		require.Equal(t, domain.StateWaiting, f.coord.State())
		f.ch.fire(domain.EventSessionStarted, domain.SessionInfo{ID: "S1", Status: domain.SessionStarted})
	})

	f.loop.Sync(func() {
		assert.Equal(t, domain.StateNegotiating, f.coord.State())
		assert.Equal(t, 1, f.eng.broadcasterStarts)
	})
}
