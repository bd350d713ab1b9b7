// Package session implements the stream session coordinator: the owner
// of the session lifecycle, the only component with retry policy, and
// the sole surface consumed by the UI layer.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"courselive/mobile/internal/domain"
	"courselive/mobile/internal/runloop"
)

// Policy maps request event names to whether the no-ack sentinel should
// trigger an immediate resend. Only join retries by default; the rest
// surface the sentinel as a normal failure.
type Policy map[string]bool

// DefaultPolicy retries join only.
func DefaultPolicy() Policy {
	return Policy{domain.EventJoin: true}
}

// Config holds the coordinator tunables.
type Config struct {
	RequestTimeout time.Duration
	RestartDelay   time.Duration
	RetryOnNoAck   Policy
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 2 * time.Second
	}
	if c.RetryOnNoAck == nil {
		c.RetryOnNoAck = DefaultPolicy()
	}
}

// Coordinator binds the session channel and the negotiation engine.
// It owns both outright; they hold no reference back except the
// observer registration. All state lives on the run loop.
type Coordinator struct {
	loop     *runloop.Loop
	ch       domain.Channel
	eng      domain.Engine
	delegate domain.Delegate
	cfg      Config

	sess    *domain.Session
	servers []domain.ICEServer
	state   domain.LifecycleState
	local   domain.MediaTrackState
	remote  domain.MediaTrackState
	// gen is bumped on every teardown; async completions compare their
	// snapshot against it and discard themselves when stale.
	gen          int
	restartTimer *time.Timer
}

// New wires the coordinator to its children and registers all inbound
// event handlers. Call before Channel.Connect.
func New(loop *runloop.Loop, ch domain.Channel, eng domain.Engine, delegate domain.Delegate, cfg Config) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		loop:     loop,
		ch:       ch,
		eng:      eng,
		delegate: delegate,
		cfg:      cfg,
		state:    domain.StateNotEntered,
		local:    domain.MediaTrackState{AudioEnabled: true, VideoEnabled: true},
		remote:   domain.MediaTrackState{AudioEnabled: true, VideoEnabled: true},
	}

	eng.SetObserver(c)

	ch.HandleState(c.handleChannelState)
	ch.Handle(domain.EventForceLogout, c.handleForceLogout)
	ch.Handle(domain.EventSessionStarted, c.handleSessionStarted)
	ch.Handle(domain.EventSessionFinished, c.handleSessionFinished)
	ch.Handle(domain.EventStreamPublished, c.handleStreamPublished)
	ch.Handle(domain.EventCandidate, c.handleRemoteCandidate)
	ch.Handle(domain.EventVideoEnabled, func(json.RawMessage) { c.setRemoteVideo(true) })
	ch.Handle(domain.EventVideoDisabled, func(json.RawMessage) { c.setRemoteVideo(false) })
	ch.Handle(domain.EventChat, c.handleChat)

	return c
}

// State returns the lifecycle state. Loop-confined.
func (c *Coordinator) State() domain.LifecycleState { return c.state }

// RemoteTrackState returns the last announced remote enable flags.
func (c *Coordinator) RemoteTrackState() domain.MediaTrackState { return c.remote }

// EnterSession starts the session lifecycle: connect the channel, join
// on connect, then negotiate according to the role. Safe from any
// goroutine.
func (c *Coordinator) EnterSession(sess domain.Session, servers []domain.ICEServer) {
	c.loop.Post(func() {
		if c.sess != nil {
			if c.sess.ID == sess.ID {
				return
			}
			// Entering a different session implies leaving the old one.
			c.leave()
		}
		s := sess
		c.sess = &s
		c.servers = servers
		c.setState(domain.StateAwaitingJoin)
		log.Info().Str("module", "session").Str("session_id", sess.ID).
			Str("role", string(sess.Role)).Msg("entering session")
		c.ch.Connect()
	})
}

// ExitSession leaves the session and tears down both children.
// Idempotent: a second call, or a call with no active session, does
// nothing.
func (c *Coordinator) ExitSession() {
	c.loop.Post(func() {
		if c.sess == nil {
			return
		}
		c.leave()
		c.setState(domain.StateExited)
	})
}

// SetTrackEnabled applies a local mute toggle: the engine flips the
// capture flag and the peer learns of it through the channel, never
// through renegotiation.
func (c *Coordinator) SetTrackEnabled(kind domain.TrackKind, enabled bool) {
	c.loop.Post(func() {
		if c.sess == nil {
			return
		}
		if err := c.eng.SetTrackEnabled(kind, enabled); err != nil {
			c.fail(fmt.Errorf("set %s enabled: %w", kind, err))
			return
		}
		switch kind {
		case domain.TrackAudio:
			c.local.AudioEnabled = enabled
		case domain.TrackVideo:
			c.local.VideoEnabled = enabled
			event := domain.EventVideoOff
			if enabled {
				event = domain.EventVideoOn
			}
			c.ch.SendEvent(event, domain.SessionRef{SessionID: c.sess.ID})
		}
	})
}

// SendChat sends a chat line over the channel's request/ack convention.
// done may be nil; it is invoked on the loop.
func (c *Coordinator) SendChat(text string, done func(error)) {
	c.loop.Post(func() {
		if c.sess == nil {
			if done != nil {
				done(errors.New("no active session"))
			}
			return
		}
		msg := domain.ChatMessage{
			SessionID: c.sess.ID,
			UserID:    c.sess.UserID,
			Text:      text,
			SentAt:    time.Now().UnixMilli(),
		}
		c.ch.SendRequest(domain.EventChat, msg, c.cfg.RequestTimeout, func(err error, _ json.RawMessage) {
			if done != nil {
				done(err)
			}
		})
	})
}

// RestartWatch restarts reception for a viewer: the relay must confirm
// the current stream is stopped before the local negotiation is torn
// down and rebuilt.
func (c *Coordinator) RestartWatch() {
	c.loop.Post(c.restartWatch)
}

func (c *Coordinator) leave() {
	sess := *c.sess
	c.ch.SendEvent(domain.EventLeave, domain.JoinPayload{
		SessionID:   sess.ID,
		UserID:      sess.UserID,
		AccessToken: sess.AccessToken,
	})
	c.teardown()
}

// teardown stops both children and invalidates every in-flight async
// completion. The lifecycle state is the caller's to set.
func (c *Coordinator) teardown() {
	c.gen++
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
	c.eng.Stop()
	c.ch.Disconnect()
	c.sess = nil
}

func (c *Coordinator) setState(s domain.LifecycleState) {
	if c.state == s {
		return
	}
	c.state = s
	log.Debug().Str("module", "session").Str("state", s.String()).Msg("lifecycle")
	if c.delegate != nil {
		c.delegate.OnLifecycleChange(s)
	}
}

func (c *Coordinator) fail(err error) {
	log.Error().Str("module", "session").Err(err).Msg("session error")
	if c.delegate != nil {
		c.delegate.OnSessionError(err)
	}
}

// --- channel wiring ---

func (c *Coordinator) handleChannelState(s domain.ChannelState) {
	if c.delegate != nil {
		c.delegate.OnChannelState(s)
	}
	// Every (re)connect re-raises the join; negotiation never starts
	// before a non-sentinel join response.
	if s == domain.ChannelConnected && c.sess != nil {
		c.sendJoin(c.gen)
	}
}

func (c *Coordinator) sendJoin(gen int) {
	sess := c.sess
	payload := domain.JoinPayload{
		SessionID:   sess.ID,
		UserID:      sess.UserID,
		AccessToken: sess.AccessToken,
	}
	c.ch.SendRequest(domain.EventJoin, payload, c.cfg.RequestTimeout, func(err error, raw json.RawMessage) {
		if gen != c.gen || c.sess == nil {
			return
		}
		switch {
		case errors.Is(err, domain.ErrNoAck) && c.cfg.RetryOnNoAck[domain.EventJoin]:
			// The relay has not registered the session yet; resend.
			c.sendJoin(gen)
		case errors.Is(err, domain.ErrNotReachable), errors.Is(err, domain.ErrCancelled):
			// The reconnect cycle re-raises the join on its own.
		case err != nil:
			c.fail(fmt.Errorf("join session: %w", err))
		default:
			var ack domain.JoinAck
			if err := json.Unmarshal(raw, &ack); err != nil {
				c.fail(fmt.Errorf("join session: bad ack: %w", err))
				return
			}
			c.handleJoined(ack)
		}
	})
}

func (c *Coordinator) handleJoined(ack domain.JoinAck) {
	log.Info().Str("module", "session").Str("status", ack.Status).Msg("joined")

	switch ack.Status {
	case domain.SessionFinished:
		c.teardown()
		c.setState(domain.StateFinished)
		if c.delegate != nil {
			c.delegate.OnSessionFinished()
		}
	case domain.SessionStarted:
		if c.state == domain.StateNegotiating || c.state == domain.StateStreaming {
			// Re-joined after a reconnect with a live negotiation: the
			// relay may still hold the old attempt, so restart cleanly.
			if c.sess.Role == domain.RoleViewer {
				c.restartWatch()
			} else {
				c.eng.Stop()
				c.startNegotiation()
			}
			return
		}
		c.setState(domain.StateStarted)
		c.startNegotiation()
	default:
		c.setState(domain.StateWaiting)
	}
}

func (c *Coordinator) startNegotiation() {
	if c.sess.Role == domain.RoleBroadcaster {
		c.setState(domain.StateNegotiating)
		if err := c.eng.StartBroadcaster(c.servers); err != nil {
			c.fail(err)
		}
		return
	}
	// A viewer first asks whether a broadcaster is live at all.
	c.requestStreamInfo(c.gen)
}

func (c *Coordinator) requestStreamInfo(gen int) {
	c.ch.SendRequest(domain.EventStreamInfo, domain.SessionRef{SessionID: c.sess.ID},
		c.cfg.RequestTimeout, func(err error, raw json.RawMessage) {
			if gen != c.gen || c.sess == nil {
				return
			}
			var serverErr *domain.ServerError
			switch {
			case errors.Is(err, domain.ErrNoAck) && c.cfg.RetryOnNoAck[domain.EventStreamInfo]:
				c.requestStreamInfo(gen)
			case errors.Is(err, domain.ErrNotReachable), errors.Is(err, domain.ErrCancelled):
				// Rejoin after reconnect asks again.
			case errors.As(err, &serverErr):
				// No broadcaster live; wait for stream-published.
				c.setState(domain.StateWaiting)
				if c.delegate != nil {
					c.delegate.OnWaitingForBroadcaster()
				}
			case err != nil:
				c.fail(fmt.Errorf("stream info: %w", err))
			default:
				var info domain.StreamInfoAck
				if err := json.Unmarshal(raw, &info); err != nil {
					c.fail(fmt.Errorf("stream info: bad ack: %w", err))
					return
				}
				c.remote.VideoEnabled = info.VideoEnabled
				if c.delegate != nil {
					c.delegate.OnRemoteMediaState(c.remote)
				}
				c.startViewerNegotiation()
			}
		})
}

func (c *Coordinator) startViewerNegotiation() {
	c.setState(domain.StateNegotiating)
	if err := c.eng.StartViewer(c.servers); err != nil {
		c.fail(err)
	}
}

func (c *Coordinator) restartWatch() {
	if c.sess == nil || c.sess.Role != domain.RoleViewer {
		return
	}
	gen := c.gen
	c.ch.SendRequest(domain.EventStopStream, domain.SessionRef{SessionID: c.sess.ID},
		c.cfg.RequestTimeout, func(err error, _ json.RawMessage) {
			if gen != c.gen || c.sess == nil {
				return
			}
			if err != nil {
				// Restarting locally while the relay still holds the old
				// attempt corrupts its viewer bookkeeping; retry instead.
				log.Warn().Str("module", "session").Err(err).
					Dur("retry_in", c.cfg.RestartDelay).Msg("stop-stream not confirmed")
				c.restartTimer = time.AfterFunc(c.cfg.RestartDelay, func() {
					c.loop.Post(func() {
						if gen == c.gen && c.sess != nil {
							c.restartWatch()
						}
					})
				})
				return
			}
			c.eng.Stop()
			c.setState(domain.StateStarted)
			c.requestStreamInfo(gen)
		})
}

func (c *Coordinator) handleForceLogout(raw json.RawMessage) {
	var p domain.ForceLogoutPayload
	_ = json.Unmarshal(raw, &p)
	log.Warn().Str("module", "session").Str("reason", p.Reason).Msg("forced logout")

	if c.sess != nil {
		c.teardown()
	}
	c.setState(domain.StateExited)
	if c.delegate != nil {
		c.delegate.OnForcedLogout(p.Reason)
	}
}

func (c *Coordinator) handleSessionStarted(raw json.RawMessage) {
	if c.sess == nil || c.state != domain.StateWaiting {
		return
	}
	c.setState(domain.StateStarted)
	c.startNegotiation()
}

func (c *Coordinator) handleSessionFinished(raw json.RawMessage) {
	if c.sess == nil {
		return
	}
	c.teardown()
	c.setState(domain.StateFinished)
	if c.delegate != nil {
		c.delegate.OnSessionFinished()
	}
}

func (c *Coordinator) handleStreamPublished(raw json.RawMessage) {
	if c.sess == nil || c.sess.Role != domain.RoleViewer {
		return
	}
	if c.state != domain.StateWaiting && c.state != domain.StateStarted {
		return
	}
	var p domain.StreamPublishedPayload
	_ = json.Unmarshal(raw, &p)
	c.remote.VideoEnabled = p.VideoEnabled
	if c.delegate != nil {
		c.delegate.OnRemoteMediaState(c.remote)
	}
	c.startViewerNegotiation()
}

func (c *Coordinator) handleRemoteCandidate(raw json.RawMessage) {
	// The engine never sees a candidate before its connection exists;
	// sequencing is enforced here.
	if c.state != domain.StateNegotiating && c.state != domain.StateStreaming {
		return
	}
	var p domain.CandidatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Str("module", "session").Err(err).Msg("bad candidate payload")
		return
	}
	c.eng.ReceiveRemoteCandidate(p.Candidate)
}

func (c *Coordinator) setRemoteVideo(enabled bool) {
	if c.sess == nil {
		return
	}
	c.remote.VideoEnabled = enabled
	if c.delegate != nil {
		c.delegate.OnRemoteMediaState(c.remote)
	}
}

func (c *Coordinator) handleChat(raw json.RawMessage) {
	var msg domain.ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if c.delegate != nil {
		c.delegate.OnChat(msg)
	}
}

// --- engine observer (domain.EngineObserver) ---

// OnLocalDescription forwards the offer to the relay as publish or play
// and feeds the acknowledged answer back into the engine.
func (c *Coordinator) OnLocalDescription(sdp string) {
	if c.sess == nil {
		return
	}
	event := domain.EventPlay
	if c.sess.Role == domain.RoleBroadcaster {
		event = domain.EventPublish
	}
	payload := domain.OfferPayload{
		SessionID:    c.sess.ID,
		UserID:       c.sess.UserID,
		AccessToken:  c.sess.AccessToken,
		PeerLabel:    c.sess.PeerLabel,
		OfferSDP:     sdp,
		VideoEnabled: c.local.VideoEnabled,
	}
	c.sendOffer(c.gen, event, payload)
}

func (c *Coordinator) sendOffer(gen int, event string, payload domain.OfferPayload) {
	c.ch.SendRequest(event, payload, c.cfg.RequestTimeout, func(err error, raw json.RawMessage) {
		if gen != c.gen || c.sess == nil {
			return
		}
		switch {
		case errors.Is(err, domain.ErrNoAck) && c.cfg.RetryOnNoAck[event]:
			c.sendOffer(gen, event, payload)
		case err != nil:
			c.eng.Stop()
			c.fail(fmt.Errorf("%s: %w", event, err))
		default:
			var ack domain.AnswerAck
			if err := json.Unmarshal(raw, &ack); err != nil {
				c.eng.Stop()
				c.fail(fmt.Errorf("%s: bad ack: %w", event, err))
				return
			}
			c.eng.ReceiveRemoteDescription(ack.AnswerSDP)
		}
	})
}

// OnLocalCandidate forwards a generated candidate to the relay.
func (c *Coordinator) OnLocalCandidate(cand domain.Candidate) {
	if c.sess == nil {
		return
	}
	c.ch.SendEvent(domain.EventCandidate, domain.CandidatePayload{
		SessionID:   c.sess.ID,
		UserID:      c.sess.UserID,
		AccessToken: c.sess.AccessToken,
		PeerLabel:   c.sess.PeerLabel,
		Candidate:   cand,
	})
}

// OnRemoteDescriptionResolved completes or fails the negotiation.
func (c *Coordinator) OnRemoteDescriptionResolved(err error) {
	if c.sess == nil {
		return
	}
	if err != nil {
		c.eng.Stop()
		c.fail(err)
		return
	}
	c.setState(domain.StateStreaming)
}

// OnRemoteTrack surfaces an attached remote track to the UI.
func (c *Coordinator) OnRemoteTrack(track domain.RemoteTrack) {
	if c.delegate != nil {
		c.delegate.OnRemoteTrack(track)
	}
}

// OnEngineConnectionState surfaces media connectivity as a non-fatal
// indicator; only forced logout or an explicit exit tears down.
func (c *Coordinator) OnEngineConnectionState(connected bool) {
	if c.delegate != nil {
		c.delegate.OnMediaConnectionState(connected)
	}
}
