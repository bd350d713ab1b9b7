// Package media implements the negotiation engine: one peer connection
// per negotiation attempt, local capture, and the candidate buffering
// rule that keeps the signaling exchange ordered.
package media

import (
	"errors"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"courselive/mobile/internal/domain"
	"courselive/mobile/internal/runloop"
)

// State is the per-attempt negotiation state.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateLocalDescriptionSet
	StateRemoteDescriptionSet
	StateNegotiated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCapturing:
		return "capturing"
	case StateLocalDescriptionSet:
		return "local_description_set"
	case StateRemoteDescriptionSet:
		return "remote_description_set"
	case StateNegotiated:
		return "negotiated"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// defaultICEServers is used when the caller supplies none.
var defaultICEServers = []domain.ICEServer{
	{URL: "stun:stun.l.google.com:19302"},
}

// Engine owns one peer connection at a time. All methods must run on
// the loop; pion callbacks arrive on pion's goroutines and are posted
// back tagged with the attempt id that registered them, so a callback
// from a torn-down attempt can never touch fresh state.
type Engine struct {
	loop     *runloop.Loop
	source   Source
	observer domain.EngineObserver

	attempt  uint64
	role     domain.Role
	pc       *pion.PeerConnection
	state    State
	queue    []domain.Candidate
	localSet bool
	// remoteSet gates candidate delivery: candidates generated before
	// the remote description is applied are buffered, then flushed in
	// FIFO order, and everything after goes out immediately.
	remoteSet bool
	captured  bool
	local     domain.MediaTrackState
}

// NewEngine creates an idle engine around the given capture source.
func NewEngine(loop *runloop.Loop, source Source) *Engine {
	return &Engine{
		loop:   loop,
		source: source,
		local:  domain.MediaTrackState{AudioEnabled: true, VideoEnabled: true},
	}
}

// SetObserver registers the single observer. The engine holds it as a
// plain non-owning reference.
func (e *Engine) SetObserver(o domain.EngineObserver) { e.observer = o }

// State returns the current negotiation state.
func (e *Engine) State() State { return e.state }

// Role returns the active role, or empty when idle.
func (e *Engine) Role() domain.Role { return e.role }

// LocalTrackState reports the last applied local enable flags.
func (e *Engine) LocalTrackState() domain.MediaTrackState { return e.local }

// StartBroadcaster begins local capture and produces an offer.
func (e *Engine) StartBroadcaster(servers []domain.ICEServer) error {
	return e.start(domain.RoleBroadcaster, servers)
}

// StartViewer prepares to receive remote media and produces an offer.
func (e *Engine) StartViewer(servers []domain.ICEServer) error {
	return e.start(domain.RoleViewer, servers)
}

func (e *Engine) start(role domain.Role, servers []domain.ICEServer) error {
	if e.pc != nil && e.role == role {
		// Already active in this role.
		return nil
	}
	if e.pc != nil {
		// Roles are mutually exclusive; tear the old attempt down first.
		log.Info().Str("module", "media").
			Str("old_role", string(e.role)).Str("new_role", string(role)).
			Msg("switching role")
		e.teardown()
	}

	e.attempt++
	att := e.attempt
	e.state = StateCapturing
	e.role = role
	e.queue = nil
	e.localSet = false
	e.remoteSet = false

	pc, err := e.newPeerConnection(servers)
	if err != nil {
		e.teardown()
		return &domain.NegotiationError{Stage: "offer", Err: err}
	}
	e.pc = pc

	if role == domain.RoleBroadcaster {
		if err := e.source.Open(); err != nil {
			e.teardown()
			return &domain.NegotiationError{Stage: "capture", Err: err}
		}
		e.captured = true
		if _, err := pc.AddTrack(e.source.AudioTrack()); err != nil {
			e.teardown()
			return &domain.NegotiationError{Stage: "capture", Err: fmt.Errorf("add audio track: %w", err)}
		}
		if _, err := pc.AddTrack(e.source.VideoTrack()); err != nil {
			e.teardown()
			return &domain.NegotiationError{Stage: "capture", Err: fmt.Errorf("add video track: %w", err)}
		}
	} else {
		for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
			_, err := pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
				Direction: pion.RTPTransceiverDirectionRecvonly,
			})
			if err != nil {
				e.teardown()
				return &domain.NegotiationError{Stage: "offer", Err: fmt.Errorf("add %s transceiver: %w", kind, err)}
			}
		}
	}

	e.registerCallbacks(pc, att)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		e.teardown()
		return &domain.NegotiationError{Stage: "offer", Err: err}
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		e.teardown()
		return &domain.NegotiationError{Stage: "offer", Err: err}
	}
	e.localSet = true
	e.state = StateLocalDescriptionSet

	log.Info().Str("module", "media").Str("role", string(role)).
		Uint64("attempt", att).Msg("local description set")

	// Surface the description asynchronously so the caller observes the
	// start call completing before the offer event.
	e.loop.Post(func() {
		if att != e.attempt || e.observer == nil {
			return
		}
		e.observer.OnLocalDescription(offer.SDP)
	})
	return nil
}

// newPeerConnection builds the pion API with the H264/Opus media engine
// and a NACK responder, then creates the connection.
func (e *Engine) newPeerConnection(servers []domain.ICEServer) (*pion.PeerConnection, error) {
	m := &pion.MediaEngine{}

	h264 := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 102,
	}
	if err := m.RegisterCodec(h264, pion.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264: %w", err)
	}

	opus := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opus, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}

	reg := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	reg.Add(responder)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(reg),
	)

	if len(servers) == 0 {
		servers = defaultICEServers
	}
	var ice []pion.ICEServer
	for _, s := range servers {
		ice = append(ice, pion.ICEServer{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return api.NewPeerConnection(pion.Configuration{
		ICEServers:   ice,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
}

// registerCallbacks wires pion's background callbacks back onto the
// loop, tagged with the attempt that registered them.
func (e *Engine) registerCallbacks(pc *pion.PeerConnection, att uint64) {
	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		init := c.ToJSON()
		cand := domain.Candidate{SDP: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		e.loop.Post(func() { e.candidateFromAttempt(att, cand) })
	})

	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		log.Info().Str("module", "media").
			Str("kind", track.Kind().String()).
			Str("codec", track.Codec().MimeType).
			Msg("remote track attached")
		rt := &remoteTrack{track: track}
		e.loop.Post(func() {
			if att != e.attempt || e.observer == nil {
				return
			}
			e.observer.OnRemoteTrack(rt)
		})
	})

	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		log.Info().Str("module", "media").Str("state", s.String()).Msg("peer connection state")
		e.loop.Post(func() {
			if att != e.attempt || e.observer == nil {
				return
			}
			switch s {
			case pion.PeerConnectionStateConnected:
				if e.remoteSet {
					e.state = StateNegotiated
				}
				e.observer.OnEngineConnectionState(true)
			case pion.PeerConnectionStateDisconnected, pion.PeerConnectionStateFailed:
				// Degradation is reported, not acted on; teardown is
				// the coordinator's call.
				e.observer.OnEngineConnectionState(false)
			}
		})
	})
}

// candidateFromAttempt drops candidates generated by a torn-down
// attempt before they can touch current state.
func (e *Engine) candidateFromAttempt(att uint64, c domain.Candidate) {
	if att != e.attempt {
		return
	}
	e.handleLocalCandidate(c)
}

// handleLocalCandidate applies the buffering rule for one generated
// candidate. Runs on the loop.
func (e *Engine) handleLocalCandidate(c domain.Candidate) {
	if !e.remoteSet {
		e.queue = append(e.queue, c)
		return
	}
	if e.observer != nil {
		e.observer.OnLocalCandidate(c)
	}
}

// ReceiveRemoteDescription applies the peer's answer. On success the
// buffered candidates are flushed in FIFO order before the engine
// starts delivering new ones directly.
func (e *Engine) ReceiveRemoteDescription(answerSDP string) {
	if e.pc == nil || !e.localSet {
		e.notifyResolved(&domain.NegotiationError{
			Stage: "remote-description",
			Err:   errors.New("no active negotiation"),
		})
		return
	}
	if e.remoteSet {
		// Duplicate answer from the relay; the first one won.
		return
	}

	desc := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: answerSDP}
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		e.notifyResolved(&domain.NegotiationError{Stage: "remote-description", Err: err})
		return
	}

	queued := e.queue
	e.queue = nil
	if e.observer != nil {
		for _, c := range queued {
			e.observer.OnLocalCandidate(c)
		}
	}
	e.remoteSet = true
	e.state = StateRemoteDescriptionSet

	log.Info().Str("module", "media").Int("flushed", len(queued)).
		Msg("remote description set")
	e.notifyResolved(nil)
}

func (e *Engine) notifyResolved(err error) {
	if e.observer != nil {
		e.observer.OnRemoteDescriptionResolved(err)
	}
}

// ReceiveRemoteCandidate applies a candidate from the peer. Candidates
// arriving with no connection are a sequencing violation upstream and
// are dropped.
func (e *Engine) ReceiveRemoteCandidate(c domain.Candidate) {
	if e.pc == nil {
		log.Warn().Str("module", "media").Msg("remote candidate with no connection, dropped")
		return
	}
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	err := e.pc.AddICECandidate(pion.ICECandidateInit{
		Candidate:     c.SDP,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
	if err != nil {
		log.Warn().Str("module", "media").Err(err).Msg("add remote candidate")
	}
}

// SetTrackEnabled flips a local track flag without renegotiating.
func (e *Engine) SetTrackEnabled(kind domain.TrackKind, enabled bool) error {
	switch kind {
	case domain.TrackAudio:
		e.local.AudioEnabled = enabled
	case domain.TrackVideo:
		e.local.VideoEnabled = enabled
	default:
		return errors.New("unknown track kind")
	}
	if e.captured {
		return e.source.SetEnabled(kind, enabled)
	}
	return nil
}

// Stop tears down the peer connection and capture and returns to Idle.
// Safe from any state, including mid-negotiation.
func (e *Engine) Stop() {
	e.teardown()
	e.state = StateIdle
}

func (e *Engine) teardown() {
	// Bumping the attempt id is what invalidates every in-flight pion
	// callback registered against the old connection.
	e.attempt++
	if e.pc != nil {
		if err := e.pc.Close(); err != nil {
			log.Warn().Str("module", "media").Err(err).Msg("close peer connection")
		}
		e.pc = nil
	}
	if e.captured {
		if err := e.source.Close(); err != nil {
			log.Warn().Str("module", "media").Err(err).Msg("release capture")
		}
		e.captured = false
	}
	e.queue = nil
	e.localSet = false
	e.remoteSet = false
	e.role = ""
	e.state = StateClosed
}

// remoteTrack adapts pion's TrackRemote to the domain port.
type remoteTrack struct {
	track *pion.TrackRemote
}

func (t *remoteTrack) Kind() domain.TrackKind {
	if t.track.Kind() == pion.RTPCodecTypeVideo {
		return domain.TrackVideo
	}
	return domain.TrackAudio
}

func (t *remoteTrack) ID() string { return t.track.ID() }

// Track exposes the underlying pion track to render layers that know
// they are talking to the real engine.
func (t *remoteTrack) Track() *pion.TrackRemote { return t.track }
