// Package channel implements the session channel: a persistent
// bidirectional event connection to the signaling relay with automatic
// reconnection and an acknowledgement/timeout convention layered on top
// of fire-and-forget events.
package channel

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"courselive/mobile/internal/domain"
	"courselive/mobile/internal/runloop"
)

// envelope is the generic wire message. Acks reuse the envelope with
// event "ack" and the two-slot convention: the error slot first (either
// the no-ack sentinel string or an error object), then the payload slot.
type envelope struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const ackEvent = "ack"

type pendingRequest struct {
	event string
	ack   domain.AckFunc
	timer *time.Timer
}

// Config holds the channel tunables.
type Config struct {
	URL            string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration // default per-request deadline
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 15 * time.Second
	}
}

// Channel manages the WebSocket connection to the signaling relay.
// It implements domain.Channel. Inbound events, state transitions and
// request resolutions are all posted to the run loop; the mutex only
// guards transport internals.
type Channel struct {
	cfg  Config
	loop *runloop.Loop

	mu       sync.Mutex
	conn     *websocket.Conn
	state    domain.ChannelState
	pending  map[string]*pendingRequest
	handlers map[string]func(json.RawMessage)
	stateFn  func(domain.ChannelState)
	stop     chan struct{}
	running  bool
}

// New creates a channel. Handle/HandleState should be registered before
// Connect so no early inbound event is dropped.
func New(cfg Config, loop *runloop.Loop) *Channel {
	cfg.applyDefaults()
	return &Channel{
		cfg:      cfg,
		loop:     loop,
		pending:  make(map[string]*pendingRequest),
		handlers: make(map[string]func(json.RawMessage)),
	}
}

// Handle registers the receiver for an inbound event name. Exactly one
// receiver per name; re-registering replaces the previous one.
func (c *Channel) Handle(event string, fn func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = fn
}

// HandleState registers the connection-state receiver.
func (c *Channel) HandleState(fn func(domain.ChannelState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateFn = fn
}

// State returns the current connection state.
func (c *Channel) State() domain.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection manager. Completion is observed through
// the state stream, not a return value; reconnection is automatic and
// indefinite until Disconnect.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	go c.run(stop)
}

// Disconnect closes the transport and cancels all pending requests with
// a cancelled outcome. Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stop)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.failPending(domain.ErrCancelled)
	c.setState(domain.ChannelDisconnected)
}

// run is the connection manager: dial, pump, back off, redial, forever.
func (c *Channel) run(stop chan struct{}) {
	backoff := c.cfg.ReconnectMin

	for {
		select {
		case <-stop:
			return
		default:
		}

		c.setState(domain.ChannelConnecting)

		conn, _, err := websocket.DefaultDialer.Dial(c.cfg.URL, nil)
		if err != nil {
			log.Warn().Str("module", "channel").Err(err).
				Dur("retry_in", backoff).Msg("dial failed")
			select {
			case <-stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.ReconnectMax {
				backoff = c.cfg.ReconnectMax
			}
			continue
		}
		backoff = c.cfg.ReconnectMin

		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		log.Info().Str("module", "channel").Str("url", c.cfg.URL).Msg("connected")
		c.setState(domain.ChannelConnected)

		pingStop := make(chan struct{})
		go c.pingLoop(conn, pingStop)
		c.readLoop(conn, stop)
		close(pingStop)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		running := c.running
		c.mu.Unlock()
		conn.Close()

		if !running {
			// Disconnect already cancelled the pending requests.
			return
		}
		// Acks for in-flight requests died with the transport.
		c.failPending(domain.ErrNotReachable)
		c.setState(domain.ChannelDisconnected)
	}
}

func (c *Channel) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
			default:
				log.Warn().Str("module", "channel").Err(err).Msg("read error")
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Str("module", "channel").Err(err).Msg("bad frame")
			continue
		}

		if env.Event == ackEvent {
			c.resolve(env.ID, classifyAckError(env.Error), env.Payload)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(c.cfg.WriteTimeout),
			)
			if err != nil {
				return
			}
		}
	}
}

// SendEvent sends a fire-and-forget event. At most once: if there is no
// transport the event is dropped.
func (c *Channel) SendEvent(event string, payload any) {
	env, err := buildEnvelope(event, "", payload)
	if err != nil {
		log.Error().Str("module", "channel").Str("event", event).Err(err).Msg("marshal event")
		return
	}
	if err := c.write(env); err != nil {
		log.Warn().Str("module", "channel").Str("event", event).Err(err).Msg("event dropped")
	}
}

// SendRequest sends an event expecting an acknowledgement and resolves
// ack exactly once: on the ack frame, on the deadline elapsing, or on
// disconnect. A zero timeout uses the configured default.
func (c *Channel) SendRequest(event string, payload any, timeout time.Duration, ack domain.AckFunc) {
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	id := uuid.NewString()

	env, err := buildEnvelope(event, id, payload)
	if err != nil {
		c.loop.Post(func() { ack(fmt.Errorf("marshal request: %w", err), nil) })
		return
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		c.loop.Post(func() { ack(domain.ErrNotReachable, nil) })
		return
	}
	req := &pendingRequest{event: event, ack: ack}
	req.timer = time.AfterFunc(timeout, func() {
		c.resolve(id, domain.ErrRequestTimeout, nil)
	})
	c.pending[id] = req
	c.mu.Unlock()

	if err := c.write(env); err != nil {
		c.resolve(id, domain.ErrNotReachable, nil)
	}
}

func buildEnvelope(event, id string, payload any) ([]byte, error) {
	env := envelope{Event: event, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func (c *Channel) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return domain.ErrNotReachable
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// resolve completes a pending request exactly once; the map delete under
// the mutex is what makes duplicate resolution (ack racing the timeout)
// impossible.
func (c *Channel) resolve(id string, err error, payload json.RawMessage) {
	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		req.timer.Stop()
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.loop.Post(func() { req.ack(err, payload) })
}

func (c *Channel) failPending(cause error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, req := range pending {
		req.timer.Stop()
		ack := req.ack
		c.loop.Post(func() { ack(cause, nil) })
	}
}

func (c *Channel) dispatch(env envelope) {
	c.mu.Lock()
	fn := c.handlers[env.Event]
	c.mu.Unlock()

	if fn == nil {
		log.Debug().Str("module", "channel").Str("event", env.Event).Msg("unhandled event")
		return
	}
	payload := env.Payload
	c.loop.Post(func() { fn(payload) })
}

// setState always re-raises, even for a repeated state: every reconnect
// attempt announces Connecting so the owner can tell the channel has
// not given up.
func (c *Channel) setState(s domain.ChannelState) {
	c.mu.Lock()
	c.state = s
	fn := c.stateFn
	c.mu.Unlock()

	if fn != nil {
		c.loop.Post(func() { fn(s) })
	}
}

// classifyAckError maps the wire error slot onto the error taxonomy.
// A string slot is either the no-ack sentinel or a bare server message;
// an object slot carries {code, message} with status-code semantics.
func classifyAckError(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == domain.NoAckSentinel {
			return domain.ErrNoAck
		}
		return &domain.ServerError{Message: s}
	}

	var obj struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return &domain.ServerError{Message: string(raw)}
	}
	return &domain.ServerError{Code: obj.Code, Message: obj.Message}
}
