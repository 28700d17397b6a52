package wfly

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ConnState is the connection manager's lifecycle state.
type ConnState string

const (
	StateDisconnected   ConnState = "disconnected"
	StateConnecting     ConnState = "connecting"
	StateAuthenticating ConnState = "authenticating"
	StateActive         ConnState = "active"
)

// RealtimeConfig configures the duplex channel.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int // 0 means retry forever
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 5 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// reset returns the backoff to the base delay. Called only after a successful
// authentication, not on a bare socket open.
func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Conn
// ============================================================================

// Conn owns the duplex channel to the server: dial, auth handshake,
// reconnection with backoff, and teardown on intentional close.
type Conn struct {
	baseURL string
	config  *RealtimeConfig
	logger  *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	done             chan struct{}

	recon *reconnector

	onFrame func(raw []byte)
	onReady func(AuthSuccessPayload)
	onState func(ConnState)
}

// NewConn creates a connection manager for the given server base URL.
func NewConn(baseURL string, config *RealtimeConfig) *Conn {
	cfg := *config
	cfg.defaults()
	return &Conn{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		logger:  cfg.Logger,
		state:   StateDisconnected,
		done:    make(chan struct{}),
		recon:   newReconnector(&cfg),
	}
}

// OnFrame registers the handler for raw inbound frames after authentication.
func (c *Conn) OnFrame(h func(raw []byte)) { c.onFrame = h }

// OnReady registers the handler invoked after each successful auth handshake.
func (c *Conn) OnReady(h func(AuthSuccessPayload)) { c.onReady = h }

// OnStateChange registers the connectivity-state handler.
func (c *Conn) OnStateChange(h func(ConnState)) { c.onState = h }

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the channel and performs the auth handshake: the session
// token travels as the first outbound frame, and the server must answer with
// auth_success before any other traffic is processed.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.setState(StateAuthenticating)

	ready, err := c.handshake(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.state = StateActive
	c.cancelFn = cancel
	c.mu.Unlock()
	c.recon.reset()
	c.notifyState(StateActive)

	if c.onReady != nil {
		c.onReady(ready)
	}

	go c.readLoop(connCtx, conn)
	return nil
}

func (c *Conn) handshake(ctx context.Context, conn *websocket.Conn) (AuthSuccessPayload, error) {
	env, err := NewEnvelope(TypeAuth, AuthPayload{Token: c.config.Token})
	if err != nil {
		return AuthSuccessPayload{}, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return AuthSuccessPayload{}, err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return AuthSuccessPayload{}, fmt.Errorf("send auth frame: %w", err)
	}

	_, raw, err := conn.Read(ctx)
	if err != nil {
		return AuthSuccessPayload{}, fmt.Errorf("read auth response: %w", err)
	}
	reply, err := ParseEnvelope(raw)
	if err != nil || reply.Type != TypeAuthSuccess {
		return AuthSuccessPayload{}, fmt.Errorf("expected %s, got %q", TypeAuthSuccess, string(raw))
	}
	var ready AuthSuccessPayload
	if err := json.Unmarshal(reply.Payload, &ready); err != nil {
		return AuthSuccessPayload{}, fmt.Errorf("decode auth_success: %w", err)
	}
	return ready, nil
}

// Send transmits an envelope. When the channel is not active the frame is
// silently dropped, never queued; callers must not assume delivery.
func (c *Conn) Send(ctx context.Context, env *Envelope) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != StateActive || conn == nil {
		c.logger.Debug("frame dropped, channel not active", "event", string(env.Type), "state", string(state))
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Close tears the channel down on purpose and suppresses reconnection.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.mu.Unlock()

	c.notifyState(StateDisconnected)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (c *Conn) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			c.conn = nil
			c.state = StateDisconnected
			c.mu.Unlock()

			if intentional {
				return
			}

			c.logger.Warn("channel closed unexpectedly", "error", err)
			c.notifyState(StateDisconnected)

			if c.config.AutoReconnect && c.recon.shouldReconnect() {
				c.scheduleReconnect(ctx)
			}
			return
		}

		if c.onFrame != nil {
			c.onFrame(data)
		}
	}
}

func (c *Conn) scheduleReconnect(ctx context.Context) {
	delay := c.recon.nextDelay()
	c.logger.Info("reconnecting", "attempt", c.recon.attempt, "delay", delay)

	select {
	case <-time.After(delay):
	case <-c.done:
		return
	case <-ctx.Done():
		return
	}

	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("reconnect attempt failed", "error", err)
		if c.config.AutoReconnect && c.recon.shouldReconnect() {
			c.scheduleReconnect(ctx)
		}
	}
}

func (c *Conn) setState(state ConnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.notifyState(state)
}

func (c *Conn) notifyState(state ConnState) {
	if c.onState != nil {
		c.onState(state)
	}
}
