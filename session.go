package wfly

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the logger used by every component of the session.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithTypingQuiesce sets how long after the last keystroke the typing
// indicator is withdrawn.
func WithTypingQuiesce(d time.Duration) SessionOption {
	return func(s *Session) { s.typingQuiesce = d }
}

// WithReconnectDelays sets the backoff base and cap for reconnection.
func WithReconnectDelays(base, max time.Duration) SessionOption {
	return func(s *Session) {
		s.realtimeConfig.ReconnectBaseDelay = base
		s.realtimeConfig.ReconnectMaxDelay = max
	}
}

// WithoutReconnect disables automatic reconnection.
func WithoutReconnect() SessionOption {
	return func(s *Session) { s.realtimeConfig.AutoReconnect = false }
}

// Session is the top-level coordinator: it owns the one channel connection,
// the one call session, and the local state, and it serializes every event
// (inbound frame, user action, timer firing) onto a single loop goroutine.
type Session struct {
	conn   *Conn
	store  *Store
	engine *CallEngine
	router *router
	logger *slog.Logger

	typingQuiesce  time.Duration
	realtimeConfig RealtimeConfig

	ctx    context.Context
	cancel context.CancelFunc
	loop   chan func()
	done   chan struct{}

	closeOnce sync.Once

	mu       sync.RWMutex
	identity AuthSuccessPayload

	onConnectivity func(ConnState)
}

// NewSession creates a session for the given server and credential. The media
// provider backs call audio; use UnsupportedMedia when the host cannot
// provide one, which makes every call attempt fail cleanly back to idle.
func NewSession(baseURL, token string, provider MediaProvider, opts ...SessionOption) *Session {
	s := &Session{
		store: NewStore(),
		loop:  make(chan func(), 256),
		done:  make(chan struct{}),
		realtimeConfig: RealtimeConfig{
			Token:         token,
			AutoReconnect: true,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	// Tag every log line with a session id so interleaved sessions in one
	// process stay distinguishable.
	s.logger = s.logger.With("session_id", uuid.NewString())
	s.realtimeConfig.Logger = s.logger
	if provider == nil {
		provider = UnsupportedMedia{}
	}

	s.conn = NewConn(baseURL, &s.realtimeConfig)
	send := func(env *Envelope) {
		if err := s.conn.Send(s.context(), env); err != nil {
			s.logger.Warn("send failed", "event", string(env.Type), "error", err)
		}
	}
	s.engine = NewCallEngine(provider, send, s.post, s.logger)
	s.router = newRouter(s.store, s.engine, send, s.post, s.typingQuiesce, s.logger)

	s.conn.OnFrame(func(raw []byte) {
		s.post(func() { s.router.dispatch(s.context(), raw) })
	})
	s.conn.OnReady(func(ready AuthSuccessPayload) {
		s.post(func() { s.handleReady(ready) })
	})
	s.conn.OnStateChange(func(state ConnState) {
		if s.onConnectivity != nil {
			s.onConnectivity(state)
		}
	})
	return s
}

// Start runs the event loop and establishes the channel. The first connection
// attempt's error is returned; later drops are handled by the backoff policy
// and surfaced only through the connectivity callback.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run()
	return s.conn.Connect(s.ctx)
}

// Close tears the session down on purpose: the channel close is intentional
// (no reconnect), any call is ended, and the loop stops.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.post(func() {
			s.engine.EndCall()
		})
		err = s.conn.Close()
		s.post(func() { close(s.done) })
		if s.cancel != nil {
			s.cancel()
		}
	})
	return err
}

// Store exposes read access to the local conversation and message model.
func (s *Session) Store() *Store { return s.store }

// CallState returns the current call state and peer.
func (s *Session) CallState() (CallState, string) {
	return s.engine.State(), s.engine.PeerID()
}

// Identity returns the authenticated local user, zero until the first
// successful handshake.
func (s *Session) Identity() AuthSuccessPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// ----------------------------------------------------------------------------
// Presentation adapter surface. Handlers run on the session loop and must not
// block; they must not mutate the store or the engine.
// ----------------------------------------------------------------------------

// OnConversationsChanged registers the handler for store change notifications.
func (s *Session) OnConversationsChanged(h func(ids []string)) {
	s.router.onConversationsChanged = h
}

// OnSearchResults registers the handler for user-directory search results.
func (s *Session) OnSearchResults(h func(users []UserSummary)) {
	s.router.onSearchResults = h
}

// OnCallState registers the handler for call state transitions.
func (s *Session) OnCallState(h func(state CallState, peerID string)) {
	s.engine.OnStateChange(h)
}

// OnConnectivity registers the handler for connectivity state changes.
// Channel failures are never surfaced any other way.
func (s *Session) OnConnectivity(h func(ConnState)) {
	s.onConnectivity = h
}

// ----------------------------------------------------------------------------
// User actions. All fire-and-forget: delivery is at most once and only while
// the channel is active.
// ----------------------------------------------------------------------------

// SendMessage sends a text message to a conversation.
func (s *Session) SendMessage(chatID, content string) {
	s.post(func() { s.router.sendMessage(chatID, content) })
}

// Typing reports a keystroke in a conversation's composer.
func (s *Session) Typing(chatID string) {
	s.post(func() { s.router.typing(chatID) })
}

// RequestHistory asks the server for a conversation's message history.
func (s *Session) RequestHistory(chatID string) {
	s.post(func() { s.router.requestHistory(chatID) })
}

// SearchUsers queries the user directory; results arrive via OnSearchResults.
func (s *Session) SearchUsers(query string) {
	s.post(func() { s.router.searchUsers(query) })
}

// StartChat opens a conversation with a user; the server answers with a fresh
// chat_list push.
func (s *Session) StartChat(userID string) {
	s.post(func() { s.router.startChat(userID) })
}

// StartCall begins an outbound call. A second call while one is in progress
// is ignored; the single-call invariant is enforced here, not by the caller.
func (s *Session) StartCall(calleeID string) {
	s.post(func() {
		if err := s.engine.StartCall(s.context(), calleeID); err != nil {
			s.logger.Debug("start call rejected", "callee_id", calleeID, "error", err)
		}
	})
}

// AcceptCall accepts the currently ringing call.
func (s *Session) AcceptCall() {
	s.post(func() { s.engine.AcceptCall(s.context()) })
}

// DeclineCall declines the currently ringing call.
func (s *Session) DeclineCall() {
	s.post(func() { s.engine.DeclineCall() })
}

// EndCall hangs up the current call.
func (s *Session) EndCall() {
	s.post(func() { s.engine.EndCall() })
}

// ----------------------------------------------------------------------------
// Internals
// ----------------------------------------------------------------------------

func (s *Session) run() {
	for {
		select {
		case fn := <-s.loop:
			fn()
		case <-s.done:
			return
		}
	}
}

// post schedules fn onto the session loop. Events run strictly in the order
// they were enqueued.
func (s *Session) post(fn func()) {
	select {
	case s.loop <- fn:
	case <-s.done:
	}
}

// handleReady runs after every successful auth handshake. Reconnection
// invalidates all in-flight assumptions: the conversation list is requested
// fresh and any call session is stale because its relay is gone.
func (s *Session) handleReady(ready AuthSuccessPayload) {
	s.mu.Lock()
	s.identity = ready
	s.mu.Unlock()

	s.logger.Info("authenticated", "user_id", ready.UserID, "username", ready.Username)
	s.engine.ResetForReconnect()
	s.router.requestChatList()
}

func (s *Session) context() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// UnsupportedMedia is a MediaProvider for hosts without an audio subsystem.
// Acquisition always fails, so call attempts fall back to idle with a
// best-effort end/decline, per the media-error policy.
type UnsupportedMedia struct{}

// Acquire always returns ErrMediaUnavailable.
func (UnsupportedMedia) Acquire(ctx context.Context) (MediaSession, error) {
	return nil, ErrMediaUnavailable
}
