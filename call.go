package wfly

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
)

// CallState is the current phase of the single process-wide call session.
type CallState string

const (
	CallIdle      CallState = "idle"
	CallCalling   CallState = "calling"
	CallRinging   CallState = "ringing"
	CallConnected CallState = "connected"
)

// ErrCallBusy is returned when a call is started while another is in progress.
var ErrCallBusy = errors.New("call already in progress")

// ErrMediaUnavailable reports that the local media device could not be
// acquired.
var ErrMediaUnavailable = errors.New("media device unavailable")

// MediaSession is the peer media transport, owned by an external media
// subsystem. Negotiation blobs are opaque to this package.
type MediaSession interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	HandleOffer(ctx context.Context, offer json.RawMessage) (answer json.RawMessage, err error)
	HandleAnswer(ctx context.Context, answer json.RawMessage) error
	AddCandidate(ctx context.Context, candidate json.RawMessage) error
	Close() error
}

// MediaProvider acquires the local media device and returns a transport
// session for one call. Acquisition may block on the device or on user
// consent; it is always invoked off the session loop.
type MediaProvider interface {
	Acquire(ctx context.Context) (MediaSession, error)
}

// CallEngine drives the call state machine. All methods must be invoked from
// the session loop; continuations of asynchronous media work are rescheduled
// onto that loop and re-check state before acting.
type CallEngine struct {
	provider MediaProvider
	send     func(*Envelope)
	schedule func(func())
	logger   *slog.Logger

	state    CallState
	peerID   string
	peerName string
	media    MediaSession

	// epoch invalidates in-flight media continuations whenever the call
	// session they belong to has ended.
	epoch        uint64
	offerPending bool
	remoteOffer  json.RawMessage
	candidateQ   []json.RawMessage

	onState func(state CallState, peerID string)
}

// NewCallEngine creates an idle engine. send emits outbound envelopes,
// schedule posts continuations onto the session loop.
func NewCallEngine(provider MediaProvider, send func(*Envelope), schedule func(func()), logger *slog.Logger) *CallEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == nil {
		schedule = func(fn func()) { fn() }
	}
	return &CallEngine{
		provider: provider,
		send:     send,
		schedule: schedule,
		logger:   logger,
		state:    CallIdle,
	}
}

// OnStateChange registers the presentation callback for call transitions.
func (e *CallEngine) OnStateChange(h func(state CallState, peerID string)) {
	e.onState = h
}

// State returns the current call state.
func (e *CallEngine) State() CallState { return e.state }

// PeerID returns the current call peer, or "" when idle.
func (e *CallEngine) PeerID() string { return e.peerID }

// StartCall begins an outbound call. Rejected while any call is non-idle.
func (e *CallEngine) StartCall(ctx context.Context, calleeID string) error {
	if e.state != CallIdle {
		return ErrCallBusy
	}
	e.transition(CallCalling, calleeID, "")
	e.emit(TypeStartCall, StartCallPayload{CalleeID: calleeID})
	e.acquireMedia(ctx)
	return nil
}

// HandleIncomingCall processes an incoming_call push. A second incoming call
// while non-idle is declined immediately and leaves the current session
// untouched.
func (e *CallEngine) HandleIncomingCall(p IncomingCallPayload) {
	if e.state != CallIdle {
		e.emit(TypeDeclineCall, DeclineCallPayload{CallerID: p.CallerID})
		e.logger.Debug("declined incoming call while busy", "caller_id", p.CallerID)
		return
	}
	e.transition(CallRinging, p.CallerID, p.Username)
}

// AcceptCall accepts the currently ringing inbound call.
func (e *CallEngine) AcceptCall(ctx context.Context) {
	if e.state != CallRinging {
		return
	}
	e.emit(TypeAcceptCall, AcceptCallPayload{CallerID: e.peerID})
	e.transition(CallConnected, e.peerID, e.peerName)
	e.acquireMedia(ctx)
}

// DeclineCall declines the currently ringing inbound call. No media has been
// acquired yet, so nothing is released.
func (e *CallEngine) DeclineCall() {
	if e.state != CallRinging {
		return
	}
	e.emit(TypeDeclineCall, DeclineCallPayload{CallerID: e.peerID})
	e.teardown()
}

// EndCall hangs up the current call, if any.
func (e *CallEngine) EndCall() {
	if e.state == CallIdle {
		return
	}
	e.emit(TypeEndCall, EndCallPayload{RecipientID: e.peerID})
	e.teardown()
}

// HandleRinging processes the remote ringing acknowledgement.
func (e *CallEngine) HandleRinging() {
	if e.state != CallCalling {
		return
	}
	// Status update only; the state does not change but observers may want
	// to refresh the outbound UI.
	e.notify()
}

// HandleAccepted processes the callee's acceptance of our outbound call.
func (e *CallEngine) HandleAccepted(ctx context.Context, p CallAcceptedPayload) {
	if e.state != CallCalling {
		return
	}
	if p.CalleeID != "" && p.CalleeID != e.peerID {
		e.logger.Debug("call_accepted from unexpected peer", "callee_id", p.CalleeID)
		return
	}
	e.transition(CallConnected, e.peerID, e.peerName)
	if e.media != nil {
		e.sendOffer(ctx)
		return
	}
	// Media acquisition from StartCall is still in flight; the continuation
	// sends the offer once the session is available.
	e.offerPending = true
}

// HandleTerminal processes call_ended, call_declined and call_unavailable.
// Stale terminal events while idle are ignored.
func (e *CallEngine) HandleTerminal(eventType EventType) {
	if e.state == CallIdle {
		return
	}
	e.logger.Debug("call terminated by remote", "event", string(eventType), "peer_id", e.peerID)
	e.teardown()
}

// HandleOffer processes a relayed offer from the current call peer. An offer
// arriving before local media acquisition completes is held and answered once
// the session exists.
func (e *CallEngine) HandleOffer(ctx context.Context, p OfferPayload) {
	if !e.negotiationFrom(p.SenderID) {
		return
	}
	if e.media == nil {
		e.remoteOffer = p.Offer
		return
	}
	media, epoch := e.media, e.epoch
	peer := e.peerID
	go func() {
		answer, err := media.HandleOffer(ctx, p.Offer)
		e.schedule(func() {
			if e.epoch != epoch {
				return
			}
			if err != nil {
				e.logger.Warn("offer negotiation failed", "error", err)
				e.abort()
				return
			}
			e.emit(TypeAnswer, AnswerPayload{Answer: answer, RecipientID: peer})
		})
	}()
}

// HandleAnswer processes a relayed answer from the current call peer.
func (e *CallEngine) HandleAnswer(ctx context.Context, p AnswerPayload) {
	if !e.negotiationFrom(p.SenderID) {
		return
	}
	media, epoch := e.media, e.epoch
	if media == nil {
		return
	}
	go func() {
		err := media.HandleAnswer(ctx, p.Answer)
		e.schedule(func() {
			if e.epoch != epoch {
				return
			}
			if err != nil {
				e.logger.Warn("answer negotiation failed", "error", err)
				e.abort()
			}
		})
	}()
}

// HandleCandidate feeds a relayed transport candidate to the media session.
// Candidates arriving before the local media session exists are queued and
// flushed once acquisition completes.
func (e *CallEngine) HandleCandidate(ctx context.Context, p CandidatePayload) {
	if !e.negotiationFrom(p.SenderID) {
		return
	}
	if e.media == nil {
		e.candidateQ = append(e.candidateQ, p.Candidate)
		return
	}
	e.feedCandidate(ctx, e.media, e.epoch, p.Candidate)
}

// ResetForReconnect force-terminates any call session. After a reconnect the
// signaling relay that carried the call is gone, so the session is stale.
func (e *CallEngine) ResetForReconnect() {
	if e.state == CallIdle {
		return
	}
	e.logger.Info("dropping stale call after reconnect", "peer_id", e.peerID)
	e.teardown()
}

// negotiationFrom reports whether a negotiation frame from senderID applies to
// the current call. Frames while idle (late relays) and frames whose peer does
// not match (racing call attempts) are ignored.
func (e *CallEngine) negotiationFrom(senderID string) bool {
	if e.state != CallConnected {
		return false
	}
	if senderID != "" && senderID != e.peerID {
		e.logger.Debug("negotiation frame from non-peer ignored", "sender_id", senderID)
		return false
	}
	return true
}

// acquireMedia obtains the local media device off the loop. The continuation
// re-checks the epoch: if the call ended meanwhile the session is released
// immediately.
func (e *CallEngine) acquireMedia(ctx context.Context) {
	epoch := e.epoch
	go func() {
		media, err := e.provider.Acquire(ctx)
		e.schedule(func() {
			if e.epoch != epoch {
				if media != nil {
					media.Close()
				}
				return
			}
			if err != nil {
				e.logger.Warn("media acquisition failed", "error", err)
				e.abort()
				return
			}
			e.media = media
			e.flushCandidates(ctx)
			if e.offerPending {
				e.offerPending = false
				e.sendOffer(ctx)
			}
			if e.remoteOffer != nil {
				held := e.remoteOffer
				e.remoteOffer = nil
				e.HandleOffer(ctx, OfferPayload{Offer: held, SenderID: e.peerID})
			}
		})
	}()
}

func (e *CallEngine) sendOffer(ctx context.Context) {
	media, epoch, peer := e.media, e.epoch, e.peerID
	go func() {
		offer, err := media.CreateOffer(ctx)
		e.schedule(func() {
			if e.epoch != epoch {
				return
			}
			if err != nil {
				e.logger.Warn("offer creation failed", "error", err)
				e.abort()
				return
			}
			e.emit(TypeOffer, OfferPayload{Offer: offer, RecipientID: peer})
		})
	}()
}

func (e *CallEngine) flushCandidates(ctx context.Context) {
	queued := e.candidateQ
	e.candidateQ = nil
	for _, c := range queued {
		e.feedCandidate(ctx, e.media, e.epoch, c)
	}
}

func (e *CallEngine) feedCandidate(ctx context.Context, media MediaSession, epoch uint64, candidate json.RawMessage) {
	go func() {
		if err := media.AddCandidate(ctx, candidate); err != nil {
			e.schedule(func() {
				if e.epoch != epoch {
					return
				}
				e.logger.Debug("candidate rejected by media transport", "error", err)
			})
		}
	}()
}

// abort terminates the call after a local failure, notifying the peer
// best-effort when a control command was already in flight.
func (e *CallEngine) abort() {
	switch e.state {
	case CallIdle:
		return
	case CallRinging:
		e.emit(TypeDeclineCall, DeclineCallPayload{CallerID: e.peerID})
	default:
		e.emit(TypeEndCall, EndCallPayload{RecipientID: e.peerID})
	}
	e.teardown()
}

// teardown releases every acquired resource and returns to idle. This is the
// single exit path for all non-idle states.
func (e *CallEngine) teardown() {
	if e.media != nil {
		if err := e.media.Close(); err != nil {
			e.logger.Debug("media session close", "error", err)
		}
		e.media = nil
	}
	e.offerPending = false
	e.remoteOffer = nil
	e.candidateQ = nil
	e.epoch++
	e.transition(CallIdle, "", "")
}

func (e *CallEngine) transition(state CallState, peerID, peerName string) {
	e.state = state
	e.peerID = peerID
	e.peerName = peerName
	e.notify()
}

func (e *CallEngine) notify() {
	if e.onState != nil {
		e.onState(e.state, e.peerID)
	}
}

func (e *CallEngine) emit(eventType EventType, payload interface{}) {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		e.logger.Warn("call envelope encode failed", "event", string(eventType), "error", err)
		return
	}
	e.send(env)
}
