package wfly

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// router dispatches inbound envelopes to the store and the call engine and
// builds outbound commands from user actions. It owns the per-conversation
// typing timers. All methods run on the session loop.
type router struct {
	store    *Store
	engine   *CallEngine
	send     func(*Envelope)
	schedule func(func())
	logger   *slog.Logger

	typingQuiesce time.Duration
	typingTimers  map[string]*time.Timer

	onConversationsChanged func(ids []string)
	onSearchResults        func(users []UserSummary)
}

func newRouter(store *Store, engine *CallEngine, send func(*Envelope), schedule func(func()), quiesce time.Duration, logger *slog.Logger) *router {
	if quiesce <= 0 {
		quiesce = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		store:         store,
		engine:        engine,
		send:          send,
		schedule:      schedule,
		logger:        logger,
		typingQuiesce: quiesce,
		typingTimers:  make(map[string]*time.Timer),
	}
}

// dispatch parses a raw inbound frame and routes it by type. Malformed frames
// and unknown types are dropped; future server event kinds must not break
// older clients.
func (r *router) dispatch(ctx context.Context, raw []byte) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		r.logger.Debug("malformed frame dropped", "error", err)
		return
	}

	switch env.Type {
	case TypeChatList:
		var list []ChatSummary
		if !r.decode(env, &list) {
			return
		}
		r.changed(r.store.ApplyConversationList(list))

	case TypeChatHistory:
		var p ChatHistoryPayload
		if !r.decode(env, &p) {
			return
		}
		r.changed(r.store.ApplyHistory(p.ChatID, p.Messages))

	case TypeNewMessage:
		var p MessagePayload
		if !r.decode(env, &p) {
			return
		}
		r.changed(r.store.ApplyNewMessage(p))

	case TypeStatusUpdate:
		var p StatusUpdatePayload
		if !r.decode(env, &p) {
			return
		}
		r.changed(r.store.ApplyPresence(p.UserID, Presence(p.Status)))

	case TypeSearchResults:
		var users []UserSummary
		if !r.decode(env, &users) {
			return
		}
		if r.onSearchResults != nil {
			r.onSearchResults(users)
		}

	case TypeIncomingCall:
		var p IncomingCallPayload
		if !r.decode(env, &p) {
			return
		}
		r.engine.HandleIncomingCall(p)

	case TypeCallRinging:
		r.engine.HandleRinging()

	case TypeCallAccepted:
		var p CallAcceptedPayload
		if !r.decode(env, &p) {
			return
		}
		r.engine.HandleAccepted(ctx, p)

	case TypeCallDeclined, TypeCallUnavailable, TypeCallEnded:
		r.engine.HandleTerminal(env.Type)

	case TypeOffer:
		var p OfferPayload
		if !r.decode(env, &p) {
			return
		}
		r.engine.HandleOffer(ctx, p)

	case TypeAnswer:
		var p AnswerPayload
		if !r.decode(env, &p) {
			return
		}
		r.engine.HandleAnswer(ctx, p)

	case TypeICECandidate:
		var p CandidatePayload
		if !r.decode(env, &p) {
			return
		}
		r.engine.HandleCandidate(ctx, p)

	default:
		r.logger.Debug("unknown event type ignored", "event", string(env.Type))
	}
}

// ----------------------------------------------------------------------------
// Outbound commands. Each user action maps to exactly one envelope,
// at-most-once; the router never retries.
// ----------------------------------------------------------------------------

func (r *router) requestChatList() {
	r.emit(TypeGetChatList, struct{}{})
}

func (r *router) requestHistory(chatID string) {
	r.emit(TypeGetHistory, GetHistoryPayload{ChatID: chatID})
}

// sendMessage submits a message and closes out the typing indicator.
func (r *router) sendMessage(chatID, content string) {
	r.emit(TypeSendMessage, SendMessagePayload{ChatID: chatID, Content: content})
	r.emit(TypeTypingStop, TypingPayload{ChatID: chatID})
	r.cancelTyping(chatID)
}

// typing arms the typing indicator for a conversation. The first keystroke
// emits typing_start; each further keystroke rearms the quiesce timer. At most
// one live timer exists per conversation, always cancelled before rearming.
func (r *router) typing(chatID string) {
	if t, ok := r.typingTimers[chatID]; ok {
		t.Stop()
	} else {
		r.emit(TypeTypingStart, TypingPayload{ChatID: chatID})
	}
	var timer *time.Timer
	timer = time.AfterFunc(r.typingQuiesce, func() {
		r.schedule(func() {
			// A keystroke may have rearmed the conversation between this timer
			// firing and the loop running us; only the live timer may stop.
			if r.typingTimers[chatID] != timer {
				return
			}
			delete(r.typingTimers, chatID)
			r.emit(TypeTypingStop, TypingPayload{ChatID: chatID})
		})
	})
	r.typingTimers[chatID] = timer
}

func (r *router) cancelTyping(chatID string) {
	if t, ok := r.typingTimers[chatID]; ok {
		t.Stop()
		delete(r.typingTimers, chatID)
	}
}

func (r *router) searchUsers(query string) {
	r.emit(TypeSearchUser, SearchUserPayload{Query: query})
}

func (r *router) startChat(userID string) {
	r.emit(TypeStartChat, StartChatPayload{UserID: userID})
}

func (r *router) emit(eventType EventType, payload interface{}) {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		r.logger.Warn("envelope encode failed", "event", string(eventType), "error", err)
		return
	}
	r.send(env)
}

func (r *router) changed(ids []string) {
	if len(ids) > 0 && r.onConversationsChanged != nil {
		r.onConversationsChanged(ids)
	}
}

func (r *router) decode(env *Envelope, v interface{}) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		r.logger.Debug("payload decode failed", "event", string(env.Type), "error", err)
		return false
	}
	return true
}
