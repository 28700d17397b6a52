package wfly

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of envelope travelling over the channel.
type EventType string

// Client -> Server
const (
	TypeAuth         EventType = "auth"
	TypeGetChatList  EventType = "get_chat_list"
	TypeGetHistory   EventType = "get_history"
	TypeSendMessage  EventType = "send_message"
	TypeTypingStart  EventType = "typing_start"
	TypeTypingStop   EventType = "typing_stop"
	TypeSearchUser   EventType = "search_user"
	TypeStartChat    EventType = "start_chat"
	TypeStartCall    EventType = "start_call"
	TypeAcceptCall   EventType = "accept_call"
	TypeDeclineCall  EventType = "decline_call"
	TypeEndCall      EventType = "end_call"
	TypeOffer        EventType = "webrtc_offer"
	TypeAnswer       EventType = "webrtc_answer"
	TypeICECandidate EventType = "webrtc_ice_candidate"
)

// Server -> Client (webrtc_* reuse the tags above with senderId set)
const (
	TypeAuthSuccess     EventType = "auth_success"
	TypeChatList        EventType = "chat_list"
	TypeChatHistory     EventType = "chat_history"
	TypeNewMessage      EventType = "new_message"
	TypeStatusUpdate    EventType = "user_status_update"
	TypeSearchResults   EventType = "search_results"
	TypeIncomingCall    EventType = "incoming_call"
	TypeCallRinging     EventType = "call_ringing"
	TypeCallUnavailable EventType = "call_unavailable"
	TypeCallAccepted    EventType = "call_accepted"
	TypeCallDeclined    EventType = "call_declined"
	TypeCallEnded       EventType = "call_ended"
)

// Envelope wraps every message on the channel with a type tag.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope creates an envelope with the given type and payload.
func NewEnvelope(eventType EventType, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: eventType, Payload: raw}, nil
}

// ParseEnvelope parses a raw frame into an envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// AuthPayload is the first frame sent after the channel opens.
type AuthPayload struct {
	Token string `json:"token"`
}

// AuthSuccessPayload acknowledges authentication and carries the local identity.
type AuthSuccessPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ChatSummary is one entry of a chat_list push. Presence and last-message
// fields are intentionally absent: the summary may be partial and the local
// store preserves what it already knows.
type ChatSummary struct {
	ChatID          string `json:"chatId"`
	PartnerID       string `json:"partnerId"`
	PartnerUsername string `json:"partnerUsername"`
	PartnerAvatar   string `json:"partnerAvatar,omitempty"`
}

// MessagePayload is a single message, both in new_message pushes and
// chat_history entries.
type MessagePayload struct {
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatHistoryPayload carries the ordered message history of one conversation.
type ChatHistoryPayload struct {
	ChatID   string           `json:"chatId"`
	Messages []MessagePayload `json:"messages"`
}

// StatusUpdatePayload reports a partner's presence change.
type StatusUpdatePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
	ChatID string `json:"chatId,omitempty"`
}

// UserSummary is one entry of a search_results push.
type UserSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// GetHistoryPayload requests the history of one conversation.
type GetHistoryPayload struct {
	ChatID string `json:"chatId"`
}

// SendMessagePayload submits a new message.
type SendMessagePayload struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

// TypingPayload marks the local user as composing (or done composing).
type TypingPayload struct {
	ChatID string `json:"chatId"`
}

// SearchUserPayload queries the user directory.
type SearchUserPayload struct {
	Query string `json:"query"`
}

// StartChatPayload opens a conversation with a user found via search.
type StartChatPayload struct {
	UserID string `json:"userId"`
}

// StartCallPayload initiates an outbound call.
type StartCallPayload struct {
	CalleeID string `json:"calleeId"`
}

// IncomingCallPayload announces an inbound call.
type IncomingCallPayload struct {
	CallerID string `json:"callerId"`
	Username string `json:"username"`
}

// AcceptCallPayload accepts an inbound call.
type AcceptCallPayload struct {
	CallerID string `json:"callerId"`
}

// DeclineCallPayload declines an inbound call (or rejects a collision).
type DeclineCallPayload struct {
	CallerID string `json:"callerId"`
}

// EndCallPayload hangs up the current call.
type EndCallPayload struct {
	RecipientID string `json:"recipientId"`
}

// CallAcceptedPayload reports that the callee accepted an outbound call.
type CallAcceptedPayload struct {
	CalleeID string `json:"calleeId"`
}

// OfferPayload relays a session description offer. RecipientID is set on the
// outbound leg, SenderID on the inbound leg; the blob itself is opaque.
type OfferPayload struct {
	Offer       json.RawMessage `json:"offer"`
	RecipientID string          `json:"recipientId,omitempty"`
	SenderID    string          `json:"senderId,omitempty"`
}

// AnswerPayload relays a session description answer.
type AnswerPayload struct {
	Answer      json.RawMessage `json:"answer"`
	RecipientID string          `json:"recipientId,omitempty"`
	SenderID    string          `json:"senderId,omitempty"`
}

// CandidatePayload relays a transport candidate.
type CandidatePayload struct {
	Candidate   json.RawMessage `json:"candidate"`
	RecipientID string          `json:"recipientId,omitempty"`
	SenderID    string          `json:"senderId,omitempty"`
}
