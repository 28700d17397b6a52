package wfly

import (
	"sort"
	"sync"
	"time"
)

// Presence is a conversation partner's last reported status.
type Presence string

const (
	PresenceOffline Presence = "offline"
	PresenceOnline  Presence = "online"
	PresenceTyping  Presence = "typing"
)

// Conversation is the local view of one chat with a single partner.
type Conversation struct {
	ID                 string
	PartnerID          string
	PartnerName        string
	PartnerAvatar      string
	Presence           Presence
	LastMessageAt      time.Time
	LastMessagePreview string
}

// Message is an immutable message within a conversation.
type Message struct {
	ChatID    string
	SenderID  string
	Content   string
	Timestamp time.Time
}

func (m Message) sameIdentity(o Message) bool {
	return m.SenderID == o.SenderID && m.Content == o.Content && m.Timestamp.Equal(o.Timestamp)
}

// Store is the authoritative local model of conversations, messages and
// presence. Mutations happen only on the session loop; the lock exists so the
// presentation layer can read concurrently.
type Store struct {
	mu            sync.RWMutex
	order         []string // conversation ids, arrival order
	conversations map[string]*Conversation
	messages      map[string][]Message
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
	}
}

// ApplyConversationList merges a chat_list push into the store. Incoming
// summaries may be partial: presence and last-message fields already known
// locally are preserved, and conversations absent from the push are kept.
// Returns the ids of conversations that changed.
func (s *Store) ApplyConversationList(list []ChatSummary) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	for _, sum := range list {
		if sum.ChatID == "" {
			continue
		}
		existing, ok := s.conversations[sum.ChatID]
		if !ok {
			s.conversations[sum.ChatID] = &Conversation{
				ID:            sum.ChatID,
				PartnerID:     sum.PartnerID,
				PartnerName:   sum.PartnerUsername,
				PartnerAvatar: sum.PartnerAvatar,
				Presence:      PresenceOffline,
			}
			s.order = append(s.order, sum.ChatID)
			changed = append(changed, sum.ChatID)
			continue
		}
		if existing.PartnerID == sum.PartnerID &&
			existing.PartnerName == sum.PartnerUsername &&
			(sum.PartnerAvatar == "" || existing.PartnerAvatar == sum.PartnerAvatar) {
			continue
		}
		existing.PartnerID = sum.PartnerID
		existing.PartnerName = sum.PartnerUsername
		if sum.PartnerAvatar != "" {
			existing.PartnerAvatar = sum.PartnerAvatar
		}
		changed = append(changed, sum.ChatID)
	}
	return changed
}

// ApplyHistory replaces (or seeds) the message list of a conversation with a
// server-provided history, deduplicated and sorted by timestamp. The
// conversation's last-message fields are refreshed from the tail entry.
func (s *Store) ApplyHistory(chatID string, history []MessagePayload) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]Message, 0, len(history))
	for _, p := range history {
		m := Message{ChatID: chatID, SenderID: p.SenderID, Content: p.Content, Timestamp: p.Timestamp}
		if containsMessage(msgs, m) {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	s.messages[chatID] = msgs

	if conv, ok := s.conversations[chatID]; ok && len(msgs) > 0 {
		tail := msgs[len(msgs)-1]
		conv.LastMessageAt = tail.Timestamp
		conv.LastMessagePreview = tail.Content
	}
	return []string{chatID}
}

// ApplyNewMessage appends a pushed message to its conversation. Duplicates
// (same sender, timestamp and content, e.g. reconnect replays) are dropped.
// A message for an unknown conversation is discarded without error: a
// chat_list push naming that conversation is expected imminently.
func (s *Store) ApplyNewMessage(p MessagePayload) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[p.ChatID]
	if !ok {
		return nil
	}

	m := Message{ChatID: p.ChatID, SenderID: p.SenderID, Content: p.Content, Timestamp: p.Timestamp}
	msgs := s.messages[p.ChatID]
	if containsMessage(msgs, m) {
		return nil
	}

	// Arrival order is not creation order across reconnects; keep the list
	// sorted on insert.
	idx := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].Timestamp.After(m.Timestamp)
	})
	msgs = append(msgs, Message{})
	copy(msgs[idx+1:], msgs[idx:])
	msgs[idx] = m
	s.messages[p.ChatID] = msgs

	tail := msgs[len(msgs)-1]
	conv.LastMessageAt = tail.Timestamp
	conv.LastMessagePreview = tail.Content
	return []string{p.ChatID}
}

// ApplyPresence updates the presence of the conversation whose partner matches
// userID. If several conversations share a partner id the first match (in
// arrival order) wins; that is a server-side inconsistency, not an error.
func (s *Store) ApplyPresence(userID string, status Presence) []string {
	switch status {
	case PresenceOffline, PresenceOnline, PresenceTyping:
	default:
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		conv := s.conversations[id]
		if conv.PartnerID != userID {
			continue
		}
		if conv.Presence == status {
			return nil
		}
		conv.Presence = status
		return []string{id}
	}
	return nil
}

// Conversation returns a snapshot of one conversation.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return *conv, true
}

// Conversations returns snapshots of all conversations sorted by last-message
// recency, partner name as tiebreak.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.conversations[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].PartnerName < out[j].PartnerName
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out
}

// Messages returns a copy of a conversation's message list.
func (s *Store) Messages(chatID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[chatID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// HasHistory reports whether a history push for the conversation was applied.
func (s *Store) HasHistory(chatID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messages[chatID]
	return ok
}

func containsMessage(msgs []Message, m Message) bool {
	for _, have := range msgs {
		if have.sameIdentity(m) {
			return true
		}
	}
	return false
}
