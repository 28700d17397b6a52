package wfly

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopRunner is a miniature session loop: everything the router does, and
// every timer continuation, runs on its single goroutine.
type loopRunner struct {
	queue chan func()
	quit  chan struct{}
}

func newLoopRunner(t *testing.T) *loopRunner {
	r := &loopRunner{queue: make(chan func(), 64), quit: make(chan struct{})}
	go func() {
		for {
			select {
			case fn := <-r.queue:
				fn()
			case <-r.quit:
				return
			}
		}
	}()
	t.Cleanup(func() { close(r.quit) })
	return r
}

func (r *loopRunner) post(fn func()) {
	select {
	case r.queue <- fn:
	case <-r.quit:
	}
}

// run executes fn on the loop and waits for it.
func (r *loopRunner) run(fn func()) {
	done := make(chan struct{})
	r.post(func() {
		fn()
		close(done)
	})
	<-done
}

type routerHarness struct {
	*loopRunner
	router *router

	mu   sync.Mutex
	sent []*Envelope
}

func newRouterHarness(t *testing.T, quiesce time.Duration) *routerHarness {
	h := &routerHarness{loopRunner: newLoopRunner(t)}
	send := func(env *Envelope) {
		h.mu.Lock()
		h.sent = append(h.sent, env)
		h.mu.Unlock()
	}
	store := NewStore()
	store.ApplyConversationList([]ChatSummary{
		{ChatID: "c1", PartnerID: "u2", PartnerUsername: "alice"},
	})
	engine := NewCallEngine(&fakeProvider{media: &fakeMedia{}}, send, h.post, discardLogger())
	h.router = newRouter(store, engine, send, h.post, quiesce, discardLogger())
	return h
}

func (h *routerHarness) countSent(eventType EventType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, env := range h.sent {
		if env.Type == eventType {
			n++
		}
	}
	return n
}

func TestTypingIndicatorLifecycle(t *testing.T) {
	h := newRouterHarness(t, 50*time.Millisecond)

	// Only the first keystroke announces typing.
	for i := 0; i < 5; i++ {
		h.run(func() { h.router.typing("c1") })
	}
	assert.Equal(t, 1, h.countSent(TypeTypingStart))
	assert.Equal(t, 0, h.countSent(TypeTypingStop))

	// The quiesce timer withdraws the indicator.
	assert.Eventually(t, func() bool {
		return h.countSent(TypeTypingStop) == 1
	}, time.Second, 5*time.Millisecond)

	// The next keystroke starts a fresh cycle.
	h.run(func() { h.router.typing("c1") })
	assert.Equal(t, 2, h.countSent(TypeTypingStart))
}

func TestTypingStoppedBySend(t *testing.T) {
	h := newRouterHarness(t, 50*time.Millisecond)

	h.run(func() { h.router.typing("c1") })
	h.run(func() { h.router.sendMessage("c1", "hello") })

	assert.Equal(t, 1, h.countSent(TypeSendMessage))
	assert.Equal(t, 1, h.countSent(TypeTypingStop))

	// The quiesce timer was cancelled: no second stop arrives.
	time.Sleep(120 * time.Millisecond)
	h.run(func() {})
	assert.Equal(t, 1, h.countSent(TypeTypingStop))
}

func TestTypingTimersPerConversation(t *testing.T) {
	h := newRouterHarness(t, 50*time.Millisecond)

	h.run(func() {
		h.router.typing("c1")
		h.router.typing("c2")
	})
	assert.Equal(t, 2, h.countSent(TypeTypingStart))

	h.run(func() { h.router.sendMessage("c1", "bye") })
	assert.Eventually(t, func() bool {
		// One stop from the send, one from c2's quiesce timer.
		return h.countSent(TypeTypingStop) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestDispatchRoutesStoreEvents(t *testing.T) {
	h := newRouterHarness(t, time.Second)
	ctx := context.Background()

	var changed [][]string
	h.router.onConversationsChanged = func(ids []string) {
		changed = append(changed, ids)
	}

	frames := [][]byte{
		mustFrame(t, TypeChatList, []ChatSummary{{ChatID: "c2", PartnerID: "u3", PartnerUsername: "bob"}}),
		mustFrame(t, TypeNewMessage, msgAt("c1", "u2", "hi there", 1)),
		mustFrame(t, TypeStatusUpdate, StatusUpdatePayload{UserID: "u2", Status: "online"}),
	}
	h.run(func() {
		for _, raw := range frames {
			h.router.dispatch(ctx, raw)
		}
	})

	require.Len(t, changed, 3)
	conv, ok := h.router.store.Conversation("c2")
	require.True(t, ok)
	assert.Equal(t, "bob", conv.PartnerName)

	conv, _ = h.router.store.Conversation("c1")
	assert.Equal(t, "hi there", conv.LastMessagePreview)
	assert.Equal(t, PresenceOnline, conv.Presence)
}

func TestDispatchRoutesCallEvents(t *testing.T) {
	h := newRouterHarness(t, time.Second)
	ctx := context.Background()

	h.run(func() {
		h.router.dispatch(ctx, mustFrame(t, TypeIncomingCall, IncomingCallPayload{CallerID: "u2", Username: "alice"}))
	})
	assert.Equal(t, CallRinging, h.router.engine.State())

	h.run(func() {
		h.router.dispatch(ctx, mustFrame(t, TypeCallEnded, EndCallPayload{}))
	})
	assert.Equal(t, CallIdle, h.router.engine.State())
}

func TestDispatchSearchResults(t *testing.T) {
	h := newRouterHarness(t, time.Second)

	var results []UserSummary
	h.router.onSearchResults = func(users []UserSummary) { results = users }

	h.run(func() {
		h.router.dispatch(context.Background(), mustFrame(t, TypeSearchResults, []UserSummary{
			{ID: "u5", Username: "eve"},
		}))
	})
	require.Len(t, results, 1)
	assert.Equal(t, "eve", results[0].Username)
}

func TestDispatchToleratesUnknownAndMalformed(t *testing.T) {
	h := newRouterHarness(t, time.Second)
	ctx := context.Background()

	before := h.router.store.Conversations()
	h.run(func() {
		h.router.dispatch(ctx, []byte("{not json"))
		h.router.dispatch(ctx, mustFrame(t, EventType("server_maintenance"), struct{}{}))
		h.router.dispatch(ctx, []byte(`{"type":"new_message","payload":"not an object"}`))
	})

	assert.Equal(t, before, h.router.store.Conversations())
	assert.Equal(t, CallIdle, h.router.engine.State())
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.sent)
}

func mustFrame(t *testing.T, eventType EventType, payload interface{}) []byte {
	t.Helper()
	env, err := NewEnvelope(eventType, payload)
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return data
}
