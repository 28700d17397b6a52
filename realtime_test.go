package wfly

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestReconnectorBackoff(t *testing.T) {
	base := 5 * time.Second
	max := 60 * time.Second
	r := newReconnector(&RealtimeConfig{ReconnectBaseDelay: base, ReconnectMaxDelay: max})

	var prev time.Duration
	for i := 0; i < 8; i++ {
		d := r.nextDelay()
		assert.GreaterOrEqual(t, d, prev, "delay must never shrink while failing")
		assert.LessOrEqual(t, d, max)
		prev = d
	}
	assert.Equal(t, max, prev, "backoff saturates at the cap")

	r.reset()
	d := r.nextDelay()
	assert.GreaterOrEqual(t, d, base)
	assert.Less(t, d, 2*base, "after reset the delay returns to the base window")
}

func TestReconnectorAttemptLimit(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    time.Millisecond,
		MaxReconnectAttempts: 2,
	})
	assert.True(t, r.shouldReconnect())
	r.nextDelay()
	assert.True(t, r.shouldReconnect())
	r.nextDelay()
	assert.False(t, r.shouldReconnect())

	unlimited := newReconnector(&RealtimeConfig{ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond})
	for i := 0; i < 100; i++ {
		unlimited.nextDelay()
	}
	assert.True(t, unlimited.shouldReconnect())
}

// authServer accepts one channel, performs the server side of the auth
// handshake and then relays frames through the inbound/outbound channels.
type authServer struct {
	*httptest.Server
	token    string
	received chan *Envelope
	pushes   chan *Envelope
}

func newAuthServer(t *testing.T, token string) *authServer {
	t.Helper()
	s := &authServer{
		token:    token,
		received: make(chan *Envelope, 16),
		pushes:   make(chan *Envelope, 16),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := ParseEnvelope(raw)
		if err != nil || env.Type != TypeAuth {
			return
		}
		var auth AuthPayload
		if json.Unmarshal(env.Payload, &auth) != nil || auth.Token != s.token {
			reply, _ := NewEnvelope(EventType("auth_failure"), struct{}{})
			data, _ := json.Marshal(reply)
			conn.Write(ctx, websocket.MessageText, data)
			return
		}

		reply, _ := NewEnvelope(TypeAuthSuccess, AuthSuccessPayload{UserID: "u1", Username: "self"})
		data, _ := json.Marshal(reply)
		if conn.Write(ctx, websocket.MessageText, data) != nil {
			return
		}

		go func() {
			for push := range s.pushes {
				data, _ := json.Marshal(push)
				if conn.Write(ctx, websocket.MessageText, data) != nil {
					return
				}
			}
		}()
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if env, err := ParseEnvelope(raw); err == nil {
				s.received <- env
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func TestConnHandshake(t *testing.T) {
	server := newAuthServer(t, "secret")

	conn := NewConn(server.URL, &RealtimeConfig{Token: "secret", Logger: discardLogger()})

	frames := make(chan []byte, 16)
	conn.OnFrame(func(raw []byte) { frames <- raw })
	var states []ConnState
	conn.OnStateChange(func(state ConnState) { states = append(states, state) })
	var ready AuthSuccessPayload
	conn.OnReady(func(p AuthSuccessPayload) { ready = p })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Connect(ctx))
	defer conn.Close()

	assert.Equal(t, StateActive, conn.State())
	assert.Equal(t, "u1", ready.UserID)
	assert.Equal(t, "self", ready.Username)
	assert.Equal(t, []ConnState{StateConnecting, StateAuthenticating, StateActive}, states)

	// Frames after the handshake reach the frame handler.
	push, err := NewEnvelope(TypeChatList, []ChatSummary{{ChatID: "c1", PartnerID: "u2", PartnerUsername: "alice"}})
	require.NoError(t, err)
	server.pushes <- push
	select {
	case raw := <-frames:
		env, err := ParseEnvelope(raw)
		require.NoError(t, err)
		assert.Equal(t, TypeChatList, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("pushed frame never arrived")
	}

	// Outbound envelopes reach the server.
	out, err := NewEnvelope(TypeGetChatList, struct{}{})
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, out))
	select {
	case env := <-server.received:
		assert.Equal(t, TypeGetChatList, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("sent frame never reached the server")
	}
}

func TestConnAuthRejected(t *testing.T) {
	server := newAuthServer(t, "secret")

	conn := NewConn(server.URL, &RealtimeConfig{Token: "wrong", Logger: discardLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := conn.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnDialFailure(t *testing.T) {
	conn := NewConn("http://127.0.0.1:1", &RealtimeConfig{Token: "secret", Logger: discardLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := conn.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestSendDroppedWhenNotActive(t *testing.T) {
	conn := NewConn("http://example.invalid", &RealtimeConfig{Token: "secret", Logger: discardLogger()})

	env, err := NewEnvelope(TypeSendMessage, SendMessagePayload{ChatID: "c1", Content: "hi"})
	require.NoError(t, err)
	// Dropping is not an error: the caller must not treat an offline send as
	// a failure it can retry.
	assert.NoError(t, conn.Send(context.Background(), env))
}

func TestCloseIsIntentional(t *testing.T) {
	server := newAuthServer(t, "secret")

	conn := NewConn(server.URL, &RealtimeConfig{Token: "secret", AutoReconnect: true, Logger: discardLogger()})
	stateCh := make(chan ConnState, 16)
	conn.OnStateChange(func(state ConnState) { stateCh <- state })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Connect(ctx))
	require.NoError(t, conn.Close())

	assert.Equal(t, StateDisconnected, conn.State())

	// No reconnect follows an intentional close.
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case state := <-stateCh:
			assert.NotEqual(t, StateConnecting, state, "closed channel must not redial")
		case <-deadline:
			return
		}
	}
}
