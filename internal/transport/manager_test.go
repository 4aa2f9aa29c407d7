package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fathima-sithara/chatsync/internal/apperr"
	"github.com/fathima-sithara/chatsync/internal/events"
	"github.com/fathima-sithara/chatsync/internal/models"
)

// fakeRelay accepts websocket upgrades and records every inbound frame.
type fakeRelay struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  []*websocket.Conn
	frames []events.Envelope
	tokens []string
	accept bool
}

func newFakeRelay(t *testing.T) *fakeRelay {
	r := &fakeRelay{t: t, accept: true}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/v1/ws"
}

func (r *fakeRelay) serve(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	accept := r.accept
	r.tokens = append(r.tokens, req.URL.Query().Get("token"))
	r.mu.Unlock()
	if !accept {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.conns = append(r.conns, ws)
	r.mu.Unlock()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env events.Envelope
		if json.Unmarshal(data, &env) == nil {
			r.mu.Lock()
			r.frames = append(r.frames, env)
			r.mu.Unlock()
		}
	}
}

func (r *fakeRelay) setAccept(v bool) {
	r.mu.Lock()
	r.accept = v
	r.mu.Unlock()
}

func (r *fakeRelay) connCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *fakeRelay) last() *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[len(r.conns)-1]
}

func (r *fakeRelay) push(raw string) {
	require.Eventually(r.t, func() bool { return r.connCount() > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(r.t, r.last().WriteMessage(websocket.TextMessage, []byte(raw)))
}

// dropAll closes every server-side socket without a close handshake.
func (r *fakeRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		_ = c.Close()
	}
}

func (r *fakeRelay) framesOf(kind events.Kind) []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Envelope
	for _, f := range r.frames {
		if f.Type == kind {
			out = append(out, f)
		}
	}
	return out
}

func newTestManager(t *testing.T, url string) *Manager {
	m := New(Config{
		URL:              url,
		ReconnectInitial: 20 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		HandshakeTimeout: time.Second,
	}, zaptest.NewLogger(t))
	t.Cleanup(m.Disconnect)
	return m
}

var alice = models.Identity{UserID: "u1", Token: "tok-u1"}

func TestManager_ConnectIsIdempotent(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay.url())

	var states []State
	var mu sync.Mutex
	m.OnState(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	h1, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, "u1", h1.UserID)
	require.NotEmpty(t, h1.SessionID)

	h2, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, h1.SessionID, h2.SessionID)
	require.True(t, m.Connected())
	require.Eventually(t, func() bool { return relay.connCount() == 1 }, time.Second, 5*time.Millisecond)
	relay.mu.Lock()
	require.Equal(t, []string{"tok-u1"}, relay.tokens)
	relay.mu.Unlock()

	mu.Lock()
	require.Equal(t, []State{StateConnected}, states)
	mu.Unlock()
}

func TestManager_DeliversDecodedEvents(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay.url())

	got := make(chan events.Event, 4)
	m.Subscribe(events.KindUserTyping, func(ev events.Event) { got <- ev })

	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)

	relay.push(`{"type":"user_typing","payload":{"conversation_id":"c1","user_id":"u2"}}`)

	select {
	case ev := <-got:
		typing, ok := ev.(*events.UserTyping)
		require.True(t, ok)
		require.Equal(t, "c1", typing.ConversationID)
		require.Equal(t, "u2", typing.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestManager_DropsMalformedEventsAndKeepsReading(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay.url())

	got := make(chan events.Event, 4)
	m.Subscribe(events.KindUserOnlineStatus, func(ev events.Event) { got <- ev })

	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)

	relay.push(`{"type":"user_online_status","payload":{"online":true}}`)
	relay.push(`not json`)
	relay.push(`{"type":"mystery","payload":{}}`)
	relay.push(`{"type":"user_online_status","payload":{"user_id":"u2","online":true}}`)

	select {
	case ev := <-got:
		require.Equal(t, "u2", ev.(*events.UserOnlineStatus).UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("valid event after malformed ones not delivered")
	}
	require.Eventually(t, func() bool { return m.Stats().Dropped == 3 }, time.Second, 10*time.Millisecond)
	require.True(t, m.Connected())
}

func TestManager_HandlerPanicDoesNotKillConnection(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay.url())

	got := make(chan struct{}, 2)
	m.Subscribe(events.KindUserTyping, func(events.Event) { panic("boom") })
	m.Subscribe(events.KindUserTyping, func(events.Event) { got <- struct{}{} })

	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)

	relay.push(`{"type":"user_typing","payload":{"conversation_id":"c1","user_id":"u2"}}`)
	relay.push(`{"type":"user_typing","payload":{"conversation_id":"c1","user_id":"u2"}}`)
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("second handler not invoked")
		}
	}
}

func TestManager_UnsubscribeStopsDelivery(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay.url())

	var mu sync.Mutex
	count := 0
	sub := m.Subscribe(events.KindUserTyping, func(events.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	marker := make(chan struct{}, 1)
	m.Subscribe(events.KindUserStoppedTyping, func(events.Event) { marker <- struct{}{} })

	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.Equal(t, 0, m.subs.count(events.KindUserTyping))

	relay.push(`{"type":"user_typing","payload":{"conversation_id":"c1","user_id":"u2"}}`)
	relay.push(`{"type":"user_stopped_typing","payload":{"conversation_id":"c1","user_id":"u2"}}`)
	select {
	case <-marker:
	case <-time.After(2 * time.Second):
		t.Fatal("marker event not delivered")
	}
	mu.Lock()
	require.Equal(t, 0, count)
	mu.Unlock()
}

func TestManager_ReconnectRejoinsRoomsAndSignals(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay.url())

	states := make(chan State, 8)
	m.OnState(func(s State) { states <- s })

	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, StateConnected, <-states)

	require.NoError(t, m.JoinRoom("c1"))
	require.NoError(t, m.JoinRoom("c2"))
	require.NoError(t, m.LeaveRoom("c2"))
	require.Equal(t, []string{"c1"}, m.Rooms())
	require.Eventually(t, func() bool { return len(relay.framesOf(events.KindJoinConversation)) == 2 }, time.Second, 10*time.Millisecond)

	relay.dropAll()

	require.Equal(t, StateDisconnected, waitState(t, states))
	require.Equal(t, StateReconnected, waitState(t, states))
	require.Equal(t, int64(1), m.Stats().Reconnects)

	require.Eventually(t, func() bool {
		joins := relay.framesOf(events.KindJoinConversation)
		if len(joins) != 3 {
			return false
		}
		var ref events.ConversationRef
		require.NoError(t, json.Unmarshal(joins[2].Payload, &ref))
		return ref.ConversationID == "c1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_EmitWhileDisconnected(t *testing.T) {
	m := New(Config{URL: "ws://127.0.0.1:1/v1/ws"}, zaptest.NewLogger(t))

	err := m.EmitTyping("c1")
	require.ErrorIs(t, err, apperr.ErrNotConnected)

	err = m.JoinRoom("c1")
	require.ErrorIs(t, err, apperr.ErrNotConnected)
	require.Equal(t, []string{"c1"}, m.Rooms())
}

func TestManager_OutboundFrames(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay.url())

	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)

	require.NoError(t, m.SendMessage(events.SendMessage{ConversationID: "c1", ReceiverID: "u2", MessageText: "hi", ClientID: "tmp-1"}))
	require.NoError(t, m.EmitTyping("c1"))
	require.NoError(t, m.EmitStopTyping("c1"))
	require.NoError(t, m.MarkRead("c1"))
	require.NoError(t, m.QueryOnlineStatus("u2"))

	require.Eventually(t, func() bool {
		return len(relay.framesOf(events.KindCheckOnlineStatus)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sends := relay.framesOf(events.KindSendMessage)
	require.Len(t, sends, 1)
	var p events.SendMessage
	require.NoError(t, json.Unmarshal(sends[0].Payload, &p))
	require.Equal(t, "tmp-1", p.ClientID)
	require.Equal(t, "hi", p.MessageText)
	require.Len(t, relay.framesOf(events.KindTyping), 1)
	require.Len(t, relay.framesOf(events.KindStopTyping), 1)
	require.Len(t, relay.framesOf(events.KindMarkRead), 1)
}

func TestManager_FirstDialFailureKeepsRetrying(t *testing.T) {
	relay := newFakeRelay(t)
	relay.setAccept(false)
	m := newTestManager(t, relay.url())

	states := make(chan State, 4)
	m.OnState(func(s State) { states <- s })

	_, err := m.Connect(context.Background(), alice)
	require.ErrorIs(t, err, apperr.ErrNotConnected)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
	require.False(t, m.Connected())

	relay.setAccept(true)
	require.Equal(t, StateReconnected, waitState(t, states))
	require.True(t, m.Connected())
}

func TestManager_DisconnectStopsRedialing(t *testing.T) {
	relay := newFakeRelay(t)
	m := newTestManager(t, relay.url())

	_, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)
	m.Disconnect()
	require.False(t, m.Connected())
	require.Nil(t, m.Handle())

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, relay.connCount())

	_, err = m.Connect(context.Background(), alice)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return relay.connCount() == 2 }, time.Second, 5*time.Millisecond)
}

func waitState(t *testing.T, ch <-chan State) State {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no state signal")
		return StateDisconnected
	}
}
