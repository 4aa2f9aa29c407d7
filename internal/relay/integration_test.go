package relay_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fathima-sithara/chatsync/internal/api"
	"github.com/fathima-sithara/chatsync/internal/engine"
	"github.com/fathima-sithara/chatsync/internal/models"
	"github.com/fathima-sithara/chatsync/internal/relay"
	"github.com/fathima-sithara/chatsync/internal/transport"
)

const secret = "integration-secret"

func startRelay(t *testing.T) (*relay.Server, string) {
	t.Helper()
	srv := relay.New(relay.Options{JWTSecret: secret, Users: []string{"alice", "bob"}}, nil, nil, prometheus.NewRegistry(), zaptest.NewLogger(t))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.App().Listener(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, ln.Addr().String()
}

func newSession(t *testing.T, addr, user string) *engine.Session {
	t.Helper()
	tok, err := relay.IssueToken(secret, user, time.Hour)
	require.NoError(t, err)
	log := zaptest.NewLogger(t).Named(user)

	tr := transport.New(transport.Config{
		URL:              "ws://" + addr + "/v1/ws",
		ReconnectInitial: 20 * time.Millisecond,
		ReconnectMax:     100 * time.Millisecond,
	}, log)
	client, err := api.New(api.Config{BaseURL: "http://" + addr, Token: tok, Timeout: 5 * time.Second}, log)
	require.NoError(t, err)

	s := engine.New(models.Identity{UserID: user, Token: tok}, tr, client, engine.Options{
		AutoMarkRead: true,
		Logger:       log,
	})
	t.Cleanup(s.Close)
	return s
}

func TestRelay_TwoSessionsEndToEnd(t *testing.T) {
	srv, addr := startRelay(t)
	conv, _ := srv.Store().StartConversation("alice", "bob")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	alice := newSession(t, addr, "alice")
	bob := newSession(t, addr, "bob")
	require.NoError(t, alice.Start(ctx))
	require.NoError(t, bob.Start(ctx))
	require.True(t, alice.Realtime())
	require.True(t, bob.Realtime())

	online, err := alice.QueryPresence(ctx, "bob")
	require.NoError(t, err)
	require.True(t, online)

	require.NoError(t, alice.Open(ctx, conv.ID))
	require.NoError(t, alice.SetDraft("hello bob"))
	sent, err := alice.Send()
	require.NoError(t, err)
	require.True(t, sent.Pending())

	// the echo replaces the optimistic entry in place
	require.Eventually(t, func() bool {
		msgs := alice.Messages(conv.ID)
		return len(msgs) == 1 && msgs[0].Confirmed() && msgs[0].ID != sent.ID
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		c, ok := bob.Conversation(conv.ID)
		return ok && c.UnreadCount == 1 && c.LastMessagePreview == "hello bob"
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, bob.TotalUnread())

	require.NoError(t, bob.Open(ctx, conv.ID))
	// a counter push already in flight may land after the local zero; the
	// relay's reply to mark_read settles it
	require.Eventually(t, func() bool { return bob.TotalUnread() == 0 }, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		msgs := alice.Messages(conv.ID)
		return len(msgs) == 1 && msgs[0].IsRead
	}, 3*time.Second, 10*time.Millisecond)

	// typing reaches the other member of the room
	require.NoError(t, bob.SetDraft("typ"))
	require.Eventually(t, func() bool {
		users := alice.TypingUsers(conv.ID)
		return len(users) == 1 && users[0] == "bob"
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, bob.SetDraft(""))
	require.Eventually(t, func() bool {
		return len(alice.TypingUsers(conv.ID)) == 0
	}, 3*time.Second, 10*time.Millisecond)

	bob.Close()
	require.Eventually(t, func() bool { return !alice.IsOnline("bob") }, 3*time.Second, 10*time.Millisecond)
}
