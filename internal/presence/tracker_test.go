package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/chatsync/internal/apperr"
)

type querierFunc func(string) error

func (f querierFunc) QueryOnlineStatus(userID string) error { return f(userID) }

func TestTracker_SetAndClear(t *testing.T) {
	tr := NewTracker(nil)

	require.True(t, tr.Set("u2", true))
	require.False(t, tr.Set("u2", true))
	tr.MarkOnline("u3")
	require.Equal(t, []string{"u2", "u3"}, tr.Online())

	tr.MarkOffline("u2")
	require.False(t, tr.IsOnline("u2"))
	require.True(t, tr.IsOnline("u3"))

	tr.Clear()
	require.Empty(t, tr.Online())
}

func TestTracker_QueryResolvesOnPush(t *testing.T) {
	tr := NewTracker(nil)
	q := querierFunc(func(userID string) error {
		go tr.Set(userID, true)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	online, err := tr.Query(ctx, q, "u2")
	require.NoError(t, err)
	require.True(t, online)
	require.True(t, tr.IsOnline("u2"))
}

func TestTracker_QueryTimesOut(t *testing.T) {
	tr := NewTracker(nil)
	q := querierFunc(func(string) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	online, err := tr.Query(ctx, q, "u2")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, online)

	tr.mu.RLock()
	require.Empty(t, tr.waiters)
	tr.mu.RUnlock()
}

func TestTracker_QueryWhileDisconnected(t *testing.T) {
	tr := NewTracker(nil)
	tr.MarkOnline("u2")
	q := querierFunc(func(string) error { return apperr.ErrNotConnected })

	online, err := tr.Query(context.Background(), q, "u2")
	require.True(t, errors.Is(err, apperr.ErrNotConnected))
	require.True(t, online)
}
