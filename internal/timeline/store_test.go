package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/chatsync/internal/apperr"
	"github.com/fathima-sithara/chatsync/internal/models"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeLoader struct {
	pages map[string][]models.Message
	calls []Page
}

func (f *fakeLoader) ListMessages(_ context.Context, conv string, limit int, before time.Time) ([]models.Message, error) {
	f.calls = append(f.calls, Page{Limit: limit, Before: before})
	var out []models.Message
	all := f.pages[conv]
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if before.IsZero() || all[i].CreatedAt.Before(before) {
			out = append([]models.Message{all[i]}, out...)
		}
	}
	return out, nil
}

func msg(id, sender string, minute int) models.Message {
	receiver := "u2"
	if sender == "u2" {
		receiver = "u1"
	}
	return models.Message{
		ID: id, ConversationID: "c1", SenderID: sender, ReceiverID: receiver,
		Text: id, CreatedAt: t0.Add(time.Duration(minute) * time.Minute),
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestStore_LoadHistoryPaginates(t *testing.T) {
	loader := &fakeLoader{pages: map[string][]models.Message{
		"c1": {msg("m1", "u2", 1), msg("m2", "u1", 2), msg("m3", "u2", 3), msg("m4", "u2", 4)},
	}}
	s := NewStore("u1", loader, nil)

	n, err := s.LoadHistory(context.Background(), "c1", Page{Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"m3", "m4"}, ids(s.Messages("c1")))
	require.True(t, s.HasMore("c1"))
	require.True(t, s.Loaded("c1"))

	_, err = s.LoadHistory(context.Background(), "c1", Page{Limit: 2, Before: s.Oldest("c1")})
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(s.Messages("c1")))

	_, err = s.LoadHistory(context.Background(), "c1", Page{Limit: 2, Before: s.Oldest("c1")})
	require.NoError(t, err)
	require.False(t, s.HasMore("c1"))
	require.Len(t, s.Messages("c1"), 4)
}

func TestStore_LoadLatestKeepsLocalPending(t *testing.T) {
	loader := &fakeLoader{pages: map[string][]models.Message{"c1": {msg("m1", "u2", 1)}}}
	s := NewStore("u1", loader, nil)

	pending := s.AppendOptimistic(models.Message{ConversationID: "c1", ReceiverID: "u2", Text: "hey"})
	_, err := s.LoadHistory(context.Background(), "c1", Page{Limit: 50})
	require.NoError(t, err)
	require.Equal(t, []string{"m1", pending.ID}, ids(s.Messages("c1")))

	confirmed := msg("m2", "u1", 2)
	confirmed.ClientID = pending.ClientID
	loader.pages["c1"] = append(loader.pages["c1"], confirmed)
	_, err = s.LoadHistory(context.Background(), "c1", Page{Limit: 50})
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2"}, ids(s.Messages("c1")))
}

func TestStore_OptimisticThenEchoByClientID(t *testing.T) {
	s := NewStore("u1", nil, nil)
	s.Reconcile(msg("m1", "u2", 1))

	p := s.AppendOptimistic(models.Message{ConversationID: "c1", ReceiverID: "u2", Text: "hi", CreatedAt: t0.Add(90 * time.Second)})
	require.True(t, p.Pending())
	require.Equal(t, TempIDPrefix+p.ClientID, p.ID)
	s.Reconcile(msg("m3", "u2", 3))

	echo := msg("m2", "u1", 2)
	echo.ClientID = p.ClientID
	res := s.Reconcile(echo)
	require.Equal(t, OutcomeReplaced, res.Outcome)
	require.Equal(t, p.ID, res.TempID)

	// replaced in place, not moved
	require.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Messages("c1")))
	require.Equal(t, 0, s.PendingCount("c1"))

	again := s.Reconcile(echo)
	require.Equal(t, OutcomeDuplicate, again.Outcome)
	require.Len(t, s.Messages("c1"), 3)
}

func TestStore_EchoWithoutClientIDUsesOldestPending(t *testing.T) {
	s := NewStore("u1", nil, nil)
	a := s.AppendOptimistic(models.Message{ConversationID: "c1", ReceiverID: "u2", Text: "a"})
	b := s.AppendOptimistic(models.Message{ConversationID: "c1", ReceiverID: "u2", Text: "b"})

	res := s.Reconcile(msg("m1", "u1", 1))
	require.Equal(t, OutcomeReplaced, res.Outcome)
	require.Equal(t, a.ID, res.TempID)
	require.Equal(t, a.ClientID, res.Message.ClientID)

	res = s.Reconcile(msg("m2", "u1", 2))
	require.Equal(t, b.ID, res.TempID)
	require.Equal(t, []string{"m1", "m2"}, ids(s.Messages("c1")))
}

func TestStore_ForeignClientIDDoesNotStealPending(t *testing.T) {
	s := NewStore("u1", nil, nil)
	p := s.AppendOptimistic(models.Message{ConversationID: "c1", ReceiverID: "u2", Text: "a"})

	other := msg("m9", "u1", 1)
	other.ClientID = "sent-from-another-device"
	res := s.Reconcile(other)
	require.Equal(t, OutcomeAppended, res.Outcome)
	require.Equal(t, []string{"m9", p.ID}, ids(s.Messages("c1")))
	require.True(t, s.Messages("c1")[1].Pending())
}

func TestStore_LatePushLandsAtItsTime(t *testing.T) {
	s := NewStore("u1", nil, nil)
	s.Reconcile(msg("m1", "u2", 1))
	s.Reconcile(msg("m4", "u2", 7))

	res := s.Reconcile(msg("m2", "u2", 5))
	require.Equal(t, OutcomeAppended, res.Outcome)
	require.Equal(t, []string{"m1", "m2", "m4"}, ids(s.Messages("c1")))

	// equal timestamps keep arrival order
	s.Reconcile(msg("m3", "u2", 5))
	require.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(s.Messages("c1")))

	s.Reconcile(msg("m0", "u2", 0))
	msgs := s.Messages("c1")
	require.Equal(t, "m0", msgs[0].ID)
	for i := 1; i < len(msgs); i++ {
		require.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
	}
}

func TestStore_DuplicateMergesReadState(t *testing.T) {
	s := NewStore("u1", nil, nil)
	s.Reconcile(msg("m1", "u1", 1))

	read := msg("m1", "u1", 1)
	read.IsRead = true
	res := s.Reconcile(read)
	require.Equal(t, OutcomeDuplicate, res.Outcome)
	m, ok := s.Message("c1", "m1")
	require.True(t, ok)
	require.True(t, m.IsRead)
}

func TestStore_DeliveryTransitions(t *testing.T) {
	s := NewStore("u1", nil, nil)
	p := s.AppendOptimistic(models.Message{ConversationID: "c1", ReceiverID: "u2", Text: "a"})

	_, err := s.Discard(p.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = s.MarkRetrying(p.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	failed, err := s.MarkFailed(p.ID)
	require.NoError(t, err)
	require.True(t, failed.Failed())

	retried, err := s.MarkRetrying(p.ID)
	require.NoError(t, err)
	require.True(t, retried.Pending())
	require.Equal(t, p.ClientID, retried.ClientID)

	_, err = s.MarkFailed(p.ID)
	require.NoError(t, err)
	_, err = s.Discard(p.ID)
	require.NoError(t, err)
	require.Empty(t, s.Messages("c1"))

	_, err = s.MarkFailed("tmp-nope")
	require.ErrorIs(t, err, apperr.ErrUnknownMessage)
}

func TestStore_ReadReceipts(t *testing.T) {
	s := NewStore("u1", nil, nil)
	s.Reconcile(msg("m1", "u1", 1))
	s.Reconcile(msg("m2", "u2", 2))
	s.Reconcile(msg("m3", "u1", 3))
	s.AppendOptimistic(models.Message{ConversationID: "c1", ReceiverID: "u2", Text: "pending"})

	require.Equal(t, 0, s.ApplyReadReceipt("c1", "u1", t0))
	require.Equal(t, 2, s.ApplyReadReceipt("c1", "u2", t0))
	require.Equal(t, 0, s.ApplyReadReceipt("c1", "u2", t0))
	require.Equal(t, 1, s.PendingCount("c1"))

	m2, _ := s.Message("c1", "m2")
	require.False(t, m2.IsRead)
	require.Equal(t, 1, s.MarkIncomingRead("c1", t0))
	m2, _ = s.Message("c1", "m2")
	require.True(t, m2.IsRead)
	require.NotNil(t, m2.ReadAt)
}

func TestStore_ForgetAndClear(t *testing.T) {
	s := NewStore("u1", nil, nil)
	s.Reconcile(msg("m1", "u2", 1))
	s.Forget("c1")
	require.Nil(t, s.Messages("c1"))

	s.Reconcile(msg("m1", "u2", 1))
	s.Clear()
	require.False(t, s.Loaded("c1"))
	require.Nil(t, s.Messages("c1"))

	_, err := s.LoadHistory(context.Background(), "c1", Page{Limit: 1})
	require.ErrorIs(t, err, apperr.ErrServiceUnavailable)
}
