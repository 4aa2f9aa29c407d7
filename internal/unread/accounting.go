package unread

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chatsync/internal/apperr"
	"github.com/fathima-sithara/chatsync/internal/directory"
	"github.com/fathima-sithara/chatsync/internal/models"
)

// RealtimeMarker issues mark_read over the live connection.
type RealtimeMarker interface {
	MarkRead(conversationID string) error
}

// APIMarker is the request/response fallback.
type APIMarker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// Accounting keeps per-conversation unread counters. Local increments are a
// prediction only; any server count overwrites them. Counters live in the
// directory.
type Accounting struct {
	self     string
	dir      *directory.Directory
	realtime RealtimeMarker
	api      APIMarker
	log      *zap.Logger
}

func New(self string, dir *directory.Directory, realtime RealtimeMarker, api APIMarker, log *zap.Logger) *Accounting {
	if log == nil {
		log = zap.NewNop()
	}
	return &Accounting{self: self, dir: dir, realtime: realtime, api: api, log: log}
}

// OnNewMessage counts an inbound message when its conversation is not open.
// Reports whether the counter changed.
func (a *Accounting) OnNewMessage(m models.Message, open bool) bool {
	if open || m.SenderID == a.self {
		return false
	}
	n, counted, err := a.dir.IncrementUnread(m.ConversationID, m.CreatedAt)
	if err != nil {
		a.log.Debug("unread increment skipped", zap.String("conversation_id", m.ConversationID), zap.Error(err))
		return false
	}
	if !counted {
		a.log.Debug("unread already counted by server", zap.String("conversation_id", m.ConversationID), zap.String("message_id", m.ID))
		return false
	}
	a.log.Debug("unread incremented", zap.String("conversation_id", m.ConversationID), zap.Int("unread", n))
	return true
}

// OnServerCount overwrites the counter with the server's value.
func (a *Accounting) OnServerCount(conversationID string, n int) {
	a.OnServerSummary(conversationID, directory.Summary{UnreadCount: n})
}

// OnServerSummary applies an unread_count_updated push: the counter is
// overwritten and any last-message fields refresh the directory entry.
func (a *Accounting) OnServerSummary(conversationID string, s directory.Summary) {
	a.dir.ApplyServerSummary(conversationID, s)
	a.log.Debug("unread overwritten", zap.String("conversation_id", conversationID), zap.Int("unread", s.UnreadCount))
}

// MarkRead zeroes the counter locally, then tells the server. The realtime
// channel is preferred; the API is used when it is down.
func (a *Accounting) MarkRead(ctx context.Context, conversationID string) error {
	if _, err := a.dir.SetUnread(conversationID, 0); err != nil {
		return err
	}
	if a.realtime != nil {
		err := a.realtime.MarkRead(conversationID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, apperr.ErrNotConnected) {
			a.log.Warn("mark_read emit failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	if a.api == nil {
		return fmt.Errorf("mark read %s: %w", conversationID, apperr.ErrNotConnected)
	}
	if err := a.api.MarkRead(ctx, conversationID); err != nil {
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	return nil
}

func (a *Accounting) Count(conversationID string) int {
	c, ok := a.dir.Get(conversationID)
	if !ok {
		return 0
	}
	return c.UnreadCount
}

func (a *Accounting) Total() int { return a.dir.TotalUnread() }
