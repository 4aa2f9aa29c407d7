package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chatsync/internal/directory"
	"github.com/fathima-sithara/chatsync/internal/events"
	"github.com/fathima-sithara/chatsync/internal/models"
	"github.com/fathima-sithara/chatsync/internal/timeline"
)

// HandleEvent applies one inbound event to the session stores. The
// transport calls it serially from its read goroutine.
func (s *Session) HandleEvent(ev events.Event) {
	if s.checkOpen() != nil {
		return
	}
	s.metrics.event(ev.Kind().String())

	switch e := ev.(type) {
	case *events.NewMessage:
		s.onNewMessage(e.Message)
	case *events.UserTyping:
		if e.UserID == s.identity.UserID {
			return
		}
		s.typing.Start(e.ConversationID, e.UserID)
		s.publish(Update{Kind: UpdateTyping, ConversationID: e.ConversationID, UserID: e.UserID})
	case *events.UserStoppedTyping:
		if s.typing.Stop(e.ConversationID, e.UserID) {
			s.publish(Update{Kind: UpdateTyping, ConversationID: e.ConversationID, UserID: e.UserID})
		}
	case *events.UserOnlineStatus:
		if s.presence.Set(e.UserID, e.Online) {
			s.publish(Update{Kind: UpdatePresence, UserID: e.UserID})
		}
	case *events.MessagesRead:
		s.onMessagesRead(e)
	case *events.UnreadCountUpdated:
		s.onUnreadCount(e)
	default:
		s.log.Debug("unhandled event", zap.String("kind", ev.Kind().String()))
	}
}

func (s *Session) onNewMessage(m models.Message) {
	res := s.timeline.Reconcile(m)
	s.metrics.reconciled(res.Outcome.String())
	if res.Outcome == timeline.OutcomeDuplicate {
		return
	}
	msg := res.Message
	if res.Outcome == timeline.OutcomeReplaced {
		s.pipeline.Confirm(res.TempID, msg.ID)
		s.metrics.send("confirmed")
	}

	s.dir.UpsertFromMessage(msg)
	if s.typing.Stop(msg.ConversationID, msg.SenderID) {
		s.publish(Update{Kind: UpdateTyping, ConversationID: msg.ConversationID, UserID: msg.SenderID})
	}

	open := s.Active() == msg.ConversationID
	if s.unread.OnNewMessage(msg, open) {
		s.metrics.unread(s.dir.TotalUnread())
	}
	s.publish(Update{Kind: UpdateTimeline, ConversationID: msg.ConversationID, MessageID: msg.ID})
	s.publish(Update{Kind: UpdateConversations, ConversationID: msg.ConversationID})

	if open && msg.SenderID != s.identity.UserID && s.opts.AutoMarkRead {
		s.markReadAsync(msg.ConversationID)
	}
}

func (s *Session) onMessagesRead(e *events.MessagesRead) {
	at := time.Now().UTC()
	if e.ReadAt != nil {
		at = *e.ReadAt
	}
	if e.ReaderID == s.identity.UserID {
		// read on another device of this user
		s.timeline.MarkIncomingRead(e.ConversationID, at)
		if _, err := s.dir.SetUnread(e.ConversationID, 0); err == nil {
			s.metrics.unread(s.dir.TotalUnread())
		}
	} else {
		s.timeline.ApplyReadReceipt(e.ConversationID, e.ReaderID, at)
		s.dir.ApplyReadReceipt(e.ConversationID, e.ReaderID)
	}
	s.publish(Update{Kind: UpdateTimeline, ConversationID: e.ConversationID})
	s.publish(Update{Kind: UpdateConversations, ConversationID: e.ConversationID})
}

func (s *Session) onUnreadCount(e *events.UnreadCountUpdated) {
	s.unread.OnServerSummary(e.ConversationID, directory.Summary{
		UnreadCount:   e.Count(),
		LastMessage:   e.LastMessage,
		LastMessageAt: e.LastMessageAt,
		LastSenderID:  e.LastMessageSender,
	})
	s.metrics.unread(s.dir.TotalUnread())
	s.publish(Update{Kind: UpdateConversations, ConversationID: e.ConversationID})

	if e.Count() > 0 && s.opts.AutoMarkRead && s.Active() == e.ConversationID {
		s.markReadAsync(e.ConversationID)
	}
}

func (s *Session) markReadAsync(conversationID string) {
	s.goBackground(func(ctx context.Context) {
		if err := s.MarkRead(ctx, conversationID); err != nil {
			s.log.Warn("auto mark read failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	})
}
