package relay

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fathima-sithara/chatsync/internal/apperr"
	"github.com/fathima-sithara/chatsync/internal/models"
)

const maxMessagesPerConversation = 1000

type conversation struct {
	id           string
	participants [2]string
	msgs         []*models.Message
}

// MemoryStore keeps relay conversations in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*conversation
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: make(map[string]*conversation),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// StartConversation returns the conversation between a and b, creating it
// when needed. The second result reports creation.
func (s *MemoryStore) StartConversation(a, b string) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if (c.participants[0] == a && c.participants[1] == b) || (c.participants[0] == b && c.participants[1] == a) {
			return s.summaryLocked(c, a), false
		}
	}
	c := &conversation{id: uuid.NewString(), participants: [2]string{a, b}}
	s.convs[c.id] = c
	return s.summaryLocked(c, a), true
}

// Participants returns the two users of a conversation.
func (s *MemoryStore) Participants(conversationID string) ([2]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return [2]string{}, apperr.ErrNotFound
	}
	return c.participants, nil
}

// Counterparty returns the other participant, failing when userID is not one.
func (s *MemoryStore) Counterparty(conversationID, userID string) (string, error) {
	p, err := s.Participants(conversationID)
	if err != nil {
		return "", err
	}
	switch userID {
	case p[0]:
		return p[1], nil
	case p[1]:
		return p[0], nil
	}
	return "", apperr.ErrUnauthorized
}

// SaveMessage appends a message from sender and returns the stored copy.
func (s *MemoryStore) SaveMessage(conversationID, sender, text, clientID string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, apperr.ErrEmptyMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return models.Message{}, apperr.ErrNotFound
	}
	receiver := ""
	switch sender {
	case c.participants[0]:
		receiver = c.participants[1]
	case c.participants[1]:
		receiver = c.participants[0]
	default:
		return models.Message{}, apperr.ErrUnauthorized
	}
	at := s.now()
	// history pages by a strict before cursor, so times must not repeat
	if n := len(c.msgs); n > 0 && !at.After(c.msgs[n-1].CreatedAt) {
		at = c.msgs[n-1].CreatedAt.Add(time.Microsecond)
	}
	m := &models.Message{
		ID:             uuid.NewString(),
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       sender,
		ReceiverID:     receiver,
		Text:           text,
		CreatedAt:      at,
	}
	c.msgs = append(c.msgs, m)
	// keep small
	if len(c.msgs) > maxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-maxMessagesPerConversation:]
	}
	return *m, nil
}

// Messages returns up to limit messages older than before, oldest first. A
// zero before selects the latest page. CreatedAt is strictly increasing
// within a conversation, so paging by the oldest returned time skips nothing.
func (s *MemoryStore) Messages(conversationID string, limit int, before time.Time) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	end := len(c.msgs)
	if !before.IsZero() {
		end = sort.Search(len(c.msgs), func(i int) bool { return !c.msgs[i].CreatedAt.Before(before) })
	}
	if limit <= 0 || limit > end {
		limit = end
	}
	out := make([]models.Message, 0, limit)
	for _, m := range c.msgs[end-limit : end] {
		out = append(out, *m)
	}
	return out, nil
}

// MarkRead marks every message sent to reader as read and returns how many
// changed.
func (s *MemoryStore) MarkRead(conversationID, reader string) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return 0, time.Time{}, apperr.ErrNotFound
	}
	if c.participants[0] != reader && c.participants[1] != reader {
		return 0, time.Time{}, apperr.ErrUnauthorized
	}
	at := s.now()
	n := 0
	for _, m := range c.msgs {
		if m.ReceiverID == reader && !m.IsRead {
			m.IsRead = true
			t := at
			m.ReadAt = &t
			n++
		}
	}
	return n, at, nil
}

// Conversation returns the summary of a conversation as seen by userID.
func (s *MemoryStore) Conversation(conversationID, userID string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return models.Conversation{}, apperr.ErrNotFound
	}
	return s.summaryLocked(c, userID), nil
}

// Conversations lists userID's conversations, most recent first.
func (s *MemoryStore) Conversations(userID string) []models.Conversation {
	s.mu.RLock()
	out := make([]models.Conversation, 0)
	for _, c := range s.convs {
		if c.participants[0] == userID || c.participants[1] == userID {
			out = append(out, s.summaryLocked(c, userID))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Peers returns every user sharing a conversation with userID.
func (s *MemoryStore) Peers(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, c := range s.convs {
		var other string
		switch userID {
		case c.participants[0]:
			other = c.participants[1]
		case c.participants[1]:
			other = c.participants[0]
		default:
			continue
		}
		if _, dup := seen[other]; !dup {
			seen[other] = struct{}{}
			out = append(out, other)
		}
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) summaryLocked(c *conversation, userID string) models.Conversation {
	out := models.Conversation{ID: c.id, ParticipantIDs: c.participants}
	if n := len(c.msgs); n > 0 {
		last := c.msgs[n-1]
		out.LastMessagePreview = last.Preview(80)
		out.LastMessageAt = last.CreatedAt
		out.LastMessageSenderID = last.SenderID
		out.LastMessageIsRead = last.IsRead
	}
	for _, m := range c.msgs {
		if m.ReceiverID == userID && !m.IsRead {
			out.UnreadCount++
		}
	}
	return out
}
