package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chatsync/internal/apperr"
	"github.com/fathima-sithara/chatsync/internal/models"
)

const previewRunes = 80

// Lister fetches the conversation summaries of the session user.
type Lister interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
}

// Summary is the authoritative conversation refresh carried by an
// unread_count_updated push. Nil fields are left untouched.
type Summary struct {
	UnreadCount   int
	LastMessage   *string
	LastMessageAt *time.Time
	LastSenderID  *string
}

// Directory is the conversation list of one session, kept sorted by
// LastMessageAt descending. It is the only storage of unread counters.
type Directory struct {
	self   string
	lister Lister
	log    *zap.Logger

	mu     sync.RWMutex
	byID   map[string]*models.Conversation
	sorted []string
	// serverAt is the newest last-message time a server count covers.
	serverAt map[string]time.Time
}

func New(self string, lister Lister, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{
		self:     self,
		lister:   lister,
		log:      log,
		byID:     make(map[string]*models.Conversation),
		serverAt: make(map[string]time.Time),
	}
}

// LoadAll replaces the directory with the server's list.
func (d *Directory) LoadAll(ctx context.Context) error {
	if d.lister == nil {
		return fmt.Errorf("load conversations: %w", apperr.ErrServiceUnavailable)
	}
	convs, err := d.lister.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	byID := make(map[string]*models.Conversation, len(convs))
	serverAt := make(map[string]time.Time, len(convs))
	for i := range convs {
		c := convs[i]
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		byID[c.ID] = &c
		if !c.LastMessageAt.IsZero() {
			serverAt[c.ID] = c.LastMessageAt
		}
	}
	d.mu.Lock()
	d.byID = byID
	d.serverAt = serverAt
	d.resortLocked()
	d.mu.Unlock()
	d.log.Debug("conversations loaded", zap.Int("count", len(convs)))
	return nil
}

// Upsert inserts or replaces a whole record.
func (d *Directory) Upsert(c models.Conversation) {
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	d.mu.Lock()
	d.byID[c.ID] = &c
	d.resortLocked()
	d.mu.Unlock()
}

// UpsertFromMessage refreshes the last-message summary from a new message,
// creating a stub record for conversations the directory does not know yet.
// The last message is marked unread whoever sent it. Returns true when a
// stub was created.
func (d *Directory) UpsertFromMessage(m models.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[m.ConversationID]
	if !ok {
		c = &models.Conversation{
			ID:             m.ConversationID,
			ParticipantIDs: [2]string{m.SenderID, m.ReceiverID},
		}
		d.byID[c.ID] = c
	}
	if ok && !c.LastMessageAt.IsZero() && m.CreatedAt.Before(c.LastMessageAt) {
		return false
	}
	c.LastMessagePreview = m.Preview(previewRunes)
	c.LastMessageAt = m.CreatedAt
	c.LastMessageSenderID = m.SenderID
	c.LastMessageIsRead = false
	d.resortLocked()
	return !ok
}

// ApplyReadReceipt marks the last message read when it was sent by the
// session user and readerID is the other participant.
func (d *Directory) ApplyReadReceipt(conversationID, readerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[conversationID]
	if !ok || readerID == d.self || c.LastMessageSenderID != d.self {
		return false
	}
	if c.HasParticipant(d.self) && c.Counterparty(d.self) != readerID {
		return false
	}
	if c.LastMessageIsRead {
		return false
	}
	c.LastMessageIsRead = true
	return true
}

// IncrementUnread bumps the counter for a message created at at. A message
// the last server count already covers is not counted again; the second
// result reports whether the counter moved.
func (d *Directory) IncrementUnread(conversationID string, at time.Time) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[conversationID]
	if !ok {
		return 0, false, fmt.Errorf("%s: %w", conversationID, apperr.ErrUnknownConversation)
	}
	if w, ok := d.serverAt[conversationID]; ok && !at.IsZero() && !at.After(w) {
		return c.UnreadCount, false, nil
	}
	c.UnreadCount++
	return c.UnreadCount, true, nil
}

// SetUnread overwrites the counter, clamping negatives to zero.
func (d *Directory) SetUnread(conversationID string, n int) (int, error) {
	if n < 0 {
		n = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[conversationID]
	if !ok {
		return 0, fmt.Errorf("%s: %w", conversationID, apperr.ErrUnknownConversation)
	}
	c.UnreadCount = n
	return n, nil
}

// ApplyServerSummary overwrites the counter and any last-message fields the
// push carries. Unknown conversations get a stub record.
func (d *Directory) ApplyServerSummary(conversationID string, s Summary) {
	if s.UnreadCount < 0 {
		s.UnreadCount = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.byID[conversationID]
	if !ok {
		c = &models.Conversation{ID: conversationID}
		d.byID[conversationID] = c
	}
	c.UnreadCount = s.UnreadCount
	if s.LastMessage != nil {
		c.LastMessagePreview = *s.LastMessage
	}
	if s.LastSenderID != nil {
		c.LastMessageSenderID = *s.LastSenderID
	}
	if s.LastMessageAt != nil {
		if s.LastMessageAt.After(c.LastMessageAt) {
			c.LastMessageIsRead = false
		}
		c.LastMessageAt = *s.LastMessageAt
		if w := d.serverAt[conversationID]; s.LastMessageAt.After(w) {
			d.serverAt[conversationID] = *s.LastMessageAt
		}
	}
	if s.LastMessage != nil || s.LastMessageAt != nil || !ok {
		d.resortLocked()
	}
}

// List returns a snapshot in display order.
func (d *Directory) List() []models.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Conversation, 0, len(d.sorted))
	for _, id := range d.sorted {
		out = append(out, *d.byID[id])
	}
	return out
}

func (d *Directory) Get(conversationID string) (models.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byID[conversationID]
	if !ok {
		return models.Conversation{}, false
	}
	return *c, true
}

// Counterparty returns the other participant of a known conversation.
func (d *Directory) Counterparty(conversationID string) (string, bool) {
	c, ok := d.Get(conversationID)
	if !ok {
		return "", false
	}
	other := c.Counterparty(d.self)
	return other, other != "" && other != d.self
}

// Counterparties lists the distinct other participants of every conversation.
func (d *Directory) Counterparties() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, id := range d.sorted {
		other := d.byID[id].Counterparty(d.self)
		if other == "" || other == d.self {
			continue
		}
		if _, dup := seen[other]; !dup {
			seen[other] = struct{}{}
			out = append(out, other)
		}
	}
	return out
}

func (d *Directory) TotalUnread() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, c := range d.byID {
		n += c.UnreadCount
	}
	return n
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}

func (d *Directory) Clear() {
	d.mu.Lock()
	d.byID = make(map[string]*models.Conversation)
	d.serverAt = make(map[string]time.Time)
	d.sorted = nil
	d.mu.Unlock()
}

func (d *Directory) resortLocked() {
	ids := make([]string, 0, len(d.byID))
	for id := range d.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := d.byID[ids[i]], d.byID[ids[j]]
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return a.ID < b.ID
	})
	d.sorted = ids
}
