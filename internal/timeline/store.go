package timeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chatsync/internal/apperr"
	"github.com/fathima-sithara/chatsync/internal/models"
)

const TempIDPrefix = "tmp-"

// HistoryLoader fetches one page of confirmed history, oldest first.
type HistoryLoader interface {
	ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]models.Message, error)
}

// Page selects a history window. A zero Before asks for the latest page.
type Page struct {
	Limit  int
	Before time.Time
}

type Outcome int

const (
	// OutcomeAppended: the message was new and inserted as confirmed.
	OutcomeAppended Outcome = iota
	// OutcomeReplaced: the message confirmed a local pending entry in place.
	OutcomeReplaced
	// OutcomeDuplicate: the message was already present. Nothing changed
	// except, possibly, its read state.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReplaced:
		return "replaced"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "appended"
	}
}

type ReconcileResult struct {
	Outcome Outcome
	// TempID is the temporary identifier that was replaced, if any.
	TempID  string
	Message models.Message
}

type timeline struct {
	msgs    []models.Message
	loaded  bool
	hasMore bool
}

// Store holds the ordered message sequence of every conversation the session
// has touched. Confirmed messages are unique by ID.
type Store struct {
	self   string
	loader HistoryLoader
	log    *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	convs map[string]*timeline
}

func NewStore(self string, loader HistoryLoader, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		self:   self,
		loader: loader,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		convs:  make(map[string]*timeline),
	}
}

// LoadHistory fetches a page and merges it. The latest page replaces the
// confirmed sequence while local pending and failed entries are kept at the
// tail; older pages are prepended. It returns the merged page length.
func (s *Store) LoadHistory(ctx context.Context, conversationID string, p Page) (int, error) {
	if s.loader == nil {
		return 0, fmt.Errorf("load history %s: %w", conversationID, apperr.ErrServiceUnavailable)
	}
	page, err := s.loader.ListMessages(ctx, conversationID, p.Limit, p.Before)
	if err != nil {
		return 0, fmt.Errorf("load history %s: %w", conversationID, err)
	}
	sort.SliceStable(page, func(i, j int) bool { return page[i].CreatedAt.Before(page[j].CreatedAt) })
	for i := range page {
		if page[i].ConversationID == "" {
			page[i].ConversationID = conversationID
		}
		page[i].DeliveryState = models.DeliveryConfirmed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tl := s.timelineLocked(conversationID)
	if p.Before.IsZero() {
		tl.msgs = mergeLatest(page, tl.msgs)
		tl.hasMore = p.Limit > 0 && len(page) >= p.Limit
	} else {
		seen := make(map[string]struct{}, len(tl.msgs))
		for _, m := range tl.msgs {
			seen[m.ID] = struct{}{}
		}
		older := make([]models.Message, 0, len(page))
		for _, m := range page {
			if _, dup := seen[m.ID]; !dup {
				older = append(older, m)
				seen[m.ID] = struct{}{}
			}
		}
		tl.msgs = append(older, tl.msgs...)
		tl.hasMore = p.Limit > 0 && len(page) >= p.Limit
	}
	tl.loaded = true
	return len(page), nil
}

// mergeLatest keeps local unconfirmed entries that the page does not already
// confirm through their client correlation ID.
func mergeLatest(page, current []models.Message) []models.Message {
	ids := make(map[string]struct{}, len(page))
	clientIDs := make(map[string]struct{})
	out := make([]models.Message, 0, len(page)+4)
	for _, m := range page {
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		if m.ClientID != "" {
			clientIDs[m.ClientID] = struct{}{}
		}
		out = append(out, m)
	}
	for _, m := range current {
		if m.Confirmed() {
			continue
		}
		if _, confirmed := clientIDs[m.ClientID]; confirmed && m.ClientID != "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// AppendOptimistic inserts a pending local message and returns it with its
// temporary ID and correlation ID filled in.
func (s *Store) AppendOptimistic(msg models.Message) models.Message {
	if msg.ClientID == "" {
		msg.ClientID = uuid.NewString()
	}
	msg.ID = TempIDPrefix + msg.ClientID
	if msg.SenderID == "" {
		msg.SenderID = s.self
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.IsRead = false
	msg.ReadAt = nil
	msg.DeliveryState = models.DeliveryPending

	s.mu.Lock()
	tl := s.timelineLocked(msg.ConversationID)
	tl.msgs = append(tl.msgs, msg)
	s.mu.Unlock()
	return msg
}

// Reconcile merges a server-confirmed message. Matching order: same server
// ID, then client correlation ID, then the oldest pending message this user
// sent in the conversation.
func (s *Store) Reconcile(msg models.Message) ReconcileResult {
	msg.DeliveryState = models.DeliveryConfirmed

	s.mu.Lock()
	defer s.mu.Unlock()
	tl := s.timelineLocked(msg.ConversationID)

	for i := range tl.msgs {
		cur := &tl.msgs[i]
		if cur.ID == msg.ID && cur.Confirmed() {
			if msg.IsRead && !cur.IsRead {
				cur.IsRead = true
				cur.ReadAt = msg.ReadAt
			}
			return ReconcileResult{Outcome: OutcomeDuplicate, Message: *cur}
		}
	}

	idx := -1
	if msg.ClientID != "" {
		for i, cur := range tl.msgs {
			if !cur.Confirmed() && cur.ClientID == msg.ClientID {
				idx = i
				break
			}
		}
	} else if msg.SenderID == s.self {
		for i, cur := range tl.msgs {
			if cur.Pending() && cur.SenderID == s.self {
				idx = i
				break
			}
		}
	}
	if idx >= 0 {
		tempID := tl.msgs[idx].ID
		if msg.ClientID == "" {
			msg.ClientID = tl.msgs[idx].ClientID
		}
		tl.msgs[idx] = msg
		return ReconcileResult{Outcome: OutcomeReplaced, TempID: tempID, Message: msg}
	}

	tl.msgs = insertByTime(tl.msgs, msg)
	return ReconcileResult{Outcome: OutcomeAppended, Message: msg}
}

// insertByTime places m after every entry not newer than it, so late pushes
// land at their CreatedAt position and equal timestamps keep arrival order.
func insertByTime(msgs []models.Message, m models.Message) []models.Message {
	i := len(msgs)
	for i > 0 && msgs[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	msgs = append(msgs, models.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}

// MarkFailed moves a pending message to failed.
func (s *Store) MarkFailed(tempID string) (models.Message, error) {
	return s.transition(tempID, models.DeliveryPending, models.DeliveryFailed)
}

// MarkRetrying moves a failed message back to pending.
func (s *Store) MarkRetrying(tempID string) (models.Message, error) {
	return s.transition(tempID, models.DeliveryFailed, models.DeliveryPending)
}

func (s *Store) transition(tempID string, from, to models.DeliveryState) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, i := s.locateLocked(tempID)
	if tl == nil {
		return models.Message{}, fmt.Errorf("%s: %w", tempID, apperr.ErrUnknownMessage)
	}
	m := &tl.msgs[i]
	if m.DeliveryState != from {
		return *m, fmt.Errorf("%s %s -> %s: %w", tempID, m.DeliveryState, to, apperr.ErrInvalidTransition)
	}
	m.DeliveryState = to
	return *m, nil
}

// Discard removes a failed message.
func (s *Store) Discard(tempID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, i := s.locateLocked(tempID)
	if tl == nil {
		return models.Message{}, fmt.Errorf("%s: %w", tempID, apperr.ErrUnknownMessage)
	}
	m := tl.msgs[i]
	if !m.Failed() {
		return m, fmt.Errorf("discard %s in state %s: %w", tempID, m.DeliveryState, apperr.ErrInvalidTransition)
	}
	tl.msgs = append(tl.msgs[:i], tl.msgs[i+1:]...)
	return m, nil
}

// ApplyReadReceipt marks this user's messages to readerID as read and
// returns how many changed.
func (s *Store) ApplyReadReceipt(conversationID, readerID string, at time.Time) int {
	if readerID == s.self {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.convs[conversationID]
	if !ok {
		return 0
	}
	n := 0
	for i := range tl.msgs {
		m := &tl.msgs[i]
		if m.SenderID == s.self && m.Confirmed() && !m.IsRead && (m.ReceiverID == "" || m.ReceiverID == readerID) {
			m.IsRead = true
			m.ReadAt = timePtr(at)
			n++
		}
	}
	return n
}

// MarkIncomingRead marks every message received in the conversation as read.
func (s *Store) MarkIncomingRead(conversationID string, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.convs[conversationID]
	if !ok {
		return 0
	}
	n := 0
	for i := range tl.msgs {
		m := &tl.msgs[i]
		if m.SenderID != s.self && !m.IsRead {
			m.IsRead = true
			m.ReadAt = timePtr(at)
			n++
		}
	}
	return n
}

func (s *Store) Messages(conversationID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	return append([]models.Message(nil), tl.msgs...)
}

func (s *Store) Message(conversationID, id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tl, ok := s.convs[conversationID]; ok {
		for _, m := range tl.msgs {
			if m.ID == id {
				return m, true
			}
		}
	}
	return models.Message{}, false
}

// Lookup finds a message by temporary ID in any conversation.
func (s *Store) Lookup(tempID string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl, i := s.locateLocked(tempID)
	if tl == nil {
		return models.Message{}, false
	}
	return tl.msgs[i], true
}

func (s *Store) PendingCount(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	if tl, ok := s.convs[conversationID]; ok {
		for _, m := range tl.msgs {
			if m.Pending() {
				n++
			}
		}
	}
	return n
}

func (s *Store) Loaded(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl, ok := s.convs[conversationID]
	return ok && tl.loaded
}

func (s *Store) HasMore(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl, ok := s.convs[conversationID]
	return ok && tl.hasMore
}

// Oldest returns the creation time of the oldest confirmed message, the
// cursor for the next history page.
func (s *Store) Oldest(conversationID string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var oldest time.Time
	if tl, ok := s.convs[conversationID]; ok {
		for _, m := range tl.msgs {
			if m.Confirmed() && (oldest.IsZero() || m.CreatedAt.Before(oldest)) {
				oldest = m.CreatedAt
			}
		}
	}
	return oldest
}

func (s *Store) Forget(conversationID string) {
	s.mu.Lock()
	delete(s.convs, conversationID)
	s.mu.Unlock()
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.convs = make(map[string]*timeline)
	s.mu.Unlock()
}

func (s *Store) timelineLocked(conversationID string) *timeline {
	tl, ok := s.convs[conversationID]
	if !ok {
		tl = &timeline{}
		s.convs[conversationID] = tl
	}
	return tl
}

func (s *Store) locateLocked(tempID string) (*timeline, int) {
	for _, tl := range s.convs {
		for i, m := range tl.msgs {
			if m.ID == tempID && !m.Confirmed() {
				return tl, i
			}
		}
	}
	return nil, -1
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
