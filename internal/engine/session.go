package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chatsync/internal/apperr"
	"github.com/fathima-sithara/chatsync/internal/directory"
	"github.com/fathima-sithara/chatsync/internal/events"
	"github.com/fathima-sithara/chatsync/internal/models"
	"github.com/fathima-sithara/chatsync/internal/presence"
	"github.com/fathima-sithara/chatsync/internal/send"
	"github.com/fathima-sithara/chatsync/internal/timeline"
	"github.com/fathima-sithara/chatsync/internal/transport"
	"github.com/fathima-sithara/chatsync/internal/typing"
	"github.com/fathima-sithara/chatsync/internal/unread"
)

// Transport is the realtime side the session drives. *transport.Manager
// implements it.
type Transport interface {
	Connect(ctx context.Context, identity models.Identity) (*transport.Handle, error)
	Disconnect()
	Connected() bool
	Subscribe(kind events.Kind, fn transport.Handler) *transport.Subscription
	OnState(fn transport.StateHandler) *transport.Subscription
	JoinRoom(conversationID string) error
	LeaveRoom(conversationID string) error
	SendMessage(p events.SendMessage) error
	EmitTyping(conversationID string) error
	EmitStopTyping(conversationID string) error
	MarkRead(conversationID string) error
	QueryOnlineStatus(userID string) error
}

// API is the request/response side. *api.Client implements it.
type API interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	StartConversation(ctx context.Context, counterpartyID string) (models.Conversation, error)
	ListContacts(ctx context.Context) ([]models.Contact, error)
}

type Options struct {
	TypingTimeout   time.Duration
	TypingIdle      time.Duration
	TypingSweep     time.Duration
	ConfirmTimeout  time.Duration
	HistoryPageSize int
	AutoMarkRead    bool
	Metrics         *Metrics
	Logger          *zap.Logger
}

// Session is everything one logged-in user syncs: directory, timelines,
// unread counters, presence, typing and outgoing messages. Each login gets
// its own Session; nothing is shared between them.
type Session struct {
	identity models.Identity
	tr       Transport
	api      API
	opts     Options
	log      *zap.Logger
	metrics  *Metrics

	presence *presence.Tracker
	typing   *typing.Tracker
	debounce *typing.Debouncer
	timeline *timeline.Store
	dir      *directory.Directory
	unread   *unread.Accounting
	pipeline *send.Pipeline

	mu       sync.Mutex
	active   string
	realtime bool
	started  bool
	closed   bool
	subs     []*transport.Subscription
	updates  chan Update

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(identity models.Identity, tr Transport, api API, opts Options) *Session {
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = typing.DefaultTimeout
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = typing.DefaultIdle
	}
	if opts.TypingSweep <= 0 {
		opts.TypingSweep = 500 * time.Millisecond
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = 50
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("user_id", identity.UserID))

	s := &Session{
		identity: identity,
		tr:       tr,
		api:      api,
		opts:     opts,
		log:      log,
		metrics:  opts.Metrics,
		presence: presence.NewTracker(log.Named("presence")),
		typing:   typing.NewTracker(opts.TypingTimeout),
		updates:  make(chan Update, updateBuffer),
	}
	s.debounce = typing.NewDebouncer(tr, opts.TypingIdle, log.Named("typing"))
	s.timeline = timeline.NewStore(identity.UserID, api, log.Named("timeline"))
	s.dir = directory.New(identity.UserID, api, log.Named("directory"))
	s.unread = unread.New(identity.UserID, s.dir, tr, api, log.Named("unread"))
	s.pipeline = send.New(s.timeline, tr, s.debounce, opts.ConfirmTimeout, log.Named("send"))
	s.pipeline.OnFailure(func(m models.Message) {
		s.metrics.send("failed")
		s.publish(Update{Kind: UpdateSendFailed, ConversationID: m.ConversationID, MessageID: m.ID})
	})
	s.bg, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start loads the conversation list and opens the realtime connection. A
// connection failure is not returned: the session runs without realtime
// features while the transport keeps redialing.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.typing.Run(s.bg, s.opts.TypingSweep, func(int) {
			s.publish(Update{Kind: UpdateTyping})
		})
	}()

	if err := s.dir.LoadAll(ctx); err != nil {
		s.log.Warn("initial conversation load failed", zap.Error(err))
		return err
	}
	s.metrics.unread(s.dir.TotalUnread())
	s.publish(Update{Kind: UpdateConversations})

	if _, err := s.tr.Connect(ctx, s.identity); err != nil {
		s.log.Warn("realtime unavailable, continuing without it", zap.Error(err))
		return nil
	}
	s.setRealtime(s.tr.Connected())
	return nil
}

func (s *Session) subscribe() {
	subs := make([]*transport.Subscription, 0, len(events.InboundKinds)+1)
	for _, kind := range events.InboundKinds {
		subs = append(subs, s.tr.Subscribe(kind, s.HandleEvent))
	}
	subs = append(subs, s.tr.OnState(s.onState))
	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()
}

// Open makes conversationID the active conversation: its room is joined, the
// latest history page is loaded and it is marked read.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.dir.Get(conversationID); !ok {
		return fmt.Errorf("open %s: %w", conversationID, apperr.ErrUnknownConversation)
	}
	s.mu.Lock()
	prev := s.active
	s.active = conversationID
	s.mu.Unlock()
	if prev != "" && prev != conversationID {
		s.leave(prev)
	}

	if err := s.tr.JoinRoom(conversationID); err != nil && !errors.Is(err, apperr.ErrNotConnected) {
		s.log.Warn("join room failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	if _, err := s.timeline.LoadHistory(ctx, conversationID, timeline.Page{Limit: s.opts.HistoryPageSize}); err != nil {
		return err
	}
	s.publish(Update{Kind: UpdateTimeline, ConversationID: conversationID})

	if other, ok := s.dir.Counterparty(conversationID); ok && s.Realtime() {
		_ = s.tr.QueryOnlineStatus(other)
	}
	return s.MarkRead(ctx, conversationID)
}

// CloseConversation leaves the active conversation. Messages still pending
// there keep reconciling.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	prev := s.active
	s.active = ""
	s.mu.Unlock()
	if prev != "" {
		s.leave(prev)
	}
}

func (s *Session) leave(conversationID string) {
	s.debounce.Flush(conversationID)
	if err := s.tr.LeaveRoom(conversationID); err != nil && !errors.Is(err, apperr.ErrNotConnected) {
		s.log.Warn("leave room failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// LoadOlder fetches the page before the oldest loaded message of the active
// conversation. It returns 0 once history is exhausted.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	conv := s.Active()
	if conv == "" {
		return 0, apperr.ErrNoActiveConversation
	}
	if !s.timeline.HasMore(conv) {
		return 0, nil
	}
	n, err := s.timeline.LoadHistory(ctx, conv, timeline.Page{Limit: s.opts.HistoryPageSize, Before: s.timeline.Oldest(conv)})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.publish(Update{Kind: UpdateTimeline, ConversationID: conv})
	}
	return n, nil
}

// StartConversation returns the conversation with counterpartyID, creating
// it on the server when needed.
func (s *Session) StartConversation(ctx context.Context, counterpartyID string) (models.Conversation, error) {
	if err := s.checkOpen(); err != nil {
		return models.Conversation{}, err
	}
	if counterpartyID == "" || counterpartyID == s.identity.UserID {
		return models.Conversation{}, fmt.Errorf("start conversation with %q: %w", counterpartyID, apperr.ErrBadRequest)
	}
	c, err := s.api.StartConversation(ctx, counterpartyID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("start conversation: %w", err)
	}
	if existing, ok := s.dir.Get(c.ID); ok {
		return existing, nil
	}
	s.dir.Upsert(c)
	s.publish(Update{Kind: UpdateConversations, ConversationID: c.ID})
	return c, nil
}

// Contacts lists the users the session may start conversations with,
// annotated with known presence.
func (s *Session) Contacts(ctx context.Context) ([]models.Contact, error) {
	contacts, err := s.api.ListContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	for i := range contacts {
		contacts[i].Online = contacts[i].Online || s.presence.IsOnline(contacts[i].ID)
	}
	return contacts, nil
}

// SetDraft stages input for the active conversation.
func (s *Session) SetDraft(text string) error {
	conv := s.Active()
	if conv == "" {
		return apperr.ErrNoActiveConversation
	}
	s.pipeline.SetDraft(conv, text)
	return nil
}

func (s *Session) Draft() string {
	conv := s.Active()
	if conv == "" {
		return ""
	}
	return s.pipeline.Draft(conv)
}

// Send submits the active conversation's draft.
func (s *Session) Send() (models.Message, error) {
	if err := s.checkOpen(); err != nil {
		return models.Message{}, err
	}
	conv := s.Active()
	if conv == "" {
		return models.Message{}, apperr.ErrNoActiveConversation
	}
	receiver, ok := s.dir.Counterparty(conv)
	if !ok {
		return models.Message{}, fmt.Errorf("send: %s: %w", conv, apperr.ErrUnknownConversation)
	}
	msg, err := s.pipeline.Send(conv, receiver)
	if msg.ID != "" {
		s.publish(Update{Kind: UpdateTimeline, ConversationID: conv, MessageID: msg.ID})
	}
	if err == nil {
		s.metrics.send("sent")
	}
	return msg, err
}

// Retry re-sends a failed message.
func (s *Session) Retry(tempID string) (models.Message, error) {
	msg, err := s.pipeline.Retry(tempID)
	if err == nil {
		s.metrics.send("retried")
	}
	if msg.ID != "" {
		s.publish(Update{Kind: UpdateTimeline, ConversationID: msg.ConversationID, MessageID: msg.ID})
	}
	return msg, err
}

// Discard removes a failed message.
func (s *Session) Discard(tempID string) error {
	msg, _ := s.timeline.Lookup(tempID)
	if err := s.pipeline.Discard(tempID); err != nil {
		return err
	}
	s.metrics.send("discarded")
	s.publish(Update{Kind: UpdateTimeline, ConversationID: msg.ConversationID})
	return nil
}

// MarkRead zeroes the counter of conversationID and notifies the server.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	err := s.unread.MarkRead(ctx, conversationID)
	if errors.Is(err, apperr.ErrUnknownConversation) {
		return err
	}
	s.timeline.MarkIncomingRead(conversationID, time.Now().UTC())
	s.metrics.unread(s.dir.TotalUnread())
	s.publish(Update{Kind: UpdateConversations, ConversationID: conversationID})
	return err
}

// QueryPresence asks the server for userID's status and waits for the answer.
func (s *Session) QueryPresence(ctx context.Context, userID string) (bool, error) {
	return s.presence.Query(ctx, s.tr, userID)
}

// Resync reloads everything that may have been missed while disconnected:
// the conversation list, the active timeline and counterpart presence.
func (s *Session) Resync(ctx context.Context) error {
	if err := s.dir.LoadAll(ctx); err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	s.metrics.unread(s.dir.TotalUnread())
	s.publish(Update{Kind: UpdateConversations})

	if conv := s.Active(); conv != "" {
		if _, err := s.timeline.LoadHistory(ctx, conv, timeline.Page{Limit: s.opts.HistoryPageSize}); err != nil {
			return fmt.Errorf("resync: %w", err)
		}
		s.publish(Update{Kind: UpdateTimeline, ConversationID: conv})
		if c, ok := s.dir.Get(conv); ok && c.UnreadCount > 0 && s.opts.AutoMarkRead {
			if err := s.MarkRead(ctx, conv); err != nil {
				s.log.Warn("mark read after resync failed", zap.String("conversation_id", conv), zap.Error(err))
			}
		}
	}

	for _, other := range s.dir.Counterparties() {
		if err := s.tr.QueryOnlineStatus(other); err != nil {
			s.log.Debug("presence query skipped", zap.String("user_id", other), zap.Error(err))
			break
		}
	}
	return nil
}

func (s *Session) Realtime() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realtime
}

func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) UserID() string { return s.identity.UserID }

func (s *Session) Conversations() []models.Conversation { return s.dir.List() }

func (s *Session) Conversation(id string) (models.Conversation, bool) { return s.dir.Get(id) }

func (s *Session) Messages(conversationID string) []models.Message {
	return s.timeline.Messages(conversationID)
}

func (s *Session) TypingUsers(conversationID string) []string { return s.typing.Typing(conversationID) }

func (s *Session) IsOnline(userID string) bool { return s.presence.IsOnline(userID) }

func (s *Session) TotalUnread() int { return s.unread.Total() }

func (s *Session) SendStatus(tempID string) (send.Status, bool) { return s.pipeline.Status(tempID) }

// Close tears the session down. Every store is discarded; a new login needs
// a new Session.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.cancel()
	s.tr.Disconnect()
	s.pipeline.Close()
	s.wg.Wait()

	s.presence.Clear()
	s.typing.Clear()
	s.timeline.Clear()
	s.dir.Clear()

	s.mu.Lock()
	close(s.updates)
	s.mu.Unlock()
	s.log.Info("session closed")
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperr.ErrClosed
	}
	return nil
}

func (s *Session) setRealtime(up bool) {
	s.mu.Lock()
	s.realtime = up
	s.mu.Unlock()
	s.metrics.realtime(up)
}

func (s *Session) onState(st transport.State) {
	switch st {
	case transport.StateDisconnected:
		s.setRealtime(false)
		s.presence.Clear()
		s.typing.Clear()
		s.publish(Update{Kind: UpdateConnection})
		s.publish(Update{Kind: UpdatePresence})
		s.publish(Update{Kind: UpdateTyping})
	case transport.StateConnected:
		s.setRealtime(true)
		s.publish(Update{Kind: UpdateConnection})
	case transport.StateReconnected:
		s.setRealtime(true)
		s.publish(Update{Kind: UpdateConnection})
		s.goBackground(func(ctx context.Context) {
			if err := s.Resync(ctx); err != nil {
				s.log.Warn("resync failed", zap.Error(err))
			}
		})
	}
}

// goBackground runs fn off the read goroutine unless the session is closing.
func (s *Session) goBackground(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		fn(s.bg)
	}()
}
