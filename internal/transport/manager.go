package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fathima-sithara/chatsync/internal/apperr"
	"github.com/fathima-sithara/chatsync/internal/events"
	"github.com/fathima-sithara/chatsync/internal/models"
)

type State int

const (
	StateDisconnected State = iota
	// StateConnected is signalled for the first connection of a Connect call.
	StateConnected
	// StateReconnected is signalled for every later connection. Events may
	// have been missed; dependents must fully resynchronize.
	StateReconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnected:
		return "reconnected"
	default:
		return "disconnected"
	}
}

type Config struct {
	URL              string
	PingInterval     time.Duration
	WriteDeadline    time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	EmitRate         rate.Limit
	EmitBurst        int
	Dialer           *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteDeadline <= 0 {
		c.WriteDeadline = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.EmitRate <= 0 {
		c.EmitRate = 20
	}
	if c.EmitBurst <= 0 {
		c.EmitBurst = 20
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.HandshakeTimeout,
		}
	}
	return c
}

// Handle describes the live connection returned by Connect.
type Handle struct {
	SessionID   string
	UserID      string
	ConnectedAt time.Time
}

type Stats struct {
	Received   int64
	Dropped    int64
	Reconnects int64
}

// Manager owns the one persistent connection of a session. It redials after
// unexpected drops, re-joins every open room on each connection and fans
// decoded inbound events out to subscribers.
type Manager struct {
	cfg     Config
	log     *zap.Logger
	limiter *rate.Limiter
	subs    *registry

	mu       sync.Mutex
	identity models.Identity
	handle   *Handle
	conn     *conn
	rooms    map[string]struct{}
	cancel   context.CancelFunc
	done     chan struct{}

	received   atomic.Int64
	dropped    atomic.Int64
	reconnects atomic.Int64
}

func New(cfg Config, log *zap.Logger) *Manager {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(cfg.EmitRate, cfg.EmitBurst),
		subs:    newRegistry(),
		rooms:   make(map[string]struct{}),
	}
}

// Connect starts the connection supervisor and waits for its first dial.
// Calling Connect while a supervisor is running is a no-op that reports the
// current handle. A failed first dial is returned wrapped in
// apperr.ErrNotConnected; the supervisor keeps redialing in the background
// and signals StateReconnected once it succeeds.
func (m *Manager) Connect(ctx context.Context, identity models.Identity) (*Handle, error) {
	m.mu.Lock()
	if m.cancel != nil {
		h, connected := m.handle, m.conn != nil
		m.mu.Unlock()
		if connected {
			return h, nil
		}
		return nil, fmt.Errorf("connect: connection attempt in progress: %w", apperr.ErrNotConnected)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.identity = identity
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	first := make(chan error, 1)
	go m.supervise(runCtx, first, done)

	select {
	case err := <-first:
		if err != nil {
			return nil, fmt.Errorf("connect: %w: %w", apperr.ErrNotConnected, err)
		}
		m.mu.Lock()
		h := m.handle
		m.mu.Unlock()
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect stops the supervisor and closes the socket. Open rooms are kept
// and re-joined by the next Connect. It must not be called from a handler.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

func (m *Manager) Handle() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	return m.handle
}

func (m *Manager) Stats() Stats {
	return Stats{
		Received:   m.received.Load(),
		Dropped:    m.dropped.Load(),
		Reconnects: m.reconnects.Load(),
	}
}

// Subscribe registers fn for one inbound event kind.
func (m *Manager) Subscribe(kind events.Kind, fn Handler) *Subscription {
	return m.subs.add(kind, fn)
}

// OnState registers fn for connection lifecycle signals.
func (m *Manager) OnState(fn StateHandler) *Subscription {
	return m.subs.addState(fn)
}

// JoinRoom adds a conversation to the open-room set. The room is joined
// immediately when connected and on every later (re)connect.
func (m *Manager) JoinRoom(conversationID string) error {
	return m.setRoom(conversationID, true)
}

func (m *Manager) LeaveRoom(conversationID string) error {
	return m.setRoom(conversationID, false)
}

func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) setRoom(conversationID string, join bool) error {
	m.mu.Lock()
	kind := events.KindLeaveConversation
	if join {
		m.rooms[conversationID] = struct{}{}
		kind = events.KindJoinConversation
	} else {
		delete(m.rooms, conversationID)
	}
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return fmt.Errorf("%s %s: %w", kind, conversationID, apperr.ErrNotConnected)
	}
	b, err := events.Encode(kind, events.ConversationRef{ConversationID: conversationID})
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

func (m *Manager) SendMessage(p events.SendMessage) error {
	return m.emit(events.KindSendMessage, p)
}

func (m *Manager) EmitTyping(conversationID string) error {
	return m.emit(events.KindTyping, events.ConversationRef{ConversationID: conversationID})
}

func (m *Manager) EmitStopTyping(conversationID string) error {
	return m.emit(events.KindStopTyping, events.ConversationRef{ConversationID: conversationID})
}

func (m *Manager) MarkRead(conversationID string) error {
	return m.emit(events.KindMarkRead, events.ConversationRef{ConversationID: conversationID})
}

func (m *Manager) QueryOnlineStatus(userID string) error {
	return m.emit(events.KindCheckOnlineStatus, events.OnlineStatusQuery{UserID: userID})
}

func (m *Manager) emit(kind events.Kind, payload any) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return fmt.Errorf("emit %s: %w", kind, apperr.ErrNotConnected)
	}
	if !m.limiter.Allow() {
		return fmt.Errorf("emit %s: %w", kind, apperr.ErrRateLimited)
	}
	b, err := events.Encode(kind, payload)
	if err != nil {
		return err
	}
	if err := c.enqueue(b); err != nil {
		return fmt.Errorf("emit %s: %w", kind, err)
	}
	return nil
}

func (m *Manager) supervise(ctx context.Context, first chan<- error, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ReconnectInitial
	b.MaxInterval = m.cfg.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()

	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			first <- err
		}
	}
	everConnected, failures := false, 0

	for {
		c, h, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				report(ctx.Err())
				return
			}
			failures++
			m.log.Warn("dial failed", zap.String("url", m.cfg.URL), zap.Int("attempt", failures), zap.Error(err))
			report(err)
			if !m.sleep(ctx, b.NextBackOff()) {
				return
			}
			continue
		}
		b.Reset()

		state := StateConnected
		if everConnected || failures > 0 {
			state = StateReconnected
			m.reconnects.Add(1)
		}
		everConnected, failures = true, 0

		m.attach(c, h)
		go m.writePump(c)
		m.log.Info("connected", zap.String("session_id", h.SessionID), zap.String("state", state.String()))
		m.notifyState(state)
		report(nil)

		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				c.close()
			case <-stop:
			}
		}()
		err = m.readPump(c)
		close(stop)
		c.close()
		m.detach(c)
		m.notifyState(StateDisconnected)
		if ctx.Err() != nil {
			m.log.Info("disconnected")
			return
		}
		m.log.Warn("connection lost", zap.Error(err))
		if !m.sleep(ctx, b.NextBackOff()) {
			return
		}
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) dial(ctx context.Context) (*conn, *Handle, error) {
	m.mu.Lock()
	id := m.identity
	m.mu.Unlock()

	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse transport url: %w", err)
	}
	q := u.Query()
	q.Set("token", id.Token)
	u.RawQuery = q.Encode()

	dctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	ws, resp, err := m.cfg.Dialer.DialContext(dctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, nil, fmt.Errorf("%w: %w", apperr.ErrUnauthorized, err)
		}
		return nil, nil, err
	}
	h := &Handle{SessionID: uuid.NewString(), UserID: id.UserID, ConnectedAt: time.Now().UTC()}
	return newConn(ws), h, nil
}

// attach publishes c as the live connection and queues join frames for every
// open room ahead of any other outbound frame.
func (m *Manager) attach(c *conn, h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = c
	m.handle = h
	for id := range m.rooms {
		b, err := events.Encode(events.KindJoinConversation, events.ConversationRef{ConversationID: id})
		if err != nil {
			continue
		}
		if err := c.enqueue(b); err != nil {
			m.log.Warn("rejoin failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
}

func (m *Manager) detach(c *conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == c {
		m.conn = nil
	}
}

func (m *Manager) readPump(c *conn) error {
	pongWait := m.cfg.PingInterval + m.cfg.WriteDeadline
	c.ws.SetReadLimit(m.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			continue
		}
		m.received.Add(1)
		ev, err := events.Decode(data)
		if err != nil {
			m.dropped.Add(1)
			level := zap.WarnLevel
			if errors.Is(err, apperr.ErrUnknownEvent) {
				level = zap.DebugLevel
			}
			m.log.Check(level, "dropping inbound event").Write(zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		m.dispatch(ev)
	}
}

func (m *Manager) writePump(c *conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(m.cfg.WriteDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				m.log.Warn("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteDeadline)); err != nil {
				m.log.Warn("ping failed", zap.Error(err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (m *Manager) dispatch(ev events.Event) {
	for _, h := range m.subs.handlers(ev.Kind()) {
		m.call(ev, h)
	}
}

func (m *Manager) call(ev events.Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("event handler panicked", zap.String("kind", ev.Kind().String()), zap.Any("panic", r))
		}
	}()
	h(ev)
}

func (m *Manager) notifyState(s State) {
	for _, h := range m.subs.stateHandlers() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("state handler panicked", zap.String("state", s.String()), zap.Any("panic", r))
				}
			}()
			h(s)
		}()
	}
}
