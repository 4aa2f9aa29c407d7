package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chatsync/internal/apperr"
	"github.com/fathima-sithara/chatsync/internal/events"
	"github.com/fathima-sithara/chatsync/internal/models"
)

type Options struct {
	JWTSecret       string
	RateLimitPerSec int
	Users           []string
	PingInterval    time.Duration
	WriteDeadline   time.Duration
	MaxMessageSize  int64
	HistoryLimit    int
}

// Server is a single-node realtime relay for local development and
// integration tests. State lives in memory.
type Server struct {
	opts     Options
	log      *zap.Logger
	hub      *Hub
	store    *MemoryStore
	presence Presence
	pub      Publisher
	metrics  *relayMetrics
	app      *fiber.App
}

func New(opts Options, presence Presence, pub Publisher, reg *prometheus.Registry, log *zap.Logger) *Server {
	if opts.RateLimitPerSec <= 0 {
		opts.RateLimitPerSec = 20
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.WriteDeadline <= 0 {
		opts.WriteDeadline = 10 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if presence == nil {
		presence = NewMemoryPresence()
	}
	if pub == nil {
		pub = NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Server{
		opts:     opts,
		log:      log,
		hub:      NewHub(),
		store:    NewMemoryStore(),
		presence: presence,
		pub:      pub,
	}
	s.metrics = newRelayMetrics(reg, s.hub)
	s.app = s.routes(reg)
	return s
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Store() *MemoryStore { return s.store }

func (s *Server) Listen(addr string) error { return s.app.Listen(addr) }

// Shutdown stops accepting connections and flushes the publisher.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	if perr := s.pub.Close(); err == nil {
		err = perr
	}
	return err
}

func (s *Server) routes(reg *prometheus.Registry) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	v1 := app.Group("/v1", JWTAuth(s.opts.JWTSecret))
	v1.Get("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, websocket.New(s.handleWS))

	v1.Get("/conversations", s.listConversations)
	v1.Post("/conversations", s.startConversation)
	v1.Get("/conversations/:id/messages", s.listMessages)
	v1.Post("/conversations/:id/read", s.markReadHTTP)
	v1.Get("/contacts", s.listContacts)
	return app
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "success", "data": s.store.Conversations(userFrom(c))})
}

func (s *Server) startConversation(c *fiber.Ctx) error {
	var body struct {
		ParticipantID string `json:"participant_id"`
	}
	if err := c.BodyParser(&body); err != nil || body.ParticipantID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "participant_id is required"})
	}
	uid := userFrom(c)
	if body.ParticipantID == uid {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cannot start a conversation with yourself"})
	}
	conv, created := s.store.StartConversation(uid, body.ParticipantID)
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
		s.log.Info("conversation started", zap.String("conversation_id", conv.ID), zap.String("user_id", uid), zap.String("participant_id", body.ParticipantID))
	}
	return c.Status(status).JSON(fiber.Map{"status": "success", "data": conv})
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	convID := c.Params("id")
	if _, err := s.store.Counterparty(convID, userFrom(c)); err != nil {
		return writeError(c, err)
	}
	limit := s.opts.HistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid limit"})
		}
		limit = n
	}
	var before time.Time
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid before"})
		}
		before = t
	}
	msgs, err := s.store.Messages(convID, limit, before)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"status": "success", "data": msgs})
}

func (s *Server) markReadHTTP(c *fiber.Ctx) error {
	n, err := s.markRead(c.UserContext(), c.Params("id"), userFrom(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"status": "success", "data": fiber.Map{"marked": n}})
}

func (s *Server) listContacts(c *fiber.Ctx) error {
	uid := userFrom(c)
	seen := map[string]struct{}{uid: {}}
	var ids []string
	for _, id := range append(append([]string(nil), s.opts.Users...), s.store.Peers(uid)...) {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	contacts := make([]models.Contact, 0, len(ids))
	for _, id := range ids {
		online, err := s.presence.IsOnline(c.UserContext(), id)
		if err != nil {
			s.log.Warn("presence lookup failed", zap.String("user_id", id), zap.Error(err))
		}
		contacts = append(contacts, models.Contact{ID: id, Name: id, Online: online})
	}
	return c.JSON(fiber.Map{"status": "success", "data": contacts})
}

func writeError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, apperr.ErrUnauthorized):
		status = fiber.StatusForbidden
	case errors.Is(err, apperr.ErrBadRequest), errors.Is(err, apperr.ErrEmptyMessage):
		status = fiber.StatusBadRequest
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func (s *Server) handleWS(conn *websocket.Conn) {
	uid, _ := conn.Locals(localUserID).(string)
	cl := newClient(conn, uid, s.opts.RateLimitPerSec)
	ctx := context.Background()
	log := s.log.With(zap.String("user_id", uid))

	s.hub.Register(cl)
	if changed, err := s.presence.Connect(ctx, uid); err != nil {
		log.Warn("presence connect failed", zap.Error(err))
	} else if changed {
		s.broadcastPresence(uid, true)
	}
	log.Info("client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		cl.writePump(s.opts.PingInterval, s.opts.WriteDeadline)
	}()

	s.readPump(ctx, cl, log)

	s.hub.Unregister(cl)
	cl.close()
	<-done
	if changed, err := s.presence.Disconnect(ctx, uid); err != nil {
		log.Warn("presence disconnect failed", zap.Error(err))
	} else if changed {
		s.broadcastPresence(uid, false)
	}
	log.Info("client disconnected")
}

func (s *Server) readPump(ctx context.Context, cl *client, log *zap.Logger) {
	pongWait := s.opts.PingInterval + s.opts.WriteDeadline
	cl.ws.SetReadLimit(s.opts.MaxMessageSize)
	_ = cl.ws.SetReadDeadline(time.Now().Add(pongWait))
	cl.ws.SetPongHandler(func(string) error {
		return cl.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := cl.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("read error", zap.Error(err))
			}
			return
		}
		_ = cl.ws.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			continue
		}
		if !cl.limiter.Allow() {
			s.metrics.dropped("rate_limited")
			continue
		}
		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.metrics.dropped("malformed")
			continue
		}
		s.metrics.frame(string(env.Type))
		if err := s.dispatch(ctx, cl, env); err != nil {
			log.Warn("frame rejected", zap.String("type", string(env.Type)), zap.Error(err))
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cl *client, env events.Envelope) error {
	switch env.Type {
	case events.KindSendMessage:
		var p events.SendMessage
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		return s.sendMessage(ctx, cl.uid, p)

	case events.KindTyping, events.KindStopTyping:
		var p events.ConversationRef
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if _, err := s.store.Counterparty(p.ConversationID, cl.uid); err != nil {
			return err
		}
		var frame []byte
		var err error
		if env.Type == events.KindTyping {
			frame, err = events.Encode(events.KindUserTyping, events.UserTyping{ConversationID: p.ConversationID, UserID: cl.uid})
		} else {
			frame, err = events.Encode(events.KindUserStoppedTyping, events.UserStoppedTyping{ConversationID: p.ConversationID, UserID: cl.uid})
		}
		if err != nil {
			return err
		}
		s.hub.SendToRoom(p.ConversationID, frame, cl)
		return nil

	case events.KindMarkRead:
		var p events.ConversationRef
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		_, err := s.markRead(ctx, p.ConversationID, cl.uid)
		return err

	case events.KindCheckOnlineStatus:
		var p events.OnlineStatusQuery
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		online, err := s.presence.IsOnline(ctx, p.UserID)
		if err != nil {
			return err
		}
		frame, err := events.Encode(events.KindUserOnlineStatus, events.UserOnlineStatus{UserID: p.UserID, Online: online})
		if err != nil {
			return err
		}
		cl.enqueue(frame)
		return nil

	case events.KindJoinConversation, events.KindLeaveConversation:
		var p events.ConversationRef
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if _, err := s.store.Counterparty(p.ConversationID, cl.uid); err != nil {
			return err
		}
		if env.Type == events.KindJoinConversation {
			s.hub.Join(p.ConversationID, cl)
		} else {
			s.hub.Leave(p.ConversationID, cl)
		}
		return nil
	}
	return apperr.ErrUnknownEvent
}

// sendMessage stores the message, echoes it to the sender, delivers it to
// the receiver and pushes refreshed counters to both.
func (s *Server) sendMessage(ctx context.Context, sender string, p events.SendMessage) error {
	msg, err := s.store.SaveMessage(p.ConversationID, sender, p.MessageText, p.ClientID)
	if err != nil {
		return err
	}
	frame, err := events.Encode(events.KindNewMessage, events.NewMessage{ConversationID: msg.ConversationID, Message: msg})
	if err != nil {
		return err
	}
	s.hub.SendToUser(sender, frame)
	s.hub.SendToUser(msg.ReceiverID, frame)
	s.pushUnread(msg.ConversationID, sender)
	s.pushUnread(msg.ConversationID, msg.ReceiverID)

	if err := s.pub.PublishMessageSent(ctx, msg); err != nil {
		s.log.Warn("publish message.sent failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return nil
}

func (s *Server) markRead(ctx context.Context, convID, reader string) (int, error) {
	n, at, err := s.store.MarkRead(convID, reader)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		other, err := s.store.Counterparty(convID, reader)
		if err != nil {
			return n, err
		}
		frame, err := events.Encode(events.KindMessagesRead, events.MessagesRead{ConversationID: convID, ReaderID: reader, ReadAt: &at})
		if err != nil {
			return n, err
		}
		s.hub.SendToUser(other, frame)
		s.hub.SendToUser(reader, frame)
		if err := s.pub.PublishMessageRead(ctx, MessageReadEvent{ConversationID: convID, ReaderID: reader, Count: n, ReadAt: at}); err != nil {
			s.log.Warn("publish message.read failed", zap.String("conversation_id", convID), zap.Error(err))
		}
	}
	s.pushUnread(convID, reader)
	return n, nil
}

func (s *Server) pushUnread(convID, userID string) {
	conv, err := s.store.Conversation(convID, userID)
	if err != nil {
		return
	}
	count := conv.UnreadCount
	ev := events.UnreadCountUpdated{ConversationID: convID, UnreadCount: &count}
	if !conv.LastMessageAt.IsZero() {
		preview, at, sender := conv.LastMessagePreview, conv.LastMessageAt, conv.LastMessageSenderID
		ev.LastMessage, ev.LastMessageAt, ev.LastMessageSender = &preview, &at, &sender
	}
	frame, err := events.Encode(events.KindUnreadCountUpdated, ev)
	if err != nil {
		return
	}
	s.hub.SendToUser(userID, frame)
}

func (s *Server) broadcastPresence(userID string, online bool) {
	frame, err := events.Encode(events.KindUserOnlineStatus, events.UserOnlineStatus{UserID: userID, Online: online})
	if err != nil {
		return
	}
	for _, peer := range s.store.Peers(userID) {
		s.hub.SendToUser(peer, frame)
	}
}
