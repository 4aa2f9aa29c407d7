package send

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chatsync/internal/apperr"
	"github.com/fathima-sithara/chatsync/internal/events"
	"github.com/fathima-sithara/chatsync/internal/models"
	"github.com/fathima-sithara/chatsync/internal/timeline"
	"github.com/fathima-sithara/chatsync/internal/typing"
)

const DefaultConfirmTimeout = 10 * time.Second

type Status int

const (
	StatusComposing Status = iota
	StatusPending
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "composing"
	}
}

// Sender carries send_message frames.
type Sender interface {
	SendMessage(p events.SendMessage) error
}

// Pipeline drives outgoing messages from draft to confirmed or failed.
// Failed messages stay in the timeline until the user retries or discards
// them; nothing is retried automatically.
type Pipeline struct {
	store   *timeline.Store
	sender  Sender
	typing  *typing.Debouncer
	timeout time.Duration
	log     *zap.Logger

	mu        sync.Mutex
	drafts    map[string]string
	timers    map[string]*time.Timer
	confirmed map[string]string // temp ID -> server ID
	onFail    func(models.Message)
}

func New(store *timeline.Store, sender Sender, deb *typing.Debouncer, timeout time.Duration, log *zap.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		store:     store,
		sender:    sender,
		typing:    deb,
		timeout:   timeout,
		log:       log,
		drafts:    make(map[string]string),
		timers:    make(map[string]*time.Timer),
		confirmed: make(map[string]string),
	}
}

// OnFailure registers fn to run whenever a message becomes failed.
func (p *Pipeline) OnFailure(fn func(models.Message)) {
	p.mu.Lock()
	p.onFail = fn
	p.mu.Unlock()
}

// SetDraft stages input for conversationID. Non-empty input counts as a
// keystroke for the typing indicator.
func (p *Pipeline) SetDraft(conversationID, text string) {
	p.mu.Lock()
	if text == "" {
		delete(p.drafts, conversationID)
	} else {
		p.drafts[conversationID] = text
	}
	p.mu.Unlock()
	if p.typing == nil {
		return
	}
	if text == "" {
		p.typing.Flush(conversationID)
		return
	}
	p.typing.Keystroke(conversationID)
}

func (p *Pipeline) Draft(conversationID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drafts[conversationID]
}

// Send submits the draft of conversationID to receiverID. The returned
// message is already in the timeline; when the send fails its state is
// failed and the error says why.
func (p *Pipeline) Send(conversationID, receiverID string) (models.Message, error) {
	if conversationID == "" {
		return models.Message{}, apperr.ErrNoActiveConversation
	}
	p.mu.Lock()
	text := strings.TrimSpace(p.drafts[conversationID])
	if text == "" {
		p.mu.Unlock()
		return models.Message{}, apperr.ErrEmptyMessage
	}
	delete(p.drafts, conversationID)
	p.mu.Unlock()

	msg := p.store.AppendOptimistic(models.Message{
		ConversationID: conversationID,
		ReceiverID:     receiverID,
		Text:           text,
	})
	if p.typing != nil {
		p.typing.Flush(conversationID)
	}
	return p.dispatch(msg)
}

// Retry re-sends a failed message with its original correlation ID.
func (p *Pipeline) Retry(tempID string) (models.Message, error) {
	msg, err := p.store.MarkRetrying(tempID)
	if err != nil {
		return msg, err
	}
	return p.dispatch(msg)
}

// Discard drops a failed message.
func (p *Pipeline) Discard(tempID string) error {
	if _, err := p.store.Discard(tempID); err != nil {
		return err
	}
	p.stopTimer(tempID)
	return nil
}

// Confirm records that the server accepted tempID as serverID.
func (p *Pipeline) Confirm(tempID, serverID string) {
	p.stopTimer(tempID)
	p.mu.Lock()
	p.confirmed[tempID] = serverID
	p.mu.Unlock()
}

// Status reports the delivery state of a message sent through the pipeline.
func (p *Pipeline) Status(tempID string) (Status, bool) {
	p.mu.Lock()
	_, ok := p.confirmed[tempID]
	p.mu.Unlock()
	if ok {
		return StatusConfirmed, true
	}
	m, ok := p.store.Lookup(tempID)
	if !ok {
		return StatusComposing, false
	}
	if m.Failed() {
		return StatusFailed, true
	}
	return StatusPending, true
}

// ServerID returns the confirmed server ID of tempID.
func (p *Pipeline) ServerID(tempID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.confirmed[tempID]
	return id, ok
}

// Close stops confirmation timers and the typing debouncer.
func (p *Pipeline) Close() {
	p.mu.Lock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()
	if p.typing != nil {
		p.typing.Close()
	}
}

func (p *Pipeline) dispatch(msg models.Message) (models.Message, error) {
	err := p.sender.SendMessage(events.SendMessage{
		ConversationID: msg.ConversationID,
		ReceiverID:     msg.ReceiverID,
		MessageText:    msg.Text,
		ClientID:       msg.ClientID,
	})
	if err != nil {
		failed := p.fail(msg.ID, err)
		return failed, fmt.Errorf("send %s: %w", msg.ID, err)
	}

	tempID := msg.ID
	p.mu.Lock()
	if old, ok := p.timers[tempID]; ok {
		old.Stop()
	}
	p.timers[tempID] = time.AfterFunc(p.timeout, func() {
		p.fail(tempID, fmt.Errorf("no confirmation within %s", p.timeout))
	})
	p.mu.Unlock()
	return msg, nil
}

func (p *Pipeline) fail(tempID string, cause error) models.Message {
	p.stopTimer(tempID)
	m, err := p.store.MarkFailed(tempID)
	if err != nil {
		// confirmed or discarded meanwhile
		return m
	}
	p.log.Warn("message send failed", zap.String("temp_id", tempID), zap.String("conversation_id", m.ConversationID), zap.Error(cause))
	p.mu.Lock()
	fn := p.onFail
	p.mu.Unlock()
	if fn != nil {
		fn(m)
	}
	return m
}

func (p *Pipeline) stopTimer(tempID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[tempID]; ok {
		t.Stop()
		delete(p.timers, tempID)
	}
}
