package engine

const updateBuffer = 128

type UpdateKind string

const (
	UpdateConversations UpdateKind = "conversations"
	UpdateTimeline      UpdateKind = "timeline"
	UpdateTyping        UpdateKind = "typing"
	UpdatePresence      UpdateKind = "presence"
	UpdateConnection    UpdateKind = "connection"
	UpdateSendFailed    UpdateKind = "send_failed"
)

// Update tells a front-end which part of the session state changed. It
// carries identifiers only; current state is read back from the Session.
type Update struct {
	Kind           UpdateKind
	ConversationID string
	MessageID      string
	UserID         string
}

// Updates returns the notification stream. It is closed by Close. Updates
// are dropped, not queued, when the reader falls behind.
func (s *Session) Updates() <-chan Update { return s.updates }

func (s *Session) publish(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- u:
	default:
	}
}
