package events

// SendMessage is the send_message payload. ClientID is the correlation
// identifier the relay echoes back inside new_message.
type SendMessage struct {
	ConversationID string `json:"conversation_id"`
	ReceiverID     string `json:"receiver_id"`
	MessageText    string `json:"message_text"`
	ClientID       string `json:"client_id,omitempty"`
}

// ConversationRef is the payload of typing, stop_typing, mark_read and the
// room join/leave emits.
type ConversationRef struct {
	ConversationID string `json:"conversation_id"`
}

type OnlineStatusQuery struct {
	UserID string `json:"user_id"`
}
