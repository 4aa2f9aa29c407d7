package events

import (
	"errors"
	"time"

	"github.com/fathima-sithara/chatsync/internal/models"
)

// Event is the closed set of inbound push payloads. Only types in this
// package implement it, so a type switch over the concrete types below is
// exhaustive.
type Event interface {
	Kind() Kind
	Conversation() string
	validate() error
}

var (
	errMissingConversation = errors.New("conversation_id is required")
	errMissingUser         = errors.New("user_id is required")
)

type NewMessage struct {
	ConversationID string         `json:"conversation_id"`
	Message        models.Message `json:"message"`
}

func (e *NewMessage) Kind() Kind           { return KindNewMessage }
func (e *NewMessage) Conversation() string { return e.ConversationID }
func (e *NewMessage) validate() error {
	if e.ConversationID == "" {
		e.ConversationID = e.Message.ConversationID
	}
	if e.ConversationID == "" {
		return errMissingConversation
	}
	if e.Message.ID == "" {
		return errors.New("message.id is required")
	}
	if e.Message.SenderID == "" {
		return errors.New("message.sender_id is required")
	}
	if e.Message.ConversationID == "" {
		e.Message.ConversationID = e.ConversationID
	}
	return nil
}

type UserTyping struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

func (e *UserTyping) Kind() Kind           { return KindUserTyping }
func (e *UserTyping) Conversation() string { return e.ConversationID }
func (e *UserTyping) validate() error      { return requireConvUser(e.ConversationID, e.UserID) }

type UserStoppedTyping struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

func (e *UserStoppedTyping) Kind() Kind           { return KindUserStoppedTyping }
func (e *UserStoppedTyping) Conversation() string { return e.ConversationID }
func (e *UserStoppedTyping) validate() error      { return requireConvUser(e.ConversationID, e.UserID) }

type UserOnlineStatus struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

func (e *UserOnlineStatus) Kind() Kind           { return KindUserOnlineStatus }
func (e *UserOnlineStatus) Conversation() string { return "" }
func (e *UserOnlineStatus) validate() error {
	if e.UserID == "" {
		return errMissingUser
	}
	return nil
}

type MessagesRead struct {
	ConversationID string     `json:"conversation_id"`
	ReaderID       string     `json:"reader_id"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

func (e *MessagesRead) Kind() Kind           { return KindMessagesRead }
func (e *MessagesRead) Conversation() string { return e.ConversationID }
func (e *MessagesRead) validate() error {
	if e.ConversationID == "" {
		return errMissingConversation
	}
	if e.ReaderID == "" {
		return errors.New("reader_id is required")
	}
	return nil
}

// UnreadCountUpdated carries the server-computed counter. The optional
// last-message fields are a conversation summary refresh.
type UnreadCountUpdated struct {
	ConversationID    string     `json:"conversation_id"`
	UnreadCount       *int       `json:"unread_count"`
	LastMessage       *string    `json:"last_message,omitempty"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
	LastMessageSender *string    `json:"last_message_sender,omitempty"`
}

func (e *UnreadCountUpdated) Kind() Kind           { return KindUnreadCountUpdated }
func (e *UnreadCountUpdated) Conversation() string { return e.ConversationID }
func (e *UnreadCountUpdated) validate() error {
	if e.ConversationID == "" {
		return errMissingConversation
	}
	if e.UnreadCount == nil {
		return errors.New("unread_count is required")
	}
	if *e.UnreadCount < 0 {
		return errors.New("unread_count must not be negative")
	}
	return nil
}

// Count returns the authoritative counter value.
func (e *UnreadCountUpdated) Count() int {
	if e.UnreadCount == nil {
		return 0
	}
	return *e.UnreadCount
}

func requireConvUser(conv, user string) error {
	if conv == "" {
		return errMissingConversation
	}
	if user == "" {
		return errMissingUser
	}
	return nil
}
