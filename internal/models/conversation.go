package models

import "time"

type Conversation struct {
	ID                  string    `json:"id" yaml:"id"`
	ParticipantIDs      [2]string `json:"participant_ids" yaml:"participant_ids"`
	LastMessagePreview  string    `json:"last_message_preview" yaml:"last_message_preview"`
	LastMessageAt       time.Time `json:"last_message_at" yaml:"last_message_at"`
	LastMessageSenderID string    `json:"last_message_sender_id" yaml:"last_message_sender_id"`
	LastMessageIsRead   bool      `json:"last_message_is_read" yaml:"last_message_is_read"`
	UnreadCount         int       `json:"unread_count" yaml:"unread_count"`
}

// Counterparty returns the participant that is not self.
func (c Conversation) Counterparty(self string) string {
	if c.ParticipantIDs[0] == self {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}

func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantIDs[0] == userID || c.ParticipantIDs[1] == userID)
}

// Contact is a user the current identity may start a conversation with.
type Contact struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Online bool   `json:"online" yaml:"online"`
}

// Identity is the authenticated user a session runs as.
type Identity struct {
	UserID string
	Token  string
}
