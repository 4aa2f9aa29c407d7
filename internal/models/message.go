package models

import "time"

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is one entry of a conversation timeline. While DeliveryState is
// pending or failed, ID holds a client-generated temporary identifier.
type Message struct {
	ID             string        `json:"id" yaml:"id"`
	ClientID       string        `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ConversationID string        `json:"conversation_id" yaml:"conversation_id"`
	SenderID       string        `json:"sender_id" yaml:"sender_id"`
	ReceiverID     string        `json:"receiver_id" yaml:"receiver_id"`
	Text           string        `json:"text" yaml:"text"`
	CreatedAt      time.Time     `json:"created_at" yaml:"created_at"`
	IsRead         bool          `json:"is_read" yaml:"is_read"`
	ReadAt         *time.Time    `json:"read_at,omitempty" yaml:"read_at,omitempty"`
	DeliveryState  DeliveryState `json:"delivery_state,omitempty" yaml:"delivery_state,omitempty"`
}

func (m Message) Pending() bool   { return m.DeliveryState == DeliveryPending }
func (m Message) Failed() bool    { return m.DeliveryState == DeliveryFailed }
func (m Message) Confirmed() bool { return !m.Pending() && !m.Failed() }

// Preview trims the message text for conversation list rendering.
func (m Message) Preview(max int) string {
	r := []rune(m.Text)
	if max <= 0 || len(r) <= max {
		return m.Text
	}
	return string(r[:max]) + "…"
}
