package events

import (
	"encoding/json"
	"fmt"

	"github.com/fathima-sithara/chatsync/internal/apperr"
)

// Envelope is the standard wire format for websocket frames in both directions.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps payload into an envelope of the given kind.
func Encode(kind Kind, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Type: kind, Payload: b})
}

// Decode parses an inbound frame into its typed event. Frames that are not
// valid JSON, miss required fields, or carry an unrecognized kind are
// reported with apperr.ErrMalformedEvent or apperr.ErrUnknownEvent.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrMalformedEvent, err)
	}
	var ev Event
	switch env.Type {
	case KindNewMessage:
		ev = &NewMessage{}
	case KindUserTyping:
		ev = &UserTyping{}
	case KindUserStoppedTyping:
		ev = &UserStoppedTyping{}
	case KindUserOnlineStatus:
		ev = &UserOnlineStatus{}
	case KindMessagesRead:
		ev = &MessagesRead{}
	case KindUnreadCountUpdated:
		ev = &UnreadCountUpdated{}
	default:
		return nil, fmt.Errorf("%w: %q", apperr.ErrUnknownEvent, env.Type)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: %s without payload", apperr.ErrMalformedEvent, env.Type)
	}
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperr.ErrMalformedEvent, env.Type, err)
	}
	if err := ev.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperr.ErrMalformedEvent, env.Type, err)
	}
	return ev, nil
}
