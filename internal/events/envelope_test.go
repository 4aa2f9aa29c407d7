package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/chatsync/internal/apperr"
)

func TestDecode_NewMessage(t *testing.T) {
	raw := `{"type":"new_message","payload":{"conversation_id":"c1","message":{"id":"m1","sender_id":"u2","receiver_id":"u1","text":"hi","created_at":"2026-01-02T03:04:05Z"}}}`

	ev, err := Decode([]byte(raw))
	require.NoError(t, err)
	nm, ok := ev.(*NewMessage)
	require.True(t, ok)
	require.Equal(t, KindNewMessage, nm.Kind())
	require.Equal(t, "c1", nm.Conversation())
	require.Equal(t, "c1", nm.Message.ConversationID)
	require.Equal(t, "hi", nm.Message.Text)
}

func TestDecode_UnreadCountUpdatedOptionalSummary(t *testing.T) {
	raw := `{"type":"unread_count_updated","payload":{"conversation_id":"c1","unread_count":0}}`
	ev, err := Decode([]byte(raw))
	require.NoError(t, err)
	up := ev.(*UnreadCountUpdated)
	require.Equal(t, 0, up.Count())
	require.Nil(t, up.LastMessage)

	raw = `{"type":"unread_count_updated","payload":{"conversation_id":"c1","unread_count":2,"last_message":"yo","last_message_at":"2026-01-02T03:04:05Z","last_message_sender":"u2"}}`
	ev, err = Decode([]byte(raw))
	require.NoError(t, err)
	up = ev.(*UnreadCountUpdated)
	require.Equal(t, 2, up.Count())
	require.Equal(t, "yo", *up.LastMessage)
	require.Equal(t, "u2", *up.LastMessageSender)
}

func TestDecode_RejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":           `{"type":`,
		"missing payload":    `{"type":"user_typing"}`,
		"missing user":       `{"type":"user_typing","payload":{"conversation_id":"c1"}}`,
		"missing count":      `{"type":"unread_count_updated","payload":{"conversation_id":"c1"}}`,
		"negative count":     `{"type":"unread_count_updated","payload":{"conversation_id":"c1","unread_count":-1}}`,
		"message without id": `{"type":"new_message","payload":{"conversation_id":"c1","message":{"sender_id":"u2"}}}`,
		"wrong field type":   `{"type":"user_online_status","payload":{"user_id":"u1","online":"yes"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.ErrorIs(t, err, apperr.ErrMalformedEvent)
		})
	}
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"type":"reaction_added","payload":{}}`))
	require.ErrorIs(t, err, apperr.ErrUnknownEvent)
}

func TestEncode_WrapsPayload(t *testing.T) {
	b, err := Encode(KindSendMessage, SendMessage{ConversationID: "c1", ReceiverID: "u2", MessageText: "hello", ClientID: "k1"})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(b, &env))
	require.Equal(t, KindSendMessage, env.Type)
	require.JSONEq(t, `{"conversation_id":"c1","receiver_id":"u2","message_text":"hello","client_id":"k1"}`, string(env.Payload))
}
