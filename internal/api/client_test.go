package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fathima-sithara/chatsync/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, h http.Handler, mutate func(*Config)) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := Config{
		BaseURL:            srv.URL,
		Token:              "tok-u1",
		Timeout:            2 * time.Second,
		RetryMaxElapsed:    time.Second,
		BreakerMaxFailures: 3,
		BreakerTimeout:     time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "not a url"}, nil)
	require.ErrorIs(t, err, apperr.ErrBadRequest)
}

func TestClient_ListConversations(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/conversations", r.URL.Path)
		assert.Equal(t, "Bearer tok-u1", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "success",
			"data": []map[string]any{{
				"id":                   "c1",
				"participant_ids":      []string{"u1", "u2"},
				"last_message_preview": "hey",
				"unread_count":         2,
			}},
		})
	}), nil)

	convs, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, "c1", convs[0].ID)
	require.Equal(t, [2]string{"u1", "u2"}, convs[0].ParticipantIDs)
	require.Equal(t, 2, convs[0].UnreadCount)
}

func TestClient_ListMessagesQuery(t *testing.T) {
	before := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		assert.Equal(t, before.Format(time.RFC3339Nano), r.URL.Query().Get("before"))
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "success",
			"data": []map[string]any{
				{"id": "m1", "conversation_id": "c1", "sender_id": "u2", "text": "a", "created_at": "2026-02-28T10:00:00Z"},
				{"id": "m2", "conversation_id": "c1", "sender_id": "u1", "text": "b", "created_at": "2026-02-28T10:01:00Z"},
			},
		})
	}), nil)

	msgs, err := c.ListMessages(context.Background(), "c1", 25, before)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "m2", msgs[1].ID)
}

func TestClient_MarkReadAndStartConversation(t *testing.T) {
	var marked atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/conversations/c1/read", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		marked.Store(true)
		writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
	})
	mux.HandleFunc("/v1/conversations", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "u3", body["participant_id"])
		writeJSON(w, http.StatusCreated, map[string]any{
			"status": "success",
			"data":   map[string]any{"id": "c9", "participant_ids": []string{"u1", "u3"}},
		})
	})
	c := newTestClient(t, mux, nil)

	require.NoError(t, c.MarkRead(context.Background(), "c1"))
	require.True(t, marked.Load())

	conv, err := c.StartConversation(context.Background(), "u3")
	require.NoError(t, err)
	require.Equal(t, "c9", conv.ID)
	require.Equal(t, "u3", conv.Counterparty("u1"))
}

func TestClient_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "conversation not found"})
	}), nil)

	_, err := c.ListMessages(context.Background(), "missing", 10, time.Time{})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	var ae *apperr.APIError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "conversation not found", ae.Message)
	require.Equal(t, int32(1), calls.Load())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": "upstream"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "data": []any{}})
	}), func(cfg *Config) { cfg.BreakerMaxFailures = 10 })

	contacts, err := c.ListContacts(context.Background())
	require.NoError(t, err)
	require.Empty(t, contacts)
	require.Equal(t, int32(3), calls.Load())
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "down"})
	}), func(cfg *Config) { cfg.RetryMaxElapsed = 0 })

	for i := 0; i < 3; i++ {
		_, err := c.ListContacts(context.Background())
		require.ErrorIs(t, err, apperr.ErrInternal)
	}
	_, err := c.ListContacts(context.Background())
	require.ErrorIs(t, err, apperr.ErrServiceUnavailable)
	require.Equal(t, int32(3), calls.Load())
}
