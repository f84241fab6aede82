package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestHistoryPaging(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/history", r.URL.Path)
		assert.Equal(t, "group", r.URL.Query().Get("session_type"))
		assert.Equal(t, "30000", r.URL.Query().Get("peer_id"))
		assert.Equal(t, "200", r.URL.Query().Get("limit"))
		assert.Equal(t, "400", r.URL.Query().Get("offset"))
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{{"post_type": "message"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	rows, err := c.History(context.Background(), "group", 30000, 200, 400)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSendAsyncReturnsTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/onebot/send_message_async", r.URL.Path)
		var req SendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, ModeVideo, req.Mode)
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "task_id": "send-abc", "status": "queued"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	taskID, err := c.SendAsync(context.Background(), SendRequest{
		SessionType: "private", Mode: ModeVideo, PeerID: 42, FilePath: "/tmp/v.mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, "send-abc", taskID)
}

func TestSendSurfacesGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"消息为空"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	err := c.Send(context.Background(), SendRequest{SessionType: "private", Mode: ModeText, PeerID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "消息为空")
}

func TestTaskStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "send-abc", r.URL.Query().Get("task_id"))
		json.NewEncoder(w).Encode(TaskStatus{TaskID: "send-abc", Status: "sending", Progress: 40})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	status, err := c.TaskStatus(context.Background(), "send-abc")
	require.NoError(t, err)
	assert.Equal(t, "sending", status.Status)
	assert.Equal(t, 40, status.Progress)
}

func TestSuggestReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(SuggestionPayload{
			PeerID:      42,
			SessionType: "private",
			Sentiment:   "neutral",
			Suggestions: []SuggestionItem{{Text: "好的", Tone: "friendly", Intent: "agree"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	payload, err := c.SuggestReply(context.Background(), "private", 42)
	require.NoError(t, err)
	require.Len(t, payload.Suggestions, 1)
	assert.Equal(t, "好的", payload.Suggestions[0].Text)
}
