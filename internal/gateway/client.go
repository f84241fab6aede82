// Package gateway is the HTTP client for the messaging gateway: history
// paging, sends, async task status, recall and suggestion requests.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// SendMode selects the outbound payload shape.
type SendMode string

const (
	ModeText  SendMode = "text"
	ModeImage SendMode = "image"
	ModeVideo SendMode = "video"
	ModeFace  SendMode = "face"
)

// SendRequest describes one outbound message.
type SendRequest struct {
	SessionType string   `json:"session_type"`
	Mode        SendMode `json:"mode"`
	PeerID      int64    `json:"peer_id"`
	Message     string   `json:"message"`
	FilePath    string   `json:"file_path,omitempty"`
	ImageBase64 string   `json:"image_base64,omitempty"`
	FaceID      *int     `json:"face_id,omitempty"`
}

// TaskStatus is one poll result for an async send task.
type TaskStatus struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error"`
}

// Client talks to the gateway's HTTP surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a gateway client for the given base URL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger.With("component", "gateway"),
	}
}

// History fetches one page of raw chat events. The offset is newest-relative;
// the returned page itself is in chronological order.
func (c *Client) History(ctx context.Context, sessionType string, peerID int64, limit, offset int) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("session_type", sessionType)
	q.Set("peer_id", strconv.FormatInt(peerID, 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var resp struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := c.get(ctx, "/chat/history?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch history page: %w", err)
	}
	return resp.Messages, nil
}

// Send submits a synchronous send and waits for the gateway's confirmation.
func (c *Client) Send(ctx context.Context, req SendRequest) error {
	if err := c.post(ctx, "/onebot/send_message", req, nil); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	c.logger.Info("message sent", "session_type", req.SessionType, "peer_id", req.PeerID, "mode", req.Mode)
	return nil
}

// SendAsync submits a long-running send (video) and returns the task id to
// poll.
func (c *Client) SendAsync(ctx context.Context, req SendRequest) (string, error) {
	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := c.post(ctx, "/onebot/send_message_async", req, &resp); err != nil {
		return "", fmt.Errorf("failed to submit async send: %w", err)
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("gateway returned no task id")
	}
	return resp.TaskID, nil
}

// TaskStatus polls one async send task.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	var status TaskStatus
	q := url.Values{}
	q.Set("task_id", taskID)
	if err := c.get(ctx, "/onebot/send_task_status?"+q.Encode(), &status); err != nil {
		return TaskStatus{}, fmt.Errorf("failed to fetch task status: %w", err)
	}
	return status, nil
}

// Recall deletes a message by its gateway-assigned id.
func (c *Client) Recall(ctx context.Context, messageID int64) error {
	body := map[string]int64{"message_id": messageID}
	if err := c.post(ctx, "/onebot/recall_message", body, nil); err != nil {
		return fmt.Errorf("failed to recall message: %w", err)
	}
	return nil
}

// ImportHistory asks the gateway to pull recent history from its upstream
// into its own store. Best effort: callers typically ignore the error.
func (c *Client) ImportHistory(ctx context.Context) error {
	if err := c.post(ctx, "/chat/import_onebot_history", nil, nil); err != nil {
		return fmt.Errorf("failed to trigger history import: %w", err)
	}
	return nil
}

// SuggestionPayload is the suggestion engine's reply-candidate batch.
type SuggestionPayload struct {
	PeerID      int64            `json:"peer_id"`
	SessionType string           `json:"session_type"`
	Sentiment   string           `json:"sentiment"`
	Suggestions []SuggestionItem `json:"suggestions"`
}

// SuggestionItem is one reply candidate.
type SuggestionItem struct {
	Text   string `json:"text"`
	Tone   string `json:"tone"`
	Intent string `json:"intent"`
	Notes  string `json:"notes"`
}

// SuggestReply asks the suggestion engine for reply candidates for a session.
func (c *Client) SuggestReply(ctx context.Context, sessionType string, peerID int64) (*SuggestionPayload, error) {
	body := map[string]any{"session_type": sessionType, "peer_id": peerID}
	var payload SuggestionPayload
	if err := c.post(ctx, "/suggest/reply", body, &payload); err != nil {
		return nil, fmt.Errorf("failed to request suggestions: %w", err)
	}
	return &payload, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewBuffer(jsonData)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("API error: %s - %s", resp.Status, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}
