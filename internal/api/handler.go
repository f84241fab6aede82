// Package api exposes the engine's state and operations over HTTP for the
// local UI.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Julie-QWQ/qq-response-enhancer/internal/app"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/gateway"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/sessions"
)

// Handler handles HTTP requests.
type Handler struct {
	engine *app.Engine
	logger *slog.Logger
}

// NewHandler creates a new handler.
func NewHandler(engine *app.Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger.With("component", "api")}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/state/sessions", h.ListSessions)
	e.GET("/state/sessions/:id/messages", h.GetSessionMessages)
	e.GET("/state/connection", h.GetConnection)
	e.GET("/state/task", h.GetTask)

	e.POST("/send", h.Send)
	e.POST("/suggest", h.Suggest)
	e.POST("/recall", h.Recall)
	e.POST("/sessions/:id/refresh", h.RefreshSession)
	e.POST("/sessions/:id/read", h.ReadSession)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// sessionSummary is a session without its message list.
type sessionSummary struct {
	ID        string               `json:"id"`
	Type      sessions.SessionType `json:"session_type"`
	PeerID    int64                `json:"peer_id"`
	Title     string               `json:"title"`
	Unread    int                  `json:"unread"`
	UpdatedAt int64                `json:"updated_at"`
	Messages  int                  `json:"message_count"`
}

// ListSessions lists sessions, newest activity first.
// GET /state/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	snap := h.engine.Snapshot()
	out := make([]sessionSummary, len(snap))
	for i, s := range snap {
		out[i] = sessionSummary{
			ID:        s.ID,
			Type:      s.Type,
			PeerID:    s.PeerID,
			Title:     s.Title,
			Unread:    s.Unread,
			UpdatedAt: s.UpdatedAt,
			Messages:  len(s.Messages),
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": out})
}

// GetSessionMessages returns one session with its message list.
// GET /state/sessions/:id/messages
func (h *Handler) GetSessionMessages(c echo.Context) error {
	id := c.Param("id")
	sess, ok := h.engine.Store.Get(id)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, sess)
}

// GetConnection reports the feed connection state.
// GET /state/connection
func (h *Handler) GetConnection(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"state": string(h.engine.Connection())})
}

// GetTask reports the active async send task.
// GET /state/task
func (h *Handler) GetTask(c echo.Context) error {
	task, ok := h.engine.Task()
	if !ok {
		return c.JSON(http.StatusOK, map[string]any{"active": false})
	}
	return c.JSON(http.StatusOK, map[string]any{"active": true, "task": task})
}

// SendRequest is the request to send a message.
type SendRequest struct {
	SessionType string `json:"session_type"`
	PeerID      int64  `json:"peer_id"`
	Mode        string `json:"mode"`
	Text        string `json:"text"`
	FilePath    string `json:"file_path,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	FaceID      *int   `json:"face_id,omitempty"`
}

// Send submits one outbound message. Video sends run as async tasks and
// return the task id.
// POST /send
func (h *Handler) Send(c echo.Context) error {
	ctx := c.Request().Context()

	var req SendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	sessionType := sessions.ParseSessionType(req.SessionType)
	if sessionType == sessions.SessionUnknown {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_type must be private or group"})
	}
	if req.PeerID <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "peer_id is required"})
	}

	mode := gateway.SendMode(req.Mode)
	if mode == "" {
		mode = gateway.ModeText
	}
	params := app.SendParams{
		SessionType: sessionType,
		PeerID:      req.PeerID,
		Mode:        mode,
		Text:        req.Text,
		FilePath:    req.FilePath,
		ImageBase64: req.ImageBase64,
		FaceID:      req.FaceID,
	}

	switch mode {
	case gateway.ModeText:
		if strings.TrimSpace(req.Text) == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "text is required"})
		}
	case gateway.ModeImage:
		if req.FilePath == "" && req.ImageBase64 == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "file_path or image_base64 is required"})
		}
	case gateway.ModeFace:
		if req.FaceID == nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "face_id is required"})
		}
	case gateway.ModeVideo:
		if req.FilePath == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "file_path is required"})
		}
		taskID, err := h.engine.SendVideoAsync(ctx, params)
		if err != nil {
			h.logger.Error("async send rejected", "error", err)
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "task_id": taskID})
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown send mode"})
	}

	if err := h.engine.Send(ctx, params); err != nil {
		h.logger.Error("send failed", "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// SuggestRequest asks for reply candidates for one session.
type SuggestRequest struct {
	SessionType string `json:"session_type"`
	PeerID      int64  `json:"peer_id"`
}

// Suggest starts a suggestion batch for a session.
// POST /suggest
func (h *Handler) Suggest(c echo.Context) error {
	ctx := c.Request().Context()

	var req SuggestRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	sessionType := sessions.ParseSessionType(req.SessionType)
	if sessionType == sessions.SessionUnknown || req.PeerID <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_type and peer_id are required"})
	}

	if err := h.engine.RequestSuggestions(ctx, sessionType, req.PeerID); err != nil {
		h.logger.Error("suggestion request failed", "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// RecallRequest deletes one sent message.
type RecallRequest struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// Recall deletes a message on the gateway and locally.
// POST /recall
func (h *Handler) Recall(c echo.Context) error {
	ctx := c.Request().Context()

	var req RecallRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.SessionID == "" || req.MessageID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_id and message_id are required"})
	}

	if err := h.engine.Recall(ctx, req.SessionID, req.MessageID); err != nil {
		h.logger.Error("recall failed", "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// RefreshSession re-imports and reloads one session's history.
// POST /sessions/:id/refresh
func (h *Handler) RefreshSession(c echo.Context) error {
	ctx := c.Request().Context()

	sessionType, peerID, ok := splitSessionID(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid session id"})
	}

	if err := h.engine.Refresh(ctx, sessionType, peerID); err != nil {
		h.logger.Error("refresh failed", "session", c.Param("id"), "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// ReadSession marks a session as the one open in the UI and clears its
// unread counter.
// POST /sessions/:id/read
func (h *Handler) ReadSession(c echo.Context) error {
	id := c.Param("id")
	if _, _, ok := splitSessionID(id); !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid session id"})
	}
	h.engine.SelectSession(id)
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// splitSessionID parses "<type>-<peer>" ids.
func splitSessionID(id string) (sessions.SessionType, int64, bool) {
	typ, peer, found := strings.Cut(id, "-")
	if !found {
		return sessions.SessionUnknown, 0, false
	}
	sessionType := sessions.ParseSessionType(typ)
	if sessionType == sessions.SessionUnknown {
		return sessions.SessionUnknown, 0, false
	}
	peerID, err := strconv.ParseInt(peer, 10, 64)
	if err != nil || peerID <= 0 {
		return sessions.SessionUnknown, 0, false
	}
	return sessionType, peerID, true
}
