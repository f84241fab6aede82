// Package app wires the feed, the merge reducer, the gateway client and the
// mirror store into the running application core.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/Julie-QWQ/qq-response-enhancer/internal/event"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/gateway"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/history"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/segment"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/sendtask"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/sessions"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/store"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/stream"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/suggest"
)

// Gateway is the slice of the gateway client the engine drives directly.
type Gateway interface {
	Send(ctx context.Context, req gateway.SendRequest) error
	SendAsync(ctx context.Context, req gateway.SendRequest) (string, error)
	Recall(ctx context.Context, messageID int64) error
	SuggestReply(ctx context.Context, sessionType string, peerID int64) (*gateway.SuggestionPayload, error)
}

// Mirror is the on-disk event mirror used for persistence and warm loads.
type Mirror interface {
	SaveEvent(ctx context.Context, sessionType sessions.SessionType, peerID int64, title string, timestampMs int64, messageID string, payload json.RawMessage) error
	Sessions(ctx context.Context) ([]store.SessionRef, error)
	History(ctx context.Context, sessionType sessions.SessionType, peerID int64, limit int) ([]json.RawMessage, error)
}

// Engine is the application core: every feed frame, user action and reload
// funnels through it into the session store.
type Engine struct {
	Store      *sessions.Store
	Merger     sessions.Merger
	Normalizer event.Normalizer
	Gateway    Gateway
	Mirror     Mirror
	Poller     *sendtask.Poller
	Reloader   *history.Reloader
	// ConnState reports the feed supervisor's current state.
	ConnState func() stream.State
	// TaskCtx outlives individual requests; async task polling is bound to it.
	TaskCtx context.Context
	// WarmLoadLimit caps how many mirrored events per session are replayed at
	// startup.
	WarmLoadLimit int
	Logger        *slog.Logger
	Now           func() time.Time

	mu      sync.Mutex
	batches map[string]suggest.Batch

	framesCounter  metric.Int64Counter
	mergedCounter  metric.Int64Counter
	droppedCounter metric.Int64Counter
}

// InitMetrics registers the engine's counters on the given meter.
func (e *Engine) InitMetrics(meter metric.Meter) error {
	var err error
	e.framesCounter, err = meter.Int64Counter("feed_frames_total",
		metric.WithDescription("Feed frames received"))
	if err != nil {
		return fmt.Errorf("failed to create frames counter: %w", err)
	}
	e.mergedCounter, err = meter.Int64Counter("feed_events_merged_total",
		metric.WithDescription("Chat events merged into sessions"))
	if err != nil {
		return fmt.Errorf("failed to create merged counter: %w", err)
	}
	e.droppedCounter, err = meter.Int64Counter("feed_frames_dropped_total",
		metric.WithDescription("Feed frames dropped as non-renderable"))
	if err != nil {
		return fmt.Errorf("failed to create dropped counter: %w", err)
	}
	return nil
}

// HandleFrame consumes one raw feed frame: a suggestion payload resolves its
// pending batch, a chat event is merged and mirrored, anything else is
// dropped silently.
func (e *Engine) HandleFrame(data []byte) {
	ctx := e.taskCtx()
	e.count(ctx, e.framesCounter)

	if payload, ok := suggest.Probe(data); ok {
		e.applySuggestions(payload)
		return
	}

	ev, err := event.Parse(data)
	if err != nil {
		e.count(ctx, e.droppedCounter)
		e.logger().Debug("unparseable frame dropped", "error", err)
		return
	}
	in, ok := e.Normalizer.Normalize(ev)
	if !ok {
		e.count(ctx, e.droppedCounter)
		return
	}

	markUnread := in.Message.Role == sessions.RolePeer
	e.Store.Merge(e.Merger, in, markUnread)
	e.count(ctx, e.mergedCounter)

	if e.Mirror != nil {
		serverID, _ := in.Message.ServerID()
		if err := e.Mirror.SaveEvent(ctx, in.SessionType, in.PeerID, in.Title,
			in.Message.Timestamp, serverID, data); err != nil {
			e.logger().Warn("failed to mirror event", "error", err)
		}
	}
}

// WarmLoad replays the mirrored history of every known session into the
// store so the UI has content before the gateway answers.
func (e *Engine) WarmLoad(ctx context.Context) error {
	if e.Mirror == nil {
		return nil
	}
	refs, err := e.Mirror.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to warm load sessions: %w", err)
	}
	for _, ref := range refs {
		rows, err := e.Mirror.History(ctx, ref.Type, ref.PeerID, e.warmLimit())
		if err != nil {
			e.logger().Warn("failed to warm load session",
				"session_type", ref.Type, "peer_id", ref.PeerID, "error", err)
			continue
		}
		for _, row := range rows {
			ev, err := event.Parse(row)
			if err != nil {
				continue
			}
			if in, ok := e.Normalizer.Normalize(ev); ok {
				e.Store.Merge(e.Merger, in, false)
			}
		}
	}
	e.logger().Info("warm load complete", "sessions", len(refs))
	return nil
}

// SendParams describes one user-initiated send.
type SendParams struct {
	SessionType sessions.SessionType
	PeerID      int64
	Mode        gateway.SendMode
	Text        string
	FilePath    string
	ImageBase64 string
	FaceID      *int
}

// Send renders the message optimistically and submits it to the gateway. The
// optimistic copy stays in place on failure; the user sees the gateway error
// and the authoritative echo never arrives to upgrade it.
func (e *Engine) Send(ctx context.Context, p SendParams) error {
	ts := e.mergeOptimistic(p)
	if err := e.Gateway.Send(ctx, e.sendRequest(p)); err != nil {
		e.logger().Error("send failed", "session_type", p.SessionType, "peer_id", p.PeerID, "error", err)
		return err
	}
	e.recordOutbound(ctx, p, ts)
	return nil
}

// SendVideoAsync submits a long-running video send and starts polling its
// task. Only one async task may run at a time.
func (e *Engine) SendVideoAsync(ctx context.Context, p SendParams) (string, error) {
	p.Mode = gateway.ModeVideo
	if cur, ok := e.Poller.Current(); ok && !cur.Status.Terminal() {
		return "", fmt.Errorf("a send task is already in progress: %s", cur.ID)
	}
	e.mergeOptimistic(p)
	taskID, err := e.Gateway.SendAsync(ctx, e.sendRequest(p))
	if err != nil {
		e.logger().Error("async send failed", "peer_id", p.PeerID, "error", err)
		return "", err
	}
	if err := e.Poller.Track(e.taskCtx(), taskID); err != nil {
		return "", err
	}
	return taskID, nil
}

// RequestSuggestions shows a placeholder batch and asks the suggestion
// engine for candidates. A synchronous response resolves the batch at once;
// otherwise it stays pending until the feed delivers the payload.
func (e *Engine) RequestSuggestions(ctx context.Context, sessionType sessions.SessionType, peerID int64) error {
	now := e.now().UnixMilli()
	batch := suggest.NewBatch(sessionType, peerID, now)
	e.registerBatch(batch)
	for _, m := range batch.Messages {
		e.Store.Merge(e.Merger, sessions.Incoming{
			SessionType: sessionType, PeerID: peerID, Message: m,
		}, false)
	}

	payload, err := e.Gateway.SuggestReply(ctx, string(sessionType), peerID)
	if err != nil {
		e.failBatch(batch)
		return fmt.Errorf("failed to request suggestions: %w", err)
	}
	if payload != nil && len(payload.Suggestions) > 0 {
		e.resolveBatch(batch, payload.Suggestions)
	}
	return nil
}

// Recall deletes an authoritative message on the gateway and removes it
// locally.
func (e *Engine) Recall(ctx context.Context, sessionID, serverID string) error {
	id, err := strconv.ParseInt(serverID, 10, 64)
	if err != nil {
		return fmt.Errorf("failed to parse message id %q: %w", serverID, err)
	}
	if err := e.Gateway.Recall(ctx, id); err != nil {
		return err
	}
	e.Store.Replace(sessionID, func(s sessions.Session) sessions.Session {
		target := sessions.AuthoritativeID(serverID)
		kept := s.Messages[:0]
		for _, m := range s.Messages {
			if m.ID != target {
				kept = append(kept, m)
			}
		}
		s.Messages = kept
		return s
	})
	return nil
}

// Refresh re-imports and reloads one session's history.
func (e *Engine) Refresh(ctx context.Context, sessionType sessions.SessionType, peerID int64) error {
	return e.Reloader.Refresh(ctx, sessionType, peerID)
}

// Reload rebuilds one session from the gateway without the upstream import.
func (e *Engine) Reload(ctx context.Context, sessionType sessions.SessionType, peerID int64) error {
	return e.Reloader.Reload(ctx, sessionType, peerID)
}

// SelectSession marks a session read and routes future unread suppression.
func (e *Engine) SelectSession(id string) {
	e.Store.Select(id)
}

// Snapshot returns the current session list.
func (e *Engine) Snapshot() []sessions.Session {
	return e.Store.Snapshot()
}

// Connection reports the feed state.
func (e *Engine) Connection() stream.State {
	if e.ConnState == nil {
		return stream.StateDisconnected
	}
	return e.ConnState()
}

// Task returns the active async send task, if any.
func (e *Engine) Task() (sendtask.Task, bool) {
	return e.Poller.Current()
}

// applySuggestions resolves the pending batch of the payload's session. A
// payload with no pending batch is stale and ignored.
func (e *Engine) applySuggestions(p *gateway.SuggestionPayload) {
	sessionType := sessions.ParseSessionType(p.SessionType)
	id := sessions.SessionID(sessionType, p.PeerID)

	e.mu.Lock()
	batch, ok := e.batches[id]
	if ok {
		delete(e.batches, id)
	}
	e.mu.Unlock()

	if !ok {
		e.logger().Debug("suggestion payload without pending batch ignored", "session", id)
		return
	}
	e.mergeResolved(batch, batch.Resolve(p.Suggestions))
}

func (e *Engine) registerBatch(b suggest.Batch) {
	id := sessions.SessionID(b.SessionType, b.PeerID)
	e.mu.Lock()
	if e.batches == nil {
		e.batches = make(map[string]suggest.Batch)
	}
	stale, had := e.batches[id]
	e.batches[id] = b
	e.mu.Unlock()

	// A superseded batch never resolves; close its slots out.
	if had {
		e.mergeResolved(stale, stale.Fail())
	}
}

func (e *Engine) resolveBatch(b suggest.Batch, items []gateway.SuggestionItem) {
	id := sessions.SessionID(b.SessionType, b.PeerID)
	e.mu.Lock()
	if cur, ok := e.batches[id]; ok && cur.ID == b.ID {
		delete(e.batches, id)
	}
	e.mu.Unlock()
	e.mergeResolved(b, b.Resolve(items))
}

func (e *Engine) failBatch(b suggest.Batch) {
	e.resolveBatch(b, nil)
}

func (e *Engine) mergeResolved(b suggest.Batch, resolved []sessions.Message) {
	for _, m := range resolved {
		e.Store.Merge(e.Merger, sessions.Incoming{
			SessionType: b.SessionType, PeerID: b.PeerID, Message: m,
		}, false)
	}
}

func (e *Engine) mergeOptimistic(p SendParams) int64 {
	ts := e.now().UnixMilli()
	e.Store.Merge(e.Merger, sessions.Incoming{
		SessionType: p.SessionType,
		PeerID:      p.PeerID,
		Message: sessions.Message{
			ID:         sessions.OptimisticID(ts),
			Role:       sessions.RoleSelf,
			SenderName: "我",
			SenderID:   e.Normalizer.SelfID,
			Timestamp:  ts,
			Segments:   optimisticSegments(p),
		},
	}, false)
	return ts
}

// recordOutbound mirrors a confirmed send as an event in the original
// outbound shape so a warm load replays it as our own message. The sender id
// matches the normalizer's self id, zero included, so role classification
// lands on self either way. The sender nickname carries the session title,
// not our own name: in private sessions the normalizer derives the title
// from the sender, and a replay must not retitle the session after us.
func (e *Engine) recordOutbound(ctx context.Context, p SendParams, ts int64) {
	if e.Mirror == nil {
		return
	}
	self := e.Normalizer.SelfID
	text := segment.PlainText(optimisticSegments(p))
	title := e.sessionTitle(p.SessionType, p.PeerID)
	ev := map[string]any{
		"post_type":    "message",
		"message_type": string(p.SessionType),
		"self_id":      self,
		"time":         ts,
		"sender":       map[string]any{"user_id": self, "nickname": title},
		"message":      text,
		"raw_message":  text,
	}
	if p.SessionType == sessions.SessionGroup {
		ev["group_id"] = p.PeerID
		ev["user_id"] = self
	} else {
		ev["user_id"] = p.PeerID
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger().Warn("failed to encode outbound event", "error", err)
		return
	}
	if err := e.Mirror.SaveEvent(ctx, p.SessionType, p.PeerID, title, ts, "", payload); err != nil {
		e.logger().Warn("failed to mirror outbound event", "error", err)
	}
}

// sessionTitle returns the live title of a session, falling back to the
// placeholder the normalizer would synthesize.
func (e *Engine) sessionTitle(sessionType sessions.SessionType, peerID int64) string {
	if sess, ok := e.Store.Get(sessions.SessionID(sessionType, peerID)); ok && sess.Title != "" {
		return sess.Title
	}
	if sessionType == sessions.SessionGroup {
		return fmt.Sprintf("群 %d", peerID)
	}
	return fmt.Sprintf("会话 %d", peerID)
}

// optimisticSegments renders the outbound message locally before any echo
// arrives. Text sends twin-match their authoritative echo by signature.
// Media modes use the placeholder text the gateway writes into raw_message,
// which matches mirrored outbound replays; a structured live echo decodes to
// a media segment with a real URL and is kept as a separate message.
func optimisticSegments(p SendParams) []segment.Segment {
	switch p.Mode {
	case gateway.ModeImage:
		return []segment.Segment{segment.TextSegment("[图片]")}
	case gateway.ModeVideo:
		return []segment.Segment{segment.TextSegment("[视频]")}
	case gateway.ModeFace:
		id := 0
		if p.FaceID != nil {
			id = *p.FaceID
		}
		label := "[/表情" + strconv.Itoa(id) + "]"
		if name, ok := segment.FaceName(id); ok {
			label = "[/" + name + "]"
		}
		return []segment.Segment{{
			Kind:    segment.KindEmoji,
			Text:    label,
			EmojiID: strconv.Itoa(id),
		}}
	default:
		return []segment.Segment{segment.TextSegment(p.Text)}
	}
}

func (e *Engine) sendRequest(p SendParams) gateway.SendRequest {
	return gateway.SendRequest{
		SessionType: string(p.SessionType),
		Mode:        p.Mode,
		PeerID:      p.PeerID,
		Message:     p.Text,
		FilePath:    p.FilePath,
		ImageBase64: p.ImageBase64,
		FaceID:      p.FaceID,
	}
}

func (e *Engine) count(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

func (e *Engine) warmLimit() int {
	if e.WarmLoadLimit > 0 {
		return e.WarmLoadLimit
	}
	return 200
}

func (e *Engine) taskCtx() context.Context {
	if e.TaskCtx != nil {
		return e.TaskCtx
	}
	return context.Background()
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
