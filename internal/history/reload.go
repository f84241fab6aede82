// Package history rebuilds sessions from the gateway's authoritative store
// and reconciles the rebuilt state with local-only messages.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Julie-QWQ/qq-response-enhancer/internal/event"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/sessions"
)

// Pager fetches pages of raw history events.
type Pager interface {
	History(ctx context.Context, sessionType string, peerID int64, limit, offset int) ([]json.RawMessage, error)
}

// Importer triggers the gateway's own upstream history import.
type Importer interface {
	ImportHistory(ctx context.Context) error
}

// Reloader pages backend history for a session and rebuilds it in the store.
type Reloader struct {
	Pager      Pager
	Importer   Importer
	Store      *sessions.Store
	Merger     sessions.Merger
	Normalizer event.Normalizer
	// PageSize is the per-request row count; PageCeiling bounds the loop
	// against inconsistent backends that keep returning full pages.
	PageSize    int
	PageCeiling int
	Logger      *slog.Logger
	Tracer      trace.Tracer
	// Pages counts fetched history pages when a meter is wired.
	Pages metric.Int64Counter
}

// Reload fetches the full retained history of one session and rebuilds it
// from scratch, then merges back local-only suggestion messages that the
// gateway never stored.
func (r *Reloader) Reload(ctx context.Context, sessionType sessions.SessionType, peerID int64) error {
	ctx, span := r.tracer().Start(ctx, "history_reload")
	defer span.End()

	id := sessions.SessionID(sessionType, peerID)
	prev, _ := r.Store.Get(id)

	rows, err := r.accumulate(ctx, sessionType, peerID)
	if err != nil && len(rows) == 0 {
		return fmt.Errorf("failed to reload %s: %w", id, err)
	}

	rebuilt := r.rebuild(rows, sessionType, peerID)

	// Merge-back: suggestion-batch messages exist only client-side; a naive
	// rebuild would silently delete active suggestion bubbles.
	rebuilt.mergeBack(prev.Messages)

	r.install(id, sessionType, peerID, rebuilt)
	r.logger().Info("session reloaded",
		"session", id, "rows", len(rows), "messages", len(rebuilt.messages))
	return nil
}

// Refresh clears the visible state of a session first, asks the gateway to
// import fresh upstream history (best effort, failures ignored), then
// reloads. Clearing first keeps the refresh visually unambiguous even when
// the reload fails.
func (r *Reloader) Refresh(ctx context.Context, sessionType sessions.SessionType, peerID int64) error {
	id := sessions.SessionID(sessionType, peerID)
	r.Store.Replace(id, func(s sessions.Session) sessions.Session {
		s.Messages = nil
		s.Unread = 0
		return s
	})

	if r.Importer != nil {
		if err := r.Importer.ImportHistory(ctx); err != nil {
			r.logger().Warn("history import failed, reloading local store only", "session", id, "error", err)
		}
	}

	return r.Reload(ctx, sessionType, peerID)
}

// accumulate pages newest-page-first, prepending each page so the result is
// chronological oldest to newest. A failing page aborts the loop but keeps
// everything already retrieved.
func (r *Reloader) accumulate(ctx context.Context, sessionType sessions.SessionType, peerID int64) ([]json.RawMessage, error) {
	var acc []json.RawMessage
	for page := 0; page < r.PageCeiling; page++ {
		rows, err := r.Pager.History(ctx, string(sessionType), peerID, r.PageSize, page*r.PageSize)
		if err != nil {
			r.logger().Warn("history page fetch failed, keeping partial result",
				"session_type", sessionType, "peer_id", peerID, "page", page, "error", err)
			return acc, err
		}
		if r.Pages != nil {
			r.Pages.Add(ctx, 1)
		}
		acc = append(append([]json.RawMessage{}, rows...), acc...)
		if len(rows) < r.PageSize {
			break
		}
	}
	return acc, nil
}

// rebuilt is the outcome of folding accumulated rows through the merge
// reducer against an empty snapshot.
type rebuilt struct {
	title    string
	messages []sessions.Message
}

func (r *Reloader) rebuild(rows []json.RawMessage, sessionType sessions.SessionType, peerID int64) *rebuilt {
	id := sessions.SessionID(sessionType, peerID)
	var snap []sessions.Session
	for _, row := range rows {
		ev, err := event.Parse(row)
		if err != nil {
			continue
		}
		in, ok := r.Normalizer.Normalize(ev)
		if !ok || sessions.SessionID(in.SessionType, in.PeerID) != id {
			continue
		}
		// Nothing is marked read or unread during a rebuild.
		snap = r.Merger.Merge(snap, "", in, false)
	}

	out := &rebuilt{}
	for i := range snap {
		if snap[i].ID == id {
			out.title = snap[i].Title
			out.messages = snap[i].Messages
			break
		}
	}
	return out
}

func (b *rebuilt) mergeBack(previous []sessions.Message) {
	present := make(map[string]struct{}, len(b.messages))
	for _, m := range b.messages {
		present[m.ID] = struct{}{}
	}
	changed := false
	for _, m := range previous {
		if m.BatchID == "" {
			continue
		}
		if _, ok := present[m.ID]; ok {
			continue
		}
		b.messages = append(b.messages, m)
		changed = true
	}
	if changed {
		sessions.SortMessages(b.messages)
	}
}

// install writes the rebuilt message list into the store, creating the
// session if the live feed never touched it.
func (r *Reloader) install(id string, sessionType sessions.SessionType, peerID int64, b *rebuilt) {
	updatedAt := int64(0)
	if n := len(b.messages); n > 0 {
		updatedAt = b.messages[n-1].Timestamp
	}

	replaced := r.Store.Replace(id, func(s sessions.Session) sessions.Session {
		s.Messages = b.messages
		if b.title != "" {
			s.Title = b.title
		}
		if updatedAt > s.UpdatedAt {
			s.UpdatedAt = updatedAt
		}
		return s
	})
	if replaced || len(b.messages) == 0 {
		return
	}

	r.Store.Apply(func(prev []sessions.Session, _ string) []sessions.Session {
		next := make([]sessions.Session, len(prev), len(prev)+1)
		copy(next, prev)
		next = append(next, sessions.Session{
			ID:        id,
			Type:      sessionType,
			PeerID:    peerID,
			Title:     b.title,
			Messages:  b.messages,
			UpdatedAt: updatedAt,
		})
		sessions.SortByRecency(next)
		return next
	})
}

func (r *Reloader) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Reloader) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}
	return noop.NewTracerProvider().Tracer("history")
}
