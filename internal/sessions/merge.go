package sessions

import (
	"time"

	"github.com/Julie-QWQ/qq-response-enhancer/internal/segment"
)

// Incoming is one normalized message plus the session it belongs to.
type Incoming struct {
	SessionType SessionType
	PeerID      int64
	Title       string
	Message     Message
}

// Merger folds normalized messages into a session snapshot. Merge is a pure
// function over an immutable snapshot: callers pass the previous value and
// receive a new one, never a mutation in place.
type Merger struct {
	// Retention bounds each session's message list; oldest entries are
	// trimmed on overflow.
	Retention int
	// DupWindow is the timestamp window within which two messages with equal
	// content signatures from the same sender are considered one message
	// delivered twice.
	DupWindow time.Duration
}

// DefaultMerger matches the tuning the gateway's delivery behavior was
// measured against.
func DefaultMerger() Merger {
	return Merger{Retention: 300, DupWindow: 8 * time.Second}
}

// Merge applies one incoming message to the snapshot and returns the new
// snapshot. selectedID is the session currently open in the UI; unread is
// never incremented for it.
func (m Merger) Merge(prev []Session, selectedID string, in Incoming, markUnread bool) []Session {
	id := SessionID(in.SessionType, in.PeerID)

	idx := -1
	for i := range prev {
		if prev[i].ID == id {
			idx = i
			break
		}
	}

	next := make([]Session, len(prev))
	copy(next, prev)

	if idx < 0 {
		sess := Session{
			ID:        id,
			Type:      in.SessionType,
			PeerID:    in.PeerID,
			Title:     in.Title,
			Messages:  []Message{in.Message},
			UpdatedAt: in.Message.Timestamp,
		}
		if markUnread && selectedID != id {
			sess.Unread = 1
		}
		next = append(next, sess)
		SortByRecency(next)
		return next
	}

	sess := next[idx].cloneShallow()
	// Titles follow the peer, never the sender of our own messages: an
	// outbound echo carries our name and must not retitle the session.
	if in.Title != "" && in.Message.Role != RoleSelf {
		sess.Title = in.Title
	}

	if pos := indexByID(sess.Messages, in.Message.ID); pos >= 0 {
		if in.Message.BatchID == "" {
			// Exact identity collision: the same message delivered twice.
			return prev
		}
		// Suggestion placeholders are updated in place when their batch
		// result arrives; position and identity are preserved.
		sess.Messages[pos] = in.Message
		next[idx] = sess
		return next
	}

	if in.Message.BatchID == "" {
		if pos, ok := m.findContentTwin(sess.Messages, in.Message); ok {
			return m.resolveTwin(prev, next, idx, sess, pos, in.Message)
		}
	}

	sess.Messages = append(sess.Messages, in.Message)
	SortMessages(sess.Messages)
	if m.Retention > 0 && len(sess.Messages) > m.Retention {
		sess.Messages = sess.Messages[len(sess.Messages)-m.Retention:]
	}
	if in.Message.Timestamp > sess.UpdatedAt {
		sess.UpdatedAt = in.Message.Timestamp
	}
	if markUnread && selectedID != id {
		sess.Unread++
	}
	next[idx] = sess
	SortByRecency(next)
	return next
}

// findContentTwin scans for an existing message that is plausibly the same
// message delivered through another source: same sender role, not part of a
// suggestion batch, equal segment signature, timestamps within the window.
func (m Merger) findContentTwin(msgs []Message, incoming Message) (int, bool) {
	sig := segment.Signature(incoming.Segments)
	window := m.DupWindow.Milliseconds()
	for i := len(msgs) - 1; i >= 0; i-- {
		existing := msgs[i]
		if existing.Role != incoming.Role || existing.BatchID != "" {
			continue
		}
		delta := incoming.Timestamp - existing.Timestamp
		if delta < 0 {
			delta = -delta
		}
		if delta > window {
			continue
		}
		if segment.Signature(existing.Segments) == sig {
			return i, true
		}
	}
	return -1, false
}

// resolveTwin applies provenance precedence to a duplicate pair. An
// authoritative arrival upgrades a fallback or optimistic twin in place,
// keeping its position; everything else discards the incoming copy.
func (m Merger) resolveTwin(prev, next []Session, idx int, sess Session, pos int, incoming Message) []Session {
	existing := sess.Messages[pos]
	if incoming.Provenance() == ProvenanceAuthoritative && existing.Provenance() != ProvenanceAuthoritative {
		sess.Messages[pos] = incoming
		if incoming.Timestamp > sess.UpdatedAt {
			sess.UpdatedAt = incoming.Timestamp
		}
		next[idx] = sess
		SortByRecency(next)
		return next
	}
	return prev
}

func indexByID(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}
