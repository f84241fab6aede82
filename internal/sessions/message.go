// Package sessions holds the per-peer session model and the merge reducer
// that folds normalized messages into it.
package sessions

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Julie-QWQ/qq-response-enhancer/internal/segment"
)

// Role classifies who a message came from.
type Role string

const (
	RoleSelf      Role = "self"
	RolePeer      Role = "peer"
	RoleAssistant Role = "assistant"
)

// Provenance is the origin classification of a message identity, used to
// resolve merge conflicts between racing sources.
type Provenance int

const (
	ProvenanceAuthoritative Provenance = iota
	ProvenanceFallback
	ProvenanceOptimistic
	ProvenanceAssistant
	ProvenanceUnknown
)

// Message is one chat message. Messages are immutable after merge except for
// the authoritative upgrade of a fallback/optimistic twin and in-place
// updates of suggestion placeholders.
type Message struct {
	ID         string            `json:"id"`
	Role       Role              `json:"role"`
	SenderName string            `json:"sender_name"`
	SenderID   int64             `json:"sender_id"`
	Timestamp  int64             `json:"timestamp"` // ms epoch
	Segments   []segment.Segment `json:"segments"`
	BatchID    string            `json:"batch_id,omitempty"`
	Selectable bool              `json:"selectable,omitempty"`
}

// Provenance derives the provenance class from the identity prefix.
func (m Message) Provenance() Provenance {
	switch {
	case strings.HasPrefix(m.ID, "authoritative:"):
		return ProvenanceAuthoritative
	case strings.HasPrefix(m.ID, "fallback:"):
		return ProvenanceFallback
	case strings.HasPrefix(m.ID, "optimistic-local:"):
		return ProvenanceOptimistic
	case strings.HasPrefix(m.ID, "assistant:"):
		return ProvenanceAssistant
	default:
		return ProvenanceUnknown
	}
}

// ServerID returns the gateway-assigned id for authoritative messages.
func (m Message) ServerID() (string, bool) {
	if id, ok := strings.CutPrefix(m.ID, "authoritative:"); ok && id != "" {
		return id, true
	}
	return "", false
}

// AuthoritativeID builds the identity for a message with a real gateway id.
func AuthoritativeID(serverID string) string {
	return "authoritative:" + serverID
}

// FallbackID synthesizes an identity for an event that carries no gateway id.
// The digest is the first ~160 chars of the concatenated segment content.
func FallbackID(sessionType SessionType, peerID, senderID, timestampMs int64, segs []segment.Segment) string {
	return fmt.Sprintf("fallback:%s:%d:%d:%d:%s",
		sessionType, peerID, senderID, timestampMs, contentDigest(segs))
}

// OptimisticID builds the identity for a locally-rendered message created
// right after a send call succeeds, before the authoritative echo arrives.
func OptimisticID(timestampMs int64) string {
	return fmt.Sprintf("optimistic-local:%d:%s", timestampMs, uuid.NewString()[:8])
}

// AssistantID builds the identity for suggestion-engine output. Assistant
// messages are never deduplicated against peer/self traffic.
func AssistantID(timestampMs int64) string {
	return fmt.Sprintf("assistant:%d:%s", timestampMs, uuid.NewString()[:8])
}

const digestLimit = 160

func contentDigest(segs []segment.Segment) string {
	var b strings.Builder
	for _, s := range segs {
		b.WriteString(s.Text)
		b.WriteString(s.URL)
		b.WriteString(s.EmojiID)
		if b.Len() >= digestLimit {
			break
		}
	}
	digest := b.String()
	if len(digest) > digestLimit {
		// Truncate on a rune boundary.
		runes := []rune(digest)
		for len(string(runes)) > digestLimit {
			runes = runes[:len(runes)-1]
		}
		digest = string(runes)
	}
	return digest
}
