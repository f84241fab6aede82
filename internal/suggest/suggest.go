// Package suggest manages reply-candidate batches: the placeholder bubbles
// shown while the suggestion engine thinks, and their resolution once the
// candidates arrive.
package suggest

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/Julie-QWQ/qq-response-enhancer/internal/event"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/gateway"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/segment"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/sessions"
)

const (
	// BatchSize is the fixed number of suggestion slots shown per request.
	BatchSize = 3

	placeholderText = "正在生成中..."
	failedText      = "生成失败"
)

// Batch is a suggestion request in flight: the session it belongs to and the
// placeholder messages holding its slots.
type Batch struct {
	ID          string
	SessionType sessions.SessionType
	PeerID      int64
	Messages    []sessions.Message
}

// NewBatch creates the placeholder batch for one suggestion request. The
// placeholders are assistant messages with consecutive timestamps so their
// on-screen order is stable, and they are not selectable until resolved.
func NewBatch(sessionType sessions.SessionType, peerID int64, nowMs int64) Batch {
	b := Batch{
		ID:          uuid.New().String(),
		SessionType: sessionType,
		PeerID:      peerID,
	}
	for i := 0; i < BatchSize; i++ {
		ts := nowMs + int64(i)
		b.Messages = append(b.Messages, sessions.Message{
			ID:         sessions.AssistantID(ts),
			Role:       sessions.RoleAssistant,
			SenderName: "小助手",
			Timestamp:  ts,
			Segments:   []segment.Segment{segment.TextSegment(placeholderText)},
			BatchID:    b.ID,
		})
	}
	return b
}

// Resolve maps the engine's candidates onto the batch placeholders, keeping
// identity, position and timestamps. Slot i receives candidate i and becomes
// selectable; slots beyond the candidate list show a failure marker.
func (b Batch) Resolve(items []gateway.SuggestionItem) []sessions.Message {
	out := make([]sessions.Message, len(b.Messages))
	for i, m := range b.Messages {
		if i < len(items) {
			m.Segments = []segment.Segment{segment.TextSegment(items[i].Text)}
			m.Selectable = true
		} else {
			m.Segments = []segment.Segment{segment.TextSegment(failedText)}
			m.Selectable = false
		}
		out[i] = m
	}
	return out
}

// Fail marks every slot of the batch as failed.
func (b Batch) Fail() []sessions.Message {
	return b.Resolve(nil)
}

// Probe inspects a raw feed frame and, if it is a suggestion payload rather
// than a chat event, returns it decoded. The discriminator is the presence of
// a "suggestions" field.
func Probe(data []byte) (*gateway.SuggestionPayload, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, false
	}
	if _, ok := fields["suggestions"]; !ok {
		return nil, false
	}

	var raw struct {
		PeerID      event.FlexInt            `json:"peer_id"`
		SessionType string                   `json:"session_type"`
		Sentiment   string                   `json:"sentiment"`
		Suggestions []gateway.SuggestionItem `json:"suggestions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}
	return &gateway.SuggestionPayload{
		PeerID:      int64(raw.PeerID),
		SessionType: raw.SessionType,
		Sentiment:   raw.Sentiment,
		Suggestions: raw.Suggestions,
	}, true
}
