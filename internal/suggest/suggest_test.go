package suggest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Julie-QWQ/qq-response-enhancer/internal/gateway"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/segment"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/sessions"
)

func TestNewBatchPlaceholders(t *testing.T) {
	b := NewBatch(sessions.SessionPrivate, 42, 1000)

	require.NotEmpty(t, b.ID)
	require.Len(t, b.Messages, 3)
	seen := map[string]bool{}
	for i, m := range b.Messages {
		assert.Equal(t, sessions.RoleAssistant, m.Role)
		assert.Equal(t, b.ID, m.BatchID)
		assert.False(t, m.Selectable)
		assert.Equal(t, "正在生成中...", segment.PlainText(m.Segments))
		assert.Equal(t, int64(1000+i), m.Timestamp)
		assert.False(t, seen[m.ID], "placeholder ids must be distinct")
		seen[m.ID] = true
	}
}

func TestResolveFillsSlotsInOrder(t *testing.T) {
	b := NewBatch(sessions.SessionGroup, 777, 5000)
	resolved := b.Resolve([]gateway.SuggestionItem{
		{Text: "好的，没问题", Tone: "friendly"},
		{Text: "我想一下再回复你", Tone: "neutral"},
		{Text: "这个恐怕不行", Tone: "firm"},
	})

	require.Len(t, resolved, 3)
	assert.Equal(t, "好的，没问题", segment.PlainText(resolved[0].Segments))
	assert.Equal(t, "我想一下再回复你", segment.PlainText(resolved[1].Segments))
	assert.Equal(t, "这个恐怕不行", segment.PlainText(resolved[2].Segments))
	for i, m := range resolved {
		assert.True(t, m.Selectable)
		assert.Equal(t, b.Messages[i].ID, m.ID, "identity must survive resolution")
		assert.Equal(t, b.Messages[i].Timestamp, m.Timestamp)
	}
}

func TestResolveMarksSurplusSlotsFailed(t *testing.T) {
	b := NewBatch(sessions.SessionPrivate, 42, 5000)
	resolved := b.Resolve([]gateway.SuggestionItem{{Text: "只有一条"}})

	assert.Equal(t, "只有一条", segment.PlainText(resolved[0].Segments))
	assert.True(t, resolved[0].Selectable)
	for _, m := range resolved[1:] {
		assert.Equal(t, "生成失败", segment.PlainText(m.Segments))
		assert.False(t, m.Selectable)
	}
}

func TestFailMarksAllSlots(t *testing.T) {
	b := NewBatch(sessions.SessionPrivate, 42, 5000)
	for _, m := range b.Fail() {
		assert.Equal(t, "生成失败", segment.PlainText(m.Segments))
		assert.False(t, m.Selectable)
	}
}

func TestProbeAcceptsSuggestionPayloadOnly(t *testing.T) {
	payload, ok := Probe([]byte(`{
		"peer_id": "42",
		"session_type": "private",
		"sentiment": "positive",
		"suggestions": [{"text": "好的", "tone": "friendly", "intent": "agree"}]
	}`))
	require.True(t, ok)
	assert.Equal(t, int64(42), payload.PeerID)
	assert.Equal(t, "private", payload.SessionType)
	assert.Equal(t, "positive", payload.Sentiment)
	require.Len(t, payload.Suggestions, 1)
	assert.Equal(t, "好的", payload.Suggestions[0].Text)

	_, ok = Probe([]byte(`{"post_type":"message","message_type":"private","user_id":42}`))
	assert.False(t, ok)

	_, ok = Probe([]byte(`not json`))
	assert.False(t, ok)
}

func TestProbeAcceptsEmptySuggestionList(t *testing.T) {
	payload, ok := Probe([]byte(`{"peer_id":42,"session_type":"private","suggestions":[]}`))
	require.True(t, ok)
	assert.Empty(t, payload.Suggestions)
}
