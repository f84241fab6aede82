package sessions

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Julie-QWQ/qq-response-enhancer/internal/segment"
)

func textMessage(id string, role Role, ts int64, text string) Message {
	return Message{
		ID:        id,
		Role:      role,
		SenderID:  100,
		Timestamp: ts,
		Segments:  []segment.Segment{segment.TextSegment(text)},
	}
}

func incoming(msg Message) Incoming {
	return Incoming{SessionType: SessionPrivate, PeerID: 42, Title: "小明", Message: msg}
}

func TestMergeCreatesSession(t *testing.T) {
	m := DefaultMerger()
	snap := m.Merge(nil, "", incoming(textMessage(AuthoritativeID("1"), RolePeer, 1000, "hi")), true)

	require.Len(t, snap, 1)
	assert.Equal(t, "private-42", snap[0].ID)
	assert.Equal(t, "小明", snap[0].Title)
	assert.Equal(t, 1, snap[0].Unread)
	assert.Equal(t, int64(1000), snap[0].UpdatedAt)
}

func TestMergeSelectedSessionStaysRead(t *testing.T) {
	m := DefaultMerger()
	snap := m.Merge(nil, "private-42", incoming(textMessage(AuthoritativeID("1"), RolePeer, 1000, "hi")), true)
	assert.Equal(t, 0, snap[0].Unread)
}

func TestMergeSelfMessageDoesNotRetitle(t *testing.T) {
	m := DefaultMerger()
	snap := m.Merge(nil, "", incoming(textMessage(AuthoritativeID("1"), RolePeer, 1000, "hi")), true)
	require.Equal(t, "小明", snap[0].Title)

	// An echo of our own send carries our name as the sender title; the
	// session must keep the peer's.
	mine := Incoming{
		SessionType: SessionPrivate,
		PeerID:      42,
		Title:       "我",
		Message:     textMessage(AuthoritativeID("2"), RoleSelf, 2000, "回你"),
	}
	snap = m.Merge(snap, "", mine, false)

	require.Len(t, snap, 1)
	require.Len(t, snap[0].Messages, 2)
	assert.Equal(t, "小明", snap[0].Title)
}

func TestIdempotentReplay(t *testing.T) {
	m := DefaultMerger()
	msg := incoming(textMessage(AuthoritativeID("7"), RolePeer, 1000, "hello"))

	once := m.Merge(nil, "", msg, true)
	twice := m.Merge(once, "", msg, true)

	assert.Equal(t, once, twice)
	require.Len(t, twice[0].Messages, 1)
	assert.Equal(t, 1, twice[0].Unread)
}

func TestProvenanceUpgrade(t *testing.T) {
	m := DefaultMerger()
	fallback := textMessage(FallbackID(SessionPrivate, 42, 100, 1000, []segment.Segment{segment.TextSegment("hey")}), RolePeer, 1000, "hey")
	snap := m.Merge(nil, "", incoming(fallback), false)
	snap = m.Merge(snap, "", incoming(textMessage(AuthoritativeID("99"), RolePeer, 3000, "hey")), false)

	require.Len(t, snap[0].Messages, 1)
	assert.Equal(t, AuthoritativeID("99"), snap[0].Messages[0].ID)
}

func TestAuthoritativeNotDowngraded(t *testing.T) {
	m := DefaultMerger()
	snap := m.Merge(nil, "", incoming(textMessage(AuthoritativeID("99"), RoleSelf, 1000, "sent")), false)
	optimistic := textMessage(OptimisticID(1500), RoleSelf, 1500, "sent")
	snap = m.Merge(snap, "", incoming(optimistic), false)

	require.Len(t, snap[0].Messages, 1)
	assert.Equal(t, AuthoritativeID("99"), snap[0].Messages[0].ID)
}

func TestSameClassKeepsFirst(t *testing.T) {
	m := DefaultMerger()
	first := textMessage(OptimisticID(1000), RoleSelf, 1000, "dup")
	second := textMessage(OptimisticID(2000), RoleSelf, 2000, "dup")

	snap := m.Merge(nil, "", incoming(first), false)
	snap = m.Merge(snap, "", incoming(second), false)

	require.Len(t, snap[0].Messages, 1)
	assert.Equal(t, first.ID, snap[0].Messages[0].ID)
}

func TestNoFalseMergeAcrossSenders(t *testing.T) {
	m := DefaultMerger()
	snap := m.Merge(nil, "", incoming(textMessage(AuthoritativeID("1"), RolePeer, 1000, "ok")), false)
	snap = m.Merge(snap, "", incoming(textMessage(OptimisticID(1200), RoleSelf, 1200, "ok")), false)

	assert.Len(t, snap[0].Messages, 2)
}

func TestNoMergeOutsideWindow(t *testing.T) {
	m := DefaultMerger()
	fallback := textMessage(FallbackID(SessionPrivate, 42, 100, 1000, nil), RolePeer, 1000, "ping")
	snap := m.Merge(nil, "", incoming(fallback), false)
	late := textMessage(AuthoritativeID("5"), RolePeer, 1000+m.DupWindow.Milliseconds()+1, "ping")
	snap = m.Merge(snap, "", incoming(late), false)

	assert.Len(t, snap[0].Messages, 2)
}

func TestSuggestionBatchExemption(t *testing.T) {
	m := DefaultMerger()
	var snap []Session
	for i := 0; i < 3; i++ {
		msg := textMessage(AssistantID(int64(1000+i)), RoleAssistant, int64(1000+i), "正在生成中...")
		msg.BatchID = "batch-1"
		snap = m.Merge(snap, "", incoming(msg), false)
	}

	require.Len(t, snap, 1)
	assert.Len(t, snap[0].Messages, 3)
}

func TestBatchMessageUpdatedInPlace(t *testing.T) {
	m := DefaultMerger()
	placeholder := textMessage(AssistantID(1000), RoleAssistant, 1000, "正在生成中...")
	placeholder.BatchID = "batch-1"
	snap := m.Merge(nil, "", incoming(placeholder), false)

	filled := placeholder
	filled.Segments = []segment.Segment{segment.TextSegment("好的，马上到")}
	filled.Selectable = true
	snap = m.Merge(snap, "", incoming(filled), false)

	require.Len(t, snap[0].Messages, 1)
	assert.True(t, snap[0].Messages[0].Selectable)
	assert.Equal(t, "好的，马上到", snap[0].Messages[0].Segments[0].Text)
}

func TestBoundedRetention(t *testing.T) {
	m := Merger{Retention: 200, DupWindow: 8 * time.Second}
	var snap []Session
	for i := 0; i < 250; i++ {
		msg := textMessage(AuthoritativeID(fmt.Sprintf("m%d", i)), RolePeer, int64(i)*60_000, fmt.Sprintf("msg %d", i))
		snap = m.Merge(snap, "", incoming(msg), false)
	}

	require.Len(t, snap[0].Messages, 200)
	assert.Equal(t, AuthoritativeID("m50"), snap[0].Messages[0].ID)
	assert.Equal(t, AuthoritativeID("m249"), snap[0].Messages[199].ID)
}

func TestMergeKeepsTimestampOrder(t *testing.T) {
	m := DefaultMerger()
	var snap []Session
	for _, ts := range []int64{5000, 1000, 3000} {
		msg := textMessage(AuthoritativeID(fmt.Sprintf("t%d", ts)), RolePeer, ts, fmt.Sprintf("at %d", ts))
		snap = m.Merge(snap, "", incoming(msg), false)
	}

	msgs := snap[0].Messages
	require.Len(t, msgs, 3)
	for i := 1; i < len(msgs); i++ {
		assert.LessOrEqual(t, msgs[i-1].Timestamp, msgs[i].Timestamp)
	}
}

func TestMergeReordersSessionsByRecency(t *testing.T) {
	m := DefaultMerger()
	snap := m.Merge(nil, "", incoming(textMessage(AuthoritativeID("a"), RolePeer, 1000, "first")), false)
	snap = m.Merge(snap, "", Incoming{
		SessionType: SessionGroup,
		PeerID:      777,
		Title:       "工作群",
		Message:     textMessage(AuthoritativeID("b"), RolePeer, 2000, "second"),
	}, false)

	require.Len(t, snap, 2)
	assert.Equal(t, "group-777", snap[0].ID)

	snap = m.Merge(snap, "", incoming(textMessage(AuthoritativeID("c"), RolePeer, 3000, "third")), false)
	assert.Equal(t, "private-42", snap[0].ID)
}

func TestMergeDoesNotMutatePrev(t *testing.T) {
	m := DefaultMerger()
	snap := m.Merge(nil, "", incoming(textMessage(AuthoritativeID("1"), RolePeer, 1000, "hi")), false)
	before := len(snap[0].Messages)

	_ = m.Merge(snap, "", incoming(textMessage(AuthoritativeID("2"), RolePeer, 2000, "again")), false)
	assert.Len(t, snap[0].Messages, before)
}
