package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Julie-QWQ/qq-response-enhancer/internal/sessions"
)

func fixedNow() time.Time {
	return time.UnixMilli(1_700_000_000_000)
}

func TestNormalizePrivateMessage(t *testing.T) {
	n := Normalizer{Now: fixedNow}
	ev, err := Parse([]byte(`{
		"post_type": "message",
		"message_type": "private",
		"time": 1700000001,
		"self_id": 10000,
		"user_id": 20000,
		"message_id": 555,
		"sender": {"user_id": 20000, "nickname": "小红"},
		"message": "在吗",
		"raw_message": "在吗"
	}`))
	require.NoError(t, err)

	in, ok := n.Normalize(ev)
	require.True(t, ok)
	assert.Equal(t, sessions.SessionPrivate, in.SessionType)
	assert.Equal(t, int64(20000), in.PeerID)
	assert.Equal(t, "小红", in.Title)
	assert.Equal(t, sessions.RolePeer, in.Message.Role)
	assert.Equal(t, sessions.AuthoritativeID("555"), in.Message.ID)
	assert.Equal(t, int64(1_700_000_001_000), in.Message.Timestamp)
}

func TestNormalizeGroupMessage(t *testing.T) {
	n := Normalizer{Now: fixedNow}
	ev, err := Parse([]byte(`{
		"post_type": "message",
		"message_type": "group",
		"time": 1700000002000,
		"self_id": 10000,
		"group_id": 30000,
		"user_id": 20000,
		"sender": {"user_id": 20000, "card": "组长"},
		"message": [{"type":"text","data":{"text":"开会了"}}]
	}`))
	require.NoError(t, err)

	in, ok := n.Normalize(ev)
	require.True(t, ok)
	assert.Equal(t, int64(30000), in.PeerID)
	assert.Equal(t, "群 30000", in.Title)
	assert.Equal(t, "组长", in.Message.SenderName)
	// Already milliseconds, not rescaled.
	assert.Equal(t, int64(1_700_000_002_000), in.Message.Timestamp)
}

func TestNormalizeSelfEcho(t *testing.T) {
	n := Normalizer{Now: fixedNow}
	ev, err := Parse([]byte(`{
		"post_type": "message",
		"message_type": "private",
		"time": 1700000001,
		"self_id": 10000,
		"user_id": 20000,
		"sender": {"user_id": 10000, "nickname": "我"},
		"message": "好的"
	}`))
	require.NoError(t, err)

	in, ok := n.Normalize(ev)
	require.True(t, ok)
	assert.Equal(t, sessions.RoleSelf, in.Message.Role)
	// Peer stays the conversation partner even for self-sent echoes.
	assert.Equal(t, int64(20000), in.PeerID)
	assert.Equal(t, sessions.ProvenanceFallback, in.Message.Provenance())
}

func TestNormalizeRejectsNonMessage(t *testing.T) {
	n := Normalizer{}
	ev, err := Parse([]byte(`{"post_type":"notice","notice_type":"group_recall"}`))
	require.NoError(t, err)
	_, ok := n.Normalize(ev)
	assert.False(t, ok)
}

func TestNormalizeRejectsUnknownSessionType(t *testing.T) {
	n := Normalizer{}
	ev := &RawEvent{PostType: "message", MessageType: "guild"}
	_, ok := n.Normalize(ev)
	assert.False(t, ok)
}

func TestNormalizeRejectsUnresolvedPeer(t *testing.T) {
	n := Normalizer{}
	ev, err := Parse([]byte(`{"post_type":"message","message_type":"private","message":"hi"}`))
	require.NoError(t, err)
	_, ok := n.Normalize(ev)
	assert.False(t, ok)
}

func TestNormalizeRejectsEmptyContent(t *testing.T) {
	n := Normalizer{}
	ev, err := Parse([]byte(`{"post_type":"message","message_type":"private","user_id":1,"message":[],"raw_message":""}`))
	require.NoError(t, err)
	_, ok := n.Normalize(ev)
	assert.False(t, ok)
}

func TestNormalizeInvalidTimestampDefaultsToNow(t *testing.T) {
	n := Normalizer{Now: fixedNow}
	ev, err := Parse([]byte(`{"post_type":"message","message_type":"private","user_id":1,"message":"x","time":0}`))
	require.NoError(t, err)
	in, ok := n.Normalize(ev)
	require.True(t, ok)
	assert.Equal(t, fixedNow().UnixMilli(), in.Message.Timestamp)
}

func TestNormalizeSelfIDOverride(t *testing.T) {
	n := Normalizer{SelfID: 20000, Now: fixedNow}
	ev, err := Parse([]byte(`{"post_type":"message","message_type":"private","self_id":10000,"user_id":20000,"message":"hi"}`))
	require.NoError(t, err)
	in, ok := n.Normalize(ev)
	require.True(t, ok)
	assert.Equal(t, sessions.RoleSelf, in.Message.Role)
}

func TestFlexFields(t *testing.T) {
	var ev RawEvent
	require.NoError(t, json.Unmarshal([]byte(`{"message_id":"abc","user_id":"123","group_id":null}`), &ev))
	assert.Equal(t, FlexString("abc"), ev.MessageID)
	assert.Equal(t, int64(123), ev.UserID.Int64())
	assert.Equal(t, int64(-1), ev.GroupID.Int64())
}
