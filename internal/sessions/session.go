package sessions

import (
	"fmt"
	"sort"
)

// SessionType is binary (private/group) with an unknown fallback used only
// while parsing.
type SessionType string

const (
	SessionPrivate SessionType = "private"
	SessionGroup   SessionType = "group"
	SessionUnknown SessionType = "unknown"
)

// ParseSessionType maps a gateway message_type string.
func ParseSessionType(s string) SessionType {
	switch s {
	case "private":
		return SessionPrivate
	case "group":
		return SessionGroup
	default:
		return SessionUnknown
	}
}

// SessionID is the stable identity of a session: sessionType + "-" + peerId.
func SessionID(sessionType SessionType, peerID int64) string {
	return fmt.Sprintf("%s-%d", sessionType, peerID)
}

// Session is one per-peer conversation. At most one session exists per
// (type, peer) identity; its message list stays timestamp-ordered and
// bounded after every merge.
type Session struct {
	ID        string      `json:"id"`
	Type      SessionType `json:"session_type"`
	PeerID    int64       `json:"peer_id"`
	Title     string      `json:"title"`
	Messages  []Message   `json:"messages"`
	Unread    int         `json:"unread"`
	UpdatedAt int64       `json:"updated_at"` // ms epoch
}

// cloneShallow copies the session with a fresh message slice so a reducer can
// modify it without touching the previous snapshot.
func (s Session) cloneShallow() Session {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}

// SortByRecency orders sessions newest-activity first, in place.
func SortByRecency(list []Session) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt > list[j].UpdatedAt
	})
}

// SortMessages restores the monotonic timestamp order of a message list.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp < msgs[j].Timestamp
	})
}
