package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Julie-QWQ/qq-response-enhancer/internal/segment"
	"github.com/Julie-QWQ/qq-response-enhancer/internal/sessions"
)

// secondsThreshold separates second-resolution epoch values from
// millisecond-resolution ones.
const secondsThreshold = 10_000_000_000

// Normalizer turns raw envelopes into merge-ready messages.
type Normalizer struct {
	// MediaBaseURL is the media proxy base used to resolve bare file tokens.
	MediaBaseURL string
	// SelfID overrides the event's self_id when the connection's own id is
	// known out of band. Zero means trust the event.
	SelfID int64
	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Normalize validates one envelope and produces the normalized message, or
// ok=false when the event is not a renderable chat message. Rejection is not
// an error: the stream legitimately carries non-chat events.
func (n Normalizer) Normalize(ev *RawEvent) (sessions.Incoming, bool) {
	if ev == nil || ev.PostType != "message" {
		return sessions.Incoming{}, false
	}

	sessionType := sessions.ParseSessionType(ev.MessageType)
	if sessionType == sessions.SessionUnknown {
		return sessions.Incoming{}, false
	}

	var peerID int64
	if sessionType == sessions.SessionGroup {
		peerID = ev.GroupID.Int64()
	} else {
		peerID = ev.UserID.Int64()
	}
	if peerID <= 0 {
		return sessions.Incoming{}, false
	}

	segs := segment.Decode(ev.Message, ev.RawMessage, n.MediaBaseURL)
	if len(segs) == 0 {
		// No renderable content: not a message.
		return sessions.Incoming{}, false
	}

	senderID := ev.UserID.Int64()
	if ev.Sender != nil && ev.Sender.UserID.Int64() >= 0 {
		senderID = ev.Sender.UserID.Int64()
	}

	selfID := ev.SelfID.Int64()
	if n.SelfID > 0 {
		selfID = n.SelfID
	}
	role := sessions.RolePeer
	if senderID >= 0 && selfID >= 0 && senderID == selfID {
		role = sessions.RoleSelf
	}

	timestamp := n.normalizeTimestamp(ev.Time)

	var id string
	if serverID := string(ev.MessageID); serverID != "" {
		id = sessions.AuthoritativeID(serverID)
	} else {
		id = sessions.FallbackID(sessionType, peerID, senderID, timestamp, segs)
	}

	return sessions.Incoming{
		SessionType: sessionType,
		PeerID:      peerID,
		Title:       n.title(sessionType, peerID, ev.Sender),
		Message: sessions.Message{
			ID:         id,
			Role:       role,
			SenderName: senderName(ev.Sender, senderID),
			SenderID:   senderID,
			Timestamp:  timestamp,
			Segments:   segs,
		},
	}, true
}

// normalizeTimestamp scales second-resolution values to milliseconds and
// substitutes the current time for invalid ones.
func (n Normalizer) normalizeTimestamp(raw json.Number) int64 {
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	v, err := raw.Int64()
	if err != nil {
		if f, ferr := raw.Float64(); ferr == nil {
			v = int64(f)
		}
	}
	if v <= 0 {
		return now().UnixMilli()
	}
	if v < secondsThreshold {
		return v * 1000
	}
	return v
}

func (n Normalizer) title(sessionType sessions.SessionType, peerID int64, sender *Sender) string {
	if sessionType == sessions.SessionGroup {
		return fmt.Sprintf("群 %d", peerID)
	}
	if sender != nil {
		if name := sender.Card; name != "" {
			return name
		}
		if name := sender.Nickname; name != "" {
			return name
		}
	}
	return fmt.Sprintf("会话 %d", peerID)
}

func senderName(sender *Sender, senderID int64) string {
	if sender != nil {
		if sender.Card != "" {
			return sender.Card
		}
		if sender.Nickname != "" {
			return sender.Nickname
		}
	}
	if senderID >= 0 {
		return fmt.Sprintf("用户%d", senderID)
	}
	return "用户"
}
