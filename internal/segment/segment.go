// Package segment converts gateway message bodies into typed render segments.
package segment

import "strings"

// Kind identifies the semantic type of a segment.
type Kind string

const (
	KindText    Kind = "text"
	KindMention Kind = "mention"
	KindReply   Kind = "reply"
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
	KindEmoji   Kind = "emoji"
)

// Segment is one semantically-typed unit of a message's rendered content.
// Segments are immutable once attached to a message.
type Segment struct {
	Kind     Kind   `json:"kind"`
	Text     string `json:"text,omitempty"`
	Label    string `json:"label,omitempty"`
	URL      string `json:"url,omitempty"`
	TargetID string `json:"target_id,omitempty"`
	EmojiID  string `json:"emoji_id,omitempty"`
}

// Text builds a plain text segment.
func TextSegment(text string) Segment {
	return Segment{Kind: KindText, Text: text}
}

// Signature returns the content signature of a segment list, used for
// duplicate detection. Two messages with equal signatures carry the same
// renderable content.
func Signature(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		b.WriteString(string(s.Kind))
		b.WriteByte(':')
		b.WriteString(s.Text)
		b.WriteByte(':')
		b.WriteString(s.URL)
		b.WriteByte(':')
		b.WriteString(s.EmojiID)
		b.WriteByte('|')
	}
	return b.String()
}

// PlainText flattens a segment list into display text, used for logging and
// fallback identity digests.
func PlainText(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		switch s.Kind {
		case KindText:
			b.WriteString(s.Text)
		case KindMention, KindReply, KindEmoji:
			b.WriteString(s.Label)
		case KindImage:
			b.WriteString("[图片]")
		case KindVideo:
			b.WriteString("[视频]")
		}
	}
	return b.String()
}
