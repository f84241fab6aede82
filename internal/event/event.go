// Package event validates raw gateway event envelopes and normalizes them
// into messages the merge engine can fold in.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Sender is the sender object of a chat-message event.
type Sender struct {
	UserID   FlexInt `json:"user_id"`
	Nickname string  `json:"nickname"`
	Card     string  `json:"card"`
}

// RawEvent is the loosely-structured inbound envelope. Every field is
// optional on the wire; consumers must go through Normalize, which guards
// each one.
type RawEvent struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	Time        json.Number     `json:"time"`
	SelfID      FlexInt         `json:"self_id"`
	UserID      FlexInt         `json:"user_id"`
	GroupID     FlexInt         `json:"group_id"`
	MessageID   FlexString      `json:"message_id"`
	Sender      *Sender         `json:"sender"`
	Message     json.RawMessage `json:"message"`
	RawMessage  string          `json:"raw_message"`
}

// Parse decodes a frame into a raw event envelope.
func Parse(data []byte) (*RawEvent, error) {
	var ev RawEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

// FlexInt tolerates integers delivered as JSON numbers or strings. Absent or
// unparsable values decode to -1 so callers can reject them.
type FlexInt int64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	*f = -1
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	*f = FlexInt(n)
	return nil
}

// Int64 returns the parsed value, -1 when absent.
func (f FlexInt) Int64() int64 { return int64(f) }

// FlexString tolerates ids delivered as JSON strings or numbers.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var out string
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(out))
		return nil
	}
	*f = FlexString(s)
	return nil
}
