package segment

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Part is one entry of a structured message body as delivered by the gateway.
type Part struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Decode converts a raw message body into an ordered segment list. The body
// is either an inline-markup string or a structured part list; Decode probes
// which one it is. If decoding yields nothing, fallbackText is wrapped as a
// single text segment; if that is empty too, the result is empty and the
// caller must discard the event.
func Decode(rawBody json.RawMessage, fallbackText, mediaBaseURL string) []Segment {
	var segs []Segment

	trimmed := strings.TrimSpace(string(rawBody))
	switch {
	case trimmed == "" || trimmed == "null":
		// No body, rely on the fallback below.
	case trimmed[0] == '"':
		var markup string
		if err := json.Unmarshal(rawBody, &markup); err == nil {
			segs = DecodeMarkup(markup, mediaBaseURL)
		}
	case trimmed[0] == '[':
		var parts []Part
		if err := json.Unmarshal(rawBody, &parts); err == nil {
			segs = DecodeParts(parts, mediaBaseURL)
		}
	}

	if len(segs) == 0 {
		if text := strings.TrimSpace(fallbackText); text != "" {
			return []Segment{TextSegment(text)}
		}
		return nil
	}
	return segs
}

// DecodeMarkup scans an inline-markup string ("[CQ:kind,k=v,...]" tokens
// embedded in plain text) into segments.
func DecodeMarkup(markup, mediaBaseURL string) []Segment {
	var segs []Segment
	rest := markup
	for {
		start := strings.Index(rest, "[CQ:")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], "]")
		if end < 0 {
			break
		}
		end += start

		if text := unescapeText(rest[:start]); text != "" {
			segs = append(segs, TextSegment(text))
		}

		kind, params := parseToken(rest[start+4 : end])
		if seg, ok := tokenSegment(kind, params, mediaBaseURL); ok {
			segs = append(segs, seg)
		}
		rest = rest[end+1:]
	}
	if text := unescapeText(rest); text != "" {
		segs = append(segs, TextSegment(text))
	}
	return segs
}

// DecodeParts maps a structured part list into segments. Field names inside
// each part's data map vary across gateway implementations, so every kind
// tries several names before degrading.
func DecodeParts(parts []Part, mediaBaseURL string) []Segment {
	var segs []Segment
	for _, p := range parts {
		if seg, ok := partSegment(p, mediaBaseURL); ok {
			segs = append(segs, seg)
		}
	}
	return segs
}

// parseToken splits the inner "kind,k=v,k=v" of an inline token.
func parseToken(inner string) (string, map[string]string) {
	fields := strings.Split(inner, ",")
	kind := strings.TrimSpace(fields[0])
	params := make(map[string]string, len(fields)-1)
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		params[strings.TrimSpace(k)] = unescapeValue(v)
	}
	return kind, params
}

func tokenSegment(kind string, params map[string]string, mediaBaseURL string) (Segment, bool) {
	switch kind {
	case "at":
		target := params["qq"]
		label := params["name"]
		if label == "" {
			label = "@" + target
		} else {
			label = "@" + label
		}
		return Segment{Kind: KindMention, Label: label, TargetID: target}, true
	case "reply":
		return Segment{Kind: KindReply, Label: "[回复]", TargetID: params["id"]}, true
	case "face":
		return faceSegment(params["id"], params, mediaBaseURL)
	case "image":
		return mediaSegment(KindImage, params["file"], params["url"], "[图片]", mediaBaseURL), true
	case "video":
		return mediaSegment(KindVideo, params["file"], params["url"], "[视频]", mediaBaseURL), true
	default:
		// Unrecognized token kinds degrade to an emoji segment carrying the
		// raw kind so the bubble still shows something.
		return Segment{Kind: KindEmoji, Label: "[" + kind + "]"}, true
	}
}

func partSegment(p Part, mediaBaseURL string) (Segment, bool) {
	switch p.Type {
	case "text":
		text := dataString(p.Data, "text", "content")
		if strings.TrimSpace(text) == "" {
			return Segment{}, false
		}
		return TextSegment(text), true
	case "at":
		target := dataString(p.Data, "qq", "target", "at")
		label := dataString(p.Data, "name", "text")
		if label == "" {
			label = "@" + target
		} else {
			label = "@" + label
		}
		return Segment{Kind: KindMention, Label: label, TargetID: target}, true
	case "reply":
		return Segment{Kind: KindReply, Label: "[回复]", TargetID: dataString(p.Data, "id", "message_id")}, true
	case "face":
		return faceSegment(dataString(p.Data, "id"), stringifyData(p.Data), mediaBaseURL)
	case "image":
		file := dataString(p.Data, "file", "path", "file_id")
		u := dataString(p.Data, "url", "src")
		return mediaSegment(KindImage, file, u, "[图片]", mediaBaseURL), true
	case "video":
		file := dataString(p.Data, "file", "path", "file_id")
		u := dataString(p.Data, "url", "src")
		return mediaSegment(KindVideo, file, u, "[视频]", mediaBaseURL), true
	default:
		return Segment{Kind: KindEmoji, Label: "[" + p.Type + "]"}, true
	}
}

// faceSegment resolves a sticker/face reference. A numeric id alone never
// becomes an image token; an image segment is produced only when the payload
// carries an explicit downloadable URL.
func faceSegment(id string, params map[string]string, mediaBaseURL string) (Segment, bool) {
	if u := params["url"]; strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		label := params["summary"]
		if label == "" {
			label = "[表情]"
		}
		return Segment{Kind: KindImage, URL: u, Label: label, EmojiID: id}, true
	}

	if n, err := strconv.Atoi(strings.TrimSpace(id)); err == nil {
		return Segment{Kind: KindEmoji, Label: faceLabel(n), EmojiID: id}, true
	}

	// Non-numeric id: try the label fields gateways are known to use.
	for _, key := range []string{"name", "text", "summary", "faceText"} {
		if v := strings.TrimSpace(params[key]); v != "" {
			return Segment{Kind: KindEmoji, Label: "[" + strings.Trim(v, "[]/") + "]", EmojiID: id}, true
		}
	}
	if id != "" {
		return Segment{Kind: KindEmoji, Label: fmt.Sprintf("[/表情%s]", id), EmojiID: id}, true
	}
	return Segment{}, false
}

// mediaSegment applies the media resolution policy: base64 payloads become
// data URLs, absolute http(s) URLs pass through, bare file tokens are
// rewritten through the media proxy, and anything unresolvable degrades to a
// text placeholder.
func mediaSegment(kind Kind, file, explicitURL, placeholder, mediaBaseURL string) Segment {
	for _, candidate := range []string{explicitURL, file} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		switch {
		case strings.HasPrefix(candidate, "base64://"):
			mime := "image/png"
			if kind == KindVideo {
				mime = "video/mp4"
			}
			return Segment{Kind: kind, URL: "data:" + mime + ";base64," + candidate[len("base64://"):], Label: placeholder}
		case strings.HasPrefix(candidate, "http://"), strings.HasPrefix(candidate, "https://"):
			return Segment{Kind: kind, URL: candidate, Label: placeholder}
		}
	}

	if file = strings.TrimSpace(file); file != "" && mediaBaseURL != "" {
		proxied := strings.TrimRight(mediaBaseURL, "/") + "/onebot/image_proxy?file=" + url.QueryEscape(file)
		return Segment{Kind: kind, URL: proxied, Label: placeholder}
	}
	return TextSegment(placeholder)
}

// dataString pulls the first non-empty value among several field names,
// accepting strings and JSON numbers.
func dataString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := data[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func stringifyData(data map[string]any) map[string]string {
	out := make(map[string]string, len(data))
	for k := range data {
		out[k] = dataString(data, k)
	}
	return out
}

// unescapeText reverses inline-markup escaping for text outside tokens.
func unescapeText(s string) string {
	s = strings.ReplaceAll(s, "&#91;", "[")
	s = strings.ReplaceAll(s, "&#93;", "]")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}

// unescapeValue reverses inline-markup escaping for token parameter values.
func unescapeValue(s string) string {
	s = strings.ReplaceAll(s, "&#44;", ",")
	return unescapeText(s)
}
