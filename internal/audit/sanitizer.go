package audit

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Markup that must never survive into a stored change detail.
var activeMarkupRe = regexp.MustCompile(`(?i)<\s*(script|iframe|object|embed|form|input)\b`)

const activeMarkupSelector = "script, iframe, object, embed, form, input"

// SanitizePayload strips active HTML from every string value of a JSON
// payload. Non-JSON payloads and strings without offending markup pass
// through byte-for-byte. Runs before the digest is computed, so the hashed
// bytes and the stored bytes always agree.
func SanitizePayload(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !activeMarkupRe.Match(raw) {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(sanitizeValue(v))
	if err != nil {
		return raw
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = sanitizeValue(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = sanitizeValue(val)
		}
		return t
	case string:
		return sanitizeString(t)
	default:
		return v
	}
}

func sanitizeString(s string) string {
	if !activeMarkupRe.MatchString(s) {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	doc.Find(activeMarkupSelector).Remove()
	html, err := doc.Find("body").Html()
	if err != nil {
		return s
	}
	return strings.TrimSpace(html)
}
