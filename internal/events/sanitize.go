package events

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/errs"
)

var (
	scriptBlockPattern = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	iframeBlockPattern = regexp.MustCompile(`(?is)<iframe\b[^>]*>.*?</iframe\s*>`)
	strayTagPattern    = regexp.MustCompile(`(?i)</?(script|iframe)\b[^>]*>`)
	schemePattern      = regexp.MustCompile(`(?i)(javascript:|vbscript:|data:text/html)`)
)

// SanitizeData walks every string value in the data object and strips
// content that must never reach subscribers: control characters and
// embedded script vectors. Non-string values pass through untouched;
// numbers keep their original representation.
func SanitizeData(data json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return nil, errs.InvalidInput("data", "must be a JSON object")
	}

	out, err := json.Marshal(sanitizeValue(value))
	if err != nil {
		return nil, errs.Internal(err)
	}
	return out, nil
}

func sanitizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return SanitizeString(t)
	case map[string]interface{}:
		for k, child := range t {
			t[k] = sanitizeValue(child)
		}
		return t
	case []interface{}:
		for i, child := range t {
			t[i] = sanitizeValue(child)
		}
		return t
	default:
		return v
	}
}

// SanitizeString removes control characters (keeping tab, newline and
// carriage return), script and iframe blocks, and executable URL schemes.
func SanitizeString(s string) string {
	s = stripControlChars(s)
	s = scriptBlockPattern.ReplaceAllString(s, "")
	s = iframeBlockPattern.ReplaceAllString(s, "")
	s = strayTagPattern.ReplaceAllString(s, "")
	s = schemePattern.ReplaceAllString(s, "")
	return s
}

func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\t' || r == '\n' || r == '\r' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}
	if b.Len() == len(s) {
		return s
	}
	return b.String()
}
