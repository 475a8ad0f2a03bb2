package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// maxJSONDepth and maxFieldLength implement the "limit per-field
// length to 8 KiB and total JSON depth to 16" rule from spec.md §4.6.
const (
	maxJSONDepth   = 16
	maxFieldLength = 8 * 1024
)

// sqlDenylist is deliberately short and generic rather than
// transcribed from any specific WAF ruleset (spec.md §9's Open
// Question on denylist conservativeness): it catches the textbook
// injection shapes without false-positiving on ordinary device names
// or descriptions that happen to contain an apostrophe.
var sqlDenylist = []string{
	"--", ";--", "/*", "*/", "xp_", "union select", "drop table", "or 1=1",
}

func unmarshalWithNumber(body []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(out)
}

func depthOf(v any, current int) int {
	if current > maxJSONDepth {
		return current
	}
	switch val := v.(type) {
	case map[string]any:
		max := current
		for _, child := range val {
			if d := depthOf(child, current+1); d > max {
				max = d
			}
		}
		return max
	case []any:
		max := current
		for _, child := range val {
			if d := depthOf(child, current+1); d > max {
				max = d
			}
		}
		return max
	default:
		return current
	}
}

// sanitizeValue walks the decoded JSON, HTML-encoding angle brackets
// and ampersands in every string leaf and rejecting any string that
// matches the SQL denylist or exceeds maxFieldLength.
func sanitizeValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			sanitizedChild, err := sanitizeValue(child)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = sanitizedChild
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			sanitizedChild, err := sanitizeValue(child)
			if err != nil {
				return nil, err
			}
			out[i] = sanitizedChild
		}
		return out, nil
	case string:
		return sanitizeString(val)
	default:
		return val, nil
	}
}

func sanitizeString(s string) (string, error) {
	if len(s) > maxFieldLength {
		return "", fmt.Errorf("field exceeds maximum length of %d bytes", maxFieldLength)
	}
	lowered := strings.ToLower(s)
	for _, pattern := range sqlDenylist {
		if strings.Contains(lowered, pattern) {
			return "", fmt.Errorf("field contains a disallowed pattern")
		}
	}
	encoded := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	).Replace(s)
	return encoded, nil
}

// marshalStable re-encodes the sanitized value back to JSON bytes.
// json.Number values (preserved by unmarshalWithNumber) are emitted
// as their original numeric literal, keeping the int-vs-float
// distinction intact through the sanitize step.
func marshalStable(v any) ([]byte, error) {
	return json.Marshal(normalizeNumbers(v))
}

func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			out[k] = normalizeNumbers(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = normalizeNumbers(child)
		}
		return out
	case json.Number:
		return json.RawMessage(val.String())
	default:
		return val
	}
}
