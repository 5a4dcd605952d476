package flow

import (
	"encoding/json"
	"strings"
)

// ExtractStructuredOutput recovers a JSON object from a host LLM reply.
// LLMs wrap JSON in prose and code fences more often than not, so the
// recovery sequence is:
//
//	(a) parse the whole reply as JSON
//	(b) parse the contents of a ```json fenced block
//	(c) parse the first balanced {...} substring
//
// The second return is false when no object can be recovered; the raw
// text is retained by the caller regardless.
func ExtractStructuredOutput(raw string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(raw)
	if obj, ok := parseObject(trimmed); ok {
		return obj, true
	}

	if fenced, ok := jsonFence(trimmed); ok {
		if obj, ok := parseObject(fenced); ok {
			return obj, true
		}
	}

	if candidate, ok := firstBalancedObject(trimmed); ok {
		if obj, ok := parseObject(candidate); ok {
			return obj, true
		}
	}

	return nil, false
}

func parseObject(s string) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

// jsonFence returns the contents of the first ```json code fence.
func jsonFence(s string) (string, bool) {
	const opener = "```json"
	start := strings.Index(s, opener)
	if start < 0 {
		return "", false
	}
	rest := s[start+len(opener):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// firstBalancedObject scans for the first balanced {...} substring,
// respecting JSON string literals and escapes.
func firstBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
