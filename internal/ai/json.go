package ai

import (
	"encoding/json"
	"errors"
	"strings"
)

var errNoJSONObject = errors.New("model output is not valid JSON")

// ExtractJSON returns the first JSON object in model output. Code fences with
// any language tag and prose around the object are tolerated.
func ExtractJSON(text string) ([]byte, error) {
	trimmed := stripCodeFence(strings.TrimSpace(text))
	if trimmed == "" {
		return nil, errors.New("empty model output")
	}
	if json.Valid([]byte(trimmed)) {
		return []byte(trimmed), nil
	}

	for start := strings.IndexByte(trimmed, '{'); start >= 0; {
		end := matchingBrace(trimmed, start)
		if end < 0 {
			break
		}
		candidate := trimmed[start : end+1]
		if json.Valid([]byte(candidate)) {
			return []byte(candidate), nil
		}
		next := strings.IndexByte(trimmed[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, errNoJSONObject
}

// matchingBrace returns the index closing the object opened at start, or -1.
func matchingBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
				return i
			}
		}
	}
	return -1
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	body := strings.TrimPrefix(text, "```")
	if newline := strings.IndexByte(body, '\n'); newline >= 0 && !strings.ContainsAny(body[:newline], "{[") {
		body = body[newline+1:]
	}
	body = strings.TrimSpace(body)
	return strings.TrimSpace(strings.TrimSuffix(body, "```"))
}
