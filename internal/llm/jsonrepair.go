package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ExtractJSONObject pulls a JSON object out of raw model text. Code
// fences are stripped, the largest balanced {...} block is taken, and
// two common damages are repaired before parsing: raw control characters
// inside string literals and trailing commas before } or ].
func ExtractJSONObject(text string) (map[string]any, error) {
	t := stripCodeFences(strings.TrimSpace(text))
	if t == "" {
		return nil, errors.New("response is empty")
	}

	block, ok := largestObjectBlock(t)
	if !ok {
		return nil, errors.New("response does not contain a JSON object")
	}

	for _, candidate := range []string{block, repairJSON(block)} {
		var parsed any
		if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
			continue
		}
		obj, ok := parsed.(map[string]any)
		if !ok {
			return nil, errors.New("parsed JSON is not an object")
		}
		return obj, nil
	}
	return nil, fmt.Errorf("unparseable JSON object (%d bytes)", len(block))
}

// stripCodeFences removes a surrounding ``` or ```json fence.
func stripCodeFences(t string) string {
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if idx := strings.IndexByte(t, '\n'); idx >= 0 {
		// Drop the language tag line.
		first := strings.TrimSpace(t[:idx])
		if len(first) <= 10 {
			t = t[idx+1:]
		}
	}
	if idx := strings.LastIndex(t, "```"); idx >= 0 {
		t = t[:idx]
	}
	return strings.TrimSpace(t)
}

// largestObjectBlock returns the longest balanced top-level {...} span,
// tracking string literals so braces inside strings do not count.
func largestObjectBlock(t string) (string, bool) {
	bestStart, bestEnd := -1, -1
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(t); i++ {
		ch := t[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					if bestStart < 0 || i-start > bestEnd-bestStart {
						bestStart, bestEnd = start, i
					}
				}
			}
		}
	}
	if bestStart < 0 {
		// Unterminated string literals derail the scanner above; fall
		// back to the naive outermost braces.
		first := strings.IndexByte(t, '{')
		last := strings.LastIndexByte(t, '}')
		if first >= 0 && last > first {
			return t[first : last+1], true
		}
		return "", false
	}
	return t[bestStart : bestEnd+1], true
}

// repairJSON escapes raw control characters inside string literals and
// removes trailing commas.
func repairJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
				b.WriteByte(ch)
			case ch == '\\':
				escaped = true
				b.WriteByte(ch)
			case ch == '"':
				inString = false
				b.WriteByte(ch)
			case ch == '\n':
				b.WriteString(`\n`)
			case ch == '\r':
				b.WriteString(`\r`)
			case ch == '\t':
				b.WriteString(`\t`)
			case ch < 0x20:
				fmt.Fprintf(&b, `\u%04x`, ch)
			default:
				b.WriteByte(ch)
			}
			continue
		}
		if ch == '"' {
			inString = true
		}
		b.WriteByte(ch)
	}
	return stripTrailingCommas(b.String())
}

func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			b.WriteByte(ch)
			continue
		}
		if ch == '"' {
			inString = true
			b.WriteByte(ch)
			continue
		}
		if ch == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\n' || s[j] == '\r' || s[j] == '\t') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(ch)
	}
	return b.String()
}
