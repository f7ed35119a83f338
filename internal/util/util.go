// Package util holds small helpers shared across the engine: UTC
// timestamps, canonical JSON, content hashing and slugs.
package util

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// NowISO returns the current UTC time in ISO-8601 with second precision.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ParseISO parses an ISO-8601 timestamp, returning the zero time on error.
func ParseISO(s string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}

// CanonicalJSON marshals v with sorted object keys and no extra
// whitespace. encoding/json sorts map keys, which is what we rely on.
func CanonicalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// SHA256Hex returns the hex digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashParts joins parts with "::" and hashes them. Used for idempotency
// keys so the same inputs always map to the same key.
func HashParts(parts ...string) string {
	return SHA256Hex([]byte(strings.Join(parts, "::")))
}

// Truncate shortens s to at most n characters, marking the cut.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	const marker = "...[TRUNCATED]"
	if n <= len(marker) {
		return s[:n]
	}
	return s[:n-len(marker)] + marker
}

// Slugify lowers s and replaces runs of non-alphanumerics with dashes.
func Slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
