package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// marshalMetadata converts message metadata to JSON TEXT for storage.
// Go's json.Marshal sorts map keys, so identical maps serialize identically.
func marshalMetadata(md map[string]string) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(md); err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalMetadata parses JSON TEXT back to a metadata map.
// Returns nil for empty metadata.
func unmarshalMetadata(data string) (map[string]string, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var md map[string]string
	if err := json.Unmarshal([]byte(data), &md); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return md, nil
}

// marshalIndices converts merge source indices to JSON TEXT.
func marshalIndices(indices []int) (string, error) {
	if indices == nil {
		indices = []int{}
	}
	data, err := json.Marshal(indices)
	if err != nil {
		return "", fmt.Errorf("marshal indices: %w", err)
	}
	return string(data), nil
}

// unmarshalIndices parses JSON TEXT to merge source indices.
func unmarshalIndices(data string) ([]int, error) {
	var indices []int
	if err := json.Unmarshal([]byte(data), &indices); err != nil {
		return nil, fmt.Errorf("unmarshal indices: %w", err)
	}
	if indices == nil {
		indices = []int{}
	}
	return indices, nil
}

// toNanos converts a time to the stored integer form.
func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

// fromNanos converts a stored integer back to UTC time.
func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// nullNanos converts a nullable stored integer to a time; zero when NULL.
func nullNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromNanos(n.Int64)
}

// preview returns at most n runes of s, never splitting a rune.
func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// estimateTokens is a deterministic rune-based token estimate: roughly four
// runes per token plus a fixed per-message overhead.
func estimateTokens(s string) int {
	const overhead = 4
	return (utf8.RuneCountInString(s)+3)/4 + overhead
}
