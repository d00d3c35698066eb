package util

import (
	"strings"
)

// QueryKeySep separates query key segments in their flat form. It is a control
// character so it never collides with user-visible segment text.
const QueryKeySep = "\x1f"

// Dedupe returns ss without empty strings or repeats, keeping first-seen order.
func Dedupe(ss []string) []string {
	if len(ss) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// FlattenKey joins hierarchical key segments into one string.
func FlattenKey(segments []string) string {
	return strings.Join(segments, QueryKeySep)
}

// SplitKey is the inverse of FlattenKey.
func SplitKey(flat string) []string {
	if flat == "" {
		return nil
	}
	return strings.Split(flat, QueryKeySep)
}

// HasKeyPrefix reports whether flat key k lies under flat prefix p on segment
// boundaries: ["a","bc"] is under ["a"] but not under ["a","b"].
func HasKeyPrefix(k, p string) bool {
	if p == "" {
		return true
	}
	if k == p {
		return true
	}
	return strings.HasPrefix(k, p+QueryKeySep)
}
