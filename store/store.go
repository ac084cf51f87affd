// Package store provides the glob-capable pattern store backing service
// registration. The store is the single source of truth for service
// existence; clustered deployments share one store and rely on
// last-write-wins semantics at the key level.
package store

import "context"

// Store is the key-value contract the registry and resolver depend on.
// Patterns use '*' wildcards matching any run of characters, Redis-style.
type Store interface {
	// Exists reports whether any key matches the pattern.
	Exists(ctx context.Context, pattern string) (bool, error)
	// Keys returns all keys matching the pattern in lexicographic order.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// HSet writes hash fields at key, creating or overwriting in place.
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HGetAll returns all hash fields at key, or an empty map if absent.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// Delete removes all keys matching the pattern, returning the count.
	Delete(ctx context.Context, pattern string) (int, error)
}

// MatchGlob reports whether s matches a pattern where '*' matches any run
// of characters, including separators. Only '*' is special.
func MatchGlob(pattern, s string) bool {
	// Iterative backtracking match, one '*' resume point at a time.
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == s[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
