package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/oeway/hypha-core/errors"
)

// NATS KV keys cannot carry ':', '@', or '*', so stored keys are escaped
// through '.' sequences; '.' never appears in an identifier field, making
// the mapping reversible. Glob matching happens client-side on decoded
// keys.
var (
	keyEncoder = strings.NewReplacer(":", ".c", "@", ".a", "*", ".s")
	keyDecoder = strings.NewReplacer(".c", ":", ".a", "@", ".s", "*")
)

// NATSStore is a Store backed by a JetStream key-value bucket, the shared
// synchronization point for clustered deployments.
type NATSStore struct {
	bucket jetstream.KeyValue
}

// NewNATSStore wraps an existing KV bucket as a pattern store.
func NewNATSStore(bucket jetstream.KeyValue) *NATSStore {
	return &NATSStore{bucket: bucket}
}

// EncodeKey maps a service key to its NATS KV representation.
func EncodeKey(key string) string {
	return keyEncoder.Replace(key)
}

// DecodeKey maps a NATS KV key back to its service key.
func DecodeKey(key string) string {
	return keyDecoder.Replace(key)
}

// matchingKeys lists all bucket keys whose decoded form matches pattern.
func (n *NATSStore) matchingKeys(ctx context.Context, pattern string) ([]string, error) {
	lister, err := n.bucket.ListKeys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list keys: %v", errors.ErrStoreUnavailable, err)
	}

	var keys []string
	for encoded := range lister.Keys() {
		decoded := DecodeKey(encoded)
		if MatchGlob(pattern, decoded) {
			keys = append(keys, decoded)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists reports whether any key matches the pattern.
func (n *NATSStore) Exists(ctx context.Context, pattern string) (bool, error) {
	keys, err := n.matchingKeys(ctx, pattern)
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

// Keys returns all matching keys in lexicographic order.
func (n *NATSStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return n.matchingKeys(ctx, pattern)
}

// HSet writes hash fields at key, merging over any existing fields. The
// hash is stored as one JSON document; the write is last-writer-wins.
func (n *NATSStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	encoded := EncodeKey(key)

	current := make(map[string]string)
	if entry, err := n.bucket.Get(ctx, encoded); err == nil {
		if err := json.Unmarshal(entry.Value(), &current); err != nil {
			return fmt.Errorf("decode existing hash %s: %w", key, err)
		}
	} else if !stderrors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("%w: get %s: %v", errors.ErrStoreUnavailable, key, err)
	}

	for field, value := range fields {
		current[field] = value
	}
	payload, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encode hash %s: %w", key, err)
	}
	if _, err := n.bucket.Put(ctx, encoded, payload); err != nil {
		return fmt.Errorf("%w: put %s: %v", errors.ErrStoreUnavailable, key, err)
	}
	return nil
}

// HGetAll returns all hash fields at key, empty if absent.
func (n *NATSStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	entry, err := n.bucket.Get(ctx, EncodeKey(key))
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("%w: get %s: %v", errors.ErrStoreUnavailable, key, err)
	}
	fields := make(map[string]string)
	if err := json.Unmarshal(entry.Value(), &fields); err != nil {
		return nil, fmt.Errorf("decode hash %s: %w", key, err)
	}
	return fields, nil
}

// Delete purges all keys matching the pattern.
func (n *NATSStore) Delete(ctx context.Context, pattern string) (int, error) {
	keys, err := n.matchingKeys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, key := range keys {
		if err := n.bucket.Purge(ctx, EncodeKey(key)); err != nil {
			return count, fmt.Errorf("%w: purge %s: %v", errors.ErrStoreUnavailable, key, err)
		}
		count++
	}
	return count, nil
}
