// Package kv abstracts the durable TTL-bearing key-value store that holds all
// cross-request state: upload sessions, streaming tokens, byte counters, and
// rate-limit windows. Any stateless worker instance sees identical state.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or its TTL has elapsed.
var ErrNotFound = errors.New("kv: key not found")

// Store is the persistence contract shared by the Redis and in-memory
// implementations. A zero ttl on Set means the entry never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfEqual atomically replaces key with value only when the stored
	// bytes equal expected, reporting whether the swap happened. An absent
	// or expired key never matches. Callers use it as the compare step of a
	// read-modify-write loop so concurrent instances cannot clobber each
	// other's updates.
	SetIfEqual(ctx context.Context, key string, value, expected []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// IncrBy atomically adjusts the integer stored at key, creating it at
	// zero when absent, and returns the post-increment value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	// Expire sets or refreshes the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL reports the remaining lifetime of key, ErrNotFound when absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Ping(ctx context.Context) error
}
