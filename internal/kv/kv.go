// Package kv defines the key/value cache collaborator shared by the
// transcription cache, the context aggregator and the parser's prompt cache.
//
// Callers treat every Store error as a cache miss: a backing store that is
// unreachable degrades performance, never correctness.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store closed")

// Store is a string key/value cache with per-key expiry.
type Store interface {
	// Get returns the value for key. ok is false when the key does not exist
	// or has expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Expire resets the expiry of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Del removes the given keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// Keys returns all live keys matching a Redis-style glob pattern: "*"
	// and "?" match any character including ':' and '/', "[...]" is a
	// class and '\' escapes the next character.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
