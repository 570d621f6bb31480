/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package kvstore defines the key-value contract the federation core persists through:
// the key cache, the inbox idempotency markers and anything an application keeps alongside.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrDataNotFound is returned by Get when no (unexpired) value exists for a key.
var ErrDataNotFound = errors.New("data not found")

// Key is a hierarchical key. Segments may contain any character.
type Key []string

// String encodes the key with each segment path-escaped and joined by "/".
func (k Key) String() string {
	segments := make([]string, len(k))

	for i, s := range k {
		segments[i] = url.PathEscape(s)
	}

	return strings.Join(segments, "/")
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, nil
	}

	parts := strings.Split(s, "/")
	key := make(Key, len(parts))

	for i, p := range parts {
		segment, err := url.PathUnescape(p)
		if err != nil {
			return nil, fmt.Errorf("failed to unescape key segment %q: %w", p, err)
		}

		key[i] = segment
	}

	return key, nil
}

// HasPrefix reports whether prefix is a leading run of k's segments.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}

	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}

	return true
}

// Append returns a new key with the segments added.
func (k Key) Append(segments ...string) Key {
	out := make(Key, 0, len(k)+len(segments))
	out = append(out, k...)

	return append(out, segments...)
}

// SetOptions holds per-write options.
type SetOptions struct {
	TTL time.Duration
}

// SetOption configures a write.
type SetOption func(opts *SetOptions)

// WithTTL expires the value after ttl. Zero means no expiry.
func WithTTL(ttl time.Duration) SetOption {
	return func(opts *SetOptions) {
		opts.TTL = ttl
	}
}

// ApplySetOptions folds opts into a SetOptions value.
func ApplySetOptions(opts ...SetOption) SetOptions {
	var o SetOptions

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// Store is the required key-value contract.
type Store interface {
	// Get returns ErrDataNotFound if the key has no value.
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte, opts ...SetOption) error
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key Key) error
}

// CompareAndSwapper is implemented by stores able to swap a value atomically.
type CompareAndSwapper interface {
	// CompareAndSwap sets key to value only if its current value equals expected.
	// A nil expected means the key must currently be absent.
	CompareAndSwap(ctx context.Context, key Key, expected, value []byte, opts ...SetOption) (bool, error)
}

// Entry is a listed key-value pair.
type Entry struct {
	Key   Key
	Value []byte
}

// Lister is implemented by stores able to enumerate keys under a prefix.
type Lister interface {
	List(ctx context.Context, prefix Key) ([]Entry, error)
}

// SetIfAbsent stores value under key unless a value is already there, and reports whether it
// stored it. It uses CompareAndSwap when store supports it, and otherwise falls back to a
// non-atomic get-then-set.
func SetIfAbsent(ctx context.Context, store Store, key Key, value []byte, opts ...SetOption) (bool, error) {
	if cas, ok := store.(CompareAndSwapper); ok {
		return cas.CompareAndSwap(ctx, key, nil, value, opts...)
	}

	_, err := store.Get(ctx, key)
	if err == nil {
		return false, nil
	}

	if !errors.Is(err, ErrDataNotFound) {
		return false, err
	}

	if err := store.Set(ctx, key, value, opts...); err != nil {
		return false, err
	}

	return true, nil
}
