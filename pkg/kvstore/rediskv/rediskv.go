/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package rediskv implements kvstore.Store on Redis, with atomic compare-and-swap.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/trustbloc/apfed/pkg/kvstore"
)

// casScript sets KEYS[1] to ARGV[3] when its value is absent (ARGV[1] == "0")
// or equals ARGV[2]. ARGV[4] is the TTL in milliseconds, 0 for none.
var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if ARGV[1] == "0" then
  if current then
    return 0
  end
elseif (not current) or current ~= ARGV[2] then
  return 0
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call("SET", KEYS[1], ARGV[3], "PX", ttl)
else
  redis.call("SET", KEYS[1], ARGV[3])
end
return 1
`)

const scanCount = 100

// Store is a Redis-backed kvstore.Store.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Option configures a Store.
type Option func(s *Store)

// WithKeyPrefix namespaces all keys, e.g. per deployment.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.keyPrefix = prefix
	}
}

// New returns a Store using the given client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, keyPrefix: "apfed:"}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Store) redisKey(key kvstore.Key) string {
	return s.keyPrefix + key.String()
}

// Get fetches the value associated with the given key.
func (s *Store) Get(ctx context.Context, key kvstore.Key) ([]byte, error) {
	value, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, kvstore.ErrDataNotFound
		}

		return nil, fmt.Errorf("redis get %s: %w", key.String(), err)
	}

	return value, nil
}

// Set stores the given value.
func (s *Store) Set(ctx context.Context, key kvstore.Key, value []byte, opts ...kvstore.SetOption) error {
	ttl := kvstore.ApplySetOptions(opts...).TTL

	if err := s.client.Set(ctx, s.redisKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key.String(), err)
	}

	return nil
}

// Delete deletes the key.
func (s *Store) Delete(ctx context.Context, key kvstore.Key) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key.String(), err)
	}

	return nil
}

// CompareAndSwap atomically replaces the value if it equals expected (nil meaning absent).
func (s *Store) CompareAndSwap(ctx context.Context, key kvstore.Key, expected, value []byte,
	opts ...kvstore.SetOption) (bool, error) {
	hasExpected := "0"
	if expected != nil {
		hasExpected = "1"
	}

	ttl := kvstore.ApplySetOptions(opts...).TTL

	result, err := casScript.Run(ctx, s.client, []string{s.redisKey(key)},
		hasExpected, expected, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-swap %s: %w", key.String(), err)
	}

	return result == 1, nil
}

// List scans the keys under prefix.
func (s *Store) List(ctx context.Context, prefix kvstore.Key) ([]kvstore.Entry, error) {
	pattern := globEscape(s.redisKey(prefix)) + "*"

	var entries []kvstore.Entry

	iter := s.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		key, err := kvstore.ParseKey(strings.TrimPrefix(iter.Val(), s.keyPrefix))
		if err != nil || !key.HasPrefix(prefix) {
			continue
		}

		value, err := s.Get(ctx, key)
		if errors.Is(err, kvstore.ErrDataNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		entries = append(entries, kvstore.Entry{Key: key, Value: value})
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key.String() < entries[j].Key.String() })

	return entries, nil
}

func globEscape(s string) string {
	var b strings.Builder

	for _, r := range s {
		if strings.ContainsRune(`*?[]\^`, r) {
			b.WriteByte('\\')
		}

		b.WriteRune(r)
	}

	return b.String()
}
