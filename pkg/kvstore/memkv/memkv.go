/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package memkv

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trustbloc/apfed/pkg/kvstore"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is a simple KV store held in memory. Useful for demos, single-process deployments or testing.
type Store struct {
	mutex sync.Mutex
	db    map[string]entry
	now   func() time.Time
}

// Option configures a Store.
type Option func(s *Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{db: make(map[string]entry), now: time.Now}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Get retrieves the value associated with the given key.
func (s *Store) Get(_ context.Context, key kvstore.Key) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	e, ok := s.lookup(key.String())
	if !ok {
		return nil, kvstore.ErrDataNotFound
	}

	return copyBytes(e.value), nil
}

// Set stores the given value.
func (s *Store) Set(_ context.Context, key kvstore.Key, value []byte, opts ...kvstore.SetOption) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.db[key.String()] = s.newEntry(value, opts)

	return nil
}

// Delete removes the key.
func (s *Store) Delete(_ context.Context, key kvstore.Key) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.db, key.String())

	return nil
}

// CompareAndSwap sets the value if the current one equals expected (nil meaning absent).
func (s *Store) CompareAndSwap(_ context.Context, key kvstore.Key, expected, value []byte,
	opts ...kvstore.SetOption) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	k := key.String()

	current, ok := s.lookup(k)

	switch {
	case expected == nil && ok:
		return false, nil
	case expected != nil && (!ok || !bytes.Equal(current.value, expected)):
		return false, nil
	}

	s.db[k] = s.newEntry(value, opts)

	return true, nil
}

// List returns the unexpired entries under prefix, ordered by key.
func (s *Store) List(_ context.Context, prefix kvstore.Key) ([]kvstore.Entry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var entries []kvstore.Entry

	for k := range s.db {
		e, ok := s.lookup(k)
		if !ok {
			continue
		}

		key, err := kvstore.ParseKey(k)
		if err != nil {
			return nil, err
		}

		if key.HasPrefix(prefix) {
			entries = append(entries, kvstore.Entry{Key: key, Value: copyBytes(e.value)})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key.String() < entries[j].Key.String() })

	return entries, nil
}

// lookup must be called with the mutex held. Expired entries are evicted.
func (s *Store) lookup(k string) (entry, bool) {
	e, ok := s.db[k]
	if !ok {
		return entry{}, false
	}

	if e.expired(s.now()) {
		delete(s.db, k)

		return entry{}, false
	}

	return e, true
}

func (s *Store) newEntry(value []byte, opts []kvstore.SetOption) entry {
	e := entry{value: copyBytes(value)}

	if ttl := kvstore.ApplySetOptions(opts...).TTL; ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	return e
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}
