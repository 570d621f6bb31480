/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package keycache caches public keys of remote actors, including negative results.
package keycache

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trustbloc/edge-core/pkg/log"
	"golang.org/x/sync/singleflight"

	"github.com/trustbloc/apfed/pkg/docloader"
	"github.com/trustbloc/apfed/pkg/httpsig"
	"github.com/trustbloc/apfed/pkg/kvstore"
)

var logger = log.New("apfed-keycache")

const (
	defaultTTL         = 24 * time.Hour
	defaultNegativeTTL = time.Hour
)

// Prefix is the store prefix for cached keys.
//
//nolint:gochecknoglobals
var Prefix = kvstore.Key{"_apfed", "publicKey"}

// State is the result of a cache lookup.
type State int

// Cache lookup states. Absent is a cached answer, distinct from Uncached.
const (
	Uncached State = iota
	Absent
	Present
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Present:
		return "present"
	default:
		return "uncached"
	}
}

// Key is a resolved public key.
type Key struct {
	ID string
	// Owner is the actor the key belongs to.
	Owner     string
	PublicKey crypto.PublicKey
	FetchedAt time.Time
	// Cached is set when the key was served from the cache rather than fetched.
	Cached bool
}

type entry struct {
	Absent    bool            `json:"absent,omitempty"`
	Owner     string          `json:"owner,omitempty"`
	JWK       json.RawMessage `json:"jwk,omitempty"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Cache resolves keys through a document loader and caches them in a kvstore.Store.
type Cache struct {
	store       kvstore.Store
	loader      docloader.Loader
	ttl         time.Duration
	negativeTTL time.Duration
	now         func() time.Time
	group       singleflight.Group
}

// Option configures a Cache.
type Option func(c *Cache)

// WithTTL sets how long resolved keys are cached.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithNegativeTTL sets how long failed resolutions are cached.
func WithNegativeTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.negativeTTL = ttl
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New returns a Cache.
func New(store kvstore.Store, loader docloader.Loader, opts ...Option) *Cache {
	c := &Cache{
		store:       store,
		loader:      loader,
		ttl:         defaultTTL,
		negativeTTL: defaultNegativeTTL,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Get returns the cached key for keyID. The key is nil unless the state is Present.
func (c *Cache) Get(ctx context.Context, keyID string) (*Key, State, error) {
	raw, err := c.store.Get(ctx, Prefix.Append(keyID))
	if err != nil {
		if errors.Is(err, kvstore.ErrDataNotFound) {
			return nil, Uncached, nil
		}

		return nil, Uncached, fmt.Errorf("failed to read cached key %s: %w", keyID, err)
	}

	var e entry

	if err = json.Unmarshal(raw, &e); err != nil {
		logger.Warnf("discarding unreadable cache entry for %s: %s", keyID, err)

		return nil, Uncached, nil
	}

	if e.Absent {
		return nil, Absent, nil
	}

	pub, err := httpsig.UnmarshalPublicJWK(e.JWK)
	if err != nil {
		logger.Warnf("discarding unreadable cached key %s: %s", keyID, err)

		return nil, Uncached, nil
	}

	return &Key{ID: keyID, Owner: e.Owner, PublicKey: pub, FetchedAt: e.FetchedAt, Cached: true}, Present, nil
}

// Set stores key under keyID. A nil key records Absent.
func (c *Cache) Set(ctx context.Context, keyID string, key *Key) error {
	e := entry{Absent: key == nil, FetchedAt: c.now()}
	ttl := c.negativeTTL

	if key != nil {
		jwk, err := httpsig.MarshalPublicJWK(key.PublicKey, keyID)
		if err != nil {
			return err
		}

		e.JWK = jwk
		e.Owner = key.Owner
		ttl = c.ttl

		if !key.FetchedAt.IsZero() {
			e.FetchedAt = key.FetchedAt
		}
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}

	return c.store.Set(ctx, Prefix.Append(keyID), raw, kvstore.WithTTL(ttl))
}

// Resolve returns the key for keyID from the cache, or fetches and caches it on a miss.
// It returns nil without an error when the key is Absent.
func (c *Cache) Resolve(ctx context.Context, keyID string) (*Key, error) {
	key, state, err := c.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}

	switch state {
	case Present:
		return key, nil
	case Absent:
		return nil, nil
	default:
		return c.Refresh(ctx, keyID)
	}
}

// Refresh fetches keyID regardless of the cache and stores the outcome. Concurrent calls for
// the same key share one fetch.
func (c *Cache) Refresh(ctx context.Context, keyID string) (*Key, error) {
	v, err, _ := c.group.Do(keyID, func() (interface{}, error) {
		return c.fetch(ctx, keyID)
	})
	if err != nil {
		return nil, err
	}

	key, _ := v.(*Key)

	return key, nil
}

func (c *Cache) fetch(ctx context.Context, keyID string) (*Key, error) {
	remote, err := c.loader.Load(ctx, keyID)
	if err != nil {
		if ctx.Err() != nil {
			// not a verdict on the key
			return nil, nil
		}

		logger.Debugf("failed to fetch key %s: %s", keyID, err)

		return nil, c.Set(ctx, keyID, nil)
	}

	key, err := Extract(remote.Document, keyID, remote.DocumentURL)
	if err != nil {
		logger.Infof("key %s is unavailable: %s", keyID, err)

		return nil, c.Set(ctx, keyID, nil)
	}

	key.FetchedAt = c.now()

	if err = c.Set(ctx, keyID, key); err != nil {
		return nil, err
	}

	return key, nil
}
