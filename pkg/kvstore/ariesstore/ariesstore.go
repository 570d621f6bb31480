/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package ariesstore adapts an Aries storage provider (in-memory, MongoDB, ...) to kvstore.Store.
package ariesstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/hyperledger/aries-framework-go/spi/storage"
	"github.com/trustbloc/edge-core/pkg/log"

	"github.com/trustbloc/apfed/pkg/kvstore"
)

const (
	logModuleName = "apfed-ariesstore"

	// rootTagName tags every entry with its encoded first key segment, so List can query by it.
	rootTagName = "apfedRoot"
)

var logger = log.New(logModuleName)

type envelope struct {
	Value     []byte     `json:"value"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Store wraps an Aries store. Expiry is enforced lazily on read.
type Store struct {
	coreStore storage.Store
	now       func() time.Time
}

// New opens (creating if needed) the named store on the given Aries provider.
func New(provider storage.Provider, name string) (*Store, error) {
	// The store has to be open before its configuration can be set.
	coreStore, err := provider.OpenStore(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", name, err)
	}

	err = provider.SetStoreConfig(name, storage.StoreConfiguration{TagNames: []string{rootTagName}})
	if err != nil {
		return nil, fmt.Errorf("failed to set store configuration: %w", err)
	}

	return &Store{coreStore: coreStore, now: time.Now}, nil
}

// Get fetches the value associated with the given key.
func (s *Store) Get(_ context.Context, key kvstore.Key) ([]byte, error) {
	k := key.String()

	raw, err := s.coreStore.Get(k)
	if err != nil {
		if errors.Is(err, storage.ErrDataNotFound) {
			return nil, kvstore.ErrDataNotFound
		}

		return nil, fmt.Errorf("failed to get %s from underlying store: %w", k, err)
	}

	value, expired, err := s.open(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", k, err)
	}

	if expired {
		if errDelete := s.coreStore.Delete(k); errDelete != nil {
			logger.Warnf("failed to delete expired key %s: %s", k, errDelete)
		}

		return nil, kvstore.ErrDataNotFound
	}

	return value, nil
}

// Set stores the given value.
func (s *Store) Set(_ context.Context, key kvstore.Key, value []byte, opts ...kvstore.SetOption) error {
	env := envelope{Value: value}

	if ttl := kvstore.ApplySetOptions(opts...).TTL; ttl > 0 {
		expiresAt := s.now().Add(ttl).UTC()
		env.ExpiresAt = &expiresAt
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal value envelope: %w", err)
	}

	var tags []storage.Tag
	if len(key) > 0 {
		tags = append(tags, storage.Tag{Name: rootTagName, Value: base58.Encode([]byte(key[0]))})
	}

	err = s.coreStore.Put(key.String(), raw, tags...)
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key.String(), err)
	}

	return nil
}

// Delete deletes the key.
func (s *Store) Delete(_ context.Context, key kvstore.Key) error {
	err := s.coreStore.Delete(key.String())
	if err != nil && !errors.Is(err, storage.ErrDataNotFound) {
		return fmt.Errorf("failed to delete %s: %w", key.String(), err)
	}

	return nil
}

// List returns the unexpired entries under prefix. The prefix must have at least one segment.
func (s *Store) List(_ context.Context, prefix kvstore.Key) ([]kvstore.Entry, error) {
	if len(prefix) == 0 {
		return nil, errors.New("list prefix must not be empty")
	}

	iterator, err := s.coreStore.Query(rootTagName + ":" + base58.Encode([]byte(prefix[0])))
	if err != nil {
		return nil, fmt.Errorf("failed to query underlying store: %w", err)
	}

	defer storage.Close(iterator, logger)

	var entries []kvstore.Entry

	for {
		more, err := iterator.Next()
		if err != nil {
			return nil, err
		}

		if !more {
			break
		}

		k, err := iterator.Key()
		if err != nil {
			return nil, err
		}

		key, err := kvstore.ParseKey(k)
		if err != nil || !key.HasPrefix(prefix) {
			continue
		}

		raw, err := iterator.Value()
		if err != nil {
			return nil, err
		}

		value, expired, err := s.open(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", k, err)
		}

		if !expired {
			entries = append(entries, kvstore.Entry{Key: key, Value: value})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key.String() < entries[j].Key.String() })

	return entries, nil
}

func (s *Store) open(raw []byte) ([]byte, bool, error) {
	var env envelope

	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal value envelope: %w", err)
	}

	if env.ExpiresAt != nil && !s.now().Before(*env.ExpiresAt) {
		return nil, true, nil
	}

	if env.Value == nil {
		env.Value = []byte{}
	}

	return env.Value, false, nil
}
