/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package kvstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trustbloc/apfed/pkg/kvstore"
	"github.com/trustbloc/apfed/pkg/kvstore/memkv"
)

func TestKey(t *testing.T) {
	key := kvstore.Key{"_apfed", "publicKey", "https://a.example/users/alice#main-key"}

	encoded := key.String()
	require.Equal(t, "_apfed/publicKey/https:%2F%2Fa.example%2Fusers%2Falice%23main-key", encoded)

	parsed, err := kvstore.ParseKey(encoded)
	require.NoError(t, err)
	require.Equal(t, key, parsed)

	require.True(t, key.HasPrefix(kvstore.Key{"_apfed", "publicKey"}))
	require.False(t, key.HasPrefix(kvstore.Key{"_apfed", "other"}))
	require.False(t, kvstore.Key{"a"}.HasPrefix(kvstore.Key{"a", "b"}))

	child := kvstore.Key{"a"}.Append("b", "c")
	require.Equal(t, kvstore.Key{"a", "b", "c"}, child)

	empty, err := kvstore.ParseKey("")
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = kvstore.ParseKey("a/%zz")
	require.Error(t, err)
}

func TestApplySetOptions(t *testing.T) {
	require.Equal(t, time.Duration(0), kvstore.ApplySetOptions().TTL)
	require.Equal(t, time.Hour, kvstore.ApplySetOptions(kvstore.WithTTL(time.Hour)).TTL)
}

type plainStore struct {
	kvstore.Store
	getErr error
}

func (s *plainStore) Get(ctx context.Context, key kvstore.Key) ([]byte, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}

	return s.Store.Get(ctx, key)
}

func TestSetIfAbsent(t *testing.T) {
	ctx := context.Background()
	key := kvstore.Key{"k"}

	t.Run("compare-and-swap store", func(t *testing.T) {
		store := memkv.New()

		stored, err := kvstore.SetIfAbsent(ctx, store, key, []byte("1"))
		require.NoError(t, err)
		require.True(t, stored)

		stored, err = kvstore.SetIfAbsent(ctx, store, key, []byte("2"))
		require.NoError(t, err)
		require.False(t, stored)
	})
	t.Run("get-then-set fallback", func(t *testing.T) {
		store := &plainStore{Store: memkv.New()}

		stored, err := kvstore.SetIfAbsent(ctx, store, key, []byte("1"))
		require.NoError(t, err)
		require.True(t, stored)

		stored, err = kvstore.SetIfAbsent(ctx, store, key, []byte("2"))
		require.NoError(t, err)
		require.False(t, stored)

		value, err := store.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, []byte("1"), value)
	})
	t.Run("get failure", func(t *testing.T) {
		store := &plainStore{Store: memkv.New(), getErr: errors.New("get failure")}

		_, err := kvstore.SetIfAbsent(ctx, store, key, []byte("1"))
		require.EqualError(t, err, "get failure")
	})
}
