/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package memkv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trustbloc/apfed/pkg/kvstore"
)

func TestStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	store := New()
	key := kvstore.Key{"a", "b"}

	_, err := store.Get(ctx, key)
	require.True(t, errors.Is(err, kvstore.ErrDataNotFound))

	value := []byte("value")
	require.NoError(t, store.Set(ctx, key, value))

	value[0] = 'X'

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)

	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))

	_, err = store.Get(ctx, key)
	require.True(t, errors.Is(err, kvstore.ErrDataNotFound))
}

func TestStore_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	store := New(WithClock(func() time.Time { return now }))

	require.NoError(t, store.Set(ctx, kvstore.Key{"k"}, []byte("v"), kvstore.WithTTL(time.Minute)))

	_, err := store.Get(ctx, kvstore.Key{"k"})
	require.NoError(t, err)

	now = now.Add(time.Minute)

	_, err = store.Get(ctx, kvstore.Key{"k"})
	require.True(t, errors.Is(err, kvstore.ErrDataNotFound))
	require.Empty(t, store.db)

	require.NoError(t, store.Set(ctx, kvstore.Key{"k"}, []byte("v"), kvstore.WithTTL(time.Minute)))
	now = now.Add(2 * time.Minute)

	swapped, err := store.CompareAndSwap(ctx, kvstore.Key{"k"}, nil, []byte("w"))
	require.NoError(t, err)
	require.True(t, swapped)
}

func TestStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := New()
	key := kvstore.Key{"k"}

	swapped, err := store.CompareAndSwap(ctx, key, []byte("x"), []byte("1"))
	require.NoError(t, err)
	require.False(t, swapped)

	swapped, err = store.CompareAndSwap(ctx, key, nil, []byte("1"))
	require.NoError(t, err)
	require.True(t, swapped)

	swapped, err = store.CompareAndSwap(ctx, key, nil, []byte("2"))
	require.NoError(t, err)
	require.False(t, swapped)

	swapped, err = store.CompareAndSwap(ctx, key, []byte("2"), []byte("3"))
	require.NoError(t, err)
	require.False(t, swapped)

	swapped, err = store.CompareAndSwap(ctx, key, []byte("1"), []byte("3"))
	require.NoError(t, err)
	require.True(t, swapped)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("3"), got)
}

func TestStore_CompareAndSwapConcurrent(t *testing.T) {
	ctx := context.Background()
	store := New()

	var (
		wg   sync.WaitGroup
		wins int32
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			swapped, err := store.CompareAndSwap(ctx, kvstore.Key{"once"}, nil, []byte("1"))
			require.NoError(t, err)

			if swapped {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}

	wg.Wait()

	require.Equal(t, int32(1), wins)
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	store := New()

	require.NoError(t, store.Set(ctx, kvstore.Key{"p", "2"}, []byte("b")))
	require.NoError(t, store.Set(ctx, kvstore.Key{"p", "1"}, []byte("a")))
	require.NoError(t, store.Set(ctx, kvstore.Key{"q", "1"}, []byte("c")))
	require.NoError(t, store.Set(ctx, kvstore.Key{"p/x"}, []byte("d")))

	entries, err := store.List(ctx, kvstore.Key{"p"})
	require.NoError(t, err)
	require.Equal(t, []kvstore.Entry{
		{Key: kvstore.Key{"p", "1"}, Value: []byte("a")},
		{Key: kvstore.Key{"p", "2"}, Value: []byte("b")},
	}, entries)
}
