/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package redismq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trustbloc/apfed/pkg/internal/testutil/redistest"
	"github.com/trustbloc/apfed/pkg/mq"
)

var server *redistest.Server

func TestMain(m *testing.M) {
	var err error

	server, err = redistest.Start()
	if err != nil {
		fmt.Println(err.Error())
	}

	code := m.Run()

	server.Stop()

	os.Exit(code)
}

func listenUntil(t *testing.T, q *Queue, want int, handler mq.Handler) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	var (
		mutex sync.Mutex
		count int
	)

	done := make(chan struct{})

	go func() {
		defer close(done)

		require.NoError(t, q.Listen(ctx, func(ctx context.Context, message []byte) error {
			err := handler(ctx, message)

			mutex.Lock()
			count++
			if count == want {
				cancel()
			}
			mutex.Unlock()

			return err
		}, mq.WithWorkers(2)))
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("listener did not receive the expected messages")
	}
}

func TestQueue_EnqueueListen(t *testing.T) {
	q := New(redistest.Client(t, server), "test", WithPollTimeout(100*time.Millisecond))
	ctx := context.Background()

	require.False(t, q.NativeRetrial())
	require.NoError(t, q.Enqueue(ctx, []byte("a")))
	require.NoError(t, mq.EnqueueMany(ctx, q, [][]byte{[]byte("b"), []byte("c")}))
	require.NoError(t, q.Enqueue(ctx, []byte("d"), mq.WithDelay(200*time.Millisecond)))

	var (
		mutex    sync.Mutex
		received = map[string]bool{}
	)

	listenUntil(t, q, 4, func(_ context.Context, message []byte) error {
		mutex.Lock()
		defer mutex.Unlock()

		received[string(message)] = true

		return nil
	})

	require.Equal(t, map[string]bool{"a": true, "b": true, "c": true, "d": true}, received)
}

func TestQueue_NativeRetrial(t *testing.T) {
	q := New(redistest.Client(t, server), "retry",
		WithPollTimeout(100*time.Millisecond), WithNativeRetrial(3, 10*time.Millisecond))
	ctx := context.Background()

	require.True(t, q.NativeRetrial())
	require.NoError(t, q.Enqueue(ctx, []byte("flaky")))

	var attempts int32

	listenUntil(t, q, 3, func(context.Context, []byte) error {
		atomic.AddInt32(&attempts, 1)

		return errors.New("still failing")
	})

	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestQueue_RetryDelay(t *testing.T) {
	q := New(nil, "x", WithNativeRetrial(5, 100*time.Millisecond))

	require.Equal(t, 100*time.Millisecond, q.retryDelay(1))
	require.Equal(t, 150*time.Millisecond, q.retryDelay(2))
	require.Equal(t, 225*time.Millisecond, q.retryDelay(3))
}
