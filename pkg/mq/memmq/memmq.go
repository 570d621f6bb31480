/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package memmq is an in-process message queue. Messages do not survive a restart.
package memmq

import (
	"context"
	"sync"
	"time"

	"github.com/trustbloc/edge-core/pkg/log"

	"github.com/trustbloc/apfed/pkg/mq"
)

var logger = log.New("apfed-memmq")

// Queue is an unbounded in-memory FIFO with delayed delivery.
type Queue struct {
	mutex   sync.Mutex
	pending [][]byte
	notify  chan struct{}
	timers  sync.WaitGroup
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Enqueue adds message to the queue, after the configured delay if any.
func (q *Queue) Enqueue(_ context.Context, message []byte, opts ...mq.EnqueueOption) error {
	delay := mq.ApplyEnqueueOptions(opts...).Delay
	if delay <= 0 {
		q.push(message)

		return nil
	}

	q.timers.Add(1)

	time.AfterFunc(delay, func() {
		defer q.timers.Done()

		q.push(message)
	})

	return nil
}

// EnqueueMany adds all messages under one lock.
func (q *Queue) EnqueueMany(ctx context.Context, messages [][]byte, opts ...mq.EnqueueOption) error {
	if mq.ApplyEnqueueOptions(opts...).Delay > 0 {
		for _, m := range messages {
			if err := q.Enqueue(ctx, m, opts...); err != nil {
				return err
			}
		}

		return nil
	}

	q.mutex.Lock()
	q.pending = append(q.pending, messages...)
	q.mutex.Unlock()

	q.signal()

	return nil
}

// Listen handles messages with the configured number of workers until ctx is done.
// Handler failures are logged; the message is not redelivered.
func (q *Queue) Listen(ctx context.Context, handler mq.Handler, opts ...mq.ListenOption) error {
	workers := mq.ApplyListenOptions(opts...).Workers
	handlerCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			q.work(ctx, handlerCtx, handler)
		}()
	}

	wg.Wait()

	return nil
}

func (q *Queue) work(ctx, handlerCtx context.Context, handler mq.Handler) {
	for {
		if ctx.Err() != nil {
			return
		}

		message, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
			}

			continue
		}

		if err := handler(handlerCtx, message); err != nil {
			logger.Warnf("message handler failed: %s", err)
		}
	}
}

// Len returns the number of messages ready for delivery.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return len(q.pending)
}

// Drain waits for delayed messages to become ready.
func (q *Queue) Drain() {
	q.timers.Wait()
}

func (q *Queue) push(message []byte) {
	q.mutex.Lock()
	q.pending = append(q.pending, message)
	q.mutex.Unlock()

	q.signal()
}

func (q *Queue) pop() ([]byte, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.pending) == 0 {
		return nil, false
	}

	message := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	if len(q.pending) > 0 {
		// wake another worker
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}

	return message, true
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
