/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package redismq implements mq.Queue on a Redis list, with a sorted set holding delayed messages.
package redismq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/trustbloc/edge-core/pkg/log"

	"github.com/trustbloc/apfed/pkg/mq"
)

var logger = log.New("apfed-redismq")

const (
	defaultPollTimeout = time.Second
	promoteBatch       = 100
)

// promoteScript moves due messages from the delayed set KEYS[1] to the ready list KEYS[2].
var promoteScript = redis.NewScript(`
local items = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, item in ipairs(items) do
  redis.call("ZREM", KEYS[1], item)
  redis.call("LPUSH", KEYS[2], item)
end
return #items
`)

type envelope struct {
	ID      string `json:"id"`
	Body    []byte `json:"body"`
	Attempt int    `json:"attempt,omitempty"`
}

// Queue is a Redis-backed mq.Queue.
type Queue struct {
	client        redis.UniversalClient
	readyKey      string
	delayedKey    string
	pollTimeout   time.Duration
	maxAttempts   int
	retryInterval time.Duration
	now           func() time.Time
}

// Option configures a Queue.
type Option func(q *Queue)

// WithPollTimeout bounds how long a worker blocks waiting for a message, and so how quickly
// Listen notices cancellation.
func WithPollTimeout(d time.Duration) Option {
	return func(q *Queue) {
		q.pollTimeout = d
	}
}

// WithNativeRetrial makes the queue redeliver a message whose handler failed, up to maxAttempts
// deliveries in total, backing off exponentially from interval.
func WithNativeRetrial(maxAttempts int, interval time.Duration) Option {
	return func(q *Queue) {
		q.maxAttempts = maxAttempts
		q.retryInterval = interval
	}
}

// New returns a Queue named name.
func New(client redis.UniversalClient, name string, opts ...Option) *Queue {
	q := &Queue{
		client:      client,
		readyKey:    "apfed:mq:" + name,
		delayedKey:  "apfed:mq:" + name + ":delayed",
		pollTimeout: defaultPollTimeout,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// NativeRetrial reports whether failed messages are redelivered by the queue.
func (q *Queue) NativeRetrial() bool {
	return q.maxAttempts > 1
}

// Enqueue adds message to the queue.
func (q *Queue) Enqueue(ctx context.Context, message []byte, opts ...mq.EnqueueOption) error {
	return q.EnqueueMany(ctx, [][]byte{message}, opts...)
}

// EnqueueMany adds messages in one round trip.
func (q *Queue) EnqueueMany(ctx context.Context, messages [][]byte, opts ...mq.EnqueueOption) error {
	delay := mq.ApplyEnqueueOptions(opts...).Delay

	envelopes := make([]envelope, len(messages))
	for i, m := range messages {
		envelopes[i] = envelope{ID: uuid.New().String(), Body: m}
	}

	return q.push(ctx, envelopes, delay)
}

func (q *Queue) push(ctx context.Context, envelopes []envelope, delay time.Duration) error {
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, env := range envelopes {
			raw, err := json.Marshal(env)
			if err != nil {
				return fmt.Errorf("failed to marshal message envelope: %w", err)
			}

			if delay > 0 {
				due := q.now().Add(delay).UnixMilli()
				pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(due), Member: raw})
			} else {
				pipe.LPush(ctx, q.readyKey, raw)
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	return nil
}

// Listen consumes messages with the configured number of workers until ctx is done.
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
	for ctx.Err() == nil {
		if err := q.promote(handlerCtx); err != nil {
			logger.Warnf("failed to promote delayed messages: %s", err)
		}

		// Blocking pops use handlerCtx so a popped message is never abandoned by cancellation.
		result, err := q.client.BRPop(handlerCtx, q.pollTimeout, q.readyKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			logger.Warnf("failed to pop message: %s", err)

			select {
			case <-ctx.Done():
			case <-time.After(q.pollTimeout):
			}

			continue
		}

		q.handle(handlerCtx, handler, result[1])
	}
}

func (q *Queue) handle(ctx context.Context, handler mq.Handler, raw string) {
	var env envelope

	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		logger.Errorf("dropping malformed message: %s", err)

		return
	}

	err := handler(ctx, env.Body)
	if err == nil {
		return
	}

	if !q.NativeRetrial() || env.Attempt+1 >= q.maxAttempts {
		logger.Warnf("message %s failed after %d attempt(s): %s", env.ID, env.Attempt+1, err)

		return
	}

	env.Attempt++

	delay := q.retryDelay(env.Attempt)

	logger.Debugf("message %s failed, redelivering in %s: %s", env.ID, delay, err)

	if errPush := q.push(ctx, []envelope{env}, delay); errPush != nil {
		logger.Errorf("failed to requeue message %s: %s", env.ID, errPush)
	}
}

func (q *Queue) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.retryInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}

	return delay
}

func (q *Queue) promote(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)

	return promoteScript.Run(ctx, q.client, []string{q.delayedKey, q.readyKey}, now, promoteBatch).Err()
}
