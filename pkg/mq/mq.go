/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package mq defines the message queue contract used for outbound delivery and inbound processing.
package mq

import (
	"context"
	"time"
)

// Handler processes one message. The context passed to it is not cancelled when listening stops,
// so in-flight work can finish.
type Handler func(ctx context.Context, message []byte) error

// EnqueueOptions holds per-message options.
type EnqueueOptions struct {
	Delay time.Duration
}

// EnqueueOption configures an enqueue.
type EnqueueOption func(opts *EnqueueOptions)

// WithDelay holds the message back for d before it becomes visible to listeners.
func WithDelay(d time.Duration) EnqueueOption {
	return func(opts *EnqueueOptions) {
		opts.Delay = d
	}
}

// ApplyEnqueueOptions folds opts into an EnqueueOptions value.
func ApplyEnqueueOptions(opts ...EnqueueOption) EnqueueOptions {
	var o EnqueueOptions

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// ListenOptions holds listener options.
type ListenOptions struct {
	Workers int
}

// ListenOption configures Listen.
type ListenOption func(opts *ListenOptions)

// WithWorkers bounds the number of messages handled concurrently.
func WithWorkers(n int) ListenOption {
	return func(opts *ListenOptions) {
		opts.Workers = n
	}
}

// ApplyListenOptions folds opts into a ListenOptions value. Workers defaults to 1.
func ApplyListenOptions(opts ...ListenOption) ListenOptions {
	o := ListenOptions{Workers: 1}

	for _, opt := range opts {
		opt(&o)
	}

	if o.Workers < 1 {
		o.Workers = 1
	}

	return o
}

// Queue is the required message queue contract.
type Queue interface {
	// Enqueue fails if the message could not be accepted.
	Enqueue(ctx context.Context, message []byte, opts ...EnqueueOption) error
	// Listen consumes messages until ctx is done, then waits for in-flight handlers and returns.
	Listen(ctx context.Context, handler Handler, opts ...ListenOption) error
}

// BatchEnqueuer is implemented by queues able to accept several messages at once.
type BatchEnqueuer interface {
	EnqueueMany(ctx context.Context, messages [][]byte, opts ...EnqueueOption) error
}

// NativeRetrier is implemented by queues that redeliver a message whose handler failed.
type NativeRetrier interface {
	NativeRetrial() bool
}

// EnqueueMany enqueues messages in one batch if q supports it, otherwise one by one.
func EnqueueMany(ctx context.Context, q Queue, messages [][]byte, opts ...EnqueueOption) error {
	if batch, ok := q.(BatchEnqueuer); ok {
		return batch.EnqueueMany(ctx, messages, opts...)
	}

	for _, m := range messages {
		if err := q.Enqueue(ctx, m, opts...); err != nil {
			return err
		}
	}

	return nil
}

// HasNativeRetrial reports whether q redelivers failed messages itself.
func HasNativeRetrial(q Queue) bool {
	r, ok := q.(NativeRetrier)

	return ok && r.NativeRetrial()
}
