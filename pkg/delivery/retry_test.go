/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package delivery_test

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/trustbloc/apfed/pkg/delivery"
)

func TestBackoff_MonotonicEnvelope(t *testing.T) {
	b := delivery.NewBackoff(delivery.DefaultBackoffConfig())

	var prevLo, prevHi time.Duration

	for attempt := 1; attempt < delivery.DefaultBackoffConfig().MaxAttempts; attempt++ {
		lo, hi, ok := b.Bounds(attempt)
		require.True(t, ok, "attempt %d", attempt)
		require.LessOrEqual(t, lo, hi)
		require.GreaterOrEqual(t, lo, prevLo)
		require.GreaterOrEqual(t, hi, prevHi)
		require.LessOrEqual(t, hi, 12*time.Hour)

		prevLo, prevHi = lo, hi
	}

	_, _, ok := b.Bounds(delivery.DefaultBackoffConfig().MaxAttempts)
	require.False(t, ok)

	_, ok = delivery.DefaultRetryPolicy()(delivery.RetryContext{Attempt: 10, Err: errors.New("down")})
	require.False(t, ok)
}

func TestBackoff_CappedAtMax(t *testing.T) {
	b := delivery.NewBackoff(delivery.BackoffConfig{
		Initial:     time.Minute,
		Max:         10 * time.Minute,
		MaxAttempts: 50,
	})

	lo, hi, ok := b.Bounds(40)
	require.True(t, ok)
	require.Equal(t, 10*time.Minute, lo)
	require.Equal(t, 10*time.Minute, hi)
}

func TestRetryPolicy_WithinBounds(t *testing.T) {
	b := delivery.NewBackoff(delivery.DefaultBackoffConfig())
	policy := b.Policy()

	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("delay lies within the attempt's bounds", prop.ForAll(
		func(attempt int) bool {
			lo, hi, ok := b.Bounds(attempt)
			delay, retry := policy(delivery.RetryContext{Attempt: attempt})

			return ok == retry && (!ok || (delay >= lo && delay <= hi))
		},
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}
