/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package delivery

import (
	"math/rand"
	"time"
)

// RetryContext describes a failed delivery attempt.
type RetryContext struct {
	// Attempt is the number of attempts made so far, starting at 1.
	Attempt int
	Err     error
}

// RetryPolicy returns the delay before the next attempt, or false to give up.
type RetryPolicy func(rc RetryContext) (time.Duration, bool)

// BackoffConfig parametrizes exponential backoff with decorrelated jitter.
type BackoffConfig struct {
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

// DefaultBackoffConfig returns the parameters of DefaultRetryPolicy.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:     time.Second,
		Max:         12 * time.Hour,
		Multiplier:  2,
		MaxAttempts: 10,
	}
}

// Backoff computes retry delays. Attempt n waits at least the plain exponential delay for n
// and at most three times the exponential delay for n-1, both capped at Max.
type Backoff struct {
	config BackoffConfig
	int63n func(n int64) int64
}

// NewBackoff returns a Backoff for config. Zero fields take their default values.
func NewBackoff(config BackoffConfig) *Backoff {
	defaults := DefaultBackoffConfig()

	if config.Initial <= 0 {
		config.Initial = defaults.Initial
	}

	if config.Max <= 0 {
		config.Max = defaults.Max
	}

	if config.Multiplier < 1 {
		config.Multiplier = defaults.Multiplier
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}

	return &Backoff{config: config, int63n: rand.Int63n}
}

// Bounds returns the range the delay after attempt is drawn from, or false once attempt
// reaches the ceiling.
func (b *Backoff) Bounds(attempt int) (time.Duration, time.Duration, bool) {
	if attempt < 1 || attempt >= b.config.MaxAttempts {
		return 0, 0, false
	}

	lo := b.exponential(attempt)

	hi := b.exponential(attempt-1) * 3
	if hi > b.config.Max || hi <= 0 {
		hi = b.config.Max
	}

	if hi < lo {
		hi = lo
	}

	return lo, hi, true
}

// Policy returns b as a RetryPolicy.
func (b *Backoff) Policy() RetryPolicy {
	return func(rc RetryContext) (time.Duration, bool) {
		lo, hi, ok := b.Bounds(rc.Attempt)
		if !ok {
			return 0, false
		}

		if hi == lo {
			return lo, true
		}

		return lo + time.Duration(b.int63n(int64(hi-lo)+1)), true
	}
}

func (b *Backoff) exponential(attempt int) time.Duration {
	delay := float64(b.config.Initial)

	for i := 1; i < attempt; i++ {
		delay *= b.config.Multiplier

		if delay >= float64(b.config.Max) {
			return b.config.Max
		}
	}

	return time.Duration(delay)
}

// DefaultRetryPolicy retries up to 10 attempts, from one second up to twelve hours apart.
func DefaultRetryPolicy() RetryPolicy {
	return NewBackoff(DefaultBackoffConfig()).Policy()
}
