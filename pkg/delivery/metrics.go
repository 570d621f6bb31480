/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package delivery

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/trustbloc/apfed/pkg/delivery"

// Outcomes recorded on the delivery counter.
const (
	outcomeDelivered = "delivered"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
)

type metrics struct {
	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(provider metric.MeterProvider) *metrics {
	meter := provider.Meter(instrumentationName)

	attempts, err := meter.Int64Counter("apfed.delivery.attempts",
		metric.WithDescription("Outbound delivery attempts by outcome"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		logger.Warnf("failed to create delivery counter: %s", err)
	}

	duration, err := meter.Float64Histogram("apfed.delivery.duration",
		metric.WithDescription("Outbound delivery duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		logger.Warnf("failed to create delivery histogram: %s", err)
	}

	return &metrics{attempts: attempts, duration: duration}
}

func (m *metrics) record(ctx context.Context, host, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("apfed.delivery.host", host),
		attribute.String("apfed.delivery.outcome", outcome),
	)

	if m.attempts != nil {
		m.attempts.Add(ctx, 1, attrs)
	}

	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// hostLimiter keeps one token bucket per destination host.
type hostLimiter struct {
	mutex    sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newHostLimiter(perSecond float64, burst int) *hostLimiter {
	if perSecond <= 0 {
		return nil
	}

	if burst < 1 {
		burst = 1
	}

	return &hostLimiter{limit: rate.Limit(perSecond), burst: burst, limiters: map[string]*rate.Limiter{}}
}

// wait blocks until host may be contacted. A nil limiter never blocks.
func (l *hostLimiter) wait(ctx context.Context, host string) error {
	if l == nil {
		return nil
	}

	l.mutex.Lock()

	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}

	l.mutex.Unlock()

	return limiter.Wait(ctx)
}
