/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package delivery_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/trustbloc/apfed/pkg/delivery"
)

func TestQueue_Metrics(t *testing.T) {
	kp := newKeyPair(t)

	codes := map[string]int{"/ok": http.StatusAccepted, "/busy": http.StatusServiceUnavailable, "/gone": http.StatusGone}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(codes[r.URL.Path])
	}))
	defer srv.Close()

	reader := sdkmetric.NewManualReader()
	q := delivery.New(&recordingQueue{}, delivery.WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))

	for _, path := range []string{"/ok", "/ok", "/busy", "/gone"} {
		require.NoError(t, q.ProcessDelivery(context.Background(), deliveryTask(t, srv.URL+path, kp, 0)))
	}

	var rm metricdata.ResourceMetrics

	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "apfed.delivery.attempts" {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)

			for _, dp := range sum.DataPoints {
				outcome, _ := dp.Attributes.Value(attribute.Key("apfed.delivery.outcome"))
				counts[outcome.AsString()] += dp.Value
			}
		}
	}

	require.Equal(t, map[string]int64{"delivered": 2, "retried": 1, "failed": 1}, counts)
}
