package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/openkcm/acr-manager/internal/config"
)

func metricsConfig() *config.Config {
	return &config.Config{
		BaseConfig: commoncfg.BaseConfig{
			Application: commoncfg.Application{
				Name:        "test-app",
				Environment: "test",
			},
		},
	}
}

// withManualReader installs a meter provider backed by a manual reader for
// the duration of the test.
func withManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	previous := otel.GetMeterProvider()
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(previous) })

	return reader
}

// requestCounts sums http.request_count per operation attribute.
func requestCounts(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "http.request_count" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				op, _ := dp.Attributes.Value(commoncfg.AttrOperation)
				counts[op.AsString()] += dp.Value
			}
		}
	}

	return counts
}

func TestInitMeters(t *testing.T) {
	t.Run("initializes meters successfully", func(t *testing.T) {
		err := initMeters(t.Context(), metricsConfig())
		assert.NoError(t, err)
		assert.NotNil(t, counter)
		assert.NotNil(t, hist)
	})
}

func TestNewTraceMiddleware(t *testing.T) {
	t.Run("records requests by route pattern", func(t *testing.T) {
		reader := withManualReader(t)
		cfg := metricsConfig()
		require.NoError(t, initMeters(t.Context(), cfg))

		r := chi.NewRouter()
		r.Use(newTraceMiddleware(cfg))
		r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})

		for _, path := range []string{"/items/1", "/items/2", "/missing"} {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		}

		counts := requestCounts(t, reader)
		assert.Equal(t, int64(2), counts["/items/{id}"])
		assert.Equal(t, int64(1), counts[unmatchedRoute])
	})

	t.Run("extracts parent trace context from headers", func(t *testing.T) {
		cfg := metricsConfig()
		require.NoError(t, initMeters(t.Context(), cfg))

		called := false
		handler := newTraceMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/trace-test", nil)
		req.Header.Set("Traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.True(t, called)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
