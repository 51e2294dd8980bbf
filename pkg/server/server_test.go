package server_test

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/buildcache/pkg/server"
)

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := server.New(zerolog.Nop(), "test")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)

	s.ServeHTTP(rr, req)

	assert.Equal(t, 200, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestReadyzDefaultsToOK(t *testing.T) {
	t.Parallel()

	s := server.New(zerolog.Nop(), "test")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/readyz", nil)

	s.ServeHTTP(rr, req)

	assert.Equal(t, 200, rr.Code)
}

func TestReadyzReportsFailure(t *testing.T) {
	t.Parallel()

	s := server.New(zerolog.Nop(), "test")
	s.SetReadyFunc(func() error { return errors.New("cache not warm") })

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/readyz", nil)

	s.ServeHTTP(rr, req)

	assert.Equal(t, 503, rr.Code)
	assert.Equal(t, "cache not warm", rr.Body.String())
}

func TestMetricsNotFoundWithoutGatherer(t *testing.T) {
	t.Parallel()

	s := server.New(zerolog.Nop(), "test")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	s.ServeHTTP(rr, req)

	assert.Equal(t, 404, rr.Code)
}

func TestMetricsServedWithGatherer(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total"})
	require.NoError(t, registry.Register(counter))
	counter.Inc()

	s := server.New(zerolog.Nop(), "test")
	s.SetGatherer(registry)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	s.ServeHTTP(rr, req)

	assert.Equal(t, 200, rr.Code)
	assert.Contains(t, rr.Body.String(), "test_total")
}
