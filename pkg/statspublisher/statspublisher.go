// Package statspublisher is a publish-only client for the coordinator and
// statistics-collector daemons (spec.md §1, their own implementation is
// out of scope). It reports pipeline events — cache hit/miss, remote
// dispatch outcome — best-effort, grounded on the teacher's analytics
// client shape: an otelhttp-instrumented client posting JSON events, never
// blocking the pipeline on delivery failure.
package statspublisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// EventKind names the pipeline event being reported.
type EventKind string

const (
	EventCacheHit      EventKind = "cache_hit"
	EventCacheMiss     EventKind = "cache_miss"
	EventRemoteSuccess EventKind = "remote_success"
	EventRemoteFailure EventKind = "remote_failure"
	EventLocalFallback EventKind = "local_fallback"
)

// Event is one pipeline occurrence reported to the collector.
type Event struct {
	Kind      EventKind `json:"kind"`
	Hostname  string    `json:"hostname"`
	Remote    string    `json:"remote,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Client publishes Events to a configured collector endpoint.
type Client struct {
	endpoint string
	hostname string
	http     *http.Client
}

// New creates a Client posting to endpoint (e.g.
// "http://stats-collector:9000/events") tagging every event with
// hostname.
func New(endpoint, hostname string) *Client {
	return &Client{
		endpoint: endpoint,
		hostname: hostname,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   5 * time.Second,
		},
	}
}

// Publish sends one event. Failures are logged, never returned: the
// pipeline must never stall or fail a compile because statistics could
// not be delivered.
func (c *Client) Publish(ctx context.Context, kind EventKind, remote string) {
	event := Event{
		Kind:      kind,
		Hostname:  c.hostname,
		Remote:    remote,
		Timestamp: time.Now(),
	}

	body, err := json.Marshal(event)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("statspublisher: failed to encode event")

		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("statspublisher: failed to build request")

		return
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("kind", string(kind)).Msg("statspublisher: publish failed")

		return
	}

	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= http.StatusBadRequest {
		zerolog.Ctx(ctx).Warn().
			Str("kind", string(kind)).
			Int("status", resp.StatusCode).
			Msg(fmt.Sprintf("statspublisher: collector rejected event: %s", resp.Status))
	}
}
