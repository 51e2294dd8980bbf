package statspublisher_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalbasit/buildcache/pkg/statspublisher"
)

func TestPublishPostsEvent(t *testing.T) {
	t.Parallel()

	received := make(chan statspublisher.Event, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event statspublisher.Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("decode request body: %v", err)
		}

		received <- event
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := statspublisher.New(srv.URL, "host-1")
	client.Publish(context.Background(), statspublisher.EventCacheHit, "")

	select {
	case event := <-received:
		if event.Kind != statspublisher.EventCacheHit {
			t.Fatalf("kind = %q, want %q", event.Kind, statspublisher.EventCacheHit)
		}

		if event.Hostname != "host-1" {
			t.Fatalf("hostname = %q, want host-1", event.Hostname)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestPublishNeverBlocksOnFailure(t *testing.T) {
	t.Parallel()

	client := statspublisher.New("http://127.0.0.1:0", "host-1")

	done := make(chan struct{})

	go func() {
		client.Publish(context.Background(), statspublisher.EventRemoteFailure, "remote-a")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked despite an unreachable collector")
	}
}
