package admin

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pubsubclub/federation/internal/config"
	"github.com/pubsubclub/federation/internal/eventbus"
	"github.com/pubsubclub/federation/internal/logging"
)

type fakeCounter struct{ n int }

func (f fakeCounter) SessionCount() int { return f.n }

type fakePeerLister struct{ peers []config.PeerAddress }

func (f fakePeerLister) Peers() []config.PeerAddress { return f.peers }

func TestServer_StatusReportsSessionCountsAndPeers(t *testing.T) {
	s := New(
		fakeCounter{n: 3},
		fakeCounter{n: 5},
		fakePeerLister{peers: []config.PeerAddress{{Host: "10.0.0.1", Port: 9001}}},
		nil,
		logging.NewNop(),
	)

	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var status Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.ProducerSessions != 3 || status.ConsumerSessions != 5 {
		t.Fatalf("unexpected session counts: %+v", status)
	}
	if len(status.Peers) != 1 || status.Peers[0].Host != "10.0.0.1" {
		t.Fatalf("unexpected peers: %+v", status.Peers)
	}
}

func TestServer_Healthz(t *testing.T) {
	s := New(fakeCounter{}, fakeCounter{}, fakePeerLister{}, nil, logging.NewNop())

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

// TestServer_EventsStreamsBusNotifications is the regression for the
// eventbus actually having a subscriber: a notification published on the
// bus must show up as a line of NDJSON on GET /events.
func TestServer_EventsStreamsBusNotifications(t *testing.T) {
	bus := eventbus.New()
	s := New(fakeCounter{}, fakeCounter{}, fakePeerLister{}, bus, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.ServeHTTP(rec, req)
		close(done)
	}()

	// Give handleEvents time to subscribe before publishing, since there's
	// no synchronous ack for "a subscriber is now registered".
	time.Sleep(20 * time.Millisecond)
	bus.Publish(eventbus.Notification{Kind: eventbus.PeerConnected, Peer: "10.0.0.1:9001"})
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event stream never stopped after context cancellation")
	}

	if !strings.Contains(rec.Body.String(), "peer_connected") {
		t.Fatalf("expected streamed notification in body, got %q", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "10.0.0.1:9001") {
		t.Fatalf("expected peer address in streamed notification, got %q", rec.Body.String())
	}
}
