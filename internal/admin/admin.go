// Package admin exposes the node's operational status over HTTP: session
// counts, known peers, and host resource stats, for the operator TUI and
// any external monitoring (§6 ambient stack — the spec names no admin
// surface explicitly, but every node in this codebase carries one).
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/memory"
	"github.com/pubsubclub/federation/internal/config"
	"github.com/pubsubclub/federation/internal/eventbus"
	"github.com/pubsubclub/federation/internal/logging"
)

// eventStreamBuffer bounds how many pending notifications a slow /events
// client can lag behind. Once the buffer is full, Bus.Publish blocks until
// the handler drains it; notifications are not dropped.
const eventStreamBuffer = 64

// SessionCounter is implemented by both the producer and consumer
// endpoints.
type SessionCounter interface {
	SessionCount() int
}

// PeerLister reports the dialer pool's currently-managed peers.
type PeerLister interface {
	Peers() []config.PeerAddress
}

// Status is the JSON body of GET /status.
type Status struct {
	ProducerSessions int                   `json:"producer_sessions"`
	ConsumerSessions int                   `json:"consumer_sessions"`
	Peers            []config.PeerAddress  `json:"peers"`
	Host             HostStats             `json:"host"`
	Timestamp        time.Time             `json:"timestamp"`
}

// HostStats is a snapshot of resource usage, taken on demand from
// go-osstat.
type HostStats struct {
	CPUUserPercent float64 `json:"cpu_user_percent"`
	MemUsedBytes   uint64  `json:"mem_used_bytes"`
	MemTotalBytes  uint64  `json:"mem_total_bytes"`
}

// Server serves the admin status surface.
type Server struct {
	producer SessionCounter
	consumer SessionCounter
	peers    PeerLister
	bus      *eventbus.Bus
	logger   *logging.Logger
	router   chi.Router
}

// New constructs the admin HTTP handler. bus may be nil, in which case
// GET /events reports no content and closes immediately.
func New(producer, consumer SessionCounter, peers PeerLister, bus *eventbus.Bus, logger *logging.Logger) *Server {
	s := &Server{producer: producer, consumer: consumer, peers: peers, bus: bus, logger: logger}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{
		ProducerSessions: s.producer.SessionCount(),
		ConsumerSessions: s.consumer.SessionCount(),
		Peers:            s.peers.Peers(),
		Host:             collectHostStats(s.logger),
		Timestamp:        time.Now(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleEvents streams lifecycle notifications as newline-delimited JSON
// for as long as the client stays connected, the same chunked-transfer,
// Flush-per-message pattern the gateway's log streaming handler uses. This
// is the real subscriber on the bus: the operator TUI's event feed reads
// from here instead of polling /status for changes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if s.bus == nil {
		return
	}

	ch := make(chan eventbus.Notification, eventStreamBuffer)
	sub := s.bus.Subscribe(ch)
	defer sub.Unsubscribe()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case err := <-sub.Err():
			if err != nil {
				s.logger.ComponentWarn(logging.ComponentAdmin, "event stream subscription ended")
			}
			return
		case n := <-ch:
			if err := enc.Encode(n); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// collectHostStats samples host CPU and memory via go-osstat. Failures are
// logged and return a zero-value snapshot rather than failing the whole
// status response.
func collectHostStats(logger *logging.Logger) HostStats {
	var hs HostStats

	cpuStats, err := cpu.Get()
	if err != nil {
		logger.ComponentWarn(logging.ComponentAdmin, "cpu stats unavailable")
	} else if cpuStats.Total > 0 {
		hs.CPUUserPercent = float64(cpuStats.User) / float64(cpuStats.Total) * 100
	}

	memStats, err := memory.Get()
	if err != nil {
		logger.ComponentWarn(logging.ComponentAdmin, "memory stats unavailable")
	} else {
		hs.MemUsedBytes = memStats.Used
		hs.MemTotalBytes = memStats.Total
	}

	return hs
}
