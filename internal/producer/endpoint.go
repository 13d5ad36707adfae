package producer

import (
	"net/http"
	"sync"

	"github.com/pubsubclub/federation/internal/eventbus"
	"github.com/pubsubclub/federation/internal/logging"
	"github.com/pubsubclub/federation/internal/transport"
	"github.com/pubsubclub/federation/internal/wire"
	"go.uber.org/zap"
)

// Endpoint owns every open Producer-side session and fans published events
// out to whichever sessions declared interest (§4.3, §4.4 scenario S1/S2).
type Endpoint struct {
	logger    *logging.Logger
	supported []wire.Version
	localNode *int32
	bus       *eventbus.Bus

	mu       sync.RWMutex
	sessions map[*Session]struct{}
}

// New constructs a Producer endpoint. localNode is nil when no NodeId is
// configured for self-loop tagging (§4.1). bus may be nil if lifecycle
// notifications aren't needed.
func New(supported []wire.Version, localNode *int32, bus *eventbus.Bus, logger *logging.Logger) *Endpoint {
	return &Endpoint{
		logger:    logger,
		supported: supported,
		localNode: localNode,
		bus:       bus,
		sessions:  make(map[*Session]struct{}),
	}
}

func (e *Endpoint) publish(n eventbus.Notification) {
	if e.bus != nil {
		e.bus.Publish(n)
	}
}

// ServeHTTP upgrades an inbound connection from a Consumer peer and runs its
// session to completion. This is the common topology: Consumers dial in,
// Producers accept (§4.1).
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r)
	if err != nil {
		e.logger.ComponentWarn(logging.ComponentProducer, "upgrade failed", zap.Error(err))
		return
	}
	e.runSession(conn)
}

// DialSession runs a single Producer session over an outbound connection
// this node initiated to a Consumer's listener (§4.1 scenario S1: "Producer
// dials Consumer"). The protocol role is unchanged — this side still waits
// for DeclaredVersions and replies with VersionChosen — only the transport
// direction differs. It satisfies dialer.Runner so a Producer's dial targets
// can be managed by the same reconnecting dialer.Pool the Consumer side
// uses.
func (e *Endpoint) DialSession(conn transport.Conn) (clean bool) {
	return e.runSession(conn)
}

// runSession runs a single Producer session to completion, tracking it in
// the registry for the duration, and reports whether the close was clean in
// the §4.5/§7 sense — relevant when the session came from DialSession and a
// dialer.Pool is deciding whether to reconnect; ignored when it came from
// ServeHTTP, since an accepted connection is never retried from this side.
func (e *Endpoint) runSession(conn transport.Conn) (clean bool) {
	s := newSession(conn, e.supported, e.localNode, e.logger)

	e.mu.Lock()
	e.sessions[s] = struct{}{}
	e.mu.Unlock()

	e.logger.ComponentInfo(logging.ComponentProducer, "session opened", zap.String("remote", conn.RemoteAddr()))

	clean = s.run()

	e.mu.Lock()
	delete(e.sessions, s)
	e.mu.Unlock()

	e.logger.ComponentInfo(logging.ComponentProducer, "session closed",
		zap.String("remote", conn.RemoteAddr()), zap.Bool("clean", clean))
	e.publish(eventbus.Notification{Kind: eventbus.SessionClosed, SessionID: s.ID, Role: "producer"})
	return clean
}

// Publish fans event out to every ready session that declared interest in
// topic. Per-session send failures are logged and that session is closed;
// they never propagate to the caller (§4.3).
func (e *Endpoint) Publish(topic string, event []byte) {
	e.mu.RLock()
	targets := make([]*Session, 0, len(e.sessions))
	for s := range e.sessions {
		if s.Ready() {
			targets = append(targets, s)
		}
	}
	e.mu.RUnlock()

	for _, s := range targets {
		if err := s.Publish(topic, event); err != nil {
			e.logger.ComponentWarn(logging.ComponentProducer, "publish to session failed, closing session",
				zap.String("session", s.ID), zap.Error(err))
			s.conn.Close()
		}
	}
}

// SessionCount reports the number of currently open sessions, ready or not,
// for the admin status surface.
func (e *Endpoint) SessionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}
