package consumer

import (
	"net/http"
	"sync"

	"github.com/pubsubclub/federation/internal/broker"
	"github.com/pubsubclub/federation/internal/eventbus"
	"github.com/pubsubclub/federation/internal/logging"
	"github.com/pubsubclub/federation/internal/transport"
	"github.com/pubsubclub/federation/internal/wire"
	"go.uber.org/zap"
)

// Endpoint owns every open Consumer-side session, the local broker handle,
// and the current set of topics this node's clients have declared interest
// in (§4.4). It implements broker.SubscriptionSink so the local broker can
// drive it directly.
type Endpoint struct {
	logger    *logging.Logger
	supported []wire.Version
	localNode *int32
	brk       broker.Broker
	bus       *eventbus.Bus

	mu       sync.RWMutex
	sessions map[*Session]struct{}
	topics   map[string]int // topic -> local subscriber count
}

var _ broker.SubscriptionSink = (*Endpoint)(nil)

// New constructs a Consumer endpoint bound to a local broker. bus may be
// nil if lifecycle notifications aren't needed.
func New(supported []wire.Version, localNode *int32, brk broker.Broker, bus *eventbus.Bus, logger *logging.Logger) *Endpoint {
	return &Endpoint{
		logger:    logger,
		supported: supported,
		localNode: localNode,
		brk:       brk,
		bus:       bus,
		sessions:  make(map[*Session]struct{}),
		topics:    make(map[string]int),
	}
}

func (e *Endpoint) publish(n eventbus.Notification) {
	if e.bus != nil {
		e.bus.Publish(n)
	}
}

// RunSession runs conn to completion as a Consumer session. It's called
// from the reconnecting dialer (internal/dialer) once per successful
// connect, and blocks until the session ends, returning whether the close
// was clean (§4.5).
func (e *Endpoint) RunSession(conn transport.Conn) (clean bool) {
	s := newSession(conn, e.supported, e.localNode, e.brk, e.logger)

	e.mu.Lock()
	e.sessions[s] = struct{}{}
	e.mu.Unlock()

	e.logger.ComponentInfo(logging.ComponentConsumer, "session opened", zap.String("remote", conn.RemoteAddr()))

	clean = s.run(e.currentTopics, e.onSessionReady, e.onSessionClosed)

	e.logger.ComponentInfo(logging.ComponentConsumer, "session closed",
		zap.String("remote", conn.RemoteAddr()), zap.Bool("clean", clean))
	return clean
}

// ServeHTTP accepts an inbound connection from a Producer peer and runs it
// as a Consumer session (§4.1 scenario S1: "Producer dials Consumer"). The
// protocol role is unchanged from RunSession's — this side still sends
// DeclaredVersions first — only the transport direction differs: here the
// remote end initiated the connection instead of this node's dialer.Pool.
// The resulting clean/unclean verdict isn't meaningful to a caller since an
// accepted connection is never retried from this side.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r)
	if err != nil {
		e.logger.ComponentWarn(logging.ComponentConsumer, "upgrade failed", zap.Error(err))
		return
	}
	e.RunSession(conn)
}

func (e *Endpoint) currentTopics() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	topics := make([]string, 0, len(e.topics))
	for t := range e.topics {
		topics = append(topics, t)
	}
	return topics
}

func (e *Endpoint) onSessionReady(s *Session) {
	// Newly-ready sessions already replayed the current subscription set
	// from inside Session.run before this callback fires; nothing further
	// to do here beyond the lifecycle notification.
	e.publish(eventbus.Notification{Kind: eventbus.SessionReady, SessionID: s.ID, Role: "consumer"})
}

func (e *Endpoint) onSessionClosed(s *Session) {
	e.mu.Lock()
	delete(e.sessions, s)
	e.mu.Unlock()
	e.publish(eventbus.Notification{Kind: eventbus.SessionClosed, SessionID: s.ID, Role: "consumer"})
}

// OnClientSubscribed is the broker's "first local subscriber" edge
// trigger (§4.4): on the 0->1 transition for topic, every ready session
// is told to Subscribe. On subsequent calls for an already-interesting
// topic it's a no-op beyond bookkeeping, since peers already know.
func (e *Endpoint) OnClientSubscribed(topic string) {
	e.mu.Lock()
	e.topics[topic]++
	first := e.topics[topic] == 1
	e.mu.Unlock()

	if !first {
		return
	}
	e.broadcast(topic, (*Session).SendSubscribe)
}

// OnClientUnsubscribed is the broker's "last local unsubscriber" edge
// trigger: on the 1->0 transition for topic, every ready session is told
// to Unsubscribe. Calling this for a topic with no tracked subscribers is
// a no-op (mirrors the idempotence required of the wire-level Unsubscribe
// itself, §8 property 8).
func (e *Endpoint) OnClientUnsubscribed(topic string) {
	e.mu.Lock()
	count, ok := e.topics[topic]
	if !ok || count == 0 {
		e.mu.Unlock()
		return
	}
	count--
	if count == 0 {
		delete(e.topics, topic)
	} else {
		e.topics[topic] = count
	}
	last := count == 0
	e.mu.Unlock()

	if !last {
		return
	}
	e.broadcast(topic, (*Session).SendUnsubscribe)
}

func (e *Endpoint) broadcast(topic string, send func(*Session, string) error) {
	e.mu.RLock()
	targets := make([]*Session, 0, len(e.sessions))
	for s := range e.sessions {
		if s.Ready() {
			targets = append(targets, s)
		}
	}
	e.mu.RUnlock()

	for _, s := range targets {
		if err := send(s, topic); err != nil {
			e.logger.ComponentWarn(logging.ComponentConsumer, "subscription frame send failed, closing session",
				zap.String("session", s.ID), zap.String("topic", topic), zap.Error(err))
			s.conn.Close()
		}
	}
}

// SessionCount reports the number of currently open sessions, for the
// admin status surface.
func (e *Endpoint) SessionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}
