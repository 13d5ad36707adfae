// Package producer implements the federation Producer endpoint: it owns
// sessions with peer Consumers, learns their subscription interest, and
// forwards locally-dispatched events to whichever sessions declared it
// (§4.3).
package producer

import (
	"sync"

	"github.com/pubsubclub/federation/internal/logging"
	"github.com/pubsubclub/federation/internal/session"
	"github.com/pubsubclub/federation/internal/transport"
	"github.com/pubsubclub/federation/internal/wire"
	"go.uber.org/zap"
)

// Session is one open federation connection with a Consumer peer, as seen
// from the Producer side (§3, §4.2 READY producer-side transitions).
type Session struct {
	ID         string
	conn       transport.Conn
	logger     *logging.Logger
	supported  []wire.Version
	localNode  *int32

	mu      sync.Mutex
	ready   bool
	version wire.Version
	subs    map[string]struct{}
}

func newSession(conn transport.Conn, supported []wire.Version, localNode *int32, logger *logging.Logger) *Session {
	return &Session{
		ID:        session.NewID(),
		conn:      conn,
		logger:    logger,
		supported: supported,
		localNode: localNode,
		subs:      make(map[string]struct{}),
	}
}

// Ready reports whether the session has completed the version handshake.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Topics returns a snapshot of the peer's declared subscription set.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.subs))
	for t := range s.subs {
		topics = append(topics, t)
	}
	return topics
}

// Publish sends topic/event to the peer if it has declared interest in
// topic; otherwise it's a silent no-op (§4.2 READY producer-side: "if
// topic ∈ session.subs, send 301").
func (s *Session) Publish(topic string, event []byte) error {
	s.mu.Lock()
	_, interested := s.subs[topic]
	s.mu.Unlock()
	if !interested {
		return nil
	}
	payload, err := wire.EncodePublish(topic, event)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(payload)
}

// run drives the session to completion: AWAIT_DECLARED handshake, then
// the READY loop servicing Subscribe/Unsubscribe/decode-failure. It
// blocks until the session closes and reports whether the close was
// "clean" in the §4.5/§7 sense (a close this side or the peer initiated
// deliberately, which should suppress dialer retry) as opposed to a
// transport error.
func (s *Session) run() (clean bool) {
	defer s.conn.Close()

	frame, err := readOneFrame(s.conn)
	if err != nil {
		s.logger.ComponentWarn(logging.ComponentSession, "producer session: handshake read failed",
			zap.String("session", s.ID), zap.Error(err))
		return false
	}
	if frame.Code != wire.DeclaredVersions {
		s.logger.ComponentWarn(logging.ComponentSession, "producer session: unexpected first frame",
			zap.String("session", s.ID), zap.Int("code", frame.Code))
		_ = s.conn.WriteClose(1002, "expected DeclaredVersions")
		return false
	}
	declared, err := wire.DecodeDeclaredVersions(frame.Params)
	if err != nil {
		s.logger.ComponentWarn(logging.ComponentSession, "producer session: malformed DeclaredVersions",
			zap.String("session", s.ID), zap.Error(err))
		_ = s.conn.WriteClose(1002, "malformed frame")
		return false
	}

	chosen, ok := wire.NegotiateVersion(declared, s.supported)
	if !ok {
		s.logger.ComponentInfo(logging.ComponentSession, "producer session: no mutual version, closing",
			zap.String("session", s.ID))
		_ = s.conn.WriteClose(1000, "no mutual version")
		return true
	}

	payload, err := wire.EncodeVersionChosen(chosen, s.localNode)
	if err != nil {
		return false
	}
	if err := s.conn.WriteMessage(payload); err != nil {
		return false
	}

	s.mu.Lock()
	s.ready = true
	s.version = chosen
	s.mu.Unlock()

	return s.readyLoop()
}

func (s *Session) readyLoop() (clean bool) {
	err := session.ReadLoop(s.conn, func(frame wire.Frame) error {
		switch frame.Code {
		case wire.Subscribe:
			topic, err := wire.DecodeTopic(frame.Code, frame.Params)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.subs[topic] = struct{}{}
			s.mu.Unlock()
			return nil
		case wire.Unsubscribe:
			topic, err := wire.DecodeTopic(frame.Code, frame.Params)
			if err != nil {
				return err
			}
			// Idempotent: removing an absent topic is a no-op (§4.2,
			// §8 property 8), which delete already satisfies.
			s.mu.Lock()
			delete(s.subs, topic)
			s.mu.Unlock()
			return nil
		default:
			return &wire.ErrMalformedFrame{Reason: "unexpected action code in READY (producer side)"}
		}
	})
	if err != nil {
		s.logger.ComponentDebug(logging.ComponentSession, "producer session: closing",
			zap.String("session", s.ID), zap.Error(err))
	}
	return transport.IsCleanClose(err)
}

func readOneFrame(conn transport.Conn) (wire.Frame, error) {
	payload, err := conn.ReadMessage()
	if err != nil {
		return wire.Frame{}, err
	}
	return wire.Decode(payload)
}
