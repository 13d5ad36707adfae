// Package consumer implements the federation Consumer endpoint: it dials
// Producer peers, declares local subscription interest, and injects
// inbound events into the node's local broker (§4.4).
package consumer

import (
	"sync"

	"github.com/pubsubclub/federation/internal/broker"
	"github.com/pubsubclub/federation/internal/logging"
	"github.com/pubsubclub/federation/internal/session"
	"github.com/pubsubclub/federation/internal/transport"
	"github.com/pubsubclub/federation/internal/wire"
	"go.uber.org/zap"
)

// Session is one open federation connection to a Producer peer, as seen
// from the Consumer side (§3, §4.2 READY consumer-side transitions).
type Session struct {
	ID        string
	conn      transport.Conn
	logger    *logging.Logger
	supported []wire.Version
	localNode *int32
	brk       broker.Broker
	pinger    *session.Pinger

	mu      sync.Mutex
	ready   bool
	version wire.Version
}

func newSession(conn transport.Conn, supported []wire.Version, localNode *int32, brk broker.Broker, logger *logging.Logger) *Session {
	return &Session{
		ID:        session.NewID(),
		conn:      conn,
		logger:    logger,
		supported: supported,
		localNode: localNode,
		brk:       brk,
	}
}

// Ready reports whether the session completed the version handshake.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// sendTopicFrame writes a Subscribe or Unsubscribe frame to the peer. The
// endpoint only sends these to sessions that are Ready.
func (s *Session) sendTopicFrame(encode func(string) ([]byte, error), topic string) error {
	payload, err := encode(topic)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(payload)
}

func (s *Session) SendSubscribe(topic string) error {
	return s.sendTopicFrame(wire.EncodeSubscribe, topic)
}

func (s *Session) SendUnsubscribe(topic string) error {
	return s.sendTopicFrame(wire.EncodeUnsubscribe, topic)
}

// run drives the session to completion: it sends DeclaredVersions, awaits
// VersionChosen, checks for self-loop, replays the current subscription
// set via replaySubs, starts the liveness pinger, then services inbound
// Publish frames until the connection closes. It reports whether the
// close was "clean" in the §4.5/§7 sense (self-loop suppression or a
// deliberate disconnect, which should suppress dialer retry).
func (s *Session) run(replaySubs func() []string, onReady func(*Session), onClosed func(*Session)) (clean bool) {
	defer s.conn.Close()
	defer func() {
		if s.pinger != nil {
			s.pinger.Stop()
		}
		onClosed(s)
	}()

	declared, err := wire.EncodeDeclaredVersions(s.supported)
	if err != nil {
		return false
	}
	if err := s.conn.WriteMessage(declared); err != nil {
		return false
	}

	frame, err := readOneFrame(s.conn)
	if err != nil {
		if transport.IsCleanClose(err) {
			// The producer closed the handshake with a normal-closure code
			// instead of sending VersionChosen: no mutual version (§4.2,
			// §7, scenario S6). The dialer must not retry this peer.
			s.logger.ComponentInfo(logging.ComponentSession, "consumer session: producer closed handshake cleanly, not reconnecting",
				zap.String("session", s.ID))
			return true
		}
		s.logger.ComponentWarn(logging.ComponentSession, "consumer session: handshake read failed",
			zap.String("session", s.ID), zap.Error(err))
		return false
	}
	if frame.Code != wire.VersionChosen {
		s.logger.ComponentWarn(logging.ComponentSession, "consumer session: unexpected first frame",
			zap.String("session", s.ID), zap.Int("code", frame.Code))
		_ = s.conn.WriteClose(1002, "expected VersionChosen")
		return false
	}
	chosen, remoteNode, err := wire.DecodeVersionChosen(frame.Params)
	if err != nil {
		s.logger.ComponentWarn(logging.ComponentSession, "consumer session: malformed VersionChosen",
			zap.String("session", s.ID), zap.Error(err))
		_ = s.conn.WriteClose(1002, "malformed frame")
		return false
	}

	if s.localNode != nil && remoteNode != nil && *remoteNode == *s.localNode {
		s.logger.ComponentInfo(logging.ComponentSession, "consumer session: self-loop detected, closing",
			zap.String("session", s.ID), zap.Int32("node_id", *s.localNode))
		_ = s.conn.WriteClose(1000, "self-loop")
		return true
	}

	s.mu.Lock()
	s.ready = true
	s.version = chosen
	s.mu.Unlock()

	for _, topic := range replaySubs() {
		if err := s.SendSubscribe(topic); err != nil {
			return false
		}
	}

	s.pinger = session.NewPinger(s.conn, func() {
		s.logger.ComponentInfo(logging.ComponentSession, "consumer session: ping timeout, closing",
			zap.String("session", s.ID))
		s.conn.Close()
	})
	s.conn.SetPongHandler(func(string) error {
		s.pinger.Pong()
		return nil
	})
	s.pinger.Start()

	onReady(s)

	return s.readyLoop()
}

func (s *Session) readyLoop() (clean bool) {
	err := session.ReadLoop(s.conn, func(frame wire.Frame) error {
		if frame.Code != wire.Publish {
			return &wire.ErrMalformedFrame{Reason: "unexpected action code in READY (consumer side)"}
		}
		topic, event, err := wire.DecodePublish(frame.Params)
		if err != nil {
			return err
		}
		s.dispatchSafely(topic, event)
		return nil
	})
	if err != nil {
		s.logger.ComponentDebug(logging.ComponentSession, "consumer session: closing",
			zap.String("session", s.ID), zap.Error(err))
	}
	return transport.IsCleanClose(err)
}

// dispatchSafely hands an inbound event to the local broker, recovering
// from any panic so a misbehaving broker implementation can never tear
// down the federation session (§4.4: broker dispatch errors are the
// broker's problem, not the protocol's).
func (s *Session) dispatchSafely(topic string, event []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ComponentError(logging.ComponentSession, "consumer session: broker dispatch panicked",
				zap.String("session", s.ID), zap.Any("panic", r))
		}
	}()
	s.brk.Dispatch(topic, event)
}

func readOneFrame(conn transport.Conn) (wire.Frame, error) {
	payload, err := conn.ReadMessage()
	if err != nil {
		return wire.Frame{}, err
	}
	return wire.Decode(payload)
}
