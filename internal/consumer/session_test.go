package consumer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pubsubclub/federation/internal/logging"
	"github.com/pubsubclub/federation/internal/wire"
)

// fakeConn is an in-memory transport.Conn. Inbound messages arrive over a
// channel so ReadMessage blocks (simulating a live, idle connection)
// instead of erroring out the moment pre-seeded frames run dry. errCh lets
// a test inject a read error (e.g. a close frame) ahead of any queued
// message.
type fakeConn struct {
	inbound chan []byte
	errCh   chan error

	mu       sync.Mutex
	outbound [][]byte
	pongH    func(string) error
	closed   bool
	closeMsg string
}

func newFakeConn(inbound ...[]byte) *fakeConn {
	ch := make(chan []byte, len(inbound)+16)
	for _, m := range inbound {
		ch <- m
	}
	return &fakeConn{inbound: ch, errCh: make(chan error, 1)}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case err := <-f.errCh:
		return nil, err
	case msg, ok := <-f.inbound:
		if !ok {
			return nil, errors.New("fakeConn: closed")
		}
		return msg, nil
	}
}

// pushCloseError makes the next ReadMessage return a close-frame error, as
// gorilla/websocket does when the peer sends a close frame.
func (f *fakeConn) pushCloseError(code int, text string) {
	f.errCh <- &websocket.CloseError{Code: code, Text: text}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbound = append(f.outbound, data)
	return nil
}

func (f *fakeConn) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pongH = h
}

func (f *fakeConn) Ping(time.Time) error { return nil }

func (f *fakeConn) WriteClose(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeMsg = reason
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.inbound)
	return nil
}

func (f *fakeConn) RemoteAddr() string { return "fake:0" }

func (f *fakeConn) push(msg []byte) {
	f.inbound <- msg
}

func (f *fakeConn) outboundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.outbound)
}

func (f *fakeConn) at(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outbound[i]
}

type fakeBroker struct {
	mu     sync.Mutex
	events []string
	panics bool
}

func (b *fakeBroker) Dispatch(topic string, event []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, topic)
	if b.panics {
		panic("broker exploded")
	}
}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func versionChosenFrame(v wire.Version, nodeID *int32) []byte {
	payload, err := wire.EncodeVersionChosen(v, nodeID)
	if err != nil {
		panic(err)
	}
	return payload
}

func TestSession_HandshakeSendsDeclaredAndReplaysSubscriptions(t *testing.T) {
	conn := newFakeConn(versionChosenFrame(wire.Version{Major: 1, Minor: 0}, nil))
	defer conn.Close()
	brk := &fakeBroker{}
	s := newSession(conn, []wire.Version{{Major: 1, Minor: 0}}, nil, brk, logging.NewNop())

	replay := func() []string { return []string{"orders.created", "orders.cancelled"} }
	readyCh := make(chan struct{}, 1)

	go s.run(replay, func(*Session) { readyCh <- struct{}{} }, func(*Session) {})

	select {
	case <-readyCh:
	case <-time.After(time.Second):
		t.Fatal("session never became ready")
	}

	if conn.outboundCount() < 3 {
		t.Fatalf("expected DeclaredVersions + 2 Subscribe frames, got %d", conn.outboundCount())
	}
	first, err := wire.Decode(conn.at(0))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if first.Code != wire.DeclaredVersions {
		t.Fatalf("expected first outbound frame to be DeclaredVersions, got %d", first.Code)
	}
	for _, i := range []int{1, 2} {
		f, err := wire.Decode(conn.at(i))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if f.Code != wire.Subscribe {
			t.Fatalf("expected replayed frame %d to be Subscribe, got %d", i, f.Code)
		}
	}
}

func TestSession_SelfLoopDetectionClosesClean(t *testing.T) {
	var nodeID int32 = 42
	conn := newFakeConn(versionChosenFrame(wire.Version{Major: 1, Minor: 0}, &nodeID))
	brk := &fakeBroker{}
	s := newSession(conn, []wire.Version{{Major: 1, Minor: 0}}, &nodeID, brk, logging.NewNop())

	clean := s.run(func() []string { return nil }, func(*Session) {}, func(*Session) {})
	if !clean {
		t.Fatalf("expected clean close on self-loop detection")
	}
	if conn.closeMsg == "" {
		t.Fatalf("expected a protocol close to have been sent")
	}
	if s.Ready() {
		t.Fatalf("a self-loop session must never reach READY")
	}
}

func TestSession_HandshakeNormalClosureIsClean(t *testing.T) {
	conn := newFakeConn()
	conn.pushCloseError(websocket.CloseNormalClosure, "no mutual version")
	brk := &fakeBroker{}
	s := newSession(conn, []wire.Version{{Major: 1, Minor: 0}}, nil, brk, logging.NewNop())

	clean := s.run(func() []string { return nil }, func(*Session) {}, func(*Session) {})
	if !clean {
		t.Fatalf("expected a normal-closure handshake close to be reported clean (scenario S6)")
	}
	if s.Ready() {
		t.Fatalf("a session that never got VersionChosen must never reach READY")
	}
}

func TestSession_HandshakeTransportFailureIsNotClean(t *testing.T) {
	conn := newFakeConn()
	conn.pushCloseError(websocket.CloseAbnormalClosure, "connection reset")
	brk := &fakeBroker{}
	s := newSession(conn, []wire.Version{{Major: 1, Minor: 0}}, nil, brk, logging.NewNop())

	clean := s.run(func() []string { return nil }, func(*Session) {}, func(*Session) {})
	if clean {
		t.Fatalf("a non-normal-closure handshake failure must not be reported clean")
	}
}

func TestSession_PublishDispatchesToBrokerAndSurvivesPanics(t *testing.T) {
	publishFrame, _ := wire.EncodePublish("orders.created", []byte(`{"id":7}`))
	conn := newFakeConn(
		versionChosenFrame(wire.Version{Major: 1, Minor: 0}, nil),
		publishFrame,
	)
	brk := &fakeBroker{panics: true}
	s := newSession(conn, []wire.Version{{Major: 1, Minor: 0}}, nil, brk, logging.NewNop())

	done := make(chan struct{})
	go func() {
		s.run(func() []string { return nil }, func(*Session) {}, func(*Session) {})
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for brk.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if brk.count() != 1 {
		t.Fatalf("expected broker to receive exactly 1 event despite panicking, got %d", brk.count())
	}

	// The panic inside Dispatch must not have torn the session down; it
	// should still be alive and reading, so closing the conn is what
	// ends it, not the panic itself.
	if !s.Ready() {
		t.Fatalf("session should have survived the broker panic and stayed READY")
	}

	conn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session never finished after conn close")
	}
}
