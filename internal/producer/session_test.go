package producer

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pubsubclub/federation/internal/logging"
	"github.com/pubsubclub/federation/internal/wire"
)

// fakeConn is an in-memory transport.Conn for exercising the session state
// machine without a real network. Inbound messages arrive over a channel
// so ReadMessage blocks (simulating a live, idle connection) instead of
// erroring out the moment pre-seeded frames run dry.
type fakeConn struct {
	inbound chan []byte

	mu       sync.Mutex
	outbound [][]byte
	closed   bool
	closeMsg string
}

func newFakeConn(inbound ...[]byte) *fakeConn {
	ch := make(chan []byte, len(inbound)+16)
	for _, m := range inbound {
		ch <- m
	}
	return &fakeConn{inbound: ch}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	msg, ok := <-f.inbound
	if !ok {
		return nil, errors.New("fakeConn: closed")
	}
	return msg, nil
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbound = append(f.outbound, data)
	return nil
}

func (f *fakeConn) SetPongHandler(h func(string) error) {}
func (f *fakeConn) Ping(time.Time) error                { return nil }

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

func (f *fakeConn) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outbound[len(f.outbound)-1]
}

func (f *fakeConn) outboundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.outbound)
}

func declaredFrame(versions ...wire.Version) []byte {
	payload, err := wire.EncodeDeclaredVersions(versions)
	if err != nil {
		panic(err)
	}
	return payload
}

func TestSession_HandshakeChoosesSmallestMutualVersion(t *testing.T) {
	conn := newFakeConn(declaredFrame(wire.Version{Major: 1, Minor: 1}, wire.Version{Major: 1, Minor: 0}))
	conn.Close() // no further frames follow; the READY loop should see a transport close, not hang
	supported := []wire.Version{{Major: 1, Minor: 0}, {Major: 2, Minor: 0}}
	s := newSession(conn, supported, nil, logging.NewNop())

	clean := s.run()
	if clean {
		t.Fatalf("expected non-clean close (transport read exhausted), got clean")
	}
	if !s.Ready() {
		t.Fatalf("expected session to reach READY")
	}

	chosen, nodeID, err := wire.DecodeVersionChosen(decodeFrameParams(t, conn.last()))
	if err != nil {
		t.Fatalf("DecodeVersionChosen: %v", err)
	}
	if chosen != (wire.Version{Major: 1, Minor: 0}) {
		t.Fatalf("expected version 1.0, got %s", chosen)
	}
	if nodeID != nil {
		t.Fatalf("expected no node id, got %v", *nodeID)
	}
}

func TestSession_NoMutualVersionClosesClean(t *testing.T) {
	conn := newFakeConn(declaredFrame(wire.Version{Major: 9, Minor: 9}))
	supported := []wire.Version{{Major: 1, Minor: 0}}
	s := newSession(conn, supported, nil, logging.NewNop())

	clean := s.run()
	if !clean {
		t.Fatalf("expected clean close on no mutual version")
	}
	if conn.closeMsg == "" {
		t.Fatalf("expected a protocol close to have been sent")
	}
}

func TestSession_SubscribeThenPublishThenUnsubscribeIdempotent(t *testing.T) {
	sub, _ := wire.EncodeSubscribe("orders.created")
	unsub, _ := wire.EncodeUnsubscribe("orders.created")
	unsubAgain, _ := wire.EncodeUnsubscribe("orders.created")

	conn := newFakeConn(
		declaredFrame(wire.Version{Major: 1, Minor: 0}),
		sub,
	)
	supported := []wire.Version{{Major: 1, Minor: 0}}
	s := newSession(conn, supported, nil, logging.NewNop())
	defer conn.Close()

	go s.run()
	time.Sleep(20 * time.Millisecond)

	if topics := s.Topics(); len(topics) != 1 || topics[0] != "orders.created" {
		t.Fatalf("expected subscription to orders.created, got %v", topics)
	}

	if err := s.Publish("orders.created", []byte(`{"id":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := s.Publish("orders.cancelled", []byte(`{"id":1}`)); err != nil {
		t.Fatalf("Publish (uninterested topic): %v", err)
	}

	conn.push(unsub)
	time.Sleep(20 * time.Millisecond)
	if topics := s.Topics(); len(topics) != 0 {
		t.Fatalf("expected no subscriptions after unsubscribe, got %v", topics)
	}

	// Unsubscribing again from an already-absent topic must be a silent
	// no-op, not an error (§8 property 8).
	conn.push(unsubAgain)
	time.Sleep(20 * time.Millisecond)
	if topics := s.Topics(); len(topics) != 0 {
		t.Fatalf("expected idempotent unsubscribe to remain empty, got %v", topics)
	}
}

func decodeFrameParams(t *testing.T, payload []byte) []json.RawMessage {
	t.Helper()
	frame, err := wire.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return frame.Params
}
