// Package session holds the pieces of the federation protocol state
// machine (§4.2) that are identical on the producer and consumer side:
// frame read loop, random-interval liveness pinger, and id generation.
// The producer and consumer packages each define their own concrete
// session type (producer.Session, consumer.Session) built on these
// primitives, matching the teacher codebase's concrete-type-per-role
// convention rather than a single role-polymorphic struct.
package session

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pubsubclub/federation/internal/transport"
	"github.com/pubsubclub/federation/internal/wire"
)

// Role identifies which side of the protocol a session plays, for logging
// and eventbus notifications only — it carries no behavior here.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// NewID returns a new session identifier.
func NewID() string {
	return uuid.New().String()
}

// ReadLoop blocks reading frames off conn and calls onFrame for each one
// that decodes successfully. It returns (without closing conn) when the
// transport read fails, when a payload fails to decode, or when onFrame
// returns a non-nil error; callers close the session themselves afterwards
// (§7: decode failure is always fatal to the session).
//
// ReadLoop returns the error that ended the loop: a transport-level read
// error, a decode error, or the error onFrame returned.
func ReadLoop(conn transport.Conn, onFrame func(wire.Frame) error) error {
	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := wire.Decode(payload)
		if err != nil {
			return err
		}
		if err := onFrame(frame); err != nil {
			return err
		}
	}
}

// Pinger implements the consumer-side liveness check of §4.2: at each tick
// of a randomized [3s, 7s] interval, if the previous ping's pong hasn't
// arrived yet, the connection is torn down; otherwise a new ping is sent
// and the flag is set again. The randomized interval de-correlates pings
// across peers (§4.2, §9).
type Pinger struct {
	conn      transport.Conn
	onTimeout func()

	mu          sync.Mutex
	outstanding bool

	stop chan struct{}
	done chan struct{}
}

// NewPinger constructs a Pinger bound to conn. The caller must wire
// conn.SetPongHandler to call Pong.
func NewPinger(conn transport.Conn, onTimeout func()) *Pinger {
	return &Pinger{
		conn:      conn,
		onTimeout: onTimeout,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func randomPingInterval() time.Duration {
	lo, hi := 3.0, 7.0
	return time.Duration((lo + rand.Float64()*(hi-lo)) * float64(time.Second))
}

// Start begins the ping loop in its own goroutine.
func (p *Pinger) Start() {
	go p.run()
}

// Stop halts the ping loop. Safe to call once.
func (p *Pinger) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Pinger) run() {
	defer close(p.done)
	for {
		timer := time.NewTimer(randomPingInterval())
		select {
		case <-p.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		p.mu.Lock()
		stillOutstanding := p.outstanding
		p.mu.Unlock()

		if stillOutstanding {
			p.onTimeout()
			return
		}

		if err := p.conn.Ping(time.Now().Add(2 * time.Second)); err != nil {
			p.onTimeout()
			return
		}
		p.mu.Lock()
		p.outstanding = true
		p.mu.Unlock()
	}
}

// Pong must be called from the transport's pong handler to clear the
// currently-outstanding ping.
func (p *Pinger) Pong() {
	p.mu.Lock()
	p.outstanding = false
	p.mu.Unlock()
}
