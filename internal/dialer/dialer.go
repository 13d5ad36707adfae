// Package dialer implements the reconnecting outbound connection manager
// used by the Consumer endpoint to reach Producer peers (§4.5). It knows
// nothing about the federation protocol itself: it dials, hands the
// resulting transport to a caller-supplied runner, and decides whether to
// retry based on the runner's verdict and connect failures.
package dialer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pubsubclub/federation/internal/config"
	"github.com/pubsubclub/federation/internal/eventbus"
	"github.com/pubsubclub/federation/internal/logging"
	"github.com/pubsubclub/federation/internal/retry"
	"github.com/pubsubclub/federation/internal/transport"
	"go.uber.org/zap"
)

const (
	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 30 * time.Second
)

// Runner runs one established connection to completion and reports whether
// the close was clean (deliberate, should not be retried) or not
// (transport error / ping timeout, should reconnect). It blocks until the
// session ends.
type Runner func(conn transport.Conn) (clean bool)

// dialFunc abstracts transport.Dial so tests can substitute an in-memory
// connector instead of opening a real socket.
type dialFunc func(ctx context.Context, url string) (transport.Conn, error)

// Dialer maintains a single reconnecting connection to one peer address.
type Dialer struct {
	addr   config.PeerAddress
	run    Runner
	bus    *eventbus.Bus
	logger *logging.Logger
	dial   dialFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	conn    transport.Conn
	stopped bool
	attempt int
}

// New constructs a Dialer for addr. It does not connect until Start is
// called. bus may be nil if lifecycle notifications aren't needed.
func New(addr config.PeerAddress, run Runner, bus *eventbus.Bus, logger *logging.Logger) *Dialer {
	return &Dialer{addr: addr, run: run, bus: bus, logger: logger, dial: transport.Dial}
}

func (d *Dialer) publish(n eventbus.Notification) {
	if d.bus != nil {
		d.bus.Publish(n)
	}
}

func (d *Dialer) url() string {
	return fmt.Sprintf("ws://%s/", d.addr.String())
}

// Start begins the connect-run-reconnect loop in its own goroutine. It
// returns immediately.
func (d *Dialer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	go d.loop(ctx)
}

// Stop cancels the dialer and, if a session is live, force-closes it with a
// clean protocol close so the runner returns promptly instead of waiting on
// its own read timeout (§4.5 disconnect(host,port)).
func (d *Dialer) Stop() {
	d.mu.Lock()
	d.stopped = true
	cancel := d.cancel
	conn := d.conn
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteClose(1000, "disconnect")
		_ = conn.Close()
	}
}

func (d *Dialer) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := d.dial(ctx, d.url())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.ComponentWarn(logging.ComponentDialer, "dial failed, backing off",
				zap.String("peer", d.addr.String()), zap.Error(err))
			if !d.sleepBackoff(ctx) {
				return
			}
			continue
		}

		d.resetBackoff()
		d.logger.ComponentInfo(logging.ComponentDialer, "connected", zap.String("peer", d.addr.String()))
		d.publish(eventbus.Notification{Kind: eventbus.PeerConnected, Peer: d.addr.String()})

		d.mu.Lock()
		d.conn = conn
		d.mu.Unlock()

		clean := d.run(conn)

		d.mu.Lock()
		d.conn = nil
		d.mu.Unlock()

		d.publish(eventbus.Notification{Kind: eventbus.PeerDisconnected, Peer: d.addr.String()})
		if clean {
			d.logger.ComponentInfo(logging.ComponentDialer, "session closed cleanly, not reconnecting",
				zap.String("peer", d.addr.String()))
			return
		}

		d.logger.ComponentWarn(logging.ComponentDialer, "session closed unexpectedly, reconnecting",
			zap.String("peer", d.addr.String()))
		if !d.sleepBackoff(ctx) {
			return
		}
	}
}

func (d *Dialer) sleepBackoff(ctx context.Context) bool {
	d.mu.Lock()
	attempt := d.attempt
	d.attempt++
	d.mu.Unlock()

	wait := retry.Backoff(baseBackoff, attempt, maxBackoff)
	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dialer) resetBackoff() {
	d.mu.Lock()
	d.attempt = 0
	d.mu.Unlock()
}

// Pool manages one Dialer per configured peer address, adding and removing
// peers as the discovery driver's reconciliation dictates (§4.6).
type Pool struct {
	run    Runner
	bus    *eventbus.Bus
	logger *logging.Logger

	mu      sync.Mutex
	dialers map[string]*Dialer
	ctx     context.Context
}

// NewPool constructs an empty dialer pool bound to ctx; ctx cancellation
// stops every managed dialer. bus may be nil.
func NewPool(ctx context.Context, run Runner, bus *eventbus.Bus, logger *logging.Logger) *Pool {
	return &Pool{run: run, bus: bus, logger: logger, dialers: make(map[string]*Dialer), ctx: ctx}
}

// Ensure adds and starts a dialer for addr if one isn't already running.
// Idempotent: calling it again for an address already being dialed is a
// no-op.
func (p *Pool) Ensure(addr config.PeerAddress) {
	key := addr.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.dialers[key]; exists {
		return
	}
	d := New(addr, p.run, p.bus, p.logger)
	p.dialers[key] = d
	d.Start(p.ctx)
}

// Remove stops and forgets the dialer for addr, if any.
func (p *Pool) Remove(addr config.PeerAddress) {
	key := addr.String()
	p.mu.Lock()
	d, exists := p.dialers[key]
	if exists {
		delete(p.dialers, key)
	}
	p.mu.Unlock()
	if exists {
		d.Stop()
	}
}

// Peers returns the set of currently-managed peer addresses.
func (p *Pool) Peers() []config.PeerAddress {
	p.mu.Lock()
	defer p.mu.Unlock()
	peers := make([]config.PeerAddress, 0, len(p.dialers))
	for _, d := range p.dialers {
		peers = append(peers, d.addr)
	}
	return peers
}
