// Package eventbus carries lifecycle notifications (session ready/closed,
// peer connect/disconnect, debounce fired) out of the federation
// machinery to observers such as the admin status endpoint and the
// operator TUI. It is a thin convenience layer over go-ethereum's
// event.Feed/event.Subscription, the same "typed feed of notifications"
// primitive the wider node codebase already depends on transitively but
// never exercises directly.
package eventbus

import "github.com/ethereum/go-ethereum/event"

// Kind categorizes a lifecycle Notification.
type Kind string

const (
	SessionReady       Kind = "session_ready"
	SessionClosed      Kind = "session_closed"
	PeerConnected      Kind = "peer_connected"
	PeerDisconnected   Kind = "peer_disconnected"
	DebounceApplied    Kind = "debounce_applied"
)

// Notification is one lifecycle event. Fields not relevant to Kind are
// left zero.
type Notification struct {
	Kind      Kind
	SessionID string
	Role      string // "producer" or "consumer", from this side's view
	Peer      string // host:port, when applicable
	Topic     string
}

// Bus fans out Notifications to any number of subscribers.
type Bus struct {
	feed event.Feed
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Publish sends a Notification to all current subscribers over the
// go-ethereum feed. It returns once every subscriber channel has accepted
// the notification, so a subscriber with a full channel blocks it.
func (b *Bus) Publish(n Notification) {
	b.feed.Send(n)
}

// Subscribe registers ch to receive future Notifications. Callers should
// buffer ch generously; a full channel blocks delivery to all subscribers
// (the same semantics as event.Feed generally).
func (b *Bus) Subscribe(ch chan<- Notification) event.Subscription {
	return b.feed.Subscribe(ch)
}
