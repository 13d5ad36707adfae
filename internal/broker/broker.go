// Package broker declares the interface the federation layer expects from
// the node's local WAMP-style pub/sub engine. The broker itself is out of
// scope for this module (§1); this package only names the surface the
// Consumer endpoint drives and is driven by.
package broker

// Broker is the local pub/sub engine's contract toward the federation
// layer.
type Broker interface {
	// Dispatch fans an event out to this node's local subscribers of topic.
	// The federation layer never inspects event.
	Dispatch(topic string, event []byte)
}

// SubscriptionSink receives the broker's "first subscriber" / "last
// unsubscriber" edge triggers (§4.4). A real broker implementation invokes
// these; the Consumer endpoint implements this interface.
type SubscriptionSink interface {
	OnClientSubscribed(topic string)
	OnClientUnsubscribed(topic string)
}
