// Package relay connects the loader to remote event sources. The loader only
// sees the Subscription seam; the wire protocol lives behind it.
package relay

import "github.com/holmbr/norq/nostr"

// State reports whether a subscription is meant to be live. An open
// subscription may still be connecting or reconnecting behind the scenes.
type State int

const (
	// StateClosed means the subscription holds no live query.
	StateClosed State = iota
	// StateOpen means the subscription keeps its filters active on the relay.
	StateOpen
)

// Handlers receive traffic from a subscription. Both callbacks are invoked
// from the subscription's read goroutine, one frame at a time.
type Handlers struct {
	// OnEvent is called for every event the relay delivers.
	OnEvent func(*nostr.Event)
	// OnEndOfBatch is called when the relay signals that all stored events
	// matching the current filters have been delivered.
	OnEndOfBatch func()
}

// Subscription is a single long-lived query against one relay.
//
// Implementations must absorb connection trouble internally: the caller only
// ever states intent (filters, open, closed) and is never surfaced transport
// errors.
type Subscription interface {
	// SetFilters replaces the active filter set. When the subscription is
	// live the new filters take effect on the relay immediately.
	SetFilters([]nostr.Filter)
	// Open starts the subscription. It returns immediately; connecting
	// happens in the background.
	Open()
	// Close withdraws the query and drops the connection.
	Close()
	// State returns the current intent.
	State() State
}

// Dialer creates dormant subscriptions for relay URLs. Dial validates the
// target but does not connect; a subscription touches the network only once
// opened.
type Dialer interface {
	Dial(url string, handlers Handlers) (Subscription, error)
}
