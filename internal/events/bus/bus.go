// Package bus provides event bus abstractions for Tandem.
//
// Subscribers receive events on a bounded channel. A subscriber that
// fails to keep up is disconnected rather than allowed to block
// publishers or grow memory without bound.
package bus

import (
	"context"
	"errors"

	"github.com/frumu-ai/tandem/internal/events"
)

// ErrSlowSubscriber is reported by Subscription.Err after a subscriber's
// queue overflowed and the bus disconnected it.
var ErrSlowSubscriber = errors.New("subscriber queue overflow, disconnected")

// ErrBusClosed is returned when publishing or subscribing on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// Filter selects which envelopes a subscriber receives. Zero-value
// fields match everything; a set field must match the envelope exactly.
type Filter struct {
	SessionID string
	RunID     string
}

// Matches reports whether the envelope passes the filter.
func (f Filter) Matches(env *events.Envelope) bool {
	if f.SessionID != "" && env.SessionID != f.SessionID {
		return false
	}
	if f.RunID != "" && env.RunID != f.RunID {
		return false
	}
	return true
}

// Subscription is a live event feed. The channel from C is closed when
// the subscription ends; Err reports why (nil after Unsubscribe).
type Subscription interface {
	C() <-chan *events.Envelope
	Err() error
	Unsubscribe()
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish delivers an envelope to all matching subscribers.
	Publish(ctx context.Context, env *events.Envelope) error

	// Subscribe creates a filtered subscription with a bounded queue.
	// A buffer of 0 selects the bus default.
	Subscribe(filter Filter, buffer int) (Subscription, error)

	// Close shuts the bus down and ends all subscriptions.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
