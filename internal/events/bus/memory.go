package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/frumu-ai/tandem/internal/common/logger"
	"github.com/frumu-ai/tandem/internal/events"
)

const defaultSubscriberBuffer = 128

// MemoryEventBus implements EventBus with in-process channel fan-out.
type MemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*memorySubscription
	nextID      uint64
	defaultBuf  int
	logger      *logger.Logger
	closed      bool
}

type memorySubscription struct {
	bus    *MemoryEventBus
	id     uint64
	filter Filter
	ch     chan *events.Envelope

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *memorySubscription) C() <-chan *events.Envelope {
	return s.ch
}

func (s *memorySubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memorySubscription) Unsubscribe() {
	s.bus.remove(s.id)
	s.close(nil)
}

// close marks the subscription done and closes its channel exactly once.
func (s *memorySubscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(defaultBuf int, log *logger.Logger) *MemoryEventBus {
	if defaultBuf <= 0 {
		defaultBuf = defaultSubscriberBuffer
	}
	return &MemoryEventBus{
		subscribers: make(map[uint64]*memorySubscription),
		defaultBuf:  defaultBuf,
		logger:      log.WithFields(zap.String("component", "event-bus")),
	}
}

// Publish delivers the envelope to every matching subscriber. Delivery
// never blocks: a subscriber whose queue is full is disconnected with
// ErrSlowSubscriber.
func (b *MemoryEventBus) Publish(ctx context.Context, env *events.Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}

	var overflowed []*memorySubscription
	for _, sub := range b.subscribers {
		if !sub.filter.Matches(env) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range overflowed {
		b.remove(sub.id)
		sub.close(ErrSlowSubscriber)
		b.logger.Warn("disconnected slow subscriber",
			zap.Uint64("subscriber_id", sub.id),
			zap.String("event_type", env.Type))
	}

	b.logger.Debug("published event",
		zap.String("event_id", env.ID),
		zap.String("event_type", env.Type),
		zap.String("session_id", env.SessionID))

	return nil
}

// Subscribe creates a filtered subscription with a bounded queue.
func (b *MemoryEventBus) Subscribe(filter Filter, buffer int) (Subscription, error) {
	if buffer <= 0 {
		buffer = b.defaultBuf
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	sub := &memorySubscription{
		bus:    b,
		id:     b.nextID,
		filter: filter,
		ch:     make(chan *events.Envelope, buffer),
	}
	b.subscribers[sub.id] = sub

	b.logger.Debug("subscriber added",
		zap.Uint64("subscriber_id", sub.id),
		zap.String("session_id", filter.SessionID),
		zap.String("run_id", filter.RunID))
	return sub, nil
}

func (b *MemoryEventBus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// Close shuts the bus down and ends all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*memorySubscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[uint64]*memorySubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close(nil)
	}

	b.logger.Info("memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
