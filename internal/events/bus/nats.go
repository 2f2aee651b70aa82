package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/frumu-ai/tandem/internal/common/config"
	"github.com/frumu-ai/tandem/internal/common/logger"
	"github.com/frumu-ai/tandem/internal/events"
)

// NATSEventBus implements EventBus over a NATS connection. Envelopes
// are published on <prefix>.<sessionID> so external consumers can
// subscribe per session with plain NATS subjects.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
	config config.EventsConfig

	mu     sync.Mutex
	closed bool
}

// NewNATSEventBus creates a new NATS event bus with reconnection logic.
func NewNATSEventBus(cfg config.EventsConfig, log *logger.Logger) (*NATSEventBus, error) {
	bus := &NATSEventBus{
		logger: log.WithFields(zap.String("component", "event-bus")),
		config: cfg,
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error",
				zap.Error(err),
				zap.String("subject", sub.Subject),
			)
		}),
	}

	conn, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	bus.conn = conn
	log.Info("Connected to NATS", zap.String("url", cfg.NATSURL))

	return bus, nil
}

// subject builds the publish subject for an envelope.
func (b *NATSEventBus) subject(env *events.Envelope) string {
	token := env.SessionID
	if token == "" {
		token = "_global"
	}
	// NATS subject tokens must not contain separators.
	token = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(token)
	return b.config.SubjectPrefix + "." + token
}

// Publish marshals the envelope and sends it to its session subject.
func (b *NATSEventBus) Publish(ctx context.Context, env *events.Envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := b.subject(env)
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Error("failed to publish event",
			zap.String("subject", subject),
			zap.String("event_type", env.Type),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", env.ID),
		zap.String("event_type", env.Type),
	)

	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
	ch  chan *events.Envelope

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *natsSubscription) C() <-chan *events.Envelope {
	return s.ch
}

func (s *natsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *natsSubscription) Unsubscribe() {
	s.close(nil)
}

func (s *natsSubscription) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()

	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	close(s.ch)
}

// Subscribe creates a filtered subscription backed by a NATS wildcard
// subscription. Filtering happens locally: the envelope filter can
// select on run id, which is not part of the subject.
func (b *NATSEventBus) Subscribe(filter Filter, buffer int) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	if buffer <= 0 {
		buffer = b.config.SubscriberBuf
		if buffer <= 0 {
			buffer = defaultSubscriberBuffer
		}
	}

	out := &natsSubscription{ch: make(chan *events.Envelope, buffer)}

	subject := b.config.SubjectPrefix + ".>"
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var env events.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Error("failed to unmarshal event",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}
		if !filter.Matches(&env) {
			return
		}

		out.mu.Lock()
		closed := out.closed
		out.mu.Unlock()
		if closed {
			return
		}

		select {
		case out.ch <- &env:
		default:
			b.logger.Warn("disconnecting slow subscriber",
				zap.String("subject", msg.Subject),
				zap.String("event_type", env.Type))
			out.close(ErrSlowSubscriber)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	out.sub = sub

	b.logger.Debug("subscriber added",
		zap.String("subject", subject),
		zap.String("session_id", filter.SessionID),
		zap.String("run_id", filter.RunID))
	return out, nil
}

// Close drains the NATS connection gracefully.
func (b *NATSEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
		b.logger.Info("NATS connection closed")
	}
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSEventBus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}
