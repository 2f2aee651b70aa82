// Package session keeps the in-memory session and message store. The
// message log is append-only and is never gated by the session's run
// lock: users can queue messages while a run is active.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/frumu-ai/tandem/internal/common/logger"
	"github.com/frumu-ai/tandem/internal/events"
	"github.com/frumu-ai/tandem/internal/events/bus"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is one conversation with the agent.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one entry in a session's append-only log.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreatedEvent is the payload published on session.created.
type CreatedEvent struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title,omitempty"`
}

// AppendedEvent is the payload published on message.appended.
type AppendedEvent struct {
	MessageID string `json:"messageId"`
	Role      string `json:"role"`
}

// Store is the in-memory session store.
type Store struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]*Message
}

// NewStore creates a session store.
func NewStore(eventBus bus.EventBus, log *logger.Logger) *Store {
	return &Store{
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "session-store")),
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
	}
}

// Create registers a new session.
func (s *Store) Create(ctx context.Context, title string) *Session {
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.logger.Info("session created", zap.String("session_id", sess.ID))
	s.publish(ctx, events.NewEnvelope(events.SessionCreated, sess.ID, "", CreatedEvent{
		SessionID: sess.ID,
		Title:     title,
	}))

	copied := *sess
	return &copied
}

// Get returns a session by ID.
func (s *Store) Get(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *sess
	return &copied, nil
}

// List returns all sessions, newest first.
func (s *Store) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		copied := *sess
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// AppendMessage adds a message to the session log. Appends succeed
// regardless of whether a run is active on the session.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) (*Message, error) {
	msg := &Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	sess.UpdatedAt = msg.CreatedAt
	s.mu.Unlock()

	s.publish(ctx, events.NewEnvelope(events.MessageAppended, sessionID, "", AppendedEvent{
		MessageID: msg.ID,
		Role:      role,
	}))

	copied := *msg
	return &copied, nil
}

// Messages returns the session's message log in append order.
func (s *Store) Messages(sessionID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	msgs := s.messages[sessionID]
	result := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		copied := *m
		result = append(result, &copied)
	}
	return result, nil
}

func (s *Store) publish(ctx context.Context, env *events.Envelope) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		s.logger.Debug("failed to publish session event", zap.Error(err))
	}
}
