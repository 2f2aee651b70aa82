// Package run enforces the one-active-run-per-session invariant and
// tracks run liveness for the reaper.
package run

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/frumu-ai/tandem/internal/common/config"
	"github.com/frumu-ai/tandem/internal/common/logger"
	"github.com/frumu-ai/tandem/internal/events"
	"github.com/frumu-ai/tandem/internal/events/bus"
)

// Run outcomes reported on session.run.finished.
const (
	OutcomeCompleted = "completed"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeTimeout   = "timeout"
)

// ActiveRun describes the run currently holding a session's slot.
type ActiveRun struct {
	RunID          string    `json:"runId"`
	SessionID      string    `json:"sessionId"`
	ClientID       string    `json:"clientId,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// ActiveRunPayload is the wire form of an active run inside conflict
// responses and conflict events. Timestamps are unix milliseconds so
// frontends can compute staleness without parsing RFC 3339.
type ActiveRunPayload struct {
	RunID            string `json:"runId"`
	StartedAtMs      int64  `json:"startedAtMs"`
	LastActivityAtMs int64  `json:"lastActivityAtMs"`
	ClientID         string `json:"clientId,omitempty"`
}

func (r *ActiveRun) payload() ActiveRunPayload {
	return ActiveRunPayload{
		RunID:            r.RunID,
		StartedAtMs:      r.StartedAt.UnixMilli(),
		LastActivityAtMs: r.LastActivityAt.UnixMilli(),
		ClientID:         r.ClientID,
	}
}

// ConflictError is returned by Acquire when the session already has an
// active run. It carries everything a client needs to decide between
// waiting, attaching to the live event stream, or cancelling.
type ConflictError struct {
	SessionID         string           `json:"sessionId"`
	Active            ActiveRunPayload `json:"activeRun"`
	RetryAfterMs      int              `json:"retryAfterMs"`
	AttachEventStream string           `json:"attachEventStream"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s already has active run %s", e.SessionID, e.Active.RunID)
}

// FinishedEvent is the payload published on session.run.finished.
type FinishedEvent struct {
	RunID   string `json:"runId"`
	Outcome string `json:"outcome"`
}

// Registry tracks at most one active run per session. All transitions
// go through a single mutex so concurrent acquires serialize cleanly.
type Registry struct {
	cfg    config.RunsConfig
	bus    bus.EventBus
	logger *logger.Logger

	mu     sync.Mutex
	active map[string]*ActiveRun // keyed by session id

	now func() time.Time
}

// NewRegistry creates a run registry.
func NewRegistry(cfg config.RunsConfig, eventBus bus.EventBus, log *logger.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "run-registry")),
		active: make(map[string]*ActiveRun),
		now:    time.Now,
	}
}

// Acquire claims the session's run slot. On success it returns the new
// active run and publishes session.run.started. If another run holds
// the slot it returns a *ConflictError and publishes
// session.run.conflict so attached clients see the rejected attempt.
func (r *Registry) Acquire(ctx context.Context, sessionID, clientID string) (*ActiveRun, error) {
	r.mu.Lock()
	if existing, ok := r.active[sessionID]; ok {
		conflict := &ConflictError{
			SessionID:         sessionID,
			Active:            existing.payload(),
			RetryAfterMs:      r.cfg.RetryAfterMs,
			AttachEventStream: fmt.Sprintf("/v1/event?sessionId=%s", sessionID),
		}
		r.mu.Unlock()

		r.logger.Debug("run acquire rejected",
			zap.String("session_id", sessionID),
			zap.String("active_run_id", conflict.Active.RunID),
			zap.String("client_id", clientID))
		r.publish(ctx, events.RunConflict, sessionID, conflict.Active.RunID, conflict)
		return nil, conflict
	}

	now := r.now().UTC()
	run := &ActiveRun{
		RunID:          uuid.New().String(),
		SessionID:      sessionID,
		ClientID:       clientID,
		StartedAt:      now,
		LastActivityAt: now,
	}
	r.active[sessionID] = run
	snapshot := *run
	r.mu.Unlock()

	r.logger.Info("run acquired",
		zap.String("session_id", sessionID),
		zap.String("run_id", run.RunID),
		zap.String("client_id", clientID))
	r.publish(ctx, events.RunStarted, sessionID, snapshot.RunID, snapshot.payload())

	return &snapshot, nil
}

// Heartbeat refreshes the run's activity timestamp. Returns false when
// the run no longer holds the session slot; callers must treat that as
// the run having been finished or reaped.
func (r *Registry) Heartbeat(sessionID, runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.active[sessionID]
	if !ok || run.RunID != runID {
		return false
	}
	run.LastActivityAt = r.now().UTC()
	return true
}

// Finish releases the session slot if runID still holds it and
// publishes session.run.finished. Finishing a run that no longer holds
// the slot is a no-op returning false, so a cancel racing a reap never
// tears down a newer run.
func (r *Registry) Finish(ctx context.Context, sessionID, runID, outcome string) bool {
	r.mu.Lock()
	run, ok := r.active[sessionID]
	if !ok || run.RunID != runID {
		r.mu.Unlock()
		return false
	}
	delete(r.active, sessionID)
	r.mu.Unlock()

	r.logger.Info("run finished",
		zap.String("session_id", sessionID),
		zap.String("run_id", runID),
		zap.String("outcome", outcome))
	r.publish(ctx, events.RunFinished, sessionID, runID, FinishedEvent{RunID: runID, Outcome: outcome})
	return true
}

// Active returns the session's active run, if any.
func (r *Registry) Active(sessionID string) (*ActiveRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.active[sessionID]
	if !ok {
		return nil, false
	}
	snapshot := *run
	return &snapshot, true
}

// List returns all active runs.
func (r *Registry) List() []ActiveRun {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]ActiveRun, 0, len(r.active))
	for _, run := range r.active {
		result = append(result, *run)
	}
	return result
}

// Reap releases runs whose last activity is older than the configured
// stale threshold. Returns the reaped runs so callers can clean up
// downstream state.
func (r *Registry) Reap(ctx context.Context) []ActiveRun {
	threshold := r.cfg.StaleThresholdDuration()
	cutoff := r.now().UTC().Add(-threshold)

	r.mu.Lock()
	var stale []ActiveRun
	for sessionID, run := range r.active {
		if run.LastActivityAt.Before(cutoff) {
			stale = append(stale, *run)
			delete(r.active, sessionID)
		}
	}
	r.mu.Unlock()

	for _, run := range stale {
		r.logger.Warn("reaped stale run",
			zap.String("session_id", run.SessionID),
			zap.String("run_id", run.RunID),
			zap.Duration("threshold", threshold))
		r.publish(ctx, events.RunFinished, run.SessionID, run.RunID,
			FinishedEvent{RunID: run.RunID, Outcome: OutcomeTimeout})
	}
	return stale
}

func (r *Registry) publish(ctx context.Context, eventType, sessionID, runID string, payload any) {
	if r.bus == nil {
		return
	}
	env := events.NewEnvelope(eventType, sessionID, runID, payload)
	if err := r.bus.Publish(ctx, env); err != nil {
		r.logger.Debug("failed to publish run event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
