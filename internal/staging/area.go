// Package staging holds deferred tool operations for plan-mode review
// and executes approved batches in order.
package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"github.com/frumu-ai/tandem/internal/common/config"
	"github.com/frumu-ai/tandem/internal/common/logger"
	"github.com/frumu-ai/tandem/internal/events"
	"github.com/frumu-ai/tandem/internal/events/bus"
	"github.com/frumu-ai/tandem/internal/journal"
	"github.com/frumu-ai/tandem/internal/permission"
	"github.com/frumu-ai/tandem/internal/tools"
)

var (
	ErrAreaFull    = errors.New("staging area is full")
	ErrOpNotFound  = errors.New("staged operation not found")
	ErrEmptyPlan   = errors.New("no staged operations to execute")
	ErrPlanRunning = errors.New("a plan execution is already in progress")
)

// StagedOperation is a deferred tool call awaiting batch review.
type StagedOperation struct {
	ID        string              `json:"id"`
	RequestID string              `json:"requestId"`
	SessionID string              `json:"sessionId"`
	RunID     string              `json:"runId,omitempty"`
	MessageID string              `json:"messageId,omitempty"`
	Call      permission.ToolCall `json:"call"`
	Summary   string              `json:"summary"`
	Preview   string              `json:"preview,omitempty"`
	StagedAt  time.Time           `json:"stagedAt"`
}

// OpResult is the per-operation outcome of a plan execution.
type OpResult struct {
	OperationID string `json:"operationId"`
	Summary     string `json:"summary"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
}

// StagedEvent is the payload published on staging.staged and
// staging.removed.
type StagedEvent struct {
	OperationID string `json:"operationId"`
	Summary     string `json:"summary"`
}

// ExecutedEvent is the payload published on staging.executed.
type ExecutedEvent struct {
	Results []OpResult `json:"results"`
}

// Area is the FIFO staging area. Operations survive run boundaries and
// are executed in the order they were staged.
type Area struct {
	cfg      config.StagingConfig
	sandbox  *permission.Sandbox
	engine   *permission.Engine
	executor *tools.Executor
	journal  *journal.Journal
	bus      bus.EventBus
	logger   *logger.Logger

	mu        sync.Mutex
	ops       []*StagedOperation
	byRequest map[string]*StagedOperation
	executing bool
}

// NewArea creates a staging area.
func NewArea(
	cfg config.StagingConfig,
	sandbox *permission.Sandbox,
	engine *permission.Engine,
	executor *tools.Executor,
	jnl *journal.Journal,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Area {
	return &Area{
		cfg:       cfg,
		sandbox:   sandbox,
		engine:    engine,
		executor:  executor,
		journal:   jnl,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "staging")),
		byRequest: make(map[string]*StagedOperation),
	}
}

// Stage adds a tool call to the staging area. Staging is idempotent
// per request ID: re-delivered requests return the existing operation
// instead of duplicating it.
func (a *Area) Stage(ctx context.Context, call *permission.ToolCall) (*StagedOperation, error) {
	if err := call.Validate(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if existing, ok := a.byRequest[call.RequestID]; ok {
		copied := *existing
		a.mu.Unlock()
		return &copied, nil
	}
	if a.cfg.MaxPending > 0 && len(a.ops) >= a.cfg.MaxPending {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %d operations pending", ErrAreaFull, a.cfg.MaxPending)
	}

	op := &StagedOperation{
		ID:        uuid.New().String(),
		RequestID: call.RequestID,
		SessionID: call.SessionID,
		RunID:     call.RunID,
		MessageID: call.MessageID,
		Call:      *call,
		Summary:   call.Summary(),
		Preview:   a.preview(call),
		StagedAt:  time.Now().UTC(),
	}
	a.ops = append(a.ops, op)
	a.byRequest[call.RequestID] = op
	a.mu.Unlock()

	a.logger.Info("operation staged",
		zap.String("operation_id", op.ID),
		zap.String("summary", op.Summary))
	a.publish(ctx, events.NewEnvelope(events.StagingStaged, op.SessionID, op.RunID, StagedEvent{
		OperationID: op.ID,
		Summary:     op.Summary,
	}))

	copied := *op
	return &copied, nil
}

// preview renders a unified diff for writes against the current file
// content. Other operation kinds get no preview.
func (a *Area) preview(call *permission.ToolCall) string {
	if call.Kind != permission.KindWriteFile {
		return ""
	}

	var current string
	if data, err := os.ReadFile(call.Write.Path); err == nil {
		current = string(data)
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(current),
		B:        difflib.SplitLines(call.Write.Content),
		FromFile: call.Write.Path,
		ToFile:   call.Write.Path,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}

// Remove drops a staged operation by ID.
func (a *Area) Remove(ctx context.Context, opID string) error {
	a.mu.Lock()
	var removed *StagedOperation
	for i, op := range a.ops {
		if op.ID == opID {
			removed = op
			a.ops = append(a.ops[:i], a.ops[i+1:]...)
			delete(a.byRequest, op.RequestID)
			break
		}
	}
	a.mu.Unlock()

	if removed == nil {
		return ErrOpNotFound
	}
	a.publish(ctx, events.NewEnvelope(events.StagingRemoved, removed.SessionID, removed.RunID, StagedEvent{
		OperationID: removed.ID,
		Summary:     removed.Summary,
	}))
	return nil
}

// Clear drops all staged operations and returns how many were removed.
func (a *Area) Clear(ctx context.Context) int {
	a.mu.Lock()
	n := len(a.ops)
	a.ops = nil
	a.byRequest = make(map[string]*StagedOperation)
	a.mu.Unlock()

	if n > 0 {
		a.publish(ctx, events.NewEnvelope(events.StagingCleared, "", "", nil))
	}
	return n
}

// List returns the staged operations in FIFO order.
func (a *Area) List() []*StagedOperation {
	a.mu.Lock()
	defer a.mu.Unlock()
	result := make([]*StagedOperation, 0, len(a.ops))
	for _, op := range a.ops {
		copied := *op
		result = append(result, &copied)
	}
	return result
}

// ExecutePlan executes staged operations in stage order. Each operation
// is re-validated against the sandbox and the current policy before it
// runs; the workspace or the policy may have changed since staging.
// Failures do not roll back earlier successes. Successful operations
// leave the staging area; failed ones stay for the user to retry or
// remove.
func (a *Area) ExecutePlan(ctx context.Context) ([]OpResult, error) {
	a.mu.Lock()
	if a.executing {
		a.mu.Unlock()
		return nil, ErrPlanRunning
	}
	if len(a.ops) == 0 {
		a.mu.Unlock()
		return nil, ErrEmptyPlan
	}
	a.executing = true
	plan := make([]*StagedOperation, len(a.ops))
	copy(plan, a.ops)
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.executing = false
		a.mu.Unlock()
	}()

	results := make([]OpResult, 0, len(plan))
	var succeeded []string

	for _, op := range plan {
		result := a.executeOne(ctx, op)
		results = append(results, result)
		if result.OK {
			succeeded = append(succeeded, op.ID)
		}
	}

	a.mu.Lock()
	done := make(map[string]bool, len(succeeded))
	for _, id := range succeeded {
		done[id] = true
	}
	kept := a.ops[:0]
	for _, op := range a.ops {
		if done[op.ID] {
			delete(a.byRequest, op.RequestID)
			continue
		}
		kept = append(kept, op)
	}
	a.ops = kept
	a.mu.Unlock()

	a.logger.Info("plan executed",
		zap.Int("total", len(results)),
		zap.Int("succeeded", len(succeeded)))
	a.publish(ctx, events.NewEnvelope(events.StagingExecuted, "", "", ExecutedEvent{Results: results}))

	return results, nil
}

func (a *Area) executeOne(ctx context.Context, op *StagedOperation) OpResult {
	call := op.Call

	if err := a.sandbox.CheckCall(&call); err != nil {
		return OpResult{OperationID: op.ID, Summary: op.Summary, Error: err.Error()}
	}
	if eval := a.engine.Evaluate(&call); eval.Decision == permission.DecisionDeny {
		return OpResult{
			OperationID: op.ID,
			Summary:     op.Summary,
			Error:       fmt.Sprintf("denied by policy rule %q", eval.MatchedRule),
		}
	}

	result, err := a.executor.Execute(ctx, &call)
	entry := &journal.Entry{
		OperationID:   op.ID,
		SessionID:     op.SessionID,
		RunID:         op.RunID,
		Kind:          string(call.Kind),
		ResultSummary: op.Summary,
		OK:            err == nil,
	}
	if result != nil {
		entry.ResultSummary = result.Summary
		entry.Path = result.Path
		entry.Prior = result.Prior
		entry.Reversible = result.Reversible && err == nil
	}
	a.journal.Record(ctx, entry)

	if err != nil {
		a.logger.Warn("staged operation failed",
			zap.String("operation_id", op.ID),
			zap.Error(err))
		return OpResult{OperationID: op.ID, Summary: entry.ResultSummary, Error: err.Error()}
	}
	return OpResult{OperationID: op.ID, Summary: entry.ResultSummary, OK: true}
}

func (a *Area) publish(ctx context.Context, env *events.Envelope) {
	if a.bus == nil {
		return
	}
	if err := a.bus.Publish(ctx, env); err != nil {
		a.logger.Debug("failed to publish staging event", zap.Error(err))
	}
}
