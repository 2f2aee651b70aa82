package permission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/frumu-ai/tandem/internal/common/config"
	"github.com/frumu-ai/tandem/internal/common/logger"
	"github.com/frumu-ai/tandem/internal/events"
	"github.com/frumu-ai/tandem/internal/events/bus"
)

// ReviewMode selects how "ask" decisions are handled.
type ReviewMode string

const (
	// ReviewImmediate holds each ask call as a pending approval that
	// the user answers one at a time.
	ReviewImmediate ReviewMode = "immediate"

	// ReviewPlan defers ask calls into the staging area for batch
	// review and execution.
	ReviewPlan ReviewMode = "plan"
)

// Verdict tells the caller what to do with a processed tool call.
type Verdict string

const (
	VerdictExecute Verdict = "execute" // run it now
	VerdictDeny    Verdict = "deny"    // reject it
	VerdictPending Verdict = "pending" // awaiting user approval
	VerdictStage   Verdict = "stage"   // add to the staging area
)

// Outcome is the result of running a tool call through the proxy.
type Outcome struct {
	Verdict     Verdict  `json:"verdict"`
	Decision    Decision `json:"decision"`
	MatchedRule string   `json:"matchedRule,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	ApprovalID  string   `json:"approvalId,omitempty"`
}

// PendingApproval is an ask-mode tool call waiting for the user.
type PendingApproval struct {
	ID        string    `json:"id"`
	Call      ToolCall  `json:"call"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RequestedEvent is the payload published on tool.requested.
type RequestedEvent struct {
	RequestID  string `json:"requestId"`
	ApprovalID string `json:"approvalId,omitempty"`
	Kind       Kind   `json:"kind"`
	Summary    string `json:"summary"`
}

// DecidedEvent is the payload published on tool.decided.
type DecidedEvent struct {
	RequestID   string   `json:"requestId"`
	Decision    Decision `json:"decision"`
	MatchedRule string   `json:"matchedRule,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	DecidedBy   string   `json:"decidedBy,omitempty"`
}

var (
	ErrApprovalNotFound = errors.New("approval not found")
	ErrApprovalExpired  = errors.New("approval expired")
)

// Proxy gates sidecar tool calls. Every call is validated, forced
// through the workspace sandbox, and then decided by policy. The
// sandbox is a hard boundary: no policy rule can allow a call whose
// paths escape the workspace root.
type Proxy struct {
	cfg     config.PermissionsConfig
	engine  *Engine
	sandbox *Sandbox
	bus     bus.EventBus
	logger  *logger.Logger

	mu      sync.Mutex
	pending map[string]*PendingApproval

	sweepMu      sync.Mutex
	sweepRunning bool
	stopCh       chan struct{}
	wg           sync.WaitGroup

	now func() time.Time
}

// NewProxy creates a permission proxy.
func NewProxy(cfg config.PermissionsConfig, engine *Engine, sandbox *Sandbox, eventBus bus.EventBus, log *logger.Logger) *Proxy {
	return &Proxy{
		cfg:     cfg,
		engine:  engine,
		sandbox: sandbox,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "permission-proxy")),
		pending: make(map[string]*PendingApproval),
		now:     time.Now,
	}
}

// Mode returns the configured review mode.
func (p *Proxy) Mode() ReviewMode {
	if ReviewMode(p.cfg.ReviewMode) == ReviewPlan {
		return ReviewPlan
	}
	return ReviewImmediate
}

// Process runs a tool call through validation, the sandbox, and
// policy, and returns what the caller should do with it. For ask
// decisions in immediate mode the call is parked as a pending approval.
func (p *Proxy) Process(ctx context.Context, call *ToolCall) (*Outcome, error) {
	if err := call.Validate(); err != nil {
		return nil, err
	}

	if err := p.sandbox.CheckCall(call); err != nil {
		outcome := &Outcome{
			Verdict:     VerdictDeny,
			Decision:    DecisionDeny,
			MatchedRule: "sandbox",
			Reason:      err.Error(),
		}
		p.logger.Warn("tool call denied by sandbox",
			zap.String("request_id", call.RequestID),
			zap.String("summary", call.Summary()),
			zap.Error(err))
		p.publishDecided(ctx, call, outcome, "sandbox")
		return outcome, nil
	}

	eval := p.engine.Evaluate(call)

	switch eval.Decision {
	case DecisionAllow:
		outcome := &Outcome{Verdict: VerdictExecute, Decision: DecisionAllow, MatchedRule: eval.MatchedRule}
		p.publishDecided(ctx, call, outcome, "policy")
		return outcome, nil

	case DecisionDeny:
		outcome := &Outcome{Verdict: VerdictDeny, Decision: DecisionDeny, MatchedRule: eval.MatchedRule}
		p.logger.Info("tool call denied by policy",
			zap.String("request_id", call.RequestID),
			zap.String("rule", eval.MatchedRule))
		p.publishDecided(ctx, call, outcome, "policy")
		return outcome, nil

	default: // DecisionAsk
		if p.Mode() == ReviewPlan {
			outcome := &Outcome{Verdict: VerdictStage, Decision: DecisionAsk, MatchedRule: eval.MatchedRule}
			p.publishRequested(ctx, call, "")
			return outcome, nil
		}

		approval := &PendingApproval{
			ID:        uuid.New().String(),
			Call:      *call,
			Summary:   call.Summary(),
			CreatedAt: p.now().UTC(),
			ExpiresAt: p.now().UTC().Add(p.cfg.ApprovalExpiryDuration()),
		}
		p.mu.Lock()
		p.pending[approval.ID] = approval
		p.mu.Unlock()

		p.logger.Info("tool call awaiting approval",
			zap.String("request_id", call.RequestID),
			zap.String("approval_id", approval.ID),
			zap.String("summary", approval.Summary))
		p.publishRequested(ctx, call, approval.ID)

		return &Outcome{
			Verdict:     VerdictPending,
			Decision:    DecisionAsk,
			MatchedRule: eval.MatchedRule,
			ApprovalID:  approval.ID,
		}, nil
	}
}

// Resolve answers a pending approval. The approval is removed and the
// underlying call returned so the caller can execute or reject it.
func (p *Proxy) Resolve(ctx context.Context, approvalID string, approve bool, decidedBy string) (*PendingApproval, error) {
	p.mu.Lock()
	approval, ok := p.pending[approvalID]
	if ok {
		delete(p.pending, approvalID)
	}
	p.mu.Unlock()

	if !ok {
		return nil, ErrApprovalNotFound
	}
	if p.now().UTC().After(approval.ExpiresAt) {
		p.publishDecided(ctx, &approval.Call, &Outcome{Decision: DecisionDeny, Reason: "expired"}, "expiry")
		return nil, ErrApprovalExpired
	}

	decision := DecisionDeny
	if approve {
		decision = DecisionAllow
	}
	p.logger.Info("approval resolved",
		zap.String("approval_id", approvalID),
		zap.String("decision", string(decision)),
		zap.String("decided_by", decidedBy))
	p.publishDecided(ctx, &approval.Call, &Outcome{Decision: decision}, decidedBy)

	return approval, nil
}

// ListPending returns pending approvals, optionally scoped to a session.
func (p *Proxy) ListPending(sessionID string) []*PendingApproval {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]*PendingApproval, 0, len(p.pending))
	for _, approval := range p.pending {
		if sessionID != "" && approval.Call.SessionID != sessionID {
			continue
		}
		copied := *approval
		result = append(result, &copied)
	}
	return result
}

// StartExpirySweep begins the background loop that expires stale
// pending approvals.
func (p *Proxy) StartExpirySweep(ctx context.Context, interval time.Duration) {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()
	if p.sweepRunning {
		return
	}
	p.sweepRunning = true
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.expire(ctx)
			}
		}
	}()
}

// StopExpirySweep stops the expiry loop.
func (p *Proxy) StopExpirySweep() {
	p.sweepMu.Lock()
	if !p.sweepRunning {
		p.sweepMu.Unlock()
		return
	}
	p.sweepRunning = false
	close(p.stopCh)
	p.sweepMu.Unlock()
	p.wg.Wait()
}

func (p *Proxy) expire(ctx context.Context) {
	now := p.now().UTC()

	p.mu.Lock()
	var expired []*PendingApproval
	for id, approval := range p.pending {
		if now.After(approval.ExpiresAt) {
			expired = append(expired, approval)
			delete(p.pending, id)
		}
	}
	p.mu.Unlock()

	for _, approval := range expired {
		p.logger.Info("approval expired",
			zap.String("approval_id", approval.ID),
			zap.String("summary", approval.Summary))
		p.publishDecided(ctx, &approval.Call, &Outcome{Decision: DecisionDeny, Reason: "expired"}, "expiry")
	}
}

func (p *Proxy) publishRequested(ctx context.Context, call *ToolCall, approvalID string) {
	if p.bus == nil {
		return
	}
	env := events.NewEnvelope(events.ToolRequested, call.SessionID, call.RunID, RequestedEvent{
		RequestID:  call.RequestID,
		ApprovalID: approvalID,
		Kind:       call.Kind,
		Summary:    call.Summary(),
	})
	if err := p.bus.Publish(ctx, env); err != nil {
		p.logger.Debug("failed to publish tool.requested", zap.Error(err))
	}
}

func (p *Proxy) publishDecided(ctx context.Context, call *ToolCall, outcome *Outcome, decidedBy string) {
	if p.bus == nil {
		return
	}
	env := events.NewEnvelope(events.ToolDecided, call.SessionID, call.RunID, DecidedEvent{
		RequestID:   call.RequestID,
		Decision:    outcome.Decision,
		MatchedRule: outcome.MatchedRule,
		Reason:      outcome.Reason,
		DecidedBy:   decidedBy,
	})
	if err := p.bus.Publish(ctx, env); err != nil {
		p.logger.Debug("failed to publish tool.decided", zap.Error(err))
	}
}
