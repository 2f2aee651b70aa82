// Package orchestrator wires the session store, run registry, sidecar
// supervisor, permission proxy, staging area, and journal into the
// operations the HTTP API exposes.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/frumu-ai/tandem/internal/common/logger"
	"github.com/frumu-ai/tandem/internal/events"
	"github.com/frumu-ai/tandem/internal/events/bus"
	"github.com/frumu-ai/tandem/internal/journal"
	"github.com/frumu-ai/tandem/internal/permission"
	"github.com/frumu-ai/tandem/internal/run"
	"github.com/frumu-ai/tandem/internal/session"
	"github.com/frumu-ai/tandem/internal/sidecar"
	"github.com/frumu-ai/tandem/internal/staging"
	"github.com/frumu-ai/tandem/internal/tools"
)

// SidecarSupervisor is the slice of the supervisor the service needs.
type SidecarSupervisor interface {
	EnsureRunning(ctx context.Context) (string, error)
	Client() *sidecar.Client
}

// Service coordinates runs across the sidecar and the local state.
type Service struct {
	sessions   *session.Store
	registry   *run.Registry
	supervisor SidecarSupervisor
	proxy      *permission.Proxy
	staging    *staging.Area
	executor   *tools.Executor
	journal    *journal.Journal
	bus        bus.EventBus
	logger     *logger.Logger

	mu            sync.Mutex
	agentSessions map[string]string // local session ID -> sidecar session ID
	agentToLocal  map[string]string
}

// NewService creates the orchestrator service.
func NewService(
	sessions *session.Store,
	registry *run.Registry,
	supervisor SidecarSupervisor,
	proxy *permission.Proxy,
	area *staging.Area,
	executor *tools.Executor,
	jnl *journal.Journal,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Service {
	return &Service{
		sessions:      sessions,
		registry:      registry,
		supervisor:    supervisor,
		proxy:         proxy,
		staging:       area,
		executor:      executor,
		journal:       jnl,
		bus:           eventBus,
		logger:        log.WithFields(zap.String("component", "orchestrator")),
		agentSessions: make(map[string]string),
		agentToLocal:  make(map[string]string),
	}
}

// StartRun claims the session's run slot and submits the prompt to the
// sidecar. A busy session surfaces as *run.ConflictError. Sidecar
// failures after the slot was claimed release it again so the session
// is not left locked by a run that never started.
func (s *Service) StartRun(ctx context.Context, sessionID, clientID, prompt, model string) (*run.ActiveRun, error) {
	if _, err := s.sessions.Get(sessionID); err != nil {
		return nil, err
	}

	active, err := s.registry.Acquire(ctx, sessionID, clientID)
	if err != nil {
		return nil, err
	}

	if _, err := s.supervisor.EnsureRunning(ctx); err != nil {
		s.registry.Finish(ctx, sessionID, active.RunID, run.OutcomeError)
		return nil, err
	}
	client := s.supervisor.Client()
	if client == nil {
		s.registry.Finish(ctx, sessionID, active.RunID, run.OutcomeError)
		return nil, sidecar.ErrNotRunning
	}

	agentSessionID, err := s.agentSession(ctx, client, sessionID)
	if err != nil {
		s.registry.Finish(ctx, sessionID, active.RunID, run.OutcomeError)
		return nil, fmt.Errorf("create agent session: %w", err)
	}

	if err := client.StartEventStream(context.WithoutCancel(ctx), s.handleAgentEvent); err != nil {
		s.logger.Warn("failed to open agent event stream", zap.Error(err))
	}

	if err := client.Prompt(ctx, agentSessionID, sidecar.PromptRequest{
		RunID:  active.RunID,
		Prompt: prompt,
		Model:  model,
	}); err != nil {
		s.registry.Finish(ctx, sessionID, active.RunID, run.OutcomeError)
		return nil, fmt.Errorf("submit prompt: %w", err)
	}

	s.logger.Info("run started",
		zap.String("session_id", sessionID),
		zap.String("run_id", active.RunID))
	return active, nil
}

// agentSession returns the sidecar session mapped to the local session,
// creating it on first use.
func (s *Service) agentSession(ctx context.Context, client *sidecar.Client, sessionID string) (string, error) {
	s.mu.Lock()
	if id, ok := s.agentSessions[sessionID]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	id, err := client.CreateSession(ctx)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.agentSessions[sessionID] = id
	s.agentToLocal[id] = sessionID
	s.mu.Unlock()
	return id, nil
}

func (s *Service) localSession(agentSessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if local, ok := s.agentToLocal[agentSessionID]; ok {
		return local
	}
	return agentSessionID
}

// CancelSession cancels the session's active run, whichever run that
// is. Returns false when no run is active.
func (s *Service) CancelSession(ctx context.Context, sessionID string) bool {
	active, ok := s.registry.Active(sessionID)
	if !ok {
		return false
	}
	return s.cancel(ctx, sessionID, active.RunID)
}

// CancelRun cancels a specific run. A stale run ID is a no-op so a
// late cancel never tears down a newer run.
func (s *Service) CancelRun(ctx context.Context, sessionID, runID string) bool {
	active, ok := s.registry.Active(sessionID)
	if !ok || active.RunID != runID {
		return false
	}
	return s.cancel(ctx, sessionID, runID)
}

func (s *Service) cancel(ctx context.Context, sessionID, runID string) bool {
	// Best-effort abort; the slot is released regardless.
	if client := s.supervisor.Client(); client != nil {
		s.mu.Lock()
		agentSessionID, ok := s.agentSessions[sessionID]
		s.mu.Unlock()
		if ok {
			if err := client.Abort(ctx, agentSessionID); err != nil {
				s.logger.Debug("abort request failed", zap.Error(err))
			}
		}
	}
	return s.registry.Finish(ctx, sessionID, runID, run.OutcomeCancelled)
}

// handleAgentEvent is the sidecar SSE pump: every event refreshes the
// run's heartbeat and is republished on the bus under the local session
// ID; tool requests are routed through the permission proxy and
// terminal events release the run slot.
func (s *Service) handleAgentEvent(ev *sidecar.AgentEvent) {
	ctx := context.Background()
	sessionID := s.localSession(ev.SessionID)

	runID := ev.RunID
	active, hasRun := s.registry.Active(sessionID)
	if hasRun {
		if runID == "" {
			runID = active.RunID
		}
		s.registry.Heartbeat(sessionID, active.RunID)
	}

	s.publish(ctx, events.NewEnvelope(ev.Type, sessionID, runID, ev.Properties))

	switch ev.Type {
	case sidecar.AgentEventToolRequest:
		s.handleToolRequest(ctx, sessionID, runID, ev.Properties)
	case sidecar.AgentEventRunCompleted, sidecar.AgentEventIdle:
		if hasRun {
			s.registry.Finish(ctx, sessionID, active.RunID, run.OutcomeCompleted)
		}
	case sidecar.AgentEventRunFailed:
		if hasRun {
			s.registry.Finish(ctx, sessionID, active.RunID, run.OutcomeError)
		}
	}
}

// toolRequestPayload is the tool.request properties shape on the
// sidecar stream.
type toolRequestPayload struct {
	RequestID string          `json:"requestId"`
	MessageID string          `json:"messageId"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input"`
}

// handleToolRequest decodes a tool request, runs it through the
// permission proxy, and answers the sidecar for everything except
// pending approvals, which are answered when the user resolves them.
func (s *Service) handleToolRequest(ctx context.Context, sessionID, runID string, properties json.RawMessage) {
	var payload toolRequestPayload
	if err := json.Unmarshal(properties, &payload); err != nil {
		s.logger.Warn("malformed tool request", zap.Error(err))
		return
	}

	call, err := decodeToolCall(sessionID, runID, &payload)
	if err != nil {
		s.logger.Warn("invalid tool request",
			zap.String("request_id", payload.RequestID),
			zap.Error(err))
		s.replyDecision(ctx, payload.RequestID, "deny", err.Error())
		return
	}

	outcome, err := s.proxy.Process(ctx, call)
	if err != nil {
		s.replyDecision(ctx, payload.RequestID, "deny", err.Error())
		return
	}

	switch outcome.Verdict {
	case permission.VerdictExecute:
		s.executeAndJournal(ctx, call)
		s.replyDecision(ctx, call.RequestID, "allow", "")

	case permission.VerdictDeny:
		reason := outcome.Reason
		if reason == "" {
			reason = fmt.Sprintf("denied by policy rule %q", outcome.MatchedRule)
		}
		s.replyDecision(ctx, call.RequestID, "deny", reason)

	case permission.VerdictStage:
		if _, err := s.staging.Stage(ctx, call); err != nil {
			s.replyDecision(ctx, call.RequestID, "deny", err.Error())
			return
		}
		s.replyDecision(ctx, call.RequestID, "deny", "staged for batch review")

	case permission.VerdictPending:
		// Answered in ResolveApproval.
	}
}

// decodeToolCall maps a sidecar tool name and raw input onto the typed
// tool call union. Unknown tools become generic calls.
func decodeToolCall(sessionID, runID string, payload *toolRequestPayload) (*permission.ToolCall, error) {
	call := &permission.ToolCall{
		RequestID: payload.RequestID,
		SessionID: sessionID,
		RunID:     runID,
		MessageID: payload.MessageID,
	}

	switch payload.Tool {
	case "read_file":
		call.Kind = permission.KindReadFile
		call.Read = &permission.ReadFileArgs{}
		if err := json.Unmarshal(payload.Input, call.Read); err != nil {
			return nil, fmt.Errorf("decode read_file input: %w", err)
		}
	case "write_file":
		call.Kind = permission.KindWriteFile
		call.Write = &permission.WriteFileArgs{}
		if err := json.Unmarshal(payload.Input, call.Write); err != nil {
			return nil, fmt.Errorf("decode write_file input: %w", err)
		}
	case "delete_file":
		call.Kind = permission.KindDeleteFile
		call.Delete = &permission.DeleteFileArgs{}
		if err := json.Unmarshal(payload.Input, call.Delete); err != nil {
			return nil, fmt.Errorf("decode delete_file input: %w", err)
		}
	case "run_command":
		call.Kind = permission.KindRunCommand
		call.Command = &permission.RunCommandArgs{}
		if err := json.Unmarshal(payload.Input, call.Command); err != nil {
			return nil, fmt.Errorf("decode run_command input: %w", err)
		}
	default:
		call.Kind = permission.KindGeneric
		call.Generic = &permission.GenericArgs{Tool: payload.Tool, Input: payload.Input}
	}

	if err := call.Validate(); err != nil {
		return nil, err
	}
	return call, nil
}

// PendingApprovals lists tool calls waiting for the user, optionally
// scoped to a session.
func (s *Service) PendingApprovals(sessionID string) []*permission.PendingApproval {
	return s.proxy.ListPending(sessionID)
}

// ResolveApproval answers a pending immediate-mode approval: approval
// executes and journals the call, denial refuses it. Either way the
// sidecar gets its reply.
func (s *Service) ResolveApproval(ctx context.Context, approvalID string, approve bool, decidedBy string) error {
	approval, err := s.proxy.Resolve(ctx, approvalID, approve, decidedBy)
	if err != nil {
		return err
	}

	call := approval.Call
	if approve {
		s.executeAndJournal(ctx, &call)
		s.replyDecision(ctx, call.RequestID, "allow", "")
	} else {
		s.replyDecision(ctx, call.RequestID, "deny", "rejected by user")
	}
	return nil
}

// executeAndJournal runs an approved call and records it. Generic calls
// are executed by the sidecar itself, so only the decision is recorded.
func (s *Service) executeAndJournal(ctx context.Context, call *permission.ToolCall) {
	if call.Kind == permission.KindGeneric {
		return
	}

	result, err := s.executor.Execute(ctx, call)
	entry := &journal.Entry{
		OperationID:   call.RequestID,
		SessionID:     call.SessionID,
		RunID:         call.RunID,
		Kind:          string(call.Kind),
		ResultSummary: call.Summary(),
		OK:            err == nil,
	}
	if result != nil {
		entry.ResultSummary = result.Summary
		entry.Path = result.Path
		entry.Prior = result.Prior
		entry.Reversible = result.Reversible && err == nil
	}
	if err != nil {
		s.logger.Warn("tool execution failed",
			zap.String("request_id", call.RequestID),
			zap.Error(err))
	}
	s.journal.Record(ctx, entry)
}

func (s *Service) replyDecision(ctx context.Context, requestID, decision, message string) {
	client := s.supervisor.Client()
	if client == nil {
		return
	}
	if err := client.ReplyToolDecision(ctx, requestID, sidecar.ToolDecisionRequest{
		Decision: decision,
		Message:  message,
	}); err != nil {
		s.logger.Debug("failed to reply tool decision",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, env *events.Envelope) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		s.logger.Debug("failed to republish agent event", zap.Error(err))
	}
}
