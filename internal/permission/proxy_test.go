package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frumu-ai/tandem/internal/common/config"
	"github.com/frumu-ai/tandem/internal/common/logger"
	"github.com/frumu-ai/tandem/internal/events"
	"github.com/frumu-ai/tandem/internal/events/bus"
)

func testProxy(t *testing.T, mode string) (*Proxy, *bus.MemoryEventBus, string) {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	root := t.TempDir()
	sandbox, err := NewSandbox(root)
	require.NoError(t, err)

	engine := NewEngine("")
	require.NoError(t, engine.LoadPolicy())

	eventBus := bus.NewMemoryEventBus(16, log)
	t.Cleanup(eventBus.Close)

	cfg := config.PermissionsConfig{
		WorkspaceRoot:  root,
		ReviewMode:     mode,
		ApprovalExpiry: 300,
	}
	return NewProxy(cfg, engine, sandbox, eventBus, log), eventBus, root
}

func collectTypes(t *testing.T, sub bus.Subscription, n int) []string {
	t.Helper()
	var types []string
	for i := 0; i < n; i++ {
		select {
		case env := <-sub.C():
			types = append(types, env.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d, got %v", i, types)
		}
	}
	return types
}

func TestProxy_AllowedCallExecutes(t *testing.T) {
	p, eventBus, _ := testProxy(t, "immediate")
	sub, err := eventBus.Subscribe(bus.Filter{}, 16)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	outcome, err := p.Process(context.Background(), readCall("notes.md"))
	require.NoError(t, err)
	assert.Equal(t, VerdictExecute, outcome.Verdict)
	assert.Equal(t, DecisionAllow, outcome.Decision)
	assert.Equal(t, "reads", outcome.MatchedRule)

	types := collectTypes(t, sub, 1)
	assert.Equal(t, []string{events.ToolDecided}, types)
}

func TestProxy_SandboxOverridesPolicy(t *testing.T) {
	p, _, _ := testProxy(t, "immediate")

	// Reads are allowed by policy, but the path escapes the root.
	outcome, err := p.Process(context.Background(), readCall("../../etc/passwd"))
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, outcome.Verdict)
	assert.Equal(t, DecisionDeny, outcome.Decision)
	assert.Equal(t, "sandbox", outcome.MatchedRule)
	assert.Contains(t, outcome.Reason, "workspace root")
}

func TestProxy_DenyRule(t *testing.T) {
	p, _, _ := testProxy(t, "immediate")
	require.NoError(t, p.engine.SetPolicy(&Policy{
		Rules:   []Rule{{Name: "no-deletes", Tool: "delete_file", Decision: DecisionDeny}},
		Default: DecisionAllow,
	}))

	call := &ToolCall{
		RequestID: "req-d",
		SessionID: "sess-1",
		Kind:      KindDeleteFile,
		Delete:    &DeleteFileArgs{Path: "old.txt"},
	}
	outcome, err := p.Process(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, outcome.Verdict)
	assert.Equal(t, "no-deletes", outcome.MatchedRule)
}

func TestProxy_ImmediateModeApprovalFlow(t *testing.T) {
	p, eventBus, _ := testProxy(t, "immediate")
	sub, err := eventBus.Subscribe(bus.Filter{}, 16)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	outcome, err := p.Process(context.Background(), writeCall("src/main.go"))
	require.NoError(t, err)
	require.Equal(t, VerdictPending, outcome.Verdict)
	require.NotEmpty(t, outcome.ApprovalID)

	pending := p.ListPending("sess-1")
	require.Len(t, pending, 1)
	assert.Equal(t, outcome.ApprovalID, pending[0].ID)

	approval, err := p.Resolve(context.Background(), outcome.ApprovalID, true, "user")
	require.NoError(t, err)
	assert.Equal(t, KindWriteFile, approval.Call.Kind)
	assert.Empty(t, p.ListPending(""))

	types := collectTypes(t, sub, 2)
	assert.Equal(t, []string{events.ToolRequested, events.ToolDecided}, types)
}

func TestProxy_ResolveUnknownApproval(t *testing.T) {
	p, _, _ := testProxy(t, "immediate")

	_, err := p.Resolve(context.Background(), "nope", true, "user")
	require.ErrorIs(t, err, ErrApprovalNotFound)
}

func TestProxy_ResolveIsOneShot(t *testing.T) {
	p, _, _ := testProxy(t, "immediate")

	outcome, err := p.Process(context.Background(), writeCall("a.txt"))
	require.NoError(t, err)

	_, err = p.Resolve(context.Background(), outcome.ApprovalID, false, "user")
	require.NoError(t, err)

	_, err = p.Resolve(context.Background(), outcome.ApprovalID, false, "user")
	require.ErrorIs(t, err, ErrApprovalNotFound)
}

func TestProxy_PlanModeStagesAskCalls(t *testing.T) {
	p, _, _ := testProxy(t, "plan")

	outcome, err := p.Process(context.Background(), writeCall("src/main.go"))
	require.NoError(t, err)
	assert.Equal(t, VerdictStage, outcome.Verdict)
	assert.Empty(t, outcome.ApprovalID)
	assert.Empty(t, p.ListPending(""))
}

func TestProxy_ApprovalExpiry(t *testing.T) {
	p, _, _ := testProxy(t, "immediate")

	base := time.Now()
	p.now = func() time.Time { return base }

	outcome, err := p.Process(context.Background(), writeCall("a.txt"))
	require.NoError(t, err)

	p.now = func() time.Time { return base.Add(10 * time.Minute) }
	p.expire(context.Background())

	assert.Empty(t, p.ListPending(""))
	_, err = p.Resolve(context.Background(), outcome.ApprovalID, true, "user")
	require.ErrorIs(t, err, ErrApprovalNotFound)
}

func TestProxy_ResolveExpiredApproval(t *testing.T) {
	p, _, _ := testProxy(t, "immediate")

	base := time.Now()
	p.now = func() time.Time { return base }

	outcome, err := p.Process(context.Background(), writeCall("a.txt"))
	require.NoError(t, err)

	p.now = func() time.Time { return base.Add(10 * time.Minute) }
	_, err = p.Resolve(context.Background(), outcome.ApprovalID, true, "user")
	require.ErrorIs(t, err, ErrApprovalExpired)
}

func TestProxy_InvalidCallRejected(t *testing.T) {
	p, _, _ := testProxy(t, "immediate")

	_, err := p.Process(context.Background(), &ToolCall{RequestID: "req-x", SessionID: "sess-1", Kind: KindReadFile})
	require.ErrorIs(t, err, ErrInvalidToolCall)
}
