package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frumu-ai/tandem/internal/common/config"
	"github.com/frumu-ai/tandem/internal/common/logger"
	"github.com/frumu-ai/tandem/internal/journal"
	"github.com/frumu-ai/tandem/internal/permission"
	"github.com/frumu-ai/tandem/internal/tools"
)

type testEnv struct {
	area    *Area
	journal *journal.Journal
	engine  *permission.Engine
	root    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	root := t.TempDir()
	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)

	sandbox, err := permission.NewSandbox(root)
	require.NoError(t, err)
	engine := permission.NewEngine("")
	require.NoError(t, engine.LoadPolicy())

	cfg := config.StagingConfig{CommandTimeout: 5, MaxPending: 10}
	executor := tools.NewExecutor(resolved, cfg, log)
	jnl := journal.New(config.JournalConfig{}, nil, log)

	return &testEnv{
		area:    NewArea(cfg, sandbox, engine, executor, jnl, nil, log),
		journal: jnl,
		engine:  engine,
		root:    resolved,
	}
}

func writeOp(requestID, path, content string) *permission.ToolCall {
	return &permission.ToolCall{
		RequestID: requestID,
		SessionID: "sess-1",
		RunID:     "run-1",
		Kind:      permission.KindWriteFile,
		Write:     &permission.WriteFileArgs{Path: path, Content: content},
	}
}

func TestArea_StageAndList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	op1, err := env.area.Stage(ctx, writeOp("req-1", "a.txt", "one"))
	require.NoError(t, err)
	op2, err := env.area.Stage(ctx, writeOp("req-2", "b.txt", "two"))
	require.NoError(t, err)

	ops := env.area.List()
	require.Len(t, ops, 2)
	assert.Equal(t, op1.ID, ops[0].ID)
	assert.Equal(t, op2.ID, ops[1].ID)
}

func TestArea_StageIdempotentPerRequestID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	op1, err := env.area.Stage(ctx, writeOp("req-1", "a.txt", "one"))
	require.NoError(t, err)

	// A re-delivered request returns the existing operation.
	op2, err := env.area.Stage(ctx, writeOp("req-1", "a.txt", "one"))
	require.NoError(t, err)
	assert.Equal(t, op1.ID, op2.ID)
	assert.Len(t, env.area.List(), 1)
}

func TestArea_WritePreviewIsUnifiedDiff(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.root, "existing.txt")
	require.NoError(t, os.WriteFile(path, []byte("old line\n"), 0o644))

	op, err := env.area.Stage(context.Background(), writeOp("req-1", path, "new line\n"))
	require.NoError(t, err)
	assert.Contains(t, op.Preview, "-old line")
	assert.Contains(t, op.Preview, "+new line")
}

func TestArea_RemoveAndClear(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	op1, err := env.area.Stage(ctx, writeOp("req-1", "a.txt", "one"))
	require.NoError(t, err)
	_, err = env.area.Stage(ctx, writeOp("req-2", "b.txt", "two"))
	require.NoError(t, err)

	require.NoError(t, env.area.Remove(ctx, op1.ID))
	assert.Len(t, env.area.List(), 1)
	require.ErrorIs(t, env.area.Remove(ctx, op1.ID), ErrOpNotFound)

	// A removed request ID can be staged again.
	_, err = env.area.Stage(ctx, writeOp("req-1", "a.txt", "one"))
	require.NoError(t, err)

	assert.Equal(t, 2, env.area.Clear(ctx))
	assert.Empty(t, env.area.List())
}

func TestArea_MaxPending(t *testing.T) {
	env := newTestEnv(t)
	env.area.cfg.MaxPending = 2
	ctx := context.Background()

	_, err := env.area.Stage(ctx, writeOp("req-1", "a.txt", "one"))
	require.NoError(t, err)
	_, err = env.area.Stage(ctx, writeOp("req-2", "b.txt", "two"))
	require.NoError(t, err)
	_, err = env.area.Stage(ctx, writeOp("req-3", "c.txt", "three"))
	require.ErrorIs(t, err, ErrAreaFull)
}

func TestArea_ExecutePlanInOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	op1, err := env.area.Stage(ctx, writeOp("req-1", "first.txt", "1"))
	require.NoError(t, err)
	op2, err := env.area.Stage(ctx, writeOp("req-2", "second.txt", "2"))
	require.NoError(t, err)

	results, err := env.area.ExecutePlan(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, op1.ID, results[0].OperationID)
	assert.Equal(t, op2.ID, results[1].OperationID)
	assert.True(t, results[0].OK)
	assert.True(t, results[1].OK)

	for _, name := range []string{"first.txt", "second.txt"} {
		_, err := os.Stat(filepath.Join(env.root, name))
		require.NoError(t, err)
	}

	// Journal records each executed operation in stage order.
	entries := env.journal.List()
	require.Len(t, entries, 2)
	assert.Equal(t, op1.ID, entries[0].OperationID)
	assert.Equal(t, op2.ID, entries[1].OperationID)
	assert.True(t, entries[0].Reversible)

	assert.Empty(t, env.area.List())
}

func TestArea_ExecutePlanPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ok1, err := env.area.Stage(ctx, writeOp("req-1", "good.txt", "fine"))
	require.NoError(t, err)

	bad := &permission.ToolCall{
		RequestID: "req-2",
		SessionID: "sess-1",
		Kind:      permission.KindDeleteFile,
		Delete:    &permission.DeleteFileArgs{Path: "does-not-exist.txt"},
	}
	failed, err := env.area.Stage(ctx, bad)
	require.NoError(t, err)

	ok2, err := env.area.Stage(ctx, writeOp("req-3", "also-good.txt", "fine"))
	require.NoError(t, err)

	results, err := env.area.ExecutePlan(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, ok1.ID, results[0].OperationID)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.NotEmpty(t, results[1].Error)
	assert.Equal(t, ok2.ID, results[2].OperationID)
	assert.True(t, results[2].OK)

	// Earlier successes stand.
	_, err = os.Stat(filepath.Join(env.root, "good.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(env.root, "also-good.txt"))
	require.NoError(t, err)

	// The failed operation stays staged for explicit retry or removal.
	remaining := env.area.List()
	require.Len(t, remaining, 1)
	assert.Equal(t, failed.ID, remaining[0].ID)
}

func TestArea_ExecutePlanRevalidatesPolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.area.Stage(ctx, writeOp("req-1", "blocked.txt", "x"))
	require.NoError(t, err)

	// Policy tightens between staging and execution.
	require.NoError(t, env.engine.SetPolicy(&permission.Policy{
		Rules:   []permission.Rule{{Name: "lockdown", Tool: "write_file", Decision: permission.DecisionDeny}},
		Default: permission.DecisionAllow,
	}))

	results, err := env.area.ExecutePlan(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Error, "lockdown")

	_, err = os.Stat(filepath.Join(env.root, "blocked.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestArea_ExecuteEmptyPlan(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.area.ExecutePlan(context.Background())
	require.ErrorIs(t, err, ErrEmptyPlan)
}
