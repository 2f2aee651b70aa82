package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frumu-ai/tandem/internal/common/config"
	"github.com/frumu-ai/tandem/internal/common/logger"
	"github.com/frumu-ai/tandem/internal/permission"
)

func testExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	root := t.TempDir()
	return NewExecutor(root, config.StagingConfig{CommandTimeout: 5}, log), root
}

func TestExecutor_WriteFileNew(t *testing.T) {
	e, root := testExecutor(t)
	path := filepath.Join(root, "sub", "new.txt")

	result, err := e.Execute(context.Background(), &permission.ToolCall{
		RequestID: "req-1",
		SessionID: "sess-1",
		Kind:      permission.KindWriteFile,
		Write:     &permission.WriteFileArgs{Path: path, Content: "hello"},
	})
	require.NoError(t, err)
	assert.True(t, result.Reversible)
	require.NotNil(t, result.Prior)
	assert.False(t, result.Prior.Existed)
	assert.Contains(t, result.Summary, "created")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestExecutor_WriteFileCapturesPrior(t *testing.T) {
	e, root := testExecutor(t)
	path := filepath.Join(root, "existing.txt")
	require.NoError(t, os.WriteFile(path, []byte("before"), 0o600))

	result, err := e.Execute(context.Background(), &permission.ToolCall{
		RequestID: "req-1",
		SessionID: "sess-1",
		Kind:      permission.KindWriteFile,
		Write:     &permission.WriteFileArgs{Path: path, Content: "after"},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Prior)
	assert.True(t, result.Prior.Existed)
	assert.Equal(t, "before", string(result.Prior.Content))
	assert.Equal(t, os.FileMode(0o600), result.Prior.Mode)
	assert.Contains(t, result.Summary, "updated")

	// The original mode is preserved on rewrite.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestExecutor_DeleteFile(t *testing.T) {
	e, root := testExecutor(t)
	path := filepath.Join(root, "doomed.txt")
	require.NoError(t, os.WriteFile(path, []byte("bye"), 0o644))

	result, err := e.Execute(context.Background(), &permission.ToolCall{
		RequestID: "req-1",
		SessionID: "sess-1",
		Kind:      permission.KindDeleteFile,
		Delete:    &permission.DeleteFileArgs{Path: path},
	})
	require.NoError(t, err)
	assert.True(t, result.Reversible)
	require.NotNil(t, result.Prior)
	assert.Equal(t, "bye", string(result.Prior.Content))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestExecutor_DeleteMissingFile(t *testing.T) {
	e, root := testExecutor(t)

	_, err := e.Execute(context.Background(), &permission.ToolCall{
		RequestID: "req-1",
		SessionID: "sess-1",
		Kind:      permission.KindDeleteFile,
		Delete:    &permission.DeleteFileArgs{Path: filepath.Join(root, "missing.txt")},
	})
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestExecutor_ReadFile(t *testing.T) {
	e, root := testExecutor(t)
	path := filepath.Join(root, "readable.txt")
	require.NoError(t, os.WriteFile(path, []byte("contents"), 0o644))

	result, err := e.Execute(context.Background(), &permission.ToolCall{
		RequestID: "req-1",
		SessionID: "sess-1",
		Kind:      permission.KindReadFile,
		Read:      &permission.ReadFileArgs{Path: path},
	})
	require.NoError(t, err)
	assert.Equal(t, "contents", result.Output)
	assert.False(t, result.Reversible)
}

func TestExecutor_RunCommand(t *testing.T) {
	e, root := testExecutor(t)

	result, err := e.Execute(context.Background(), &permission.ToolCall{
		RequestID: "req-1",
		SessionID: "sess-1",
		Kind:      permission.KindRunCommand,
		Command:   &permission.RunCommandArgs{Command: "echo hello && pwd"},
	})
	require.NoError(t, err)
	assert.Contains(t, result.Output, "hello")
	assert.Contains(t, result.Output, filepath.Base(root))
	assert.False(t, result.Reversible)
}

func TestExecutor_RunCommandFailure(t *testing.T) {
	e, _ := testExecutor(t)

	result, err := e.Execute(context.Background(), &permission.ToolCall{
		RequestID: "req-1",
		SessionID: "sess-1",
		Kind:      permission.KindRunCommand,
		Command:   &permission.RunCommandArgs{Command: "echo oops >&2; exit 3"},
	})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Contains(t, result.Output, "oops")
}

func TestExecutor_RunCommandTimeout(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	e := NewExecutor(t.TempDir(), config.StagingConfig{CommandTimeout: 1}, log)

	start := time.Now()
	_, err = e.Execute(context.Background(), &permission.ToolCall{
		RequestID: "req-1",
		SessionID: "sess-1",
		Kind:      permission.KindRunCommand,
		Command:   &permission.RunCommandArgs{Command: "sleep 30"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLimitWriter(t *testing.T) {
	e, _ := testExecutor(t)

	result, err := e.Execute(context.Background(), &permission.ToolCall{
		RequestID: "req-1",
		SessionID: "sess-1",
		Kind:      permission.KindRunCommand,
		Command:   &permission.RunCommandArgs{Command: "head -c 100000 /dev/zero | tr '\\0' 'x'"},
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.Output), maxCommandOutput+len("\n[output truncated]"))
	assert.Contains(t, result.Output, "[output truncated]")
}
