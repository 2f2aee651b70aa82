package permission

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frumu-ai/tandem/internal/common/logger"
)

func TestPolicyWatcher_ReloadsOnChange(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: []\ndefault: ask\n"), 0o644))

	engine := NewEngine(path)
	require.NoError(t, engine.LoadPolicy())
	require.Equal(t, DecisionAsk, engine.Evaluate(readCall("/tmp/ws/a.go")).Decision)

	w := NewPolicyWatcher(engine, path, log)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// Replace the file the way Save does: write a temp file then rename.
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte("rules: []\ndefault: deny\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool {
		return engine.Evaluate(readCall("/tmp/ws/a.go")).Decision == DecisionDeny
	}, 3*time.Second, 50*time.Millisecond)
}

func TestPolicyWatcher_KeepsPolicyOnBadFile(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: []\ndefault: deny\n"), 0o644))

	engine := NewEngine(path)
	require.NoError(t, engine.LoadPolicy())

	w := NewPolicyWatcher(engine, path, log)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("default: {broken"), 0o644))

	// Give the debounce and reload a chance to run, then verify the
	// previous policy is still active.
	time.Sleep(time.Second)
	assert.Equal(t, DecisionDeny, engine.Evaluate(readCall("/tmp/ws/a.go")).Decision)
}

func TestPolicyWatcher_StartStopIdempotent(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	engine := NewEngine(path)
	require.NoError(t, engine.LoadPolicy())

	w := NewPolicyWatcher(engine, path, log)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}
