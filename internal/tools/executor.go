// Package tools executes approved tool calls against the workspace.
package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/frumu-ai/tandem/internal/common/config"
	"github.com/frumu-ai/tandem/internal/common/logger"
	"github.com/frumu-ai/tandem/internal/journal"
	"github.com/frumu-ai/tandem/internal/permission"
)

// maxCommandOutput bounds captured stdout+stderr per command.
const maxCommandOutput = 64 * 1024

// Result is the outcome of executing one tool call. Prior is set for
// file mutations so the journal can undo them.
type Result struct {
	Summary    string
	Output     string
	Path       string
	Prior      *journal.Prior
	Reversible bool
}

// Executor runs tool calls. Paths must already be canonicalized by the
// permission sandbox; the executor trusts them.
type Executor struct {
	workspaceRoot string
	cfg           config.StagingConfig
	logger        *logger.Logger
}

// NewExecutor creates an executor rooted at the workspace.
func NewExecutor(workspaceRoot string, cfg config.StagingConfig, log *logger.Logger) *Executor {
	return &Executor{
		workspaceRoot: workspaceRoot,
		cfg:           cfg,
		logger:        log.WithFields(zap.String("component", "tool-executor")),
	}
}

// Execute dispatches a tool call to its handler.
func (e *Executor) Execute(ctx context.Context, call *permission.ToolCall) (*Result, error) {
	switch call.Kind {
	case permission.KindReadFile:
		return e.readFile(call.Read)
	case permission.KindWriteFile:
		return e.writeFile(call.Write)
	case permission.KindDeleteFile:
		return e.deleteFile(call.Delete)
	case permission.KindRunCommand:
		return e.runCommand(ctx, call.Command)
	default:
		return nil, fmt.Errorf("%w: kind %q is not executable locally", permission.ErrInvalidToolCall, call.Kind)
	}
}

func (e *Executor) readFile(args *permission.ReadFileArgs) (*Result, error) {
	data, err := os.ReadFile(args.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", args.Path, err)
	}
	return &Result{
		Summary: fmt.Sprintf("read %s (%d bytes)", args.Path, len(data)),
		Output:  string(data),
		Path:    args.Path,
	}, nil
}

// writeFile captures the prior file state, then writes atomically via
// a temp file and rename so readers never see a partial write.
func (e *Executor) writeFile(args *permission.WriteFileArgs) (*Result, error) {
	prior, err := captureState(args.Path)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(args.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tandem-write-*")
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", args.Path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(args.Content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("write %s: %w", args.Path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("write %s: %w", args.Path, err)
	}

	mode := os.FileMode(0o644)
	if prior.Existed && prior.Mode != 0 {
		mode = prior.Mode
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("write %s: %w", args.Path, err)
	}
	if err := os.Rename(tmpName, args.Path); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("write %s: %w", args.Path, err)
	}

	verb := "created"
	if prior.Existed {
		verb = "updated"
	}
	return &Result{
		Summary:    fmt.Sprintf("%s %s (%d bytes)", verb, args.Path, len(args.Content)),
		Path:       args.Path,
		Prior:      prior,
		Reversible: true,
	}, nil
}

func (e *Executor) deleteFile(args *permission.DeleteFileArgs) (*Result, error) {
	prior, err := captureState(args.Path)
	if err != nil {
		return nil, err
	}
	if !prior.Existed {
		return nil, fmt.Errorf("delete %s: %w", args.Path, os.ErrNotExist)
	}
	if err := os.Remove(args.Path); err != nil {
		return nil, fmt.Errorf("delete %s: %w", args.Path, err)
	}
	return &Result{
		Summary:    fmt.Sprintf("deleted %s", args.Path),
		Path:       args.Path,
		Prior:      prior,
		Reversible: true,
	}, nil
}

// runCommand executes shell text in its own process group so a timeout
// can kill the whole tree, with output capped at maxCommandOutput.
// Command results cannot be undone.
func (e *Executor) runCommand(ctx context.Context, args *permission.RunCommandArgs) (*Result, error) {
	dir := args.WorkingDir
	if dir == "" {
		dir = e.workspaceRoot
	}

	timeout := e.cfg.CommandTimeoutDuration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command("sh", "-lc", args.Command)
	cmd.Dir = dir
	cmd.SysProcAttr = commandProcAttr()

	var output bytes.Buffer
	limited := &limitWriter{w: &output, limit: maxCommandOutput}
	cmd.Stdout = limited
	cmd.Stderr = limited

	e.logger.Debug("running command",
		zap.String("command", args.Command),
		zap.String("dir", dir))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		killCommandGroup(cmd.Process.Pid)
		<-done
		runErr = fmt.Errorf("command timed out after %s", timeout)
	}

	out := output.String()
	if limited.truncated {
		out += "\n[output truncated]"
	}

	result := &Result{
		Summary: fmt.Sprintf("ran %q", args.Command),
		Output:  out,
	}
	if runErr != nil {
		return result, fmt.Errorf("command failed: %w: %s", runErr, firstLine(out))
	}
	return result, nil
}

// captureState records a file's content and mode, or its absence.
func captureState(path string) (*journal.Prior, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &journal.Prior{Existed: false}, nil
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &journal.Prior{Existed: true, Content: content, Mode: info.Mode().Perm()}, nil
}

// limitWriter caps the bytes written through it and drops the rest.
type limitWriter struct {
	w         *bytes.Buffer
	limit     int
	truncated bool
}

func (l *limitWriter) Write(p []byte) (int, error) {
	remaining := l.limit - l.w.Len()
	if remaining <= 0 {
		l.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		l.truncated = true
		l.w.Write(p[:remaining])
		return len(p), nil
	}
	return l.w.Write(p)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
