package sidecar

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/frumu-ai/tandem/internal/common/config"
	"github.com/frumu-ai/tandem/internal/common/logger"
	"github.com/frumu-ai/tandem/internal/events"
	"github.com/frumu-ai/tandem/internal/events/bus"
)

// HealthFunc probes a sidecar base URL once.
type HealthFunc func(ctx context.Context, baseURL string) error

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithHealthFunc overrides the health probe.
func WithHealthFunc(fn HealthFunc) Option {
	return func(s *Supervisor) { s.health = fn }
}

// WithCommand overrides the sidecar command line.
func WithCommand(args []string) Option {
	return func(s *Supervisor) { s.args = args }
}

// Supervisor owns the sidecar process lifecycle: spawn, health polling,
// crash detection with backoff restart, and graceful shutdown. Start
// attempts are gated by a circuit breaker so a broken sidecar command
// fails fast instead of being retried in a tight loop.
type Supervisor struct {
	cfg    config.SidecarConfig
	logger *logger.Logger
	bus    bus.EventBus

	breaker *CircuitBreaker
	ringLog *RingLog
	ports   *portPicker
	health  HealthFunc
	args    []string

	sf singleflight.Group

	mu        sync.Mutex
	cmd       *exec.Cmd
	client    *Client
	port      int
	baseURL   string
	startedAt time.Time
	stopping  bool
	gen       uint64
	done      chan struct{}

	status   atomic.Value // Status
	restarts atomic.Int32
	exitCode atomic.Int32

	closed chan struct{}
}

// NewSupervisor creates a supervisor for the configured sidecar command.
func NewSupervisor(cfg config.SidecarConfig, eventBus bus.EventBus, log *logger.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "sidecar-supervisor")),
		bus:     eventBus,
		breaker: NewCircuitBreaker(cfg.FailureThreshold, cfg.BreakerCooldownDuration()),
		ringLog: NewRingLog(cfg.LogBufferLines),
		ports:   newPortPicker(cfg.PortBase, cfg.PortMax),
		args:    cfg.Args(),
		closed:  make(chan struct{}),
	}
	s.status.Store(StatusStopped)
	s.exitCode.Store(-1)
	s.health = func(ctx context.Context, baseURL string) error {
		return NewClient(baseURL, log).Health(ctx)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns the current process status.
func (s *Supervisor) Status() Status {
	return s.status.Load().(Status)
}

// RingLog returns the captured sidecar output buffer.
func (s *Supervisor) RingLog() *RingLog {
	return s.ringLog
}

// Breaker returns the start circuit breaker.
func (s *Supervisor) Breaker() *CircuitBreaker {
	return s.breaker
}

// Client returns the HTTP client for the running sidecar, or nil when
// the sidecar is not running.
func (s *Supervisor) Client() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status() != StatusRunning {
		return nil
	}
	return s.client
}

// Info returns a snapshot of the supervised process.
func (s *Supervisor) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		Status:       s.Status(),
		Port:         s.port,
		BaseURL:      s.baseURL,
		Restarts:     int(s.restarts.Load()),
		LastExitCode: int(s.exitCode.Load()),
		Breaker:      s.breaker.State(),
	}
	if s.cmd != nil && s.cmd.Process != nil {
		info.PID = s.cmd.Process.Pid
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		info.StartedAt = &t
	}
	return info
}

// EnsureRunning starts the sidecar if it is not already running and
// returns its base URL. Concurrent callers share one start attempt.
func (s *Supervisor) EnsureRunning(ctx context.Context) (string, error) {
	v, err, _ := s.sf.Do("ensure", func() (any, error) {
		if s.Status() == StatusRunning {
			s.mu.Lock()
			url := s.baseURL
			s.mu.Unlock()
			return url, nil
		}

		if err := s.breaker.Allow(); err != nil {
			return nil, err
		}

		url, err := s.start(ctx)
		if err != nil {
			s.breaker.RecordFailure()
			return nil, err
		}
		s.breaker.RecordSuccess()
		return url, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// expandArgs substitutes the allocated port into the command line.
func expandArgs(args []string, port int) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, "{port}", fmt.Sprintf("%d", port))
	}
	return out
}

func (s *Supervisor) start(ctx context.Context) (string, error) {
	if len(s.args) == 0 {
		s.setStatus(StatusError, "", 0)
		return "", ErrNoCommand
	}

	port, err := s.ports.Pick()
	if err != nil {
		s.setStatus(StatusError, err.Error(), 0)
		return "", err
	}
	baseURL := fmt.Sprintf("http://%s:%d", s.cfg.Host, port)

	args := expandArgs(s.args, port)

	s.logger.Info("starting sidecar process",
		zap.Strings("args", args),
		zap.Int("port", port))

	// NOTE: not exec.CommandContext on purpose. The caller's request
	// context must not kill the sidecar when the request completes.
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("PORT=%d", port),
		fmt.Sprintf("TANDEM_SIDECAR_PORT=%d", port),
	)
	// Stdin stays nil so the child reads from the null device and can
	// never block waiting for interactive input.
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.setStatus(StatusError, err.Error(), 0)
		return "", fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.setStatus(StatusError, err.Error(), 0)
		return "", fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	s.setStatus(StatusStarting, "", 0)

	if err := cmd.Start(); err != nil {
		s.setStatus(StatusError, err.Error(), 0)
		return "", fmt.Errorf("failed to start sidecar: %w", err)
	}

	done := make(chan struct{})

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.cmd = cmd
	s.port = port
	s.baseURL = baseURL
	s.startedAt = time.Now().UTC()
	s.stopping = false
	s.done = done
	s.client = NewClient(baseURL, s.logger)
	s.mu.Unlock()

	go s.readOutput(stdout, "stdout", done)
	go s.readOutput(stderr, "stderr", done)
	go s.watch(cmd, gen, done)

	if err := s.waitHealthy(ctx, baseURL, done); err != nil {
		s.logger.Error("sidecar failed to become healthy", zap.Error(err))
		// Mark as stopping so the watcher does not treat the teardown
		// as a crash and schedule a restart. The breaker owns retries
		// for failed starts.
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()
		s.terminate(cmd, done)
		s.setStatus(StatusError, err.Error(), 0)
		return "", err
	}

	s.setStatus(StatusRunning, "", cmd.Process.Pid)
	s.logger.Info("sidecar process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("port", port))

	return baseURL, nil
}

// waitHealthy polls the health endpoint until the sidecar answers, the
// startup deadline passes, or the process exits.
func (s *Supervisor) waitHealthy(ctx context.Context, baseURL string, done chan struct{}) error {
	deadline := time.Now().Add(s.cfg.StartupTimeoutDuration())
	ticker := time.NewTicker(s.cfg.HealthInterval())
	defer ticker.Stop()

	var lastErr error
	for {
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthInterval())
		err := s.health(probeCtx, baseURL)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if time.Now().After(deadline) {
			return fmt.Errorf("sidecar not healthy after %s: %w", s.cfg.StartupTimeoutDuration(), lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return fmt.Errorf("sidecar exited during startup (exit code %d): %w", s.exitCode.Load(), lastErr)
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) readOutput(r io.ReadCloser, stream string, done chan struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.ringLog.Add(LogLine{
			Timestamp: time.Now().UTC(),
			Stream:    stream,
			Content:   scanner.Text(),
		})
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-done:
		default:
			s.logger.Debug("sidecar output read error",
				zap.String("stream", stream),
				zap.Error(err))
		}
	}
}

// watch waits for the process to exit and drives crash recovery.
func (s *Supervisor) watch(cmd *exec.Cmd, gen uint64, done chan struct{}) {
	err := cmd.Wait()
	close(done)

	exitCode := 0
	if err != nil {
		exitCode = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}
	s.exitCode.Store(int32(exitCode))

	s.mu.Lock()
	stale := s.gen != gen
	stopping := s.stopping
	s.mu.Unlock()

	if stale {
		return
	}

	if stopping {
		s.logger.Info("sidecar process exited", zap.Int("exit_code", exitCode))
		s.setStatus(StatusStopped, "", 0)
		return
	}

	s.logger.Warn("sidecar process crashed",
		zap.Int("exit_code", exitCode),
		zap.Error(err))
	s.setStatus(StatusCrashed, fmt.Sprintf("exit code %d", exitCode), 0)

	go s.restartLoop()
}

// restartLoop retries EnsureRunning with exponential backoff after a
// crash. It stops once the sidecar is running again, the supervisor is
// shutting down, or an unrecoverable error occurs.
func (s *Supervisor) restartLoop() {
	delay := s.cfg.RestartBackoff()
	maxDelay := s.cfg.RestartBackoffMax()
	if maxDelay < delay {
		maxDelay = delay
	}

	for {
		select {
		case <-s.closed:
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		stopping := s.stopping
		s.mu.Unlock()
		if stopping {
			return
		}

		s.restarts.Add(1)
		s.logger.Info("restarting sidecar after crash",
			zap.Int32("restarts", s.restarts.Load()))

		_, err := s.EnsureRunning(context.Background())
		if err == nil {
			return
		}
		if err == ErrNoCommand {
			return
		}
		if err == ErrBreakerOpen {
			s.logger.Warn("sidecar restart blocked by circuit breaker",
				zap.Duration("cooldown", s.cfg.BreakerCooldownDuration()))
			delay = s.cfg.BreakerCooldownDuration()
			continue
		}

		s.logger.Error("sidecar restart failed", zap.Error(err))
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// terminate performs the SIGTERM then SIGKILL escalation on the
// process group and waits for exit.
func (s *Supervisor) terminate(cmd *exec.Cmd, done chan struct{}) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	if err := terminateProcessGroup(pid); err != nil {
		_ = cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.logger.Warn("force killing sidecar process group", zap.Int("pid", pid))
		if err := killProcessGroup(pid); err != nil {
			_ = cmd.Process.Kill()
		}
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}

// Stop shuts the sidecar down gracefully. Safe to call when stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	status := s.Status()
	if status == StatusStopped || status == StatusStopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	cmd := s.cmd
	done := s.done
	s.mu.Unlock()

	s.logger.Info("stopping sidecar process")
	s.setStatus(StatusStopping, "", 0)

	if cmd != nil && cmd.Process != nil {
		s.terminate(cmd, done)
	}

	s.setStatus(StatusStopped, "", 0)
	return nil
}

// Restart stops the sidecar and starts a fresh process. The breaker is
// reset first so an explicit restart is never refused by the cooldown.
func (s *Supervisor) Restart(ctx context.Context) (string, error) {
	if err := s.Stop(ctx); err != nil {
		return "", err
	}
	s.breaker.Reset()
	s.restarts.Add(1)
	return s.EnsureRunning(ctx)
}

// Close releases the supervisor. The sidecar is stopped and crash
// recovery is disabled.
func (s *Supervisor) Close(ctx context.Context) error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return s.Stop(ctx)
}

// setStatus updates the status and publishes a sidecar.status event.
func (s *Supervisor) setStatus(status Status, reason string, pid int) {
	s.status.Store(status)

	if s.bus == nil {
		return
	}
	payload := StatusEvent{
		Status:   status,
		PID:      pid,
		Reason:   reason,
		ExitCode: int(s.exitCode.Load()),
	}
	s.mu.Lock()
	payload.Port = s.port
	s.mu.Unlock()

	env := events.NewEnvelope(events.SidecarStatus, "", "", payload)
	if err := s.bus.Publish(context.Background(), env); err != nil {
		s.logger.Debug("failed to publish sidecar status", zap.Error(err))
	}
}
