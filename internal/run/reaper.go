package run

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/frumu-ai/tandem/internal/common/config"
	"github.com/frumu-ai/tandem/internal/common/logger"
)

// Common errors
var (
	ErrReaperAlreadyRunning = errors.New("reaper is already running")
	ErrReaperNotRunning     = errors.New("reaper is not running")
)

// Reaper periodically sweeps the registry for stale runs. A run whose
// heartbeats stopped (crashed client, lost sidecar stream) would hold
// its session slot forever without this loop.
type Reaper struct {
	registry *Registry
	logger   *logger.Logger
	cfg      config.RunsConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewReaper creates a reaper for the given registry.
func NewReaper(registry *Registry, cfg config.RunsConfig, log *logger.Logger) *Reaper {
	return &Reaper{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "run-reaper")),
		cfg:      cfg,
	}
}

// Start begins the sweep loop.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrReaperAlreadyRunning
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("reaper starting",
		zap.Duration("interval", r.cfg.ReapIntervalDuration()),
		zap.Duration("stale_threshold", r.cfg.StaleThresholdDuration()))

	r.wg.Add(1)
	go r.sweepLoop(ctx)

	return nil
}

// Stop stops the sweep loop.
func (r *Reaper) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrReaperNotRunning
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("reaper stopped")
	return nil
}

// IsRunning returns true if the sweep loop is active.
func (r *Reaper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reaper) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.ReapIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopping due to context cancellation")
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if reaped := r.registry.Reap(ctx); len(reaped) > 0 {
				r.logger.Info("reaped stale runs", zap.Int("count", len(reaped)))
			}
		}
	}
}
