// Package main is the entry point for tandemd, the local backend that
// supervises the agent sidecar and exposes the HTTP/SSE API to the UI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/frumu-ai/tandem/internal/common/config"
	"github.com/frumu-ai/tandem/internal/common/logger"
	"github.com/frumu-ai/tandem/internal/common/tracing"
	"github.com/frumu-ai/tandem/internal/events/bus"
	"github.com/frumu-ai/tandem/internal/journal"
	"github.com/frumu-ai/tandem/internal/orchestrator"
	"github.com/frumu-ai/tandem/internal/permission"
	"github.com/frumu-ai/tandem/internal/run"
	"github.com/frumu-ai/tandem/internal/server"
	"github.com/frumu-ai/tandem/internal/session"
	"github.com/frumu-ai/tandem/internal/sidecar"
	"github.com/frumu-ai/tandem/internal/staging"
	"github.com/frumu-ai/tandem/internal/tools"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting tandemd...",
		zap.String("workspace", cfg.Permissions.WorkspaceRoot),
		zap.Int("port", cfg.Server.Port))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	eventBus, err := bus.Provide(cfg.Events, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 5. Permission layer: sandbox, policy engine, proxy
	sandbox, err := permission.NewSandbox(cfg.Permissions.WorkspaceRoot)
	if err != nil {
		log.Fatal("Failed to initialize workspace sandbox",
			zap.String("root", cfg.Permissions.WorkspaceRoot), zap.Error(err))
	}

	engine := permission.NewEngine(cfg.Permissions.PolicyPath)
	if err := engine.LoadPolicy(); err != nil {
		log.Fatal("Failed to load permission policy",
			zap.String("path", cfg.Permissions.PolicyPath), zap.Error(err))
	}

	proxy := permission.NewProxy(cfg.Permissions, engine, sandbox, eventBus, log)
	proxy.StartExpirySweep(ctx, time.Minute)
	defer proxy.StopExpirySweep()

	var watcher *permission.PolicyWatcher
	if cfg.Permissions.WatchPolicy && cfg.Permissions.PolicyPath != "" {
		watcher = permission.NewPolicyWatcher(engine, cfg.Permissions.PolicyPath, log)
		if err := watcher.Start(ctx); err != nil {
			log.Warn("Policy hot reload disabled", zap.Error(err))
			watcher = nil
		}
	}

	// 6. Tool execution, journal, staging area
	executor := tools.NewExecutor(sandbox.Root(), cfg.Staging, log)
	jnl := journal.New(cfg.Journal, eventBus, log)
	area := staging.NewArea(cfg.Staging, sandbox, engine, executor, jnl, eventBus, log)

	// 7. Sessions and the run registry
	sessions := session.NewStore(eventBus, log)
	registry := run.NewRegistry(cfg.Runs, eventBus, log)

	reaper := run.NewReaper(registry, cfg.Runs, log)
	if err := reaper.Start(ctx); err != nil {
		log.Fatal("Failed to start run reaper", zap.Error(err))
	}

	// 8. Sidecar supervisor (process spawned lazily on first run)
	supervisor := sidecar.NewSupervisor(cfg.Sidecar, eventBus, log)

	// 9. Orchestrator ties the pieces together
	svc := orchestrator.NewService(sessions, registry, supervisor, proxy, area, executor, jnl, eventBus, log)

	// 10. HTTP server
	srv := server.NewServer(cfg.Server, sessions, registry, svc, supervisor, area, jnl, eventBus, log)
	if err := srv.Start(); err != nil {
		log.Fatal("HTTP server error", zap.Error(err))
	}

	log.Info("tandemd started",
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("review_mode", cfg.Permissions.ReviewMode))

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down tandemd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := reaper.Stop(); err != nil {
		log.Error("Run reaper stop error", zap.Error(err))
	}

	if watcher != nil {
		watcher.Stop()
	}

	if err := supervisor.Close(shutdownCtx); err != nil {
		log.Error("Sidecar shutdown error", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("tandemd stopped")
}
