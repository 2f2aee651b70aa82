// Package server exposes the Tandem HTTP and SSE API.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/frumu-ai/tandem/internal/common/config"
	"github.com/frumu-ai/tandem/internal/common/httpmw"
	"github.com/frumu-ai/tandem/internal/common/logger"
	"github.com/frumu-ai/tandem/internal/events/bus"
	"github.com/frumu-ai/tandem/internal/journal"
	"github.com/frumu-ai/tandem/internal/orchestrator"
	"github.com/frumu-ai/tandem/internal/run"
	"github.com/frumu-ai/tandem/internal/session"
	"github.com/frumu-ai/tandem/internal/sidecar"
	"github.com/frumu-ai/tandem/internal/staging"
)

// SidecarAdmin is the slice of the supervisor the admin endpoints use.
type SidecarAdmin interface {
	Info() sidecar.Info
	Restart(ctx context.Context) (string, error)
	RingLog() *sidecar.RingLog
}

// Server is the Tandem HTTP API server.
type Server struct {
	cfg      config.ServerConfig
	sessions *session.Store
	registry *run.Registry
	svc      *orchestrator.Service
	admin    SidecarAdmin
	staging  *staging.Area
	journal  *journal.Journal
	bus      bus.EventBus
	logger   *logger.Logger

	router     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer creates the API server.
func NewServer(
	cfg config.ServerConfig,
	sessions *session.Store,
	registry *run.Registry,
	svc *orchestrator.Service,
	admin SidecarAdmin,
	area *staging.Area,
	jnl *journal.Journal,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		registry: registry,
		svc:      svc,
		admin:    admin,
		staging:  area,
		journal:  jnl,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "api-server")),
		router:   gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // desktop-local API
			},
		},
	}

	s.router.Use(httpmw.RequestID())
	s.router.Use(httpmw.RequestLogger(s.logger, "tandem"))
	s.router.Use(httpmw.OtelTracing("tandem"))
	s.router.Use(gin.Recovery())

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/v1")
	{
		v1.POST("/session", s.handleCreateSession)
		v1.GET("/session", s.handleListSessions)
		v1.GET("/session/:id", s.handleGetSession)
		v1.GET("/session/:id/messages", s.handleListMessages)
		v1.POST("/session/:id/message", s.handleAppendMessage)

		v1.POST("/session/:id/prompt_async", s.handlePromptAsync)
		v1.POST("/session/:id/prompt_sync", s.handlePromptSync)
		v1.GET("/session/:id/run", s.handleGetRun)
		v1.POST("/session/:id/cancel", s.handleCancelSession)
		v1.POST("/session/:id/run/:runID/cancel", s.handleCancelRun)

		v1.GET("/event", s.handleEventStream)

		v1.GET("/staging", s.handleListStaging)
		v1.POST("/staging/execute", s.handleExecutePlan)
		v1.DELETE("/staging/:opID", s.handleRemoveStaged)
		v1.DELETE("/staging", s.handleClearStaging)

		v1.GET("/approvals", s.handleListApprovals)
		v1.POST("/approvals/:id", s.handleResolveApproval)

		v1.GET("/journal", s.handleListJournal)
		v1.POST("/journal/:opID/undo", s.handleUndo)

		v1.GET("/sidecar/status", s.handleSidecarStatus)
		v1.POST("/sidecar/restart", s.handleSidecarRestart)
		v1.GET("/sidecar/logs", s.handleSidecarLogs)
		v1.GET("/sidecar/logs/stream", s.handleSidecarLogStream)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "tandem",
		"sidecar": string(s.admin.Info().Status),
	})
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: s.cfg.ReadTimeoutDuration(),
		// WriteTimeout stays unset, SSE and WebSocket streams are
		// long-lived.
	}

	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
