package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/frumu-ai/tandem/internal/common/apperrors"
	"github.com/frumu-ai/tandem/internal/events"
	"github.com/frumu-ai/tandem/internal/events/bus"
	"github.com/frumu-ai/tandem/internal/run"
)

func sseHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

func writeSSE(c *gin.Context, env *events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// handleEventStream is the filtered SSE firehose. Clients pass
// sessionId and runId query parameters to narrow the stream; a slow
// client is disconnected rather than allowed to stall publishers.
func (s *Server) handleEventStream(c *gin.Context) {
	filter := bus.Filter{
		SessionID: c.Query("sessionId"),
		RunID:     c.Query("runId"),
	}

	sub, err := s.bus.Subscribe(filter, 0)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer sub.Unsubscribe()

	sseHeaders(c)

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					s.logger.Debug("event stream subscriber dropped", zap.Error(err))
				}
				return
			}
			if err := writeSSE(c, env); err != nil {
				return
			}
		}
	}
}

// handlePromptSync starts a run and holds the request open until the
// run reaches a terminal state. With Accept: text/event-stream the
// session's events are streamed until then; otherwise the final
// outcome is returned as JSON.
func (s *Server) handlePromptSync(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.InvalidInput("prompt is required"))
		return
	}
	sessionID := c.Param("id")

	// Subscribe before starting the run so the terminal event cannot
	// slip past between the prompt submission and the subscription.
	sub, err := s.bus.Subscribe(bus.Filter{SessionID: sessionID}, 0)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer sub.Unsubscribe()

	active, err := s.svc.StartRun(c.Request.Context(), sessionID, s.clientID(c, &req), req.Prompt, req.Model)
	if err != nil {
		s.writeError(c, err)
		return
	}

	streaming := strings.Contains(c.GetHeader("Accept"), "text/event-stream")
	if streaming {
		c.Header("X-Tandem-Run-Id", active.RunID)
		sseHeaders(c)
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				if !streaming {
					s.writeError(c, apperrors.Internal("event stream interrupted", sub.Err()))
				}
				return
			}

			if streaming {
				if err := writeSSE(c, env); err != nil {
					return
				}
			}

			if env.Type == events.RunFinished && env.RunID == active.RunID {
				if !streaming {
					var finished run.FinishedEvent
					_ = json.Unmarshal(env.Data, &finished)
					c.JSON(http.StatusOK, gin.H{
						"runId":   active.RunID,
						"outcome": finished.Outcome,
					})
				}
				return
			}
		}
	}
}

// handleSidecarLogStream upgrades to a WebSocket and streams sidecar
// output lines as they arrive, preceded by the current tail.
func (s *Server) handleSidecarLogStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("log stream upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	ringLog := s.admin.RingLog()
	for _, line := range ringLog.GetLast(100) {
		if err := conn.WriteJSON(line); err != nil {
			return
		}
	}

	sub := ringLog.Subscribe()
	defer ringLog.Unsubscribe(sub)

	// Reader goroutine to surface client disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case line, ok := <-sub.C():
			if !ok {
				return
			}
			if err := conn.WriteJSON(line); err != nil {
				return
			}
		}
	}
}
