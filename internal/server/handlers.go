package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/frumu-ai/tandem/internal/common/apperrors"
	"github.com/frumu-ai/tandem/internal/journal"
	"github.com/frumu-ai/tandem/internal/permission"
	"github.com/frumu-ai/tandem/internal/run"
	"github.com/frumu-ai/tandem/internal/session"
	"github.com/frumu-ai/tandem/internal/sidecar"
	"github.com/frumu-ai/tandem/internal/staging"
)

// conflictResponse is the 409 body for a busy session. Embedding keeps
// the conflict fields flat next to the stable error code.
type conflictResponse struct {
	Code apperrors.Code `json:"code"`
	*run.ConflictError
}

// writeError maps typed errors onto HTTP responses.
func (s *Server) writeError(c *gin.Context, err error) {
	var conflict *run.ConflictError
	if errors.As(err, &conflict) {
		c.JSON(http.StatusConflict, conflictResponse{
			Code:          apperrors.CodeSessionRunConflict,
			ConflictError: conflict,
		})
		return
	}

	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
	case errors.Is(err, session.ErrSessionNotFound):
		appErr = apperrors.NotFound("session not found")
	case errors.Is(err, sidecar.ErrBreakerOpen):
		appErr = apperrors.New(apperrors.CodeBreakerOpen, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, sidecar.ErrNoCommand), errors.Is(err, sidecar.ErrNotRunning):
		appErr = apperrors.SidecarUnavailable("sidecar unavailable", err)
	case errors.Is(err, journal.ErrNotReversible):
		appErr = apperrors.New(apperrors.CodeNotReversible, err.Error(), http.StatusConflict)
	case errors.Is(err, journal.ErrEntryNotFound):
		appErr = apperrors.NotFound("journal entry not found")
	case errors.Is(err, journal.ErrAlreadyUndone):
		appErr = apperrors.Conflict(err.Error())
	case errors.Is(err, permission.ErrApprovalNotFound):
		appErr = apperrors.NotFound("approval not found")
	case errors.Is(err, permission.ErrApprovalExpired):
		appErr = apperrors.Conflict("approval expired")
	case errors.Is(err, staging.ErrOpNotFound):
		appErr = apperrors.NotFound("staged operation not found")
	case errors.Is(err, staging.ErrEmptyPlan):
		appErr = apperrors.InvalidInput(err.Error())
	case errors.Is(err, staging.ErrAreaFull), errors.Is(err, staging.ErrPlanRunning):
		appErr = apperrors.Conflict(err.Error())
	case errors.Is(err, permission.ErrInvalidToolCall):
		appErr = apperrors.InvalidInput(err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		appErr = apperrors.From(err)
	}

	body := gin.H{"code": appErr.Code, "message": appErr.Message}
	if appErr.Details != nil {
		body["details"] = appErr.Details
	}
	c.JSON(appErr.HTTPStatus, body)
}

// --- sessions ---

type createSessionRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	_ = c.ShouldBindJSON(&req) // empty body allowed

	sess := s.sessions.Create(c.Request.Context(), req.Title)
	c.JSON(http.StatusCreated, gin.H{"sessionId": sess.ID, "session": sess})
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleListMessages(c *gin.Context) {
	msgs, err := s.sessions.Messages(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type appendMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content" binding:"required"`
}

func (s *Server) handleAppendMessage(c *gin.Context) {
	var req appendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.InvalidInput("content is required"))
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}

	msg, err := s.sessions.AppendMessage(c.Request.Context(), c.Param("id"), req.Role, req.Content)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// --- runs ---

type promptRequest struct {
	Prompt   string `json:"prompt" binding:"required"`
	Model    string `json:"model"`
	ClientID string `json:"clientId"`
}

func (s *Server) clientID(c *gin.Context, req *promptRequest) string {
	if req.ClientID != "" {
		return req.ClientID
	}
	if id := c.GetHeader("X-Tandem-Client-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) handlePromptAsync(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.InvalidInput("prompt is required"))
		return
	}

	active, err := s.svc.StartRun(c.Request.Context(), c.Param("id"), s.clientID(c, &req), req.Prompt, req.Model)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header("X-Tandem-Run-Id", active.RunID)
	if c.Query("return") == "run" {
		c.JSON(http.StatusAccepted, gin.H{
			"runId":             active.RunID,
			"attachEventStream": "/v1/event?sessionId=" + active.SessionID,
		})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetRun(c *gin.Context) {
	if _, err := s.sessions.Get(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	active, ok := s.registry.Active(c.Param("id"))
	if !ok {
		c.JSON(http.StatusOK, gin.H{"active": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": active})
}

func (s *Server) handleCancelSession(c *gin.Context) {
	if _, err := s.sessions.Get(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	cancelled := s.svc.CancelSession(c.Request.Context(), c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (s *Server) handleCancelRun(c *gin.Context) {
	if _, err := s.sessions.Get(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	cancelled := s.svc.CancelRun(c.Request.Context(), c.Param("id"), c.Param("runID"))
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// --- staging ---

func (s *Server) handleListStaging(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"operations": s.staging.List()})
}

func (s *Server) handleExecutePlan(c *gin.Context) {
	results, err := s.staging.ExecutePlan(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleRemoveStaged(c *gin.Context) {
	if err := s.staging.Remove(c.Request.Context(), c.Param("opID")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleClearStaging(c *gin.Context) {
	removed := s.staging.Clear(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// --- approvals ---

func (s *Server) handleListApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"approvals": s.svc.PendingApprovals(c.Query("sessionId"))})
}

type resolveApprovalRequest struct {
	Decision string `json:"decision" binding:"required"`
}

func (s *Server) handleResolveApproval(c *gin.Context) {
	var req resolveApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, apperrors.InvalidInput("decision is required"))
		return
	}

	var approve bool
	switch req.Decision {
	case "approve", "allow":
		approve = true
	case "deny":
	default:
		s.writeError(c, apperrors.InvalidInput("decision must be approve or deny"))
		return
	}

	if err := s.svc.ResolveApproval(c.Request.Context(), c.Param("id"), approve, "user"); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true, "approved": approve})
}

// --- journal ---

func (s *Server) handleListJournal(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": s.journal.List()})
}

func (s *Server) handleUndo(c *gin.Context) {
	if err := s.journal.Undo(c.Request.Context(), c.Param("opID")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"undone": true})
}

// --- sidecar admin ---

func (s *Server) handleSidecarStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.admin.Info())
}

func (s *Server) handleSidecarRestart(c *gin.Context) {
	baseURL, err := s.admin.Restart(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"baseUrl": baseURL})
}

func (s *Server) handleSidecarLogs(c *gin.Context) {
	lines := 200
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(c, apperrors.InvalidInput("lines must be a positive integer"))
			return
		}
		lines = n
	}
	stream := c.Query("stream")
	if stream != "" && stream != "stdout" && stream != "stderr" {
		s.writeError(c, apperrors.InvalidInput("stream must be stdout or stderr"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": s.admin.RingLog().Tail(stream, lines)})
}
