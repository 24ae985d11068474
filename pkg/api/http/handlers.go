package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crewdock/crewd/pkg/domain"
)

// SubmitRequest is the POST /api/v1/requests payload.
type SubmitRequest struct {
	Text          string `json:"text" binding:"required"`
	Priority      string `json:"priority"`
	SourceChannel string `json:"source_channel"`
}

// SubmitResponse acknowledges an accepted request.
type SubmitResponse struct {
	RequestID   string    `json:"request_id"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ErrorResponse wraps API errors.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable code and the human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func (s *Server) handleHealth(c *gin.Context) {
	poolHealthy := s.pool == nil || s.pool.Health().IsHealthy()
	status := "healthy"
	httpStatus := http.StatusOK
	if !poolHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks": gin.H{
			"worker_pool": poolHealthy,
			"budget_tier": string(s.orchestrator.Budget().Tier),
		},
	})
}

func (s *Server) handleSubmitRequest(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	sourceChannel := req.SourceChannel
	if sourceChannel == "" {
		sourceChannel = "http"
	}

	requestID, err := s.orchestrator.Submit(c.Request.Context(), req.Text, domain.Priority(req.Priority), sourceChannel)
	if err != nil {
		s.logger.Error("failed to submit request", zap.Error(err))
		errorJSON(c, http.StatusUnprocessableEntity, "SUBMISSION_FAILED", err.Error())
		return
	}

	c.JSON(http.StatusCreated, SubmitResponse{
		RequestID:   requestID,
		State:       string(domain.RequestStateAccepted),
		SubmittedAt: time.Now().UTC(),
	})
}

func (s *Server) handleListRequests(c *gin.Context) {
	recs, err := s.orchestrator.List(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "LIST_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"requests": recs,
		"total":    len(recs),
	})
}

func (s *Server) handleGetRequest(c *gin.Context) {
	rec, err := s.orchestrator.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", "request not found")
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleGetStatus(c *gin.Context) {
	rec, err := s.orchestrator.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", "request not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id":   rec.Request.ID,
		"state":        rec.State,
		"priority":     rec.Request.Priority,
		"submitted_at": rec.Request.SubmittedAt,
		"completed_at": rec.CompletedAt,
		"task_count":   len(rec.TaskIDs),
	})
}

func (s *Server) handleGetTasks(c *gin.Context) {
	tasks, err := s.orchestrator.Tasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", "request not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": c.Param("id"),
		"tasks":      tasks,
	})
}

func (s *Server) handleGetResult(c *gin.Context) {
	rec, err := s.orchestrator.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorJSON(c, http.StatusNotFound, "NOT_FOUND", "request not found")
		return
	}
	if !rec.State.Terminal() {
		errorJSON(c, http.StatusConflict, "NOT_COMPLETED", "request is still in flight")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id":   rec.Request.ID,
		"state":        rec.State,
		"output":       rec.Output,
		"completed_at": rec.CompletedAt,
	})
}

func (s *Server) handleCancelRequest(c *gin.Context) {
	err := s.orchestrator.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrRequestTerminal) {
			errorJSON(c, http.StatusConflict, "ALREADY_TERMINAL", err.Error())
			return
		}
		if errors.Is(err, domain.ErrRequestNotFound) {
			errorJSON(c, http.StatusNotFound, "NOT_FOUND", "request not found")
			return
		}
		errorJSON(c, http.StatusInternalServerError, "CANCELLATION_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id":   c.Param("id"),
		"state":        domain.RequestStateAbandoned,
		"cancelled_at": time.Now().UTC(),
	})
}

func (s *Server) handleGetBudget(c *gin.Context) {
	c.JSON(http.StatusOK, s.orchestrator.Budget())
}

func (s *Server) handleGetWorkers(c *gin.Context) {
	loads, err := s.orchestrator.Workers(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "WORKERS_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": loads})
}
