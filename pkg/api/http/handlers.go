package http

import (
	"net/http"
	"time"

	"github.com/aescanero/conductor/internal/application/orchestrator"
	"github.com/aescanero/conductor/pkg/domain"
	"github.com/gin-gonic/gin"
)

// ExecutionResponse wraps an execution
type ExecutionResponse struct {
	Execution *domain.Execution `json:"execution"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	}
	if s.health != nil {
		pool := s.health.GetStatus()
		body["dispatch_pool"] = pool
		if !pool.Healthy {
			body["status"] = "degraded"
		}
	}
	c.JSON(http.StatusOK, body)
}

// handleCreateExecution plans and starts an execution
func (s *Server) handleCreateExecution(c *gin.Context) {
	var req orchestrator.ExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, err)
		return
	}

	execution, err := s.executions.CreateExecution(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, ExecutionResponse{Execution: execution})
}

func (s *Server) handleListExecutions(c *gin.Context) {
	executions, err := s.executions.ListExecutions(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}

	if status := c.Query("status"); status != "" {
		filtered := executions[:0]
		for _, e := range executions {
			if string(e.Status) == status {
				filtered = append(filtered, e)
			}
		}
		executions = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"executions": executions,
		"total":      len(executions),
	})
}

func (s *Server) handleGetExecution(c *gin.Context) {
	execution, err := s.executions.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ExecutionResponse{Execution: execution})
}

func (s *Server) handleCancelExecution(c *gin.Context) {
	executionID := c.Param("id")

	if err := s.executions.CancelExecution(c.Request.Context(), executionID); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"execution_id": executionID,
		"status":       domain.ExecutionStatusCanceled,
		"canceled_at":  time.Now(),
	})
}

// handleTaskResult records the outcome a worker service reports
func (s *Server) handleTaskResult(c *gin.Context) {
	var result domain.TaskResult
	if err := c.ShouldBindJSON(&result); err != nil {
		s.writeBadRequest(c, err)
		return
	}

	taskID := c.Param("id")
	if err := s.executions.ReportTaskResult(c.Request.Context(), taskID, result); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id": taskID,
		"status":  result.Status,
	})
}

func (s *Server) handleListTaskTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"task_types": s.taskTypes.Types(),
	})
}
