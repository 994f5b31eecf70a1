package http

import (
	"net/http"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// errorStatus maps an error kind to an HTTP status and error code
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrNotAuthorized):
		return http.StatusForbidden, "NOT_AUTHORIZED"
	case errors.Is(err, domain.ErrInvalidTaskState):
		return http.StatusConflict, "INVALID_TASK_STATE"
	case domain.IsValidationError(err):
		return http.StatusUnprocessableEntity, "SANITY_CHECK_FAILED"
	case errors.Is(err, domain.ErrInvalidReplicaState):
		return http.StatusConflict, "INVALID_REPLICA_STATE"
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidTaskType):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, domain.ErrNoWorkerServiceMatch):
		return http.StatusServiceUnavailable, "NO_WORKER_SERVICE"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// writeError logs err and writes it with the status of its kind
func (s *Server) writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: err.Error(),
		},
	})
}

func (s *Server) writeBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		},
	})
}
