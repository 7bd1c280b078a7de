package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/chairqueue/pkg/errors"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last().Err
		status := StatusFor(lastErr)
		c.JSON(status, ErrorResponse{
			Code:    status,
			Message: lastErr.Error(),
			TraceID: c.GetString(ContextRequestID),
		})
	}
}

// StatusFor maps an application error to its HTTP status.
func StatusFor(err error) int {
	code, ok := apperrors.Code(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrBadRequest:
		return http.StatusBadRequest
	case apperrors.ErrPreconditionNotMet:
		return http.StatusConflict
	case apperrors.ErrCallSuppressed:
		return http.StatusTooManyRequests
	case apperrors.ErrRemoteUnavailable, apperrors.ErrSubscriptionLost:
		return http.StatusServiceUnavailable
	case apperrors.ErrRemoteQuery, apperrors.ErrRemoteWriteRejected:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
