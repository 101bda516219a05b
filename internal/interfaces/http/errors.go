package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/doc-approval/internal/domain/entity"
)

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, entity.ErrRequestNotFound), errors.Is(err, entity.ErrChainNotFound):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrNotEligible):
		return http.StatusForbidden
	case errors.Is(err, entity.ErrAlreadyVoted),
		errors.Is(err, entity.ErrInvalidVoteState),
		errors.Is(err, entity.ErrStepAlreadyTerminal),
		errors.Is(err, entity.ErrActiveRequestExists):
		return http.StatusConflict
	case errors.Is(err, entity.ErrNoMatchingChain):
		return http.StatusUnprocessableEntity
	case errors.Is(err, entity.ErrChainIntegrityViolation):
		return http.StatusServiceUnavailable
	case errors.Is(err, entity.ErrInvalidInput), errors.Is(err, entity.ErrInvalidDecision):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Internal errors are
// logged and hidden from the caller.
func (h *Handlers) respondError(c *gin.Context, op string, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "operation", op, "path", c.Request.URL.Path, "error", err)
		msg = "internal error"
	}
	abortWithError(c, status, entity.ErrorCode(err), msg)
}

func abortWithError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, Response{
		Success: false,
		Error:   msg,
		Code:    code,
	})
}
