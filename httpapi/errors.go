package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"jobmarket/apperr"
	"jobmarket/auth"
	"jobmarket/logger"
)

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict
	case errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound
	}

	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindInvalidTransition, apperr.KindConflictingClaim, apperr.KindAlreadySettled:
		return http.StatusConflict
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Internal failures are logged and hidden from the
// caller.
func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"request_id": GetRequestID(c)}
	if status == http.StatusInternalServerError {
		logger.WithContext(c.Request.Context(), s.log).Error("request failed",
			"method", c.Request.Method, "path", c.FullPath(), "err", err)
		body["error"] = "internal server error"
	} else {
		body["error"] = err.Error()
		if kind := apperr.KindOf(err); kind != apperr.KindInternal {
			body["kind"] = kind
		}
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":      msg,
		"kind":       apperr.KindInvalidInput,
		"request_id": GetRequestID(c),
	})
}
