package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
	"github.com/kimhsiao/patrolsync/internal/logging"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusFor maps an error's kind to an HTTP status.
func StatusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindAuthorization:
		return http.StatusForbidden
	case apperrors.KindState:
		return http.StatusConflict
	case apperrors.KindTransientIO:
		return http.StatusServiceUnavailable
	case apperrors.KindStorage:
		return http.StatusInsufficientStorage
	case apperrors.KindRemote:
		return http.StatusBadGateway
	case apperrors.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := StatusFor(err)
	code := apperrors.CodeOf(err)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("Request failed", string(code), err, map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		})
	}

	message := err.Error()
	if appErr, ok := apperrors.As(err); ok {
		message = appErr.Message
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:   string(apperrors.KindOf(err)),
		Code:    string(code),
		Message: message,
	})
}

func badRequest(c *gin.Context, message string) {
	writeError(c, apperrors.New(apperrors.ErrValidation, message))
}
