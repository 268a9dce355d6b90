package middleware

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/canopyflow/canopy/internal/errorhandling"
	"github.com/canopyflow/canopy/internal/storage"
	"github.com/canopyflow/canopy/pkg/api/dto"
)

// Recovery converts panics into a 500 envelope instead of a dropped
// connection.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("HTTP panic on %s %s: %v", c.Request.Method, c.Request.URL.Path, r)
				c.AbortWithStatusJSON(http.StatusInternalServerError, dto.ErrorResponse{
					Error:   http.StatusText(http.StatusInternalServerError),
					Message: "an unexpected error occurred",
					Code:    "internal",
				})
			}
		}()
		c.Next()
	}
}

// RespondError maps a domain error to an HTTP status and writes the
// error envelope.
func RespondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal"

	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
		code = string(errorhandling.KindNotFound)
	case errors.Is(err, storage.ErrAlreadyExists):
		status = http.StatusConflict
		code = "already_exists"
	case errors.Is(err, storage.ErrInvalidInput):
		status = http.StatusBadRequest
		code = string(errorhandling.KindValidation)
	default:
		switch errorhandling.KindOf(err) {
		case errorhandling.KindValidation, errorhandling.KindCycleDetected, errorhandling.KindConfigMissing:
			status = http.StatusBadRequest
			code = string(errorhandling.KindOf(err))
		case errorhandling.KindNotFound:
			status = http.StatusNotFound
			code = string(errorhandling.KindNotFound)
		case errorhandling.KindUnauthorized:
			status = http.StatusUnauthorized
			code = string(errorhandling.KindUnauthorized)
		}
	}

	c.AbortWithStatusJSON(status, dto.ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
		Code:    code,
	})
}

// Abort writes an error envelope with an explicit status.
func Abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, dto.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    code,
	})
}
