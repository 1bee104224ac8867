package response

import (
	"errors"
	"net/http"

	"github.com/craftmarket/escrow-api/internal/types"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInsufficientFunds  = "INSUFFICIENT_FUNDS"
	ErrCodeInvalidTransition  = "INVALID_STATE_TRANSITION"
	ErrCodeEscrowOverdraw     = "ESCROW_OVERDRAW"
	ErrCodeDeadlineExceeded   = "DEADLINE_EXCEEDED"
	ErrCodeAlreadyResolved    = "ALREADY_RESOLVED"
	ErrCodeRevisionsExhausted = "REVISIONS_EXHAUSTED"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
)

// Handle maps domain errors onto the API envelope. Guard violations come
// back as 409s so callers can tell a stale action from a malformed one.
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, types.ErrInsufficientFunds):
		fail(c, http.StatusPaymentRequired, ErrCodeInsufficientFunds, err.Error())
	case errors.Is(err, types.ErrInvalidStateTransition):
		fail(c, http.StatusConflict, ErrCodeInvalidTransition, err.Error())
	case errors.Is(err, types.ErrAlreadyResolved):
		fail(c, http.StatusConflict, ErrCodeAlreadyResolved, err.Error())
	case errors.Is(err, types.ErrDeadlineExceeded):
		fail(c, http.StatusConflict, ErrCodeDeadlineExceeded, err.Error())
	case errors.Is(err, types.ErrUnauthorized):
		Forbidden(c, err.Error())
	case errors.Is(err, types.ErrConflict):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, types.ErrRevisionLimitReached):
		fail(c, http.StatusConflict, ErrCodeRevisionsExhausted, err.Error())
	case errors.Is(err, types.ErrValidation):
		fail(c, http.StatusBadRequest, ErrCodeValidationFailed, err.Error())
	case errors.Is(err, types.ErrEscrowOverdraw):
		// Broken invariant: alert-worthy, never retried
		fail(c, http.StatusInternalServerError, ErrCodeEscrowOverdraw, err.Error())
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	fail(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	fail(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	fail(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	fail(c, http.StatusConflict, ErrCodeConflict, message)
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}
