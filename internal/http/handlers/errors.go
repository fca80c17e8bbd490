// Package handlers defines HTTP-layer error codes used across the admin API.
//
// Codes are lowercase snake_case and stable; clients branch on them rather
// than on messages. Generic codes mirror HTTP status semantics, domain codes
// cover failures status alone cannot convey.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "conflict",
//	  "message": "access grant already exists"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-voice-queue/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeTooLarge         = "payload_too_large"

	// Domain-specific:
	ErrCodeInvalidPayload = "invalid_payload"
	ErrCodeNotConfigured  = "guild_not_configured"
	ErrCodeNotActive      = "request_not_active"
	ErrCodeEnqueueFailed  = "enqueue_failed"
	ErrCodeListFailed     = "list_failed"
	ErrCodeSweepFailed    = "sweep_failed"
	ErrCodeUnavailable    = "unavailable"
)

// failService maps a service error onto the envelope. Unknown errors become
// 500 with fallbackCode.
func failService(c *gin.Context, err error, fallbackCode string) {
	switch {
	case errors.Is(err, services.ErrRequestNotFound),
		errors.Is(err, services.ErrGrantNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrGuildNotConfigured):
		fail(c, http.StatusNotFound, ErrCodeNotConfigured, err.Error())
	case errors.Is(err, services.ErrRequestNotActive):
		fail(c, http.StatusConflict, ErrCodeNotActive, err.Error())
	case errors.Is(err, services.ErrStateConflict),
		errors.Is(err, services.ErrGrantExists):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, services.ErrInvalidPayload):
		fail(c, http.StatusBadRequest, ErrCodeInvalidPayload, err.Error())
	case errors.Is(err, services.ErrInvalidRequest),
		errors.Is(err, services.ErrInvalidGrant),
		errors.Is(err, services.ErrInvalidSettings):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	default:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, fallbackCode, "internal error")
	}
}
