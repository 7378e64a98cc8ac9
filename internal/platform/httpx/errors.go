// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/kloudtech/ktl-billing/internal/shared"
)

// StatusFor maps a domain error to its HTTP status and problem title.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, shared.ErrIdempotencyConflict):
		return http.StatusConflict, "Already Processed"
	case errors.Is(err, shared.ErrConstraintViolation):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, shared.ErrInactiveRole), errors.Is(err, shared.ErrInactiveUser):
		return http.StatusUnprocessableEntity, "Unprocessable"
	case errors.Is(err, shared.ErrInvalidInput):
		return http.StatusBadRequest, "Validation Failed"
	case errors.Is(err, shared.ErrAccountLocked):
		return http.StatusLocked, "Account Locked"
	case errors.Is(err, shared.ErrInvalidCredentials), errors.Is(err, shared.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, shared.ErrForbidden):
		return http.StatusForbidden, "Forbidden"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}

// IsServerError reports whether err maps to a 5xx response.
func IsServerError(err error) bool {
	status, _ := StatusFor(err)
	return status >= http.StatusInternalServerError
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var verr *shared.ValidationError
	if errors.As(err, &verr) {
		ValidationProblem(w, verr)
		return
	}
	status, title := StatusFor(err)
	if status >= http.StatusInternalServerError {
		Problem(w, status, title, "")
		return
	}
	Problem(w, status, title, err.Error())
}
