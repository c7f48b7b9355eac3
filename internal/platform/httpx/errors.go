package httpx

import (
	"context"
	"errors"
	"net/http"

	"github.com/odyssey-erp/permissions/internal/rbac"
)

// ErrMalformedBody reports a request body that is not valid JSON for the route.
var ErrMalformedBody = errors.New("malformed request body")

// StatusOf maps domain errors to HTTP status codes.
func StatusOf(err error) int {
	var confirm *rbac.ConfirmationError
	switch {
	case errors.Is(err, ErrMalformedBody):
		return http.StatusBadRequest
	case errors.Is(err, rbac.ErrValidation), errors.Is(err, rbac.ErrSystemRole):
		return http.StatusUnprocessableEntity
	case errors.Is(err, rbac.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &confirm), errors.Is(err, rbac.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, rbac.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, rbac.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807. Internal
// failures never leak their message.
func RespondError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	p := ProblemDetail{Title: http.StatusText(status), Status: status}
	var confirm *rbac.ConfirmationError
	switch {
	case errors.As(err, &confirm):
		p.Title = "Confirmation Required"
		p.Detail = err.Error()
		p.Extra = map[string]any{"role": confirm.Role, "affected_users": confirm.AffectedUsers}
	case status == http.StatusInternalServerError:
	case status == http.StatusServiceUnavailable:
		p.Detail = "permission store unavailable, retry later"
	case status == http.StatusGatewayTimeout:
		p.Detail = "permission store timed out, retry later"
	default:
		p.Detail = err.Error()
	}
	writeProblem(w, p)
}
