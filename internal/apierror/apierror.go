// Package apierror maps internal error kinds to the structured failure
// responses of the HTTP wire contract.
package apierror

import (
	"log/slog"
	"net/http"

	serverJSON "github.com/polarmesh/veriduct/internal/json"
)

// Kind identifies a failure category on the wire. Callers decide whether
// to retry based on the kind, never on internal error text.
type Kind string

const (
	KindInvalidRequest       Kind = "invalid_request"
	KindInsufficientCapacity Kind = "insufficient_capacity"
	KindSandboxCreateError   Kind = "sandbox_create_error"
	KindSandboxNotFound      Kind = "sandbox_not_found"
	KindChallengeInFlight    Kind = "challenge_in_flight"
	KindRateLimited          Kind = "rate_limited"
	KindUnauthorized         Kind = "unauthorized"
	KindInternal             Kind = "internal_error"
)

// Status returns the HTTP status code for a kind.
func (k Kind) Status() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindInsufficientCapacity:
		return http.StatusServiceUnavailable
	case KindSandboxNotFound:
		return http.StatusNotFound
	case KindChallengeInFlight:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// FailureResponse is the wire shape of any failed request.
type FailureResponse struct {
	Status  string `json:"status"`
	Error   Kind   `json:"error"`
	Message string `json:"message,omitempty"`
}

// Respond logs the internal error and writes a structured failure. The
// user-facing message is the caller's, never the raw internal fault.
func Respond(w http.ResponseWriter, kind Kind, userMsg string, internalErr error) {
	if internalErr != nil {
		slog.Warn("api error", "kind", kind, "status", kind.Status(), "error", internalErr.Error())
	}
	_ = serverJSON.RespondJSON(w, kind.Status(), FailureResponse{
		Status:  "failure",
		Error:   kind,
		Message: userMsg,
	})
}
