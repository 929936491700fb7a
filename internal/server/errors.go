package server

import (
	"encoding/json"
	"errors"
	"net/http"

	plexus "github.com/plexushq/plexus/internal"
)

// jsonCT is the pre-allocated Content-Type header value for JSON responses.
var jsonCT = []string{"application/json"}

// writeJSON encodes v with the given status. Encoding errors are not
// recoverable once the header is sent; they are swallowed.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError maps a domain error onto the HTTP error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classifyError(err)
	writeJSON(w, status, errorEnvelope{Error: body})
}

// classifyError maps domain errors to (status, envelope body).
func classifyError(err error) (int, errorBody) {
	var pe *plexus.Error
	if errors.As(err, &pe) {
		return statusForCode(pe), errorBody{Code: pe.Code, Message: pe.Message, Details: pe.Details}
	}

	var ue *plexus.UpstreamError
	if errors.As(err, &ue) {
		status := http.StatusBadGateway
		if ue.StatusCode >= 400 {
			status = ue.StatusCode
		}
		return status, errorBody{
			Code:    plexus.CodeInternalError,
			Message: "upstream provider error",
			Details: map[string]any{
				"provider": ue.Provider,
				"status":   ue.StatusCode,
				"body":     ue.Body,
			},
		}
	}

	var ce *plexus.AllAccountsCoolingError
	if errors.As(err, &ce) {
		return http.StatusServiceUnavailable, errorBody{
			Code:    plexus.CodeInternalError,
			Message: err.Error(),
			Details: map[string]any{"provider": ce.Provider, "cooling": ce.RemainingSec},
		}
	}

	switch {
	case errors.Is(err, plexus.ErrUnauthenticated):
		return http.StatusUnauthorized, errorBody{Code: plexus.CodeUnauthenticated, Message: "invalid or missing credentials"}
	case errors.Is(err, plexus.ErrRateLimited):
		return http.StatusTooManyRequests, errorBody{Code: plexus.CodeRateLimited, Message: "rate limit exceeded"}
	case errors.Is(err, plexus.ErrModelNotFound), errors.Is(err, plexus.ErrProviderDisabled):
		return http.StatusBadRequest, errorBody{Code: plexus.CodeInvalidRequest, Message: err.Error()}
	case errors.Is(err, plexus.ErrNoHealthyTarget), errors.Is(err, plexus.ErrOAuthExpired):
		return http.StatusServiceUnavailable, errorBody{Code: plexus.CodeInternalError, Message: err.Error()}
	case errors.Is(err, plexus.ErrSelectorNotImplemented):
		return http.StatusUnprocessableEntity, errorBody{Code: plexus.CodeCapabilityNotSupported, Message: err.Error()}
	}

	return http.StatusInternalServerError, errorBody{Code: plexus.CodeInternalError, Message: "internal server error"}
}

// statusForCode maps envelope codes to HTTP statuses. A retryable internal
// error (database timeout) is surfaced as 503 so clients back off.
func statusForCode(e *plexus.Error) int {
	switch e.Code {
	case plexus.CodeInvalidRequest:
		return http.StatusBadRequest
	case plexus.CodeUnauthenticated:
		return http.StatusUnauthorized
	case plexus.CodeForbidden:
		return http.StatusForbidden
	case plexus.CodeTaskNotFound:
		return http.StatusNotFound
	case plexus.CodeIdempotencyConflict:
		return http.StatusConflict
	case plexus.CodeInvalidTaskState, plexus.CodeCapabilityNotSupported:
		return http.StatusUnprocessableEntity
	case plexus.CodeRateLimited:
		return http.StatusTooManyRequests
	case plexus.CodeInternalError:
		if retryable, _ := e.Details["retryable"].(bool); retryable {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
