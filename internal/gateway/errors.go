package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/haasonsaas/spacebroker/internal/artifacts"
	"github.com/haasonsaas/spacebroker/internal/broker"
	"github.com/haasonsaas/spacebroker/internal/polljobs"
	"github.com/haasonsaas/spacebroker/internal/ratelimit"
	"github.com/haasonsaas/spacebroker/internal/usage"
)

// badRequest marks requester input errors.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func errBadRequest(msg string) error { return &badRequest{msg: msg} }

// unauthorized marks failed upload authentication.
type unauthorized struct{ msg string }

func (e *unauthorized) Error() string { return e.msg }

// writeError maps err to a status code and JSON body. Unclassified errors
// are logged and answered with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		bad       *badRequest
		unauth    *unauthorized
		throttled *ratelimit.ThrottledError
		quota     *usage.QuotaError
		busy      *polljobs.BusyError
	)
	switch {
	case errors.As(err, &bad):
		writeJSON(w, http.StatusBadRequest, errorBody(bad.msg))
	case errors.As(err, &unauth):
		writeJSON(w, http.StatusUnauthorized, errorBody(unauth.msg))
	case errors.As(err, &busy):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"success":      false,
			"error":        "a generation is already running",
			"reason":       busy.Reason,
			"wait_seconds": busy.WaitSeconds,
		})
	case errors.As(err, &throttled):
		secs := ratelimit.RetryAfterSeconds(throttled.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"success":     false,
			"error":       "too many requests",
			"retry_after": secs,
		})
	case errors.Is(err, artifacts.ErrTokenCapacity):
		writeJSON(w, http.StatusServiceUnavailable, errorBody(err.Error()))
	case errors.Is(err, broker.ErrChannelUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody("channel is not connected"))
	case errors.As(err, &quota):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"success":  false,
			"error":    "daily quota exceeded",
			"resource": quota.Resource,
			"limit":    quota.Limit,
		})
	case errors.Is(err, broker.ErrUnknownRequest):
		writeJSON(w, http.StatusNotFound, errorBody("request not found"))
	case errors.Is(err, polljobs.ErrPromptRequired),
		errors.Is(err, polljobs.ErrUnknownModel),
		errors.Is(err, artifacts.ErrInvalidFolder),
		errors.Is(err, artifacts.ErrInvalidKey):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, artifacts.ErrTokenInvalid),
		errors.Is(err, artifacts.ErrTokenExpired),
		errors.Is(err, artifacts.ErrTokenUsed):
		writeJSON(w, http.StatusUnauthorized, errorBody(err.Error()))
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("service temporarily unavailable"))
	}
}

func errorBody(msg string) map[string]any {
	return map[string]any{"success": false, "error": msg}
}
