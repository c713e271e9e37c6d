package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/haasonsaas/spacebroker/internal/observability"
)

// Middleware authenticates requests from "Authorization: Bearer" or
// X-API-Key and stores the identity in the request context. When the
// service has no credentials configured, requests run as Anonymous.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !service.Enabled() {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Anonymous)))
				return
			}
			credential := Credential(r)
			if credential == "" {
				writeAuthError(w, http.StatusUnauthorized, "missing credentials")
				return
			}
			id, err := service.Authenticate(credential)
			if err != nil {
				logger.Warn("authentication failed", "error", err, "path", r.URL.Path)
				writeAuthError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
			ctx := WithIdentity(r.Context(), id)
			ctx = observability.AddUserID(ctx, id.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects non-admin identities with 403. It must run after
// Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "missing credentials")
			return
		}
		if !id.Admin && id != Anonymous {
			writeAuthError(w, http.StatusForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Credential extracts a bearer token or API key from r.
func Credential(r *http.Request) string {
	if value := r.Header.Get("Authorization"); value != "" {
		if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
			return strings.TrimSpace(value[7:])
		}
	}
	for _, key := range []string{"X-API-Key", "Api-Key"} {
		if value := strings.TrimSpace(r.Header.Get(key)); value != "" {
			return value
		}
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": message})
}
