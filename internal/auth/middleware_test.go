package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func identityHandler(t *testing.T, got *Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Error("identity missing from context")
		}
		*got = id
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestMiddlewareAllowsAnonymousWhenDisabled(t *testing.T) {
	var got Identity
	h := Middleware(NewService(Config{}), testLogger())(identityHandler(t, &got))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got != Anonymous {
		t.Errorf("identity = %+v, want Anonymous", got)
	}
}

func TestMiddlewareCredentials(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "k1", UserID: "alice"}}})

	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"bearer", "Authorization", "Bearer k1", http.StatusNoContent},
		{"lowercase bearer", "Authorization", "bearer k1", http.StatusNoContent},
		{"x-api-key", "X-API-Key", "k1", http.StatusNoContent},
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", "Authorization", "Bearer k2", http.StatusUnauthorized},
		{"basic", "Authorization", "Basic azE=", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Identity
			h := Middleware(service, testLogger())(identityHandler(t, &got))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusNoContent && got.UserID != "alice" {
				t.Errorf("identity = %+v", got)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{
		{Key: "user", UserID: "alice"},
		{Key: "admin", UserID: "root", Admin: true},
	}})
	var got Identity
	h := Middleware(service, testLogger())(RequireAdmin(identityHandler(t, &got)))

	for key, want := range map[string]int{"user": http.StatusForbidden, "admin": http.StatusNoContent} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+key)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("key %q: status = %d, want %d", key, rec.Code, want)
		}
	}
}
