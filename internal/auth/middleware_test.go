package auth

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// protected runs a request through RequireAuth and records what the inner
// handler saw.
func protected(t *testing.T, ts *TokenService, authHeader string) (*httptest.ResponseRecorder, string) {
	t.Helper()

	var seenUserID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUserID, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()

	RequireAuth(ts, slog.New(slog.DiscardHandler))(next).ServeHTTP(rec, req)
	return rec, seenUserID
}

func TestRequireAuth_ValidToken(t *testing.T) {
	ts := newTestTokenService(t)
	token := issue(t, ts, "user-123", time.Minute)

	rec, userID := protected(t, ts, "Bearer "+token)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if userID != "user-123" {
		t.Errorf("UserIDFromContext() = %q, want %q", userID, "user-123")
	}
}

func TestRequireAuth_SchemeIsCaseInsensitive(t *testing.T) {
	ts := newTestTokenService(t)
	token := issue(t, ts, "user-123", time.Minute)

	rec, _ := protected(t, ts, "bearer "+token)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestRequireAuth_Rejections(t *testing.T) {
	ts := newTestTokenService(t)
	expired := issue(t, ts, "user-123", -time.Minute)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz"},
		{"empty token", "Bearer "},
		{"garbage token", "Bearer not-a-jwt"},
		{"expired token", "Bearer " + expired},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, userID := protected(t, ts, tc.header)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
			if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
				t.Errorf("WWW-Authenticate = %q, want %q", got, "Bearer")
			}
			if rec.Body.String() != unauthorizedBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), unauthorizedBody)
			}
			if userID != "" {
				t.Error("inner handler must not run for a rejected request")
			}
		})
	}
}

func TestClaimsFromContext_Anonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	if _, ok := ClaimsFromContext(req.Context()); ok {
		t.Error("ClaimsFromContext() should report false without RequireAuth")
	}
	if _, ok := UserIDFromContext(req.Context()); ok {
		t.Error("UserIDFromContext() should report false without RequireAuth")
	}
}
