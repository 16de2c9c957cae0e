package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/credential-service/internal/apperror"
)

// contextKey is an unexported type used for context keys in this package.
//
// WHY A CUSTOM TYPE FOR CONTEXT KEYS?
// context.WithValue uses any as the key type. If you use a plain string like
// context.WithValue(ctx, "claims", c), ANY package that knows the string "claims"
// can read or shadow your value. Using a package-private type prevents collisions:
// only THIS package can create a key of type contextKey, so only this package
// can read or write claims in the context.
type contextKey string

const claimsKey contextKey = "claims"

// unauthorizedBody matches the error envelope written by the handler package.
const unauthorizedBody = `{"error":"unauthorized","message":"invalid authentication credentials"}` + "\n"

// Verifier turns a raw bearer token into verified claims.
// *TokenService satisfies it, and so does the credential service's Authenticate.
type Verifier interface {
	Authenticate(token string) (*Claims, error)
}

// Authenticate lets *TokenService be used directly as a Verifier.
func (s *TokenService) Authenticate(token string) (*Claims, error) {
	return s.Verify(token)
}

// RequireAuth is a middleware that enforces authentication on protected routes.
//
// It reads the JWT from the "Authorization: Bearer <token>" header, verifies
// it, and stores the claims in the request context. If the header is missing
// or the token is invalid, it returns 401 Unauthorized with a
// "WWW-Authenticate: Bearer" challenge and stops the request chain.
//
// MIDDLEWARE PATTERN IN GO:
// A middleware is a function that takes an http.Handler and returns a new
// http.Handler. The new handler "wraps" the original:
//
//	func Middleware(next http.Handler) http.Handler {
//	    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
//	        // ... do stuff before the handler ...
//	        next.ServeHTTP(w, r)
//	        // ... do stuff after the handler ...
//	    })
//	}
//
// Chi applies middlewares in a chain: req → M1 → M2 → Handler → M2 → M1 → resp
//
// The response never says WHY the token was rejected. The reason (expired,
// bad signature, malformed) is logged at debug level only.
func RequireAuth(v Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				writeUnauthorized(w)
				return
			}

			claims, err := v.Authenticate(token)
			if err != nil {
				var appErr *apperror.AppError
				if errors.As(err, &appErr) {
					logger.Debug("token rejected", "path", r.URL.Path, "reason", appErr.Detail())
				}
				if !errors.Is(err, apperror.ErrUnauthorized) {
					logger.Error("token verification failed", "path", r.URL.Path, "error", err)
				}
				writeUnauthorized(w)
				return
			}

			// Store claims in context so handlers can read them
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves the verified claims from the request context.
//
// Returns (nil, false) outside a RequireAuth-protected route.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok && c != nil
}

// UserIDFromContext retrieves the authenticated user's ID (the "sub" claim).
//
// Usage in handlers:
//
//	userID, ok := auth.UserIDFromContext(r.Context())
//	if !ok {
//	    // not behind RequireAuth
//	}
func UserIDFromContext(ctx context.Context) (string, bool) {
	c, ok := ClaimsFromContext(ctx)
	if !ok || c.Subject == "" {
		return "", false
	}
	return c.Subject, true
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
// The scheme is matched case-insensitively (RFC 6750 §2.1 / RFC 7235 §2.1).
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(unauthorizedBody))
}
