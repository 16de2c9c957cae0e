// Package auth provides password hashing and bearer token issuance for the
// credential service.
//
// AUTHENTICATION FLOW OVERVIEW:
// 1. Client POSTs /auth/register with email, password and full name
// 2. Server hashes the password with bcrypt and stores the user record
// 3. Client POSTs /auth/login; the server verifies the password and issues
//    a signed JWT access token
// 4. On subsequent API calls the client sends "Authorization: Bearer <jwt>".
//    Middleware validates the JWT and puts the claims in the request context
//
// WHY JWT?
// JWT (JSON Web Token) is stateless — the server doesn't need to store session
// data. All the information needed (userID, expiry) is inside the signed token.
// The signature ensures nobody can tamper with it without the secret key.
//
// JWT STRUCTURE (three base64-encoded parts separated by dots):
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header: algorithm + token type (+ optional key id) → {"alg":"HS256","typ":"JWT","kid":"v1"}
//	- Payload: claims (data) → {"sub":"userID","exp":1234567890,"ext":{"email":"a@x.com"}}
//	- Signature: HMAC-SHA256(header+"."+payload, secretKey)
//
// The server can verify the signature without any DB lookup — just the secret.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/credential-service/internal/apperror"
)

// DefaultIssuer is the "iss" claim stamped on tokens when none is configured.
const DefaultIssuer = "credential-service"

// MinSecretLength is the shortest signing secret NewTokenService accepts.
const MinSecretLength = 16

// Claims is the verified content of a token.
//
// Extra carries application claims. They are signed at issuance and handed
// back verbatim by Verify; this package never interprets them. Values come
// back in their JSON-decoded form (numbers as float64).
type Claims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Extra     map[string]any
}

// tokenClaims is the wire payload. Application claims live under "ext" so
// they can never shadow a registered claim like "exp" or "sub".
type tokenClaims struct {
	jwt.RegisteredClaims
	Ext map[string]any `json:"ext,omitempty"`
}

// TokenService handles JWT creation and validation.
//
// It holds the HMAC secret key used to sign and verify tokens.
// The same secret must be used for both operations. The secret is set once
// at startup and never changes for the life of the process; rotating it
// means redeploying (tokens signed with the old secret stop verifying).
type TokenService struct {
	secret []byte
	issuer string
	leeway time.Duration
	keyID  string
	now    func() time.Time
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService)

// WithIssuer overrides the "iss" claim written and required on tokens.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) { s.issuer = issuer }
}

// WithLeeway allows the given clock skew when checking "exp".
// The default is zero: a token is rejected the moment it expires.
func WithLeeway(d time.Duration) TokenOption {
	return func(s *TokenService) { s.leeway = d }
}

// WithKeyID stamps a "kid" header on issued tokens and requires it on
// verified ones. It is the hook for future key rotation.
func WithKeyID(kid string) TokenOption {
	return func(s *TokenService) { s.keyID = kid }
}

// withClock replaces time.Now. Tests only.
func withClock(now func() time.Time) TokenOption {
	return func(s *TokenService) { s.now = now }
}

// NewTokenService creates a TokenService with the given secret.
// The secret should be at least 32 bytes of random data in production.
// Example: JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("auth: JWT secret must be at least %d characters", MinSecretLength)
	}

	s := &TokenService{
		secret: []byte(secret),
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.leeway < 0 {
		return nil, errors.New("auth: token leeway must not be negative")
	}
	return s, nil
}

// Issue creates and signs a token for claims.Subject that expires ttl from now.
// IssuedAt and ExpiresAt on the input are ignored; they are always computed here.
//
// A non-positive ttl is allowed and produces a token that Verify rejects.
//
// Signing algorithm: HS256 (HMAC-SHA256)
// - Symmetric: same key for signing and verifying
// - Fast and simple — good for a single service that both issues and checks
func (s *TokenService) Issue(claims Claims, ttl time.Duration) (string, error) {
	if claims.Subject == "" {
		return "", errors.New("auth: token subject is required")
	}

	now := s.now()
	c := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Ext: claims.Extra,
	}

	// jwt.NewWithClaims creates an unsigned token with the given algorithm.
	// SignedString(key) signs it and returns the complete JWT string.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and verifies a JWT string and returns its claims.
//
// VALIDATION CHECKS (performed by the jwt library):
//   - Signature is valid (wasn't tampered with)
//   - Token is not expired (ExpiresAt is in the future, minus any leeway)
//   - Issuer matches (prevents tokens from other apps)
//   - Algorithm is HS256 (prevents algorithm confusion attacks)
//
// Every failure is returned as apperror.Unauthorized with one generic
// message. The library error (jwt.ErrTokenExpired, jwt.ErrTokenSignatureInvalid,
// ...) is kept as the cause so logs can tell them apart.
func (s *TokenService) Verify(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(s.leeway))
	}

	var c tokenClaims
	token, err := jwt.ParseWithClaims(tokenStr, &c, s.keyFunc, opts...)
	if err != nil {
		return nil, apperror.Unauthorized(err)
	}
	if !token.Valid {
		return nil, apperror.Unauthorized(errors.New("token is not valid"))
	}
	if c.Subject == "" {
		return nil, apperror.Unauthorized(errors.New("token has no subject"))
	}

	claims := &Claims{
		Subject:   c.Subject,
		ExpiresAt: c.ExpiresAt.Time,
		Extra:     c.Ext,
	}
	if c.IssuedAt != nil {
		claims.IssuedAt = c.IssuedAt.Time
	}
	return claims, nil
}

func (s *TokenService) keyFunc(token *jwt.Token) (any, error) {
	// Reject tokens that aren't HMAC-signed
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	if s.keyID != "" {
		if kid, _ := token.Header["kid"].(string); kid != s.keyID {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
	}
	return s.secret, nil
}
