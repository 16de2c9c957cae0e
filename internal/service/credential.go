// Package service — credential business logic.
//
// CredentialService sits between the HTTP handlers and the record store:
//
//	AuthHandler (HTTP) → CredentialService (business rules) → UserRepository (store)
//	                   ↘ PasswordService (bcrypt), TokenService (JWT)
//
// KEY RESPONSIBILITIES:
//   - Validate registration input and report every violation at once
//   - Keep "no such user" and "wrong password" indistinguishable on login
//   - Translate every failure into an apperror kind before it leaves this package
//
// Each call is stateless. The only shared resource is the store behind
// UserRepository, which is safe for concurrent use.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sakif/credential-service/internal/apperror"
	"github.com/sakif/credential-service/internal/auth"
	"github.com/sakif/credential-service/internal/metrics"
	"github.com/sakif/credential-service/internal/model"
	"github.com/sakif/credential-service/internal/repository"
)

// MinPasswordLength is counted in characters, not bytes.
const MinPasswordLength = 8

// DefaultTokenTTL applies when NewCredentialService is given a non-positive ttl.
const DefaultTokenTTL = 30 * time.Minute

// TokenTypeBearer is the token_type marker returned by Login.
const TokenTypeBearer = "bearer"

// CredentialService handles registration, login and token-based identity.
//
// DEPENDENCIES (injected via NewCredentialService):
//   - users      repository.UserRepository → read/write user records
//   - passwords  *auth.PasswordService     → bcrypt hashing
//   - tokens     *auth.TokenService        → issue/verify JWTs
//   - metrics    *metrics.Metrics          → outcome counters
//   - logger     *slog.Logger              → structured logging
type CredentialService struct {
	users     repository.UserRepository
	passwords *auth.PasswordService
	tokens    *auth.TokenService
	ttl       time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewCredentialService creates a CredentialService with all required dependencies.
// A nil m records to a private registry.
func NewCredentialService(
	users repository.UserRepository,
	passwords *auth.PasswordService,
	tokens *auth.TokenService,
	ttl time.Duration,
	m *metrics.Metrics,
	logger *slog.Logger,
) *CredentialService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &CredentialService{
		users:     users,
		passwords: passwords,
		tokens:    tokens,
		ttl:       ttl,
		metrics:   m,
		logger:    logger,
	}
}

// RegisterInput is the registration request.
type RegisterInput struct {
	Email    string
	Password string
	FullName string
}

// LoginResult is what a successful Login hands back to the client.
type LoginResult struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Register creates a new account and returns its public projection.
//
// FLOW:
//  1. Validate email syntax, password length and full name (all violations reported)
//  2. Fast-path duplicate check by email
//  3. Hash the password
//  4. InsertIfAbsent; a lost race surfaces as the same DuplicateEmail as step 2
//
// The store's unique index is the source of truth for uniqueness. Step 2 only
// spares a bcrypt round for the common sequential case.
func (s *CredentialService) Register(ctx context.Context, in RegisterInput) (*model.PublicUser, error) {
	email := strings.TrimSpace(in.Email)
	fullName := strings.TrimSpace(in.FullName)

	if err := validateRegistration(email, in.Password, fullName); err != nil {
		s.metrics.Registrations.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return nil, err
	}

	existing, err := s.users.FindByEmail(ctx, email)
	switch {
	case err == nil && existing != nil:
		s.metrics.Registrations.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		return nil, apperror.DuplicateEmail()
	case err != nil && !errors.Is(err, apperror.ErrNotFound):
		s.countRegistrationFailure(err)
		return nil, err
	}

	start := time.Now()
	hash, err := s.passwords.Hash(in.Password)
	s.metrics.ObserveHash(start)
	if err != nil {
		s.metrics.Registrations.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("service/credential: %w", err)
	}

	user := &model.User{
		Email:        email,
		PasswordHash: hash,
		FullName:     fullName,
	}
	id, err := s.users.InsertIfAbsent(ctx, user)
	if err != nil {
		if errors.Is(err, apperror.ErrDuplicateEmail) {
			s.metrics.Registrations.WithLabelValues(metrics.OutcomeDuplicate).Inc()
			return nil, apperror.DuplicateEmail()
		}
		s.countRegistrationFailure(err)
		return nil, err
	}
	user.ID = id

	// The email is deliberately left out of this log line.
	s.logger.Info("user registered", slog.String("userID", id))
	s.metrics.Registrations.WithLabelValues(metrics.OutcomeOK).Inc()

	return user.Public(), nil
}

func (s *CredentialService) countRegistrationFailure(err error) {
	if errors.Is(err, apperror.ErrStoreUnavailable) {
		s.metrics.Registrations.WithLabelValues(metrics.OutcomeUnavailable).Inc()
		return
	}
	s.metrics.Registrations.WithLabelValues(metrics.OutcomeError).Inc()
}

// validateRegistration collects every violated constraint.
func validateRegistration(email, password, fullName string) error {
	var violations []apperror.FieldError

	if !validEmail(email) {
		violations = append(violations, apperror.FieldError{Field: "email", Message: "must be a valid email address"})
	}
	switch {
	case utf8.RuneCountInString(password) < MinPasswordLength:
		violations = append(violations, apperror.FieldError{
			Field:   "password",
			Message: fmt.Sprintf("must be at least %d characters", MinPasswordLength),
		})
	case len(password) > auth.MaxPasswordBytes:
		violations = append(violations, apperror.FieldError{
			Field:   "password",
			Message: fmt.Sprintf("must be at most %d bytes", auth.MaxPasswordBytes),
		})
	}
	if fullName == "" {
		violations = append(violations, apperror.FieldError{Field: "full_name", Message: "must not be empty"})
	}

	return apperror.Invalid(violations)
}

// validEmail accepts a bare addr-spec ("ann@example.com"). Display-name forms
// such as "Ann <ann@example.com>" are rejected.
func validEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return addr.Name == "" && addr.Address == email
}

// Login checks credentials and issues a bearer token.
//
// An unknown email and a wrong password both return apperror.InvalidCredentials
// with the same message. For an unknown email a throwaway bcrypt comparison
// still runs so the two cases also take about the same time.
func (s *CredentialService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = strings.TrimSpace(email)

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			start := time.Now()
			s.passwords.BurnCompare(password)
			s.metrics.ObserveHash(start)
			s.metrics.Logins.WithLabelValues(metrics.OutcomeRejected).Inc()
			return nil, apperror.InvalidCredentials()
		}
		if errors.Is(err, apperror.ErrStoreUnavailable) {
			s.metrics.Logins.WithLabelValues(metrics.OutcomeUnavailable).Inc()
		} else {
			s.metrics.Logins.WithLabelValues(metrics.OutcomeError).Inc()
		}
		return nil, err
	}

	start := time.Now()
	ok := s.passwords.Verify(password, user.PasswordHash)
	s.metrics.ObserveHash(start)
	if !ok {
		s.metrics.Logins.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, apperror.InvalidCredentials()
	}

	token, err := s.tokens.Issue(auth.Claims{
		Subject: user.ID,
		Extra:   map[string]any{"email": user.Email},
	}, s.ttl)
	if err != nil {
		s.metrics.Logins.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("service/credential: issuing token for user %s: %w", user.ID, err)
	}

	s.logger.Info("user logged in", slog.String("userID", user.ID))
	s.metrics.Logins.WithLabelValues(metrics.OutcomeOK).Inc()

	return &LoginResult{
		AccessToken: token,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(s.ttl / time.Second),
	}, nil
}

// Authenticate verifies a bearer token and returns its claims.
// It satisfies auth.Verifier, so RequireAuth can sit directly on the service.
func (s *CredentialService) Authenticate(token string) (*auth.Claims, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		s.metrics.Verifications.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, err
	}
	s.metrics.Verifications.WithLabelValues(metrics.OutcomeOK).Inc()
	return claims, nil
}

// Me returns the caller's own record.
//
// A valid token whose user no longer exists is treated as Unauthorized: the
// identity it names is gone.
func (s *CredentialService) Me(ctx context.Context, userID string) (*model.PublicUser, error) {
	if userID == "" {
		return nil, apperror.Unauthorized(errors.New("token has no subject"))
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Unauthorized(err)
		}
		return nil, err
	}
	return user.Public(), nil
}

// DeleteAccount removes targetID on behalf of callerID.
//
// Callers may only delete themselves. Any other id answers NotFound, the same
// as an id that does not exist, so the endpoint cannot be used to probe ids.
func (s *CredentialService) DeleteAccount(ctx context.Context, callerID, targetID string) error {
	if callerID == "" || callerID != targetID {
		return apperror.NotFound("user", targetID)
	}

	if err := s.users.Delete(ctx, targetID); err != nil {
		return err
	}

	s.logger.Info("user deleted", slog.String("userID", targetID))
	return nil
}
