package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/credential-service/internal/model"
	"github.com/sakif/credential-service/internal/service"
)

// CredentialService is what the auth and user handlers need from the service
// layer. *service.CredentialService satisfies it; tests pass a fake.
type CredentialService interface {
	Register(ctx context.Context, in service.RegisterInput) (*model.PublicUser, error)
	Login(ctx context.Context, email, password string) (*service.LoginResult, error)
	Me(ctx context.Context, userID string) (*model.PublicUser, error)
	DeleteAccount(ctx context.Context, callerID, targetID string) error
}

// AuthHandler serves registration and login.
//
// HANDLER RESPONSIBILITIES:
//   - HandleRegister → create an account
//   - HandleLogin    → exchange email + password for a bearer token
//
// Handlers only decode, delegate and encode. Every rule lives in the service.
type AuthHandler struct {
	credentials CredentialService
	logger      *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(credentials CredentialService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		credentials: credentials,
		logger:      logger,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleRegister creates a new account.
//
// HTTP: POST /auth/register
// REQUEST BODY:  {"email": "a@x.com", "password": "password1", "full_name": "Ann"}
// RESPONSE 201:  {"id": "...", "email": "a@x.com", "full_name": "Ann"}
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	user, err := h.credentials.Register(r.Context(), service.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// HandleLogin verifies credentials and issues a token.
//
// HTTP: POST /auth/login
// REQUEST BODY:  {"email": "a@x.com", "password": "password1"}
// RESPONSE 200:  {"access_token": "<jwt>", "token_type": "bearer", "expires_in": 1800}
//
// The token is returned in the body, not a cookie. Clients send it back as
// "Authorization: Bearer <jwt>".
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.credentials.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	// Tokens must never be cached by intermediaries.
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, res)
}
