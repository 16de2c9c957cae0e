package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/credential-service/internal/apperror"
	"github.com/sakif/credential-service/internal/auth"
)

// UserHandler serves the authenticated account endpoints. Every route it
// handles sits behind auth.RequireAuth, so the caller's id is in the context.
type UserHandler struct {
	credentials CredentialService
	logger      *slog.Logger
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(credentials CredentialService, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		credentials: credentials,
		logger:      logger,
	}
}

// HandleMe returns the caller's own profile.
//
// HTTP: GET /users/me
// RESPONSE 200: {"id": "...", "email": "a@x.com", "full_name": "Ann"}
func (h *UserHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, h.logger, apperror.Unauthorized(errors.New("no authenticated user in context")))
		return
	}

	user, err := h.credentials.Me(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// HandleDelete removes the caller's own account.
//
// HTTP: DELETE /users/{id}
// RESPONSE 204 on success; 404 for any id that is not the caller's.
//
// URL PARAMETERS:
// chi.URLParam(r, "id") reads the {id} segment of the matched route pattern.
func (h *UserHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, h.logger, apperror.Unauthorized(errors.New("no authenticated user in context")))
		return
	}

	if err := h.credentials.DeleteAccount(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
