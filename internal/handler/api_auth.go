package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"wakesafe/internal/db"
	"wakesafe/internal/model"
	"wakesafe/internal/token"
)

type authResponse struct {
	User      apiUser `json:"user"`
	Token     string  `json:"token"`
	ExpiresAt string  `json:"expires_at"`
}

// APIRegister - POST /api/auth/register
func (h *Handler) APIRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	email := strings.TrimSpace(strings.ToLower(body.Email))
	name := strings.TrimSpace(body.Name)
	if email == "" || !strings.Contains(email, "@") {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "a valid email is required")
		return
	}
	if name == "" {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "name is required")
		return
	}
	if len(body.Password) < 8 {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "password must be at least 8 characters")
		return
	}

	existing, err := db.GetUserByEmail(h.DB, email)
	if err != nil {
		slog.Error("lookup user", "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to register")
		return
	}
	if existing != nil {
		renderJSONError(w, http.StatusConflict, "EMAIL_TAKEN", "email already registered")
		return
	}

	hash, err := token.HashPassword(body.Password)
	if err != nil {
		slog.Error("hash password", "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to register")
		return
	}

	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := db.CreateUser(h.DB, user); err != nil {
		// The uniqueness pre-check raced a concurrent register.
		if strings.Contains(err.Error(), "UNIQUE") {
			renderJSONError(w, http.StatusConflict, "EMAIL_TAKEN", "email already registered")
			return
		}
		slog.Error("create user", "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to register")
		return
	}

	signed, ident, err := h.Tokens.Issue(r.Context(), user)
	if err != nil {
		slog.Error("issue token", "user_id", user.ID, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to issue token")
		return
	}

	slog.Info("user registered", "user_id", user.ID)
	renderJSON(w, http.StatusCreated, authResponse{
		User:      userToAPI(user),
		Token:     signed,
		ExpiresAt: ident.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// APILogin - POST /api/auth/login
func (h *Handler) APILogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	email := strings.TrimSpace(strings.ToLower(body.Email))
	user, err := db.GetUserByEmail(h.DB, email)
	if err != nil || user == nil || !user.Enabled || !token.CheckPassword(user.PasswordHash, body.Password) {
		renderJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid email or password")
		return
	}

	signed, ident, err := h.Tokens.Issue(r.Context(), user)
	if err != nil {
		slog.Error("issue token", "user_id", user.ID, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to issue token")
		return
	}

	renderJSON(w, http.StatusOK, authResponse{
		User:      userToAPI(user),
		Token:     signed,
		ExpiresAt: ident.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// APILogout - POST /api/auth/logout
func (h *Handler) APILogout(w http.ResponseWriter, r *http.Request) {
	ident := token.IdentityFromContext(r.Context())
	if err := h.Tokens.Revoke(r.Context(), ident); err != nil {
		slog.Error("revoke token", "user_id", ident.UserID, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to revoke token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// APIUserGet - GET /api/users/me
func (h *Handler) APIUserGet(w http.ResponseWriter, r *http.Request) {
	userID := token.UserIDFromContext(r.Context())
	user, err := db.GetUserByID(h.DB, userID)
	if err != nil || user == nil {
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load profile")
		return
	}
	renderJSON(w, http.StatusOK, userToAPI(user))
}

// APIUserUpdate - PUT /api/users/me
func (h *Handler) APIUserUpdate(w http.ResponseWriter, r *http.Request) {
	userID := token.UserIDFromContext(r.Context())

	var body struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	user, err := db.GetUserByID(h.DB, userID)
	if err != nil || user == nil {
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load profile")
		return
	}

	name := strings.TrimSpace(body.Name)
	if name == "" {
		name = user.Name
	}
	email := strings.TrimSpace(strings.ToLower(body.Email))
	if email == "" {
		email = user.Email
	}
	if !strings.Contains(email, "@") {
		renderJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "a valid email is required")
		return
	}

	if email != user.Email {
		existing, err := db.GetUserByEmail(h.DB, email)
		if err != nil {
			slog.Error("lookup user", "error", err)
			renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update profile")
			return
		}
		if existing != nil {
			renderJSONError(w, http.StatusConflict, "EMAIL_TAKEN", "email already registered")
			return
		}
	}

	if err := db.UpdateUser(h.DB, userID, name, email); err != nil {
		slog.Error("update user", "user_id", userID, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update profile")
		return
	}

	user.Name = name
	user.Email = email
	renderJSON(w, http.StatusOK, userToAPI(user))
}

// APIUserDelete - DELETE /api/users/me
func (h *Handler) APIUserDelete(w http.ResponseWriter, r *http.Request) {
	ident := token.IdentityFromContext(r.Context())

	if err := h.Sessions.EndActive(r.Context(), ident.UserID); err != nil {
		slog.Error("end active session", "user_id", ident.UserID, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to delete account")
		return
	}
	if err := db.SoftDeleteUser(h.DB, ident.UserID, time.Now().UTC()); err != nil {
		slog.Error("soft delete user", "user_id", ident.UserID, "error", err)
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to delete account")
		return
	}

	// RevokeCurrent reads the credential entry that Revoke drops, so it
	// must run first. Together they cover the latest-issued token and the
	// one presented on this request.
	if err := h.Tokens.RevokeCurrent(r.Context(), ident.UserID); err != nil {
		slog.Warn("revoke current token", "user_id", ident.UserID, "error", err)
	}
	if err := h.Tokens.Revoke(r.Context(), ident); err != nil {
		slog.Warn("revoke presented token", "user_id", ident.UserID, "error", err)
	}

	slog.Info("user deleted", "user_id", ident.UserID)
	w.WriteHeader(http.StatusNoContent)
}
