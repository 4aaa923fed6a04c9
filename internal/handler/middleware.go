package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"wakesafe/internal/db"
	"wakesafe/internal/token"
)

// RequireAuth authenticates the bearer token and loads the identity into
// the request context. Revoked and expired tokens fail here, before any
// handler runs.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			renderJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}

		ident, err := h.Tokens.Authenticate(r.Context(), raw)
		if err != nil {
			renderJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or revoked token")
			return
		}

		user, err := db.GetUserByID(h.DB, ident.UserID)
		if err != nil {
			slog.Error("load user", "error", err)
			renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load user")
			return
		}
		if user == nil || !user.Enabled {
			renderJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "account disabled")
			return
		}

		next.ServeHTTP(w, r.WithContext(token.ContextWithIdentity(r.Context(), ident)))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
