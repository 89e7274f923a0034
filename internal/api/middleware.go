package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/xtrntr/spot-exchange/internal/models"
)

type contextKey string

const userKey contextKey = "user"

func userFrom(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(userKey).(*models.User)
	return u, ok
}

// AuthMiddleware accepts "TOKEN <api key>" or "Bearer <jwt>"
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		scheme, credential, _ := strings.Cut(header, " ")
		credential = strings.TrimSpace(credential)
		if credential == "" {
			writeError(w, http.StatusUnauthorized, "Use 'TOKEN <key>' or 'Bearer <token>' format")
			return
		}

		var (
			user *models.User
			err  error
		)
		switch strings.ToUpper(scheme) {
		case "TOKEN":
			user, err = h.AuthService.Authenticate(r.Context(), credential)
		case "BEARER":
			user, err = h.AuthService.ParseToken(r.Context(), credential)
		default:
			writeError(w, http.StatusUnauthorized, "Use 'TOKEN <key>' or 'Bearer <token>' format")
			return
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly must run after AuthMiddleware
func (h *Handler) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userFrom(r.Context())
		if !ok || user.Role != models.RoleAdmin {
			writeError(w, http.StatusForbidden, "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
