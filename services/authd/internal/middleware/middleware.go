// Package middleware guards HTTP routes with session verification and a role gate.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"stockgate/services/authd/internal/models"
	"stockgate/services/authd/internal/session"
)

// ErrForbidden is returned by Authorize when the role is not allowed.
var ErrForbidden = errors.New("forbidden")

// Verifier resolves a session credential to an identity.
type Verifier interface {
	Verify(ctx context.Context, raw string) (session.Identity, error)
}

// RequireSession verifies the session cookie and stores the identity in the
// request context. Any failure is answered with 401.
func RequireSession(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.Verify(r.Context(), session.FromRequest(r))
			if err != nil {
				if !errors.Is(err, session.ErrUnauthorized) {
					hlog.FromRequest(r).Error().Err(err).Msg("session verification failed")
				}
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(session.WithIdentity(r.Context(), id)))
		})
	}
}

// Authorize checks id against the allowed roles. ok is false when no identity
// was resolved.
func Authorize(id session.Identity, ok bool, allowed ...models.Role) error {
	if !ok {
		return session.ErrUnauthorized
	}
	for _, role := range allowed {
		if id.Role == role {
			return nil
		}
	}
	return ErrForbidden
}

// RequireRoles admits only identities whose role is in allowed.
func RequireRoles(allowed ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := session.IdentityFrom(r.Context())
			switch err := Authorize(id, ok, allowed...); {
			case errors.Is(err, session.ErrUnauthorized):
				writeError(w, http.StatusUnauthorized, "Unauthorized")
			case err != nil:
				writeError(w, http.StatusForbidden, "Forbidden")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
}
