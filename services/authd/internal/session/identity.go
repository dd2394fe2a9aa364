package session

import (
	"context"

	"github.com/google/uuid"

	"stockgate/services/authd/internal/models"
)

// Identity is the authenticated caller resolved from a session.
type Identity struct {
	AccountID uuid.UUID
	Email     string
	Role      models.Role
	SessionID uuid.UUID
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached by the session middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
