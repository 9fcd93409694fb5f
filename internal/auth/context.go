package auth

import (
	"context"

	"github.com/google/uuid"
)

// Identity is the authenticated caller attached to a request context.
type Identity struct {
	PartnerID   uuid.UUID `json:"partner_id"`
	PartnerCode string    `json:"partner_code"`
	APIKeyID    uuid.UUID `json:"api_key_id"`
	Permissions []string  `json:"permissions"`
}

type contextKey struct{}

// WithIdentity attaches the identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFrom extracts the identity placed by the auth middleware.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok
}
