// Package auth carries the authenticated caller through a request context.
package auth

import (
	"context"

	"identity-service/internal/models"
)

// Identity is the verified caller attached by the authentication gate.
type Identity struct {
	AccountID string
	Role      models.Role
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the attached identity, or false when the request is anonymous.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// HasRole reports whether the identity holds one of roles.
func (i Identity) HasRole(roles ...models.Role) bool {
	for _, r := range roles {
		if i.Role == r {
			return true
		}
	}
	return false
}
