package auth

import (
	"context"
	"strings"
)

// Role constants checked by the admin and internal route groups.
const (
	RoleStaff  = "staff"
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// Identity is the authenticated principal extracted from a Firebase ID token.
type Identity struct {
	UID   string
	Email string
	Roles []string
}

// HasRole reports whether the identity includes the requested role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	for _, r := range i.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity includes any of the provided roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// ActorID is the identifier recorded on ledger writes made on behalf of this identity.
func (i *Identity) ActorID() string {
	if i == nil {
		return ""
	}
	if i.Email != "" {
		return i.UID + ":" + i.Email
	}
	return i.UID
}

type contextKey string

const identityContextKey contextKey = "github.com/genfity/fulfillment/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
