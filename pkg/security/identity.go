package security

import "context"

// Identity is what downstream handlers get to know about the caller.
type Identity struct {
	UserID              string `json:"userId"`
	Email               string `json:"email"`
	AnonymousIdentityID string `json:"anonymousIdentityId"`
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached by the session middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
