package auth

import (
	"context"

	"github.com/usermgmt/apiserver/types"
)

// Principal is the identity decoded from a verified token. It lives only for
// the duration of one request.
type Principal struct {
	ID    string
	Name  string
	Email string
	Role  types.Role
}

// PrincipalFor builds the principal embedded in tokens issued for user.
func PrincipalFor(user types.User) Principal {
	return Principal{ID: user.ID, Name: user.Name, Email: user.Email, Role: user.Role}
}

type principalContextKey struct{}

// WithPrincipal stores the authenticated principal on the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext retrieves the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}
