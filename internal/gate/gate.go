// Package gate composes the per-route request checks that run before a
// handler: authentication first, then role or identity authorization.
//
// Each stage sees the request and the principal established by earlier stages
// and either passes a principal on or rejects the request. Chain runs the
// stages in the order given, so the dependency of authorization on
// authentication is visible at route registration.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/usermgmt/apiserver/internal/apierr"
	"github.com/usermgmt/apiserver/internal/auth"
	"github.com/usermgmt/apiserver/types"
)

// Stage inspects the request and the principal established so far. It returns
// the principal to hand to the next stage, or an error to reject the request.
type Stage func(r *http.Request, p *auth.Principal) (*auth.Principal, error)

// ErrorWriter renders a rejection. Handlers share one implementation.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Chain builds chi-compatible middleware that runs stages in order. The final
// principal, if any, is stored on the request context.
func Chain(writeErr ErrorWriter, stages ...Stage) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p *auth.Principal
			for _, stage := range stages {
				got, err := stage(r, p)
				if err != nil {
					writeErr(w, r, err)
					return
				}
				p = got
			}
			if p != nil {
				r = r.WithContext(auth.WithPrincipal(r.Context(), *p))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Verifier validates a raw bearer token.
type Verifier interface {
	Verify(token string) (auth.Principal, error)
}

const (
	msgMissingToken     = "Validation token is missing"
	msgInvalidAuthType  = "Invalid authentication type"
	msgInvalidToken     = "Invalid token"
	msgSessionExpired   = "Session expired. Please log in"
	msgForbidden        = "You don't have permissions to make that request"
	msgNotAuthenticated = "Authentication required"
)

// Authenticate verifies the bearer credential in the Authorization header.
func Authenticate(v Verifier, logger *slog.Logger) Stage {
	return func(r *http.Request, _ *auth.Principal) (*auth.Principal, error) {
		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			if errors.Is(err, auth.ErrMissingCredential) {
				return nil, apierr.Unauthenticated(msgMissingToken, err)
			}
			return nil, apierr.Unauthenticated(msgInvalidAuthType, err)
		}

		p, err := v.Verify(token)
		switch {
		case err == nil:
			return &p, nil
		case errors.Is(err, auth.ErrExpired):
			return nil, apierr.Unauthenticated(msgSessionExpired, err)
		case errors.Is(err, auth.ErrInvalidSignature), errors.Is(err, auth.ErrInvalidClaims):
			logger.DebugContext(r.Context(), "token rejected", "error", err)
			return nil, apierr.Unauthenticated(msgInvalidToken, err)
		default:
			return nil, apierr.Internal(fmt.Errorf("verify token: %w", err))
		}
	}
}

// RequireRole authorizes principals whose role is in roles. It must follow
// Authenticate. Building it with no roles, or with an unknown role, is a
// configuration error.
func RequireRole(roles ...types.Role) (Stage, error) {
	if len(roles) == 0 {
		return nil, errors.New("gate: RequireRole needs at least one role")
	}
	allowed := make(map[types.Role]struct{}, len(roles))
	for _, role := range roles {
		if !role.Valid() {
			return nil, fmt.Errorf("gate: unknown role %q", role)
		}
		allowed[role] = struct{}{}
	}

	return func(_ *http.Request, p *auth.Principal) (*auth.Principal, error) {
		if p == nil {
			return nil, apierr.Unauthenticated(msgNotAuthenticated, nil)
		}
		if _, ok := allowed[p.Role]; !ok {
			return nil, apierr.Forbidden(msgForbidden)
		}
		return p, nil
	}, nil
}

// MsgInvalidID is returned for path ids that are not UUIDs.
const MsgInvalidID = "Invalid ID format"

const msgNotSelf = "You are not authorized to update that user"

// RequireSelf authorizes a principal acting on its own record only. targetID
// extracts the record id from the request. A malformed id is rejected as a
// validation error before identity is compared.
func RequireSelf(targetID func(*http.Request) string) Stage {
	return func(r *http.Request, p *auth.Principal) (*auth.Principal, error) {
		if p == nil {
			return nil, apierr.Unauthenticated(msgNotAuthenticated, nil)
		}
		id := targetID(r)
		if !types.ValidID(id) {
			return nil, apierr.Validation(MsgInvalidID)
		}
		if p.ID != id {
			return nil, apierr.Unauthenticated(msgNotSelf, nil)
		}
		return p, nil
	}
}
