package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/jwtauth"
	"github.com/go-chi/render"
)

type contextKey string

// OwnerIDKey holds the caller identity resolved by AuthenticationMiddleware.
const OwnerIDKey contextKey = "owner_id"

// DefaultOwnerHeader is read by HeaderIdentity when no header name is given.
const DefaultOwnerHeader = "X-Owner-ID"

var ErrUnauthenticated = errors.New("authentication required")

// IdentityFunc resolves the owner id of a request.
type IdentityFunc func(r *http.Request) (string, error)

// HeaderIdentity trusts a header set by an upstream gateway.
func HeaderIdentity(header string) IdentityFunc {
	if header == "" {
		header = DefaultOwnerHeader
	}
	return func(r *http.Request) (string, error) {
		owner := strings.TrimSpace(r.Header.Get(header))
		if owner == "" {
			return "", ErrUnauthenticated
		}
		return owner, nil
	}
}

// JWTIdentity reads the "sub" claim of a token verified by jwtauth.Verifier.
func JWTIdentity() IdentityFunc {
	return func(r *http.Request) (string, error) {
		token, claims, err := jwtauth.FromContext(r.Context())
		if err != nil || token == nil {
			return "", ErrUnauthenticated
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			return "", ErrUnauthenticated
		}
		return sub, nil
	}
}

// AuthenticationMiddleware rejects requests without an identity and stores
// the owner id in the request context.
func AuthenticationMiddleware(identify IdentityFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, err := identify(r)
			if err != nil {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, ErrorResponse{Error: ErrorBody{
					Code:    "unauthorized",
					Message: "Authentication required",
				}})
				return
			}
			ctx := context.WithValue(r.Context(), OwnerIDKey, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OwnerIDFromContext returns the identity stored by AuthenticationMiddleware.
func OwnerIDFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(OwnerIDKey).(string)
	return owner
}
