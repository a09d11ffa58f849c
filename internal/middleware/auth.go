package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bankcore/cardvault/ledger/models"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey struct{ name string }

var identityKey = &contextKey{"identity"}

// WithIdentity returns a copy of ctx carrying the resolved caller.
func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom extracts the caller injected by Authenticate. The second
// return is false when the request never passed authentication.
func IdentityFrom(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(identityKey).(models.Identity)
	return id, ok
}

// Authenticate validates the bearer token and injects the caller identity
// into the request context. Token minting lives in the auth service; this
// middleware only trusts tokens signed with the shared secret.
func Authenticate(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			id, err := ParseToken(raw, secret)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		}
		return http.HandlerFunc(fn)
	}
}

// ParseToken validates an HS256 token and returns the identity claims.
func ParseToken(raw string, secret []byte) (models.Identity, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return models.Identity{}, fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid {
		return models.Identity{}, fmt.Errorf("token is not valid")
	}

	username, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if username == "" || role == "" {
		return models.Identity{}, fmt.Errorf("token is missing identity claims")
	}

	return models.Identity{Username: username, Role: models.Role(role)}, nil
}
