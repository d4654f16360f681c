package middleware

import (
	"context"
	"net/http"
	"slices"

	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
)

type contextKey struct{}

// Principal is the API key a request authenticated with.
type Principal struct {
	KeyID     uuid.UUID
	OwnerID   uuid.UUID
	KeyPrefix string
	Scopes    []string
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func PrincipalFrom(r *http.Request) (Principal, bool) {
	p, ok := r.Context().Value(contextKey{}).(Principal)
	return p, ok
}

// GetOwnerID returns the owner of the calling key.
func GetOwnerID(r *http.Request) (uuid.UUID, bool) {
	p, ok := PrincipalFrom(r)
	if !ok || p.OwnerID == uuid.Nil {
		return uuid.Nil, false
	}
	return p.OwnerID, true
}

func getKeyPrefix(r *http.Request) (string, bool) {
	p, ok := PrincipalFrom(r)
	if !ok || p.KeyPrefix == "" {
		return "", false
	}
	return p.KeyPrefix, true
}

// HasScope reports whether the authenticated key carries scope. Admin keys
// carry every scope.
func HasScope(r *http.Request, scope string) bool {
	p, _ := PrincipalFrom(r)
	return slices.Contains(p.Scopes, scope) || slices.Contains(p.Scopes, models.ScopeAdmin)
}
