package auth

import (
	"context"
	"slices"
	"strings"
)

type principalKey struct{}

type principal struct {
	userID string
	roles  []string
}

// ContextWithUser attaches the authenticated caller to ctx.
func ContextWithUser(ctx context.Context, userID string, roles []string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal{
		userID: strings.TrimSpace(userID),
		roles:  dedupeRoles(roles),
	})
}

func principalFrom(ctx context.Context) (principal, bool) {
	if ctx == nil {
		return principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(principal)
	return p, ok
}

// UserIDFromContext returns the caller id, false for anonymous requests.
func UserIDFromContext(ctx context.Context) (string, bool) {
	p, ok := principalFrom(ctx)
	if !ok || p.userID == "" {
		return "", false
	}
	return p.userID, true
}

// RolesFromContext returns a copy of the caller's roles.
func RolesFromContext(ctx context.Context) []string {
	p, _ := principalFrom(ctx)
	if len(p.roles) == 0 {
		return nil
	}
	return slices.Clone(p.roles)
}

func HasRole(ctx context.Context, role string) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return false
	}
	p, _ := principalFrom(ctx)
	return slices.Contains(p.roles, role)
}
