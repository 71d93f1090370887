package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestSignerIssueAndParse(t *testing.T) {
	signer, err := NewSigner("s3cret", WithIssuer("test-issuer"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	token, expiresAt, err := signer.Issue("user-42", []string{"Librarian", "member", "librarian"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected future expiration, got %v", expiresAt)
	}

	claims, err := signer.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "user-42" || claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected claims: %+v", claims.RegisteredClaims)
	}
	if len(claims.Roles) != 2 || !slices.Contains(claims.Roles, "librarian") {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}
}

func TestSignerRejectsForeignAndExpiredTokens(t *testing.T) {
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	signer, _ := NewSigner("s3cret", WithClock(clock))
	other, _ := NewSigner("different")

	token, _, err := signer.Issue("alice", nil, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := other.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature failure, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := signer.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expiry failure, got %v", err)
	}
	if _, err := signer.Parse("  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected blank token failure, got %v", err)
	}
}

func TestNewSignerRequiresSecret(t *testing.T) {
	if _, err := NewSigner(" "); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestIssueValidatesInput(t *testing.T) {
	signer, _ := NewSigner("s3cret")
	if _, _, err := signer.Issue("", nil, time.Minute); err == nil {
		t.Fatal("expected error for empty user")
	}
	if _, _, err := signer.Issue("alice", nil, 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithUser(context.Background(), "user-7", []string{"Admin", "Admin", "member"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "member") || !HasRole(ctx, "admin") {
		t.Fatalf("HasRole missing expected roles: %v", roles)
	}
	if HasRole(ctx, "operator") {
		t.Fatalf("unexpected role found")
	}
	if _, ok := UserIDFromContext(context.Background()); ok {
		t.Fatal("empty context must not carry a user")
	}
}

func TestRolePermissions(t *testing.T) {
	member := ContextWithUser(context.Background(), "m", []string{RoleMember})
	librarian := ContextWithUser(context.Background(), "l", []string{RoleLibrarian})
	admin := ContextWithUser(context.Background(), "a", []string{RoleAdmin})

	if !Can(member, PermBorrow) || Can(member, PermManageLoans) || Staff(member) {
		t.Fatal("member permissions wrong")
	}
	if !Staff(librarian) || Can(librarian, PermRunJobs) {
		t.Fatal("librarian permissions wrong")
	}
	if !Can(admin, PermRunJobs) || !Can(admin, PermManageCatalog) {
		t.Fatal("admin permissions wrong")
	}
	if Allowed([]string{"ghost"}, PermBorrow) {
		t.Fatal("unknown role must grant nothing")
	}
}
