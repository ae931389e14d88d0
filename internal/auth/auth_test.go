package auth

import (
	"context"
	"testing"
	"time"
)

func TestGenerateAndValidate(t *testing.T) {
	t.Setenv("ALLOQ_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	token, err := GenerateToken("actor-42", []string{"Business", "business", "Admin"}, 15*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "actor-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", claims.Roles)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Setenv("ALLOQ_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := ParseAndValidate(""); err != ErrInvalidToken {
		t.Fatalf("empty token: got %v", err)
	}
	if _, err := ParseAndValidate("not.a.jwt"); err != ErrInvalidToken {
		t.Fatalf("garbage token: got %v", err)
	}
}

func TestParseRejectsForeignSignature(t *testing.T) {
	t.Setenv("ALLOQ_AUTH_SECRET", "secret-one")
	ResetSecretForTests()
	token, err := GenerateToken("actor-1", []string{"user"}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	t.Setenv("ALLOQ_AUTH_SECRET", "secret-two")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
	if _, err := ParseAndValidate(token); err != ErrInvalidToken {
		t.Fatalf("foreign signature accepted: %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithActor(ctx, "actor-7", []string{"Admin", "Admin", "premium"})

	id, ok := ActorIDFromContext(ctx)
	if !ok || id != "actor-7" {
		t.Fatalf("unexpected actor id: %s, ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "premium") || !HasRole(ctx, "admin") {
		t.Fatalf("HasRole missing expected roles: %v", roles)
	}
	if HasRole(ctx, "verified") {
		t.Fatal("unexpected role found")
	}
}
