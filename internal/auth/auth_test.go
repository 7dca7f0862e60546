package auth

import (
	"context"
	"testing"
	"time"
)

func TestGenerateAndValidateToken(t *testing.T) {
	t.Setenv("HEMOLINK_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	token, err := GenerateToken("user-42", "donor", 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Role != "donor" {
		t.Fatalf("unexpected role: %s", claims.Role)
	}
	if claims.Issuer != "hemolink" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Setenv("HEMOLINK_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	if _, err := ParseAndValidate("not-a-token"); err == nil {
		t.Fatal("expected error for malformed token")
	}
	if _, err := ParseAndValidate(""); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestGenerateTokenRequiresSecret(t *testing.T) {
	t.Setenv("HEMOLINK_AUTH_SECRET", "")
	ResetSecretForTests()
	defer ResetSecretForTests()

	if _, err := GenerateToken("user-1", "donor", time.Minute); err == nil {
		t.Fatal("expected missing-secret error")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "user-7", "bloodBank")

	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	role, ok := RoleFromContext(ctx)
	if !ok || role != "bloodBank" {
		t.Fatalf("unexpected role: %s, ok=%v", role, ok)
	}
	if !HasRole(ctx, "bloodBank") {
		t.Fatal("HasRole missing expected role")
	}
	if HasRole(ctx, "donor") {
		t.Fatal("unexpected role found")
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "s3cret" {
		t.Fatal("hash must not equal plaintext")
	}
	if err := VerifyPassword(hash, "s3cret"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); err == nil {
		t.Fatal("expected mismatch error")
	}
}
