package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"hemolink.org/internal/donation"
)

func newGateway(t *testing.T) *Gateway {
	t.Helper()
	return NewGateway(donation.NewInMemory())
}

func TestRegisterAndAuthenticate(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()

	ident, err := g.Register(ctx, RegisterInput{
		Name: "Dana", Email: "Dana@Example.org", Password: "hunter22", Phone: "555-0101", Role: donation.RoleDonor,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ident.Email != "dana@example.org" {
		t.Fatalf("email not normalized: %s", ident.Email)
	}
	if ident.Role != donation.RoleDonor {
		t.Fatalf("unexpected role: %s", ident.Role)
	}

	got, err := g.Authenticate(ctx, "dana@example.org", "hunter22")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != ident.ID {
		t.Fatalf("identity mismatch: %s != %s", got.ID, ident.ID)
	}

	if _, err := g.Authenticate(ctx, "dana@example.org", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := g.Authenticate(ctx, "nobody@example.org", "hunter22"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()

	in := RegisterInput{Name: "A", Email: "dup@example.org", Password: "pw123456", Phone: "1", Role: donation.RoleBloodBank}
	if _, err := g.Register(ctx, in); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := g.Register(ctx, in); !errors.Is(err, donation.ErrConflict) {
		t.Fatalf("second register expected ErrConflict, got %v", err)
	}
}

func TestRegisterRequiresPassword(t *testing.T) {
	g := newGateway(t)

	_, err := g.Register(context.Background(), RegisterInput{
		Name: "A", Email: "a@example.org", Password: "  ", Phone: "1", Role: donation.RoleDonor,
	})
	if !errors.Is(err, donation.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestLoginIssuesToken(t *testing.T) {
	t.Setenv("HEMOLINK_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	g := newGateway(t)
	ctx := context.Background()

	if _, err := g.Register(ctx, RegisterInput{
		Name: "Dana", Email: "dana@example.org", Password: "hunter22", Phone: "555-0101", Role: donation.RoleDonor,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sess, err := g.Login(ctx, "dana@example.org", "hunter22", 15*time.Minute)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.Token == "" {
		t.Fatal("expected token")
	}
	claims, err := ParseAndValidate(sess.Token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != sess.ID || claims.Role != donation.RoleDonor {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}
