package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hemolink.org/internal/donation"
)

// ErrInvalidCredentials is returned when the email is unknown or the password
// does not match. Callers must not be able to tell which.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Identity is the minimal session identity returned after authentication.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"user_type"`
}

// RegisterInput carries plaintext registration fields. The gateway hashes the
// password before it reaches the store.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Phone    string
	Role     string
}

// Gateway authenticates accounts against the entity store. It holds no
// session state between calls.
type Gateway struct {
	store donation.Service
}

// NewGateway constructs a Gateway over the given store.
func NewGateway(store donation.Service) *Gateway {
	return &Gateway{store: store}
}

// Register creates an account. It fails with donation.ErrConflict when the
// email is already registered.
func (g *Gateway) Register(ctx context.Context, in RegisterInput) (Identity, error) {
	if strings.TrimSpace(in.Password) == "" {
		return Identity{}, fmt.Errorf("%w: password is required", donation.ErrValidation)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return Identity{}, err
	}
	u, err := g.store.CreateUser(ctx, donation.NewUser{
		Name:         in.Name,
		Email:        in.Email,
		PasswordHash: hash,
		Phone:        in.Phone,
		Role:         in.Role,
	})
	if err != nil {
		return Identity{}, err
	}
	return identityOf(u), nil
}

// Authenticate matches email and password and returns the minimal identity.
func (g *Gateway) Authenticate(ctx context.Context, email, password string) (Identity, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return Identity{}, ErrInvalidCredentials
	}
	u, err := g.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, donation.ErrNotFound) {
			return Identity{}, ErrInvalidCredentials
		}
		return Identity{}, err
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	return identityOf(u), nil
}

// Session bundles the identity with a signed access token.
type Session struct {
	Identity
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login authenticates and issues an access token.
func (g *Gateway) Login(ctx context.Context, email, password string, ttl time.Duration) (Session, error) {
	ident, err := g.Authenticate(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	token, err := GenerateToken(ident.ID, ident.Role, ttl)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Identity:  ident,
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, nil
}

func identityOf(u donation.User) Identity {
	return Identity{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
}
