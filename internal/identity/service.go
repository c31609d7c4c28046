// Package identity provides email/password accounts. An account id is also
// the id of the profile created for it on first sign-in.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"tigerden/api/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrEmailUnconfirmed   = errors.New("email not confirmed")
	ErrNotFound           = errors.New("account not found")
)

const minPasswordLength = 8

// AccountStore defines the storage interface for accounts.
type AccountStore interface {
	CreateIdentity(ctx context.Context, identity store.Identity) (store.Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (store.Identity, error)
	GetIdentityByID(ctx context.Context, id string) (store.Identity, error)
	ConfirmIdentityEmail(ctx context.Context, id string) (bool, error)
	DeleteIdentity(ctx context.Context, id string) (bool, error)
}

type Service struct {
	store AccountStore
	// RequireConfirmation blocks sign-in until an admin approval confirms
	// the email.
	RequireConfirmation bool
	cost                int
}

func NewService(accounts AccountStore) *Service {
	return &Service{store: accounts, cost: bcrypt.DefaultCost}
}

// WithCost lowers the bcrypt cost, mostly for tests.
func (s *Service) WithCost(cost int) *Service {
	s.cost = cost
	return s
}

type SignUpRequest struct {
	Email    string
	Password string
}

func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.Identity, error) {
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return store.Identity{}, errors.New("email and password are required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return store.Identity{}, errors.New("email is not valid")
	}
	if len(req.Password) < minPasswordLength {
		return store.Identity{}, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}

	if _, err := s.store.GetIdentityByEmail(ctx, email); err == nil {
		return store.Identity{}, ErrEmailTaken
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.Identity{}, fmt.Errorf("lookup account: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.Identity{}, fmt.Errorf("hash password: %w", err)
	}

	created, err := s.store.CreateIdentity(ctx, store.Identity{Email: email, PasswordHash: string(hash)})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.Identity{}, ErrEmailTaken
		}
		return store.Identity{}, fmt.Errorf("create account: %w", err)
	}
	return created, nil
}

type SignInRequest struct {
	Email    string
	Password string
}

func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.Identity, error) {
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return store.Identity{}, ErrInvalidCredentials
	}

	account, err := s.store.GetIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Identity{}, ErrInvalidCredentials
		}
		return store.Identity{}, fmt.Errorf("lookup account: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)); err != nil {
		return store.Identity{}, ErrInvalidCredentials
	}
	if s.RequireConfirmation && account.EmailConfirmedAt == nil {
		return store.Identity{}, ErrEmailUnconfirmed
	}
	return account, nil
}

// ConfirmEmail marks the account's email confirmed. Confirming twice is a no-op.
func (s *Service) ConfirmEmail(ctx context.Context, id string) error {
	ok, err := s.store.ConfirmIdentityEmail(ctx, id)
	if err != nil {
		return fmt.Errorf("confirm email: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// DeleteAccount removes the login. A missing account is treated as deleted.
func (s *Service) DeleteAccount(ctx context.Context, id string) error {
	if _, err := s.store.DeleteIdentity(ctx, id); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (store.Identity, error) {
	account, err := s.store.GetIdentityByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Identity{}, ErrNotFound
	}
	return account, err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
