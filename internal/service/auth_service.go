// Package service implements the business operations between the HTTP layer
// and the repositories: account lifecycle, job admission and lifecycle, quota
// enforcement, upload URL minting and dashboard aggregation.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/applyforge/applyforge-api/internal/apperr"
	"github.com/applyforge/applyforge-api/internal/auth"
	"github.com/applyforge/applyforge-api/internal/models"
	"github.com/applyforge/applyforge-api/internal/repository"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 72 // bcrypt input limit
	defaultPlanID     = "free"
)

// AuthService handles registration and login.
type AuthService struct {
	users  repository.UserRepository
	tokens *auth.TokenService
	logger *slog.Logger
}

// NewAuthService creates an auth service.
func NewAuthService(users repository.UserRepository, tokens *auth.TokenService, logger *slog.Logger) *AuthService {
	return &AuthService{users: users, tokens: tokens, logger: logger}
}

// Register creates an account and returns a fresh bearer token.
func (s *AuthService) Register(ctx context.Context, email, password string) (string, error) {
	if _, err := mail.ParseAddress(email); err != nil {
		return "", apperr.New(apperr.KindValidation, "invalid email address")
	}
	if len(password) < minPasswordLength {
		return "", apperr.Newf(apperr.KindValidation, "password must be at least %d characters", minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return "", apperr.New(apperr.KindValidation, "password too long")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "failed to hash password", err)
	}

	user := &models.User{
		ID:           ulid.Make().String(),
		Email:        email,
		PasswordHash: string(hash),
		Roles:        []string{models.RoleUser},
		PlanID:       defaultPlanID,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return "", apperr.New(apperr.KindConflict, "email already registered")
		}
		return "", apperr.WrapOrigin(apperr.KindDependency, apperr.OriginDB, "failed to create account", err)
	}

	s.logger.Info("account registered", "user_id", user.ID)

	token, err := s.tokens.Issue(user.ID, user.Roles)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "failed to issue token", err)
	}
	return token, nil
}

// Login verifies credentials and returns a bearer token. Unknown email and
// wrong password are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		// Burn comparable time so absent accounts don't answer faster.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B0q3cMMhKQMrYhENQYQyqTpC9P2u"), []byte(password))
		return "", apperr.New(apperr.KindAuth, "invalid credentials")
	}
	if err != nil {
		return "", apperr.WrapOrigin(apperr.KindDependency, apperr.OriginDB, "failed to load account", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", apperr.New(apperr.KindAuth, "invalid credentials")
	}

	token, err := s.tokens.Issue(user.ID, user.Roles)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "failed to issue token", err)
	}
	return token, nil
}
