// Package auth implements the token service: stateless HS256 bearer tokens
// carrying subject id, roles and expiry, with a validation cache that skips
// the user-store round trip for recently verified tokens.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/applyforge/applyforge-api/internal/cache"
)

// Sentinel errors surfaced to the auth middleware.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// maxValidationCacheTTL bounds how long a verified token is accepted without
// re-resolving the subject.
const maxValidationCacheTTL = 15 * time.Minute

// streamAudience marks single-use stream tokens; they are only accepted by
// the push-stream endpoint.
const streamAudience = "stream"

// Principal is the authenticated subject attached to the request context.
type Principal struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// HasRole reports whether the principal carries the role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SubjectResolver resolves a subject id to its current roles. Implemented by
// the user repository; consulted only on validation-cache misses.
type SubjectResolver interface {
	ResolveSubject(ctx context.Context, userID string) (roles []string, err error)
}

type claims struct {
	Roles []string `json:"roles"`
	JobID string   `json:"job_id,omitempty"`
	jwt.RegisteredClaims
}

type cachedValidation struct {
	UserID   string    `json:"user_id"`
	Roles    []string  `json:"roles"`
	IssuedAt time.Time `json:"issued_at"`
}

// TokenService issues and verifies bearer tokens.
type TokenService struct {
	secret   []byte
	ttl      time.Duration
	fabric   *cache.Fabric
	resolver SubjectResolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewTokenService creates a token service. fabric may be nil in tests to
// disable the validation cache.
func NewTokenService(secret string, ttl time.Duration, fabric *cache.Fabric, resolver SubjectResolver, logger *slog.Logger) *TokenService {
	return &TokenService{
		secret:   []byte(secret),
		ttl:      ttl,
		fabric:   fabric,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// Issue mints a bearer token for the subject.
func (s *TokenService) Issue(userID string, roles []string) (string, error) {
	now := s.now()
	c := claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// IssueStreamToken mints a short-lived token bound to one job, passed as a
// query parameter by clients that cannot set headers on EventSource
// connections.
func (s *TokenService) IssueStreamToken(userID, jobID string) (string, error) {
	now := s.now()
	c := claims{
		Roles: []string{},
		JobID: jobID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{streamAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(60 * time.Second)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign stream token: %w", err)
	}
	return signed, nil
}

// Verify validates a bearer token and returns its principal. The validation
// cache (TTL bounded by both 15 minutes and the token's remaining life)
// avoids re-resolving the subject on every request.
func (s *TokenService) Verify(ctx context.Context, tokenString string) (*Principal, error) {
	c, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if len(c.Audience) > 0 {
		// Stream tokens are not general-purpose credentials.
		return nil, ErrInvalidToken
	}

	cacheKey := hashToken(tokenString)
	if s.fabric != nil {
		if raw, ok := s.fabric.Get(ctx, cache.NameSessions, cacheKey); ok {
			var cached cachedValidation
			if err := json.Unmarshal(raw, &cached); err == nil {
				return &Principal{UserID: cached.UserID, Roles: cached.Roles}, nil
			}
		}
	}

	roles := c.Roles
	if s.resolver != nil {
		resolved, err := s.resolver.ResolveSubject(ctx, c.Subject)
		if err != nil {
			return nil, fmt.Errorf("resolve subject: %w", err)
		}
		roles = resolved
	}

	if s.fabric != nil {
		remaining := time.Until(c.ExpiresAt.Time)
		ttl := maxValidationCacheTTL
		if remaining < ttl {
			ttl = remaining
		}
		if ttl > 0 {
			entry, _ := json.Marshal(cachedValidation{
				UserID:   c.Subject,
				Roles:    roles,
				IssuedAt: s.now(),
			})
			s.fabric.SetTTL(ctx, cache.NameSessions, cacheKey, entry, ttl)
		}
	}

	return &Principal{UserID: c.Subject, Roles: roles}, nil
}

// VerifyStreamToken validates a single-use stream token against the job it
// was minted for.
func (s *TokenService) VerifyStreamToken(tokenString, jobID string) (*Principal, error) {
	c, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	audOK := false
	for _, a := range c.Audience {
		if a == streamAudience {
			audOK = true
		}
	}
	if !audOK || c.JobID != jobID {
		return nil, ErrInvalidToken
	}
	return &Principal{UserID: c.Subject, Roles: c.Roles}, nil
}

func (s *TokenService) parse(tokenString string) (*claims, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	// A token exactly at its expiry instant is already dead.
	if c.ExpiresAt == nil || !s.now().Before(c.ExpiresAt.Time) {
		return nil, ErrExpiredToken
	}
	return &c, nil
}

func hashToken(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return hex.EncodeToString(sum[:])
}
