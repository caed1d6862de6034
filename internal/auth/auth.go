// Package auth issues and validates JWT bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Role string

const (
	RoleUser  Role = "User"
	RoleAdmin Role = "Admin"
)

// ParseRole accepts the role names case-insensitively.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "user", "":
		return RoleUser, nil
	case "admin":
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrRevokedToken = errors.New("token revoked")
)

// Claims is the token payload.
type Claims struct {
	ID        string
	UserID    uuid.UUID
	Role      Role
	ExpiresAt time.Time
}

func (c Claims) IsAdmin() bool { return c.Role == RoleAdmin }

// CanAccess reports whether c may act on a resource owned by owner.
// Resources without an owner are admin-only.
func (c Claims) CanAccess(owner *uuid.UUID) bool {
	if c.IsAdmin() {
		return true
	}
	return owner != nil && *owner == c.UserID
}

// Signer issues and validates HS256 JWTs.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time // jti -> expiry
}

func NewSigner(secret []byte, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{secret: secret, ttl: ttl, now: time.Now, revoked: make(map[string]time.Time)}
}

// tokenClaims is the JWT body: sub is the user id, jti the revocation key.
type tokenClaims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Issue returns a signed token for userID.
func (s *Signer) Issue(userID uuid.UUID, role Role) (string, Claims, error) {
	now := s.now().UTC().Truncate(time.Second)
	c := Claims{
		ID:        uuid.NewString(),
		UserID:    userID,
		Role:      role,
		ExpiresAt: now.Add(s.ttl),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        c.ID,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, c, nil
}

// Validate checks the signature, expiry and revocation list.
func (s *Signer) Validate(token string) (Claims, error) {
	var tc tokenClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &tc,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userID, err := uuid.Parse(tc.Subject)
	if err != nil || userID == uuid.Nil || tc.ID == "" {
		return Claims{}, ErrInvalidToken
	}
	c := Claims{ID: tc.ID, UserID: userID, Role: tc.Role, ExpiresAt: tc.ExpiresAt.Time.UTC()}

	s.mu.Lock()
	_, revoked := s.revoked[c.ID]
	s.mu.Unlock()
	if revoked {
		return Claims{}, ErrRevokedToken
	}
	return c, nil
}

// Revoke invalidates a token until its natural expiry.
func (s *Signer) Revoke(token string) error {
	c, err := s.Validate(token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, exp := range s.revoked {
		if !now.Before(exp) {
			delete(s.revoked, id)
		}
	}
	s.revoked[c.ID] = c.ExpiresAt
	return nil
}

// BearerToken strips the "Bearer " prefix from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type claimsKey struct{}

func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}
