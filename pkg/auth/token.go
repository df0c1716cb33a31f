// Package auth mints and verifies the HS256 service tokens used for
// platform-internal calls (rule service, SIEM gateways).
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token fails verification.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims carries the platform identity inside a JWT.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id,omitempty"`
	Role     string `json:"role,omitempty"`
}

// TokenManager signs and verifies tokens with a shared HS256 secret.
type TokenManager struct {
	secret []byte
	issuer string
}

// NewTokenManager creates a manager for the given shared secret.
func NewTokenManager(secret []byte, issuer string) *TokenManager {
	return &TokenManager{secret: secret, issuer: issuer}
}

// Mint creates a signed token for a subject scoped to a tenant and role.
func (tm *TokenManager) Mint(subject, tenantID, role string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tm.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
		Role:     role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token, checks its signature and expiry, and returns the
// claims.
func (tm *TokenManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ServiceTokenSource mints short-lived tokens for service-to-service calls,
// reusing the current one until shortly before expiry. Safe for concurrent
// use.
type ServiceTokenSource struct {
	manager  *TokenManager
	subject  string
	tenantID string
	role     string
	ttl      time.Duration

	mu      sync.Mutex
	token   string
	refresh time.Time
}

// NewServiceTokenSource creates a token source for one service identity.
func NewServiceTokenSource(manager *TokenManager, subject, tenantID, role string, ttl time.Duration) *ServiceTokenSource {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ServiceTokenSource{
		manager:  manager,
		subject:  subject,
		tenantID: tenantID,
		role:     role,
		ttl:      ttl,
	}
}

// Token returns a valid bearer token, minting a fresh one when the cached
// token is within 30 seconds of expiry.
func (s *ServiceTokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Now().Before(s.refresh) {
		return s.token, nil
	}
	tok, err := s.manager.Mint(s.subject, s.tenantID, s.role, s.ttl)
	if err != nil {
		return "", err
	}
	s.token = tok
	s.refresh = time.Now().Add(s.ttl - 30*time.Second)
	return tok, nil
}
