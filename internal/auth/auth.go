// Package auth authenticates API callers and answers capability checks.
//
// Authentication model:
//   - Callers present an HS256 bearer token; its subject is the principal.
//   - Public endpoints (health, metrics, websocket) need no token.
//   - Privileged operations (dispute resolution, forced refunds, deposit
//     notifications, risk reports) are gated by capabilities held by
//     principals listed in configuration.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken       = errors.New("bearer token required")
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrEmptySecret   = errors.New("token secret is empty")
	ErrEmptySubject  = errors.New("token subject is empty")
	ErrUnknownMethod = errors.New("unexpected signing method")
)

// Capabilities granted through configuration.
const (
	CapAdmin           = "admin"
	CapResolver        = "resolver"
	CapDepositNotifier = "deposit_notifier"
	CapRiskReporter    = "risk_reporter"
)

const issuer = "escrowd"

// Claims carried by an escrowd bearer token.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier issues and validates bearer tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier for the given HMAC secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// IssueToken signs a token for subject that expires after ttl.
// A non-positive ttl defaults to 24h.
func (v *Verifier) IssueToken(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", ErrEmptySubject
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses a raw token and returns its subject.
func (v *Verifier) Verify(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrNoToken
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnknownMethod, t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(v.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// StaticAuthorizer grants capabilities to fixed principal lists.
// Safe for concurrent use.
type StaticAuthorizer struct {
	mu     sync.RWMutex
	grants map[string]map[string]struct{} // capability -> principals
}

// NewStaticAuthorizer builds an authorizer from capability -> principals.
// Blank principal names are ignored.
func NewStaticAuthorizer(grants map[string][]string) *StaticAuthorizer {
	a := &StaticAuthorizer{grants: make(map[string]map[string]struct{})}
	for capability, principals := range grants {
		for _, p := range principals {
			a.Grant(capability, p)
		}
	}
	return a
}

// Grant adds capability to principal.
func (a *StaticAuthorizer) Grant(capability, principal string) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.grants[capability]
	if !ok {
		set = make(map[string]struct{})
		a.grants[capability] = set
	}
	set[principal] = struct{}{}
}

// Allowed reports whether principal holds capability.
func (a *StaticAuthorizer) Allowed(_ context.Context, principal, capability string) bool {
	if principal == "" {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.grants[capability][principal]
	return ok
}

// Capabilities lists what principal holds, for the whoami endpoint.
func (a *StaticAuthorizer) Capabilities(principal string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []string
	for _, c := range []string{CapAdmin, CapResolver, CapDepositNotifier, CapRiskReporter} {
		if _, ok := a.grants[c][principal]; ok {
			out = append(out, c)
		}
	}
	return out
}
