package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndVerify(t *testing.T) {
	v, err := NewVerifier("test-secret")
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}

	token, err := v.IssueToken("alice", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Errorf("Expected a three-part token, got %s", token)
	}

	sub, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if sub != "alice" {
		t.Errorf("Expected subject alice, got %s", sub)
	}
}

func TestNewVerifier_EmptySecret(t *testing.T) {
	if _, err := NewVerifier(""); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("Expected ErrEmptySecret, got %v", err)
	}
}

func TestIssueToken_EmptySubject(t *testing.T) {
	v, _ := NewVerifier("s")
	if _, err := v.IssueToken("", time.Hour); !errors.Is(err, ErrEmptySubject) {
		t.Errorf("Expected ErrEmptySubject, got %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	v, _ := NewVerifier("s")
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return start }
	token, err := v.IssueToken("alice", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	v.now = func() time.Time { return start.Add(2 * time.Minute) }
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	a, _ := NewVerifier("secret-a")
	b, _ := NewVerifier("secret-b")
	token, _ := a.IssueToken("alice", time.Hour)

	if _, err := b.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestVerify_RejectsForeignIssuer(t *testing.T) {
	v, _ := NewVerifier("s")
	claims := jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestVerify_RejectsNoneAlgorithm(t *testing.T) {
	v, _ := NewVerifier("s")
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory", Issuer: issuer}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(token); err == nil {
		t.Error("Expected unsigned token to be rejected")
	}
}

func TestVerify_Garbage(t *testing.T) {
	v, _ := NewVerifier("s")
	if _, err := v.Verify(""); !errors.Is(err, ErrNoToken) {
		t.Errorf("Expected ErrNoToken, got %v", err)
	}
	if _, err := v.Verify("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestStaticAuthorizer(t *testing.T) {
	a := NewStaticAuthorizer(map[string][]string{
		CapAdmin:    {"ops", " "},
		CapResolver: {"arbiter", "ops"},
	})
	ctx := context.Background()

	cases := []struct {
		principal, capability string
		want                  bool
	}{
		{"ops", CapAdmin, true},
		{"ops", CapResolver, true},
		{"arbiter", CapResolver, true},
		{"arbiter", CapAdmin, false},
		{"alice", CapAdmin, false},
		{"", CapAdmin, false},
		{"ops", CapRiskReporter, false},
	}
	for _, tc := range cases {
		if got := a.Allowed(ctx, tc.principal, tc.capability); got != tc.want {
			t.Errorf("Allowed(%q, %q) = %v, want %v", tc.principal, tc.capability, got, tc.want)
		}
	}

	a.Grant(CapRiskReporter, "ai-gateway")
	if !a.Allowed(ctx, "ai-gateway", CapRiskReporter) {
		t.Error("Expected granted capability to be allowed")
	}

	caps := a.Capabilities("ops")
	if len(caps) != 2 || caps[0] != CapAdmin || caps[1] != CapResolver {
		t.Errorf("Unexpected capabilities for ops: %v", caps)
	}
}
