package auth

import (
	"errors"
	"testing"
	"time"

	"leadflow/identity"

	"github.com/golang-jwt/jwt/v5"
)

const userID = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"

func TestService_IssueAndVerify(t *testing.T) {
	svc := NewService("test-secret")

	token, err := svc.IssueToken(userID, identity.RoleSeller)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	p, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID != userID || p.Role != identity.RoleSeller {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestService_RejectsForeignSignature(t *testing.T) {
	token, err := NewService("other-secret").IssueToken(userID, identity.RoleBuyer)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewService("test-secret").VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestService_RejectsExpired(t *testing.T) {
	svc := NewService("test-secret")
	svc.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	token, err := svc.IssueToken(userID, identity.RoleBuyer)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	svc.now = time.Now
	if _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestService_RejectsBadClaims(t *testing.T) {
	secret := []byte("test-secret")
	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	exp := time.Now().Add(time.Hour).Unix()

	tests := map[string]string{
		"missing user":  sign(jwt.MapClaims{"role": "seller", "exp": exp}),
		"non-uuid user": sign(jwt.MapClaims{"user_id": "bob", "role": "seller", "exp": exp}),
		"unknown role":  sign(jwt.MapClaims{"user_id": userID, "role": "admin", "exp": exp}),
	}
	svc := NewService(string(secret))
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestService_Disabled(t *testing.T) {
	svc := NewService("")
	if svc.Enabled() {
		t.Fatal("expected service without secret to be disabled")
	}
	if _, err := svc.VerifyToken("x"); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}
