// Package auth verifies bearer tokens that carry the caller's identity.
package auth

import (
	"errors"
	"fmt"
	"time"

	"leadflow/identity"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNoSecret     = errors.New("auth: jwt secret not configured")
)

// Principal is the caller a verified token speaks for.
type Principal struct {
	UserID string
	Role   identity.Role
}

// Service issues and verifies HS256 tokens with user_id and role claims.
type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		ttl:       24 * time.Hour,
		now:       time.Now,
	}
}

// Enabled reports whether a secret was configured.
func (s *Service) Enabled() bool {
	return len(s.jwtSecret) > 0
}

// IssueToken signs a token for userID. Used by operators and tests; end-user
// login lives in the user service.
func (s *Service) IssueToken(userID string, role identity.Role) (string, error) {
	if !s.Enabled() {
		return "", ErrNoSecret
	}
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"exp":     now.Add(s.ttl).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return tokenString, nil
}

// VerifyToken validates the signature and expiry and returns the principal.
func (s *Service) VerifyToken(tokenString string) (Principal, error) {
	if !s.Enabled() {
		return Principal{}, ErrNoSecret
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok {
		return Principal{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	if _, err := uuid.Parse(userID); err != nil {
		return Principal{}, fmt.Errorf("%w: user_id is not a UUID", ErrInvalidToken)
	}
	roleStr, _ := claims["role"].(string)
	role := identity.Role(roleStr)
	if role != "" && role != identity.RoleBuyer && role != identity.RoleSeller {
		return Principal{}, fmt.Errorf("%w: invalid role %q", ErrInvalidToken, roleStr)
	}
	return Principal{UserID: userID, Role: role}, nil
}
