package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is the iss claim of locally signed tokens.
const DefaultIssuer = "gangaguard"

// compile-time check that *TokenService implements Verifier
var _ Verifier = (*TokenService)(nil)

// TokenService signs and verifies HS256 tokens carrying an Identity.
//
// It stands in for Firebase when AUTH_MODE=hmac: the tokens have the same
// claims shape (sub, email, name) so the rest of the system cannot tell the
// difference.
type TokenService struct {
	secret []byte
	issuer string
}

// NewTokenService creates a TokenService. The secret must be at least 16
// characters; HMAC with a short secret is brute-forceable.
func NewTokenService(secret string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: HMAC secret must be at least 16 characters")
	}
	return &TokenService{secret: []byte(secret), issuer: DefaultIssuer}, nil
}

type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Generate signs a token for id that expires after ttl.
func (s *TokenService) Generate(id Identity, ttl time.Duration) (string, error) {
	if err := checkSubject(id.UID); err != nil {
		return "", err
	}
	now := time.Now()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    s.issuer,
		},
		Email: id.Email,
		Name:  id.Name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, algorithm, issuer and expiry.
func (s *TokenService) Verify(_ context.Context, tokenStr string) (Identity, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, fmt.Errorf("auth: token expired")
		}
		return Identity{}, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("auth: invalid token claims")
	}
	if err := checkSubject(c.Subject); err != nil {
		return Identity{}, err
	}

	return Identity{UID: c.Subject, Email: c.Email, Name: c.Name}, nil
}
