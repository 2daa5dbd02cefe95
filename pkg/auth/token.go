package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the bearer token payload: the registered set plus the
// caller's role.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// signToken mints an HS256 token.
func signToken(secret []byte, subject, role, jti string, iat, exp time.Time) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("auth: token signing failed: %w", err)
	}
	return signed, nil
}

// parseHS256 verifies raw against one secret. The caller decides whether
// a signature failure warrants a retry with the previous secret.
func parseHS256(secret []byte, raw string, now func() time.Time) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}

// parseWithGrace verifies raw against the current secret, falling back to
// the previous one while a rotation grace window is open. Only signature
// failures trigger the fallback; expiry and malformed-token errors are
// final on the first pass.
func (s *Service) parseWithGrace(raw string) (*Claims, error) {
	s.mu.RLock()
	secret := s.secret
	previous := s.previousSecret
	graceUntil := s.graceUntil
	s.mu.RUnlock()

	claims, err := parseHS256(secret, raw, s.clock)
	if err == nil {
		return claims, nil
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) && previous != nil && s.clock().Before(graceUntil) {
		claims, retryErr := parseHS256(previous, raw, s.clock)
		if retryErr == nil {
			return claims, nil
		}
		err = retryErr
	}
	return nil, mapTokenError(err)
}

// mapTokenError folds jwt parse failures into the service taxonomy.
func mapTokenError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrTokenExpired
	}
	return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
}
