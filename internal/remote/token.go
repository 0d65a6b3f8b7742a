package remote

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry decodes the exp claim of an access token without verifying its
// signature. Verification belongs to the auth service; this only exists so
// the client can tell a stale session apart from a backend outage before a
// call is rejected.
func TokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	claims := &jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("remote: parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("remote: token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}
