package tokenstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUndecodableToken indicates a token whose expiry claim cannot be read.
// Callers treat such a token as absent.
var ErrUndecodableToken = errors.New("token is malformed or has no exp claim")

var claimsParser = jwt.NewParser()

// Expiry returns the instant encoded in the token's exp claim.
// The signature is not verified; the backend remains the authority on validity.
func Expiry(token string) (time.Time, error) {
	if token == "" {
		return time.Time{}, ErrUndecodableToken
	}

	var claims jwt.RegisteredClaims
	if _, _, err := claimsParser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrUndecodableToken, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrUndecodableToken
	}

	return claims.ExpiresAt.Time, nil
}
