package xero

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenClaims are the informational claims read from a Xero access token.
type AccessTokenClaims struct {
	Subject     string
	XeroUserID  string
	AuthEventID string
	Expiry      time.Time
}

// ParseAccessTokenClaims decodes the token payload without verifying its
// signature. The values are only used for logging and expiry hints; the
// provider remains the authority on token validity.
func ParseAccessTokenClaims(token string) (AccessTokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return AccessTokenClaims{}, fmt.Errorf("parse access token: %w", err)
	}

	out := AccessTokenClaims{
		XeroUserID:  stringClaim(claims, "xero_userid"),
		AuthEventID: stringClaim(claims, "authentication_event_id"),
	}
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.Expiry = exp.Time.UTC()
	}
	return out, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
