package gateway

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// ErrTokenUnreadable indicates a signed device token that cannot be decoded.
var ErrTokenUnreadable = errors.New("gateway: token unreadable")

// TokenInfo summarizes claims carried by a signed device token. The token is
// an opaque bearer credential validated server-side; the agent only inspects
// it to surface expiry in status projections.
type TokenInfo struct {
	TenantID  string
	Role      string
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry claim. Tokens without
// an expiry claim never report expired.
func (t TokenInfo) Expired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return now.UTC().After(t.ExpiresAt.UTC())
}

// InspectToken decodes claims without verifying the signature; verification
// belongs to the backend that issued the token.
func InspectToken(token string) (TokenInfo, error) {
	claims := jwtlib.MapClaims{}
	parser := jwtlib.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return TokenInfo{}, ErrTokenUnreadable
	}
	info := TokenInfo{}
	if tenant, ok := claims["tenant"].(string); ok {
		info.TenantID = tenant
	}
	if role, ok := claims["role"].(string); ok {
		info.Role = role
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, nil
}
