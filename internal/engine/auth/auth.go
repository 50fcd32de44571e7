// Package auth issues and verifies the HS256 bearer tokens used by operators
// and by peer partitions forwarding intents.
package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"execstore/internal/errors"
)

// RolePeer marks a token minted by another partition.
const RolePeer = "peer"

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Roles   []string
}

// HasRole reports whether p carries role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Sign returns a token for subject valid for ttl. A zero ttl means no
// expiry.
func Sign(secret, subject string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New(errors.ErrInvalidArgument, "jwt secret not configured")
	}
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return token, nil
}

// Verify parses token and returns its principal.
func Verify(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New(errors.ErrInvalidArgument, "jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, errors.Wrap(err, "parsing token")
	}
	if !parsed.Valid {
		return Principal{}, errors.New(errors.ErrInvalidArgument, "invalid token")
	}
	if c.Subject == "" {
		return Principal{}, errors.New(errors.ErrInvalidArgument, "subject claim required")
	}
	return Principal{Subject: c.Subject, Roles: c.Roles}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
