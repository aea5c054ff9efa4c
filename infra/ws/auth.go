package ws

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/kilianp07/lastmile/core/transport"
)

// Roles carried in the token's role claim.
const (
	RoleDriver   = "driver"
	RoleCustomer = "customer"
)

var (
	ErrTokenMissing = errors.New("ws: auth token missing")
	ErrTokenInvalid = errors.New("ws: auth token invalid")
	ErrBadRole      = errors.New("ws: role not allowed")
)

// Claims identifies the party behind a connection. The subject is the driver
// or customer id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

var _ jwt.Claims = (*Claims)(nil)

type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// IssueToken signs an HS256 token for subject with the given role.
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("ws: empty secret")
	}
	now := time.Now().UTC()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// parseAuthFrame validates the first frame of a connection:
// {"type":"auth","token":"Bearer <jwt>"}.
func parseAuthFrame(raw []byte, secret []byte) (*Claims, error) {
	var f authFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.Type != "auth" {
		return nil, ErrTokenMissing
	}
	tok := strings.TrimSpace(strings.TrimPrefix(f.Token, "Bearer "))
	if tok == "" {
		return nil, ErrTokenMissing
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) { return secret, nil })
	if err != nil || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	if claims.Role != RoleDriver && claims.Role != RoleCustomer {
		return nil, ErrBadRole
	}
	return claims, nil
}

func authCode(err error) transport.Code {
	switch {
	case errors.Is(err, ErrTokenMissing):
		return transport.CodeTokenMissing
	case errors.Is(err, ErrTokenInvalid):
		return transport.CodeTokenInvalid
	case errors.Is(err, ErrBadRole):
		return transport.CodePermissionDenied
	default:
		return transport.CodeAuthFailed
	}
}
