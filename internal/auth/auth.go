// Package auth resolves bearer tokens into the Principal every gateway
// operation is authorized against.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/akash-d-dev/Realtime-Subscription-Gateway/internal/errs"
)

// Principal is the authenticated identity attached to a connection.
type Principal struct {
	UserID      string
	TenantID    string
	Email       string
	Permissions []string
}

// Claims is the JWT claim set the gateway issues and accepts.
type Claims struct {
	TenantID    string   `json:"tenantId"`
	Email       string   `json:"email,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates tokens and produces principals.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a signed token. Any failure maps to
// errs.Unauthorized; the caller never sees jwt internals.
func (v *Verifier) Verify(tokenString string) (Principal, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		},
	)
	if err != nil {
		return Principal{}, errs.Unauthorized("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, errs.Unauthorized("invalid token claims")
	}
	if claims.Subject == "" {
		return Principal{}, errs.Unauthorized("token missing subject")
	}
	if claims.TenantID == "" {
		return Principal{}, errs.Unauthorized("token missing tenantId")
	}

	return Principal{
		UserID:      claims.Subject,
		TenantID:    claims.TenantID,
		Email:       claims.Email,
		Permissions: claims.Permissions,
	}, nil
}

// Issue signs a token for the given principal. Used by tests and tooling;
// production tokens come from the identity service.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		TenantID:    p.TenantID,
		Email:       p.Email,
		Permissions: p.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "realtime-gateway",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// FromRequest extracts the bearer token from the Authorization header or,
// for WebSocket handshakes, the token query parameter.
func FromRequest(r *http.Request) (string, bool) {
	const bearerPrefix = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimPrefix(h, bearerPrefix), true
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, true
	}
	return "", false
}

// Anonymous builds the principal used when auth is disabled outside
// production. The connection id keeps anonymous users distinguishable.
func Anonymous(connID string) Principal {
	return Principal{
		UserID:   "anon-" + connID,
		TenantID: "default",
	}
}
