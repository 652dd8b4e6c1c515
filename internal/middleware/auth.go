// Package middleware carries the HTTP cross-cutting concerns: JWT
// authentication with role checks and per-principal rate limiting.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the authenticated principal's role.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleOfficer     Role = "officer"
	RoleAdmin       Role = "admin"
)

// Principal is the authenticated caller, placed in the request context.
type Principal struct {
	ID    string
	Email string
	Role  Role
}

type contextKey int

const principalKey contextKey = iota

// PrincipalFrom extracts the authenticated principal from a request context.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// Claims are the JWT claims carried by ProofMeet tokens.
type Claims struct {
	Email string `json:"email"`
	Role  Role   `json:"role"`
	jwt.RegisteredClaims
}

// Auth issues and validates JWTs.
type Auth struct {
	secret []byte
	ttl    time.Duration
}

// NewAuth creates an Auth with the signing secret and token lifetime.
func NewAuth(secret string, ttl time.Duration) *Auth {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Auth{secret: []byte(secret), ttl: ttl}
}

// IssueToken mints a signed HS256 token for the principal.
func (a *Auth) IssueToken(id, email string, role Role) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			Issuer:    "proofmeet",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses and verifies a token string.
func (a *Auth) Validate(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return &Principal{ID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

// Require wraps a handler with authentication and an optional role allowlist.
// No roles means any authenticated principal.
func (a *Auth) Require(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, `{"error":{"code":"UNAUTHENTICATED","message":"missing bearer token"}}`, http.StatusUnauthorized)
				return
			}
			principal, err := a.Validate(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				http.Error(w, `{"error":{"code":"UNAUTHENTICATED","message":"invalid token"}}`, http.StatusUnauthorized)
				return
			}
			if len(allowed) > 0 {
				if _, ok := allowed[principal.Role]; !ok && principal.Role != RoleAdmin {
					http.Error(w, `{"error":{"code":"FORBIDDEN","message":"insufficient role"}}`, http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, principal)))
		})
	}
}
