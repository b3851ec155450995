package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Roles carried in bearer tokens.
const (
	RoleAdmin   = "admin"
	RoleService = "service"
)

type actorKey struct{}

// Claims are the bearer token claims. The subject is recorded as the actor of
// every mutation made with the token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens issued by the identity system.
type Authenticator struct {
	key []byte
}

// NewAuthenticator returns an Authenticator for the shared signing key.
func NewAuthenticator(signingKey string) (*Authenticator, error) {
	if len(signingKey) < 32 {
		return nil, errors.New("jwt signing key must be at least 32 bytes")
	}
	return &Authenticator{key: []byte(signingKey)}, nil
}

// Issue signs a token for subject with role valid for ttl.
func (a *Authenticator) Issue(subject, role string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
}

// Parse validates token and returns its claims.
func (a *Authenticator) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.key, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Require rejects requests without a valid bearer token for one of roles.
func (a *Authenticator) Require(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				respondError(w, http.StatusUnauthorized, errors.New("bearer token required"))
				return
			}
			claims, err := a.Parse(token)
			if err != nil {
				respondError(w, http.StatusUnauthorized, err)
				return
			}
			if !slices.Contains(roles, claims.Role) {
				respondError(w, http.StatusForbidden, fmt.Errorf("role %q may not call this endpoint", claims.Role))
				return
			}
			ctx := context.WithValue(r.Context(), actorKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFrom returns the authenticated subject stored by Require.
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}
