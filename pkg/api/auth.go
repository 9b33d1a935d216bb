package api

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeReadTransactions grants GET /transactions/{id}.
const ScopeReadTransactions = "transactions:read"

// OperatorClaims are the JWT claims expected on operator routes.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// TokenValidator checks HS256 operator tokens.
type TokenValidator struct {
	secret []byte
}

// NewTokenValidator returns nil for an empty secret, which leaves operator
// routes unmounted.
func NewTokenValidator(secret string) *TokenValidator {
	if secret == "" {
		return nil
	}
	return &TokenValidator{secret: []byte(secret)}
}

// Validate parses and validates a JWT token string.
func (v *TokenValidator) Validate(tokenStr string) (*OperatorClaims, error) {
	claims := &OperatorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Sign issues a token for claims. Used by operators' tooling and tests.
func (v *TokenValidator) Sign(claims OperatorClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// RequireScope rejects requests without a bearer token carrying scope.
func RequireScope(v *TokenValidator, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteErrorR(w, r, http.StatusUnauthorized, "Missing Authorization header")
				return
			}
			tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || tokenStr == "" {
				WriteErrorR(w, r, http.StatusUnauthorized, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			claims, err := v.Validate(tokenStr)
			if err != nil {
				WriteErrorR(w, r, http.StatusUnauthorized, "Invalid or expired token")
				return
			}
			if !slices.Contains(claims.Scopes, scope) {
				WriteErrorR(w, r, http.StatusForbidden, "Token lacks scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
