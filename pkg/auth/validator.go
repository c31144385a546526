package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the validated JWT claims for a human principal
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Validator checks bearer JWTs against the identity provider: RS256
// signatures via the provider's JWKS, plus issuer and audience claims
type Validator struct {
	issuer   string
	audience string
	keys     *KeySet
}

// NewValidator creates a validator for the given identity provider domain
// and expected audience. The domain may be given bare (auth.example.com)
// or as a full URL.
func NewValidator(domain, audience string) *Validator {
	base := strings.TrimSuffix(domain, "/")
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}

	return &Validator{
		issuer:   base + "/",
		audience: audience,
		keys:     NewKeySet(base + "/.well-known/jwks.json"),
	}
}

// Validate parses and verifies a bearer token, returning its claims
func (v *Validator) Validate(ctx context.Context, tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token missing kid header")
		}
		return v.keys.Key(ctx, kid)
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
