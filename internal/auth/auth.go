// Package auth checks the credentials presented to a OneMedia node: the
// X-OneMedia-Token API key used between nodes, and short-lived admin tokens
// used by operators and the node's own admin surface.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdminAudience is the audience claim of every admin token.
const AdminAudience = "onemedia-admin"

// ErrInvalidToken is returned for any admin token that fails validation.
var ErrInvalidToken = errors.New("invalid admin token")

// AdminClaims are the claims carried by an admin token.
type AdminClaims struct {
	jwt.RegisteredClaims
}

// Verifier holds this node's credentials.
type Verifier struct {
	apiKey     string
	signingKey []byte
	issuer     string
}

// NewVerifier creates a Verifier. siteURL becomes the issuer of admin tokens.
func NewVerifier(apiKey, secret, siteURL string) *Verifier {
	return &Verifier{
		apiKey:     apiKey,
		signingKey: []byte(secret),
		issuer:     siteURL,
	}
}

// CheckAPIKey reports whether token equals this node's API key, in constant time.
func (v *Verifier) CheckAPIKey(token string) bool {
	if token == "" || v.apiKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(v.apiKey)) == 1
}

// IssueAdminToken mints an HS256 admin token for subject valid for ttl.
func (v *Verifier) IssueAdminToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{AdminAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

// ValidateAdminToken parses and verifies an admin token issued by this node.
func (v *Verifier) ValidateAdminToken(tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (interface{}, error) {
			return v.signingKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(AdminAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
