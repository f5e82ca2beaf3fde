package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig bundles the configuration required to build a TokenVerifier.
type VerifierConfig struct {
	Secret string
	Issuer string
	Clock  func() time.Time
}

// Claims represents the custom claims this service reads from tokens minted
// by the platform's issuer. The JTI rides in the registered ID claim.
type Claims struct {
	UserID string `json:"uid"`
	OrgID  string `json:"org,omitempty"`
	jwt.RegisteredClaims
}

// JTI returns the token identifier.
func (c *Claims) JTI() string {
	return c.ID
}

// TokenVerifier validates bearer tokens issued elsewhere in the platform.
// It never mints tokens.
type TokenVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenVerifier constructs a TokenVerifier from the shared signing secret.
func NewTokenVerifier(cfg VerifierConfig) (*TokenVerifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: secret must be provided")
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &TokenVerifier{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		now:    now,
	}, nil
}

// Verify parses and validates a signed token, returning its claims.
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, errors.New("auth: token string is empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, errors.New("auth: invalid issuer")
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, errors.New("auth: missing user id claim")
	}
	if claims.ID == "" {
		return nil, errors.New("auth: missing jti claim")
	}

	return &claims, nil
}
