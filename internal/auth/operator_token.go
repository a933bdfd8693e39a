package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 12 * time.Hour

	tokenIssuer   = "tally"
	tokenAudience = "tally-report-api"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// OperatorTokensConfig configures the HS256 token manager guarding the
// read-only report API.
type OperatorTokensConfig struct {
	SigningSecret []byte
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// OperatorTokens issues and validates operator bearer tokens.
type OperatorTokens struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewOperatorTokens constructs an OperatorTokens with sane defaults.
func NewOperatorTokens(cfg OperatorTokensConfig) *OperatorTokens {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &OperatorTokens{secret: cfg.SigningSecret, ttl: ttl, clock: clock}
}

// Issue produces a signed token for the named operator.
func (t *OperatorTokens) Issue(operator string) (string, error) {
	if len(t.secret) == 0 {
		return "", errMissingSigningSecret
	}
	if operator == "" {
		return "", errMissingSubjectClaim
	}

	now := t.clock().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   operator,
		Issuer:    tokenIssuer,
		Audience:  []string{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Validate ensures the token is well formed and returns the operator name.
func (t *OperatorTokens) Validate(tokenString string) (string, error) {
	if len(t.secret) == 0 {
		return "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return t.secret, nil
		},
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}
