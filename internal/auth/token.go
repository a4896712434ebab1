// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Default token lifetimes.
const (
	DefaultAccessTokenTTL  = 24 * time.Hour
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// RecommendedSigningKeyBytes is the minimum key size suggested for HS512.
const RecommendedSigningKeyBytes = 64

// TokenConfig configures token issuance.
type TokenConfig struct {
	SigningKey      string        `koanf:"signing_key" json:"signing_key" yaml:"signing_key"`
	Issuer          string        `koanf:"issuer" json:"issuer,omitempty" yaml:"issuer,omitempty"`
	Audience        string        `koanf:"audience" json:"audience,omitempty" yaml:"audience,omitempty"`
	AccessTokenTTL  time.Duration `koanf:"access_token_ttl" json:"access_token_ttl" yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `koanf:"refresh_token_ttl" json:"refresh_token_ttl" yaml:"refresh_token_ttl"`
}

// WeakSigningKey reports whether the key is shorter than recommended.
func (c TokenConfig) WeakSigningKey() bool {
	return len(c.SigningKey) < RecommendedSigningKeyBytes
}

// AccessClaims is the claims record carried by an access token.
type AccessClaims struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// UserID parses the subject as a user ID.
func (c *AccessClaims) UserID() (ulid.ULID, error) {
	id, err := ulid.Parse(c.Subject)
	if err != nil {
		return ulid.ULID{}, oops.Code(CodeAccessTokenInvalid).With("subject", c.Subject).Wrap(err)
	}
	return id, nil
}

// TokenIssuer creates and verifies HS512 access tokens. It is immutable
// after construction and safe for concurrent use.
type TokenIssuer struct {
	key      []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// TokenIssuerOption configures a TokenIssuer.
type TokenIssuerOption func(*TokenIssuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TokenIssuerOption {
	return func(t *TokenIssuer) {
		t.now = now
	}
}

// NewTokenIssuer creates a TokenIssuer. The signing key must not be blank.
func NewTokenIssuer(cfg TokenConfig, opts ...TokenIssuerOption) (*TokenIssuer, error) {
	if strings.TrimSpace(cfg.SigningKey) == "" {
		return nil, oops.Code(CodeConfigInvalid).With("field", "signing_key").Errorf("token signing key is required")
	}
	ttl := cfg.AccessTokenTTL
	if ttl == 0 {
		ttl = DefaultAccessTokenTTL
	}
	if ttl < 0 {
		return nil, oops.Code(CodeConfigInvalid).With("field", "access_token_ttl").Errorf("access token ttl must be positive")
	}

	t := &TokenIssuer{
		key:      []byte(cfg.SigningKey),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// CreateAccessToken signs an access token for user and returns it with its expiry.
func (t *TokenIssuer) CreateAccessToken(user *User) (string, time.Time, error) {
	if user == nil {
		return "", time.Time{}, oops.Code(CodeValidation).Errorf("user is required")
	}

	// JWT timestamps have second precision.
	issuedAt := t.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(t.ttl)

	claims := AccessClaims{
		Name:  user.Username,
		Email: user.Email,
		Role:  user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Subject:   user.ID.String(),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if t.audience != "" {
		claims.Audience = jwt.ClaimStrings{t.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(t.key)
	if err != nil {
		return "", time.Time{}, oops.Code("AUTH_TOKEN_SIGN_FAILED").With("user_id", user.ID.String()).Wrap(err)
	}
	return signed, expiresAt, nil
}

// ParseAccessToken verifies the signature and time window of token and
// returns its claims.
func (t *TokenIssuer) ParseAccessToken(token string) (*AccessClaims, error) {
	if token == "" {
		return nil, oops.Code(CodeAccessTokenInvalid).Errorf("access token cannot be empty")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	if t.audience != "" {
		opts = append(opts, jwt.WithAudience(t.audience))
	}

	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.key, nil
	}, opts...)
	if err != nil {
		reason := "invalid"
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			reason = "expired"
		case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
			reason = "not_yet_valid"
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			reason = "bad_signature"
		case errors.Is(err, jwt.ErrTokenMalformed):
			reason = "malformed"
		}
		return nil, oops.Code(CodeAccessTokenInvalid).With("reason", reason).Wrap(err)
	}
	if !parsed.Valid {
		return nil, oops.Code(CodeAccessTokenInvalid).Errorf("access token is not valid")
	}
	return claims, nil
}

// TTL returns the access token lifetime.
func (t *TokenIssuer) TTL() time.Duration {
	return t.ttl
}
