// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// RefreshTokenBytes is the amount of entropy in a refresh token.
const RefreshTokenBytes = 32

// TokenPair is the credential set handed to a client after login or refresh.
type TokenPair struct {
	UserID                ulid.ULID
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// GenerateRefreshToken returns RefreshTokenBytes random bytes encoded as
// unpadded base64url.
func GenerateRefreshToken() (string, error) {
	b := make([]byte, RefreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", oops.Code("AUTH_TOKEN_GENERATE_FAILED").Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashRefreshToken returns the hex SHA-256 digest stored in place of the token.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// refreshTokenMatches compares a presented token with a stored digest in
// constant time.
func refreshTokenMatches(token, storedHash string) bool {
	presented := HashRefreshToken(token)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(storedHash)) == 1
}

// RefreshTokenManager issues, validates and rotates refresh tokens.
type RefreshTokenManager struct {
	users  UserRepository
	issuer *TokenIssuer
	ttl    time.Duration
	now    func() time.Time
}

// RefreshOption configures a RefreshTokenManager.
type RefreshOption func(*RefreshTokenManager)

// WithRefreshClock overrides the time source.
func WithRefreshClock(now func() time.Time) RefreshOption {
	return func(m *RefreshTokenManager) {
		m.now = now
	}
}

// WithRefreshTTL overrides the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) RefreshOption {
	return func(m *RefreshTokenManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// NewRefreshTokenManager creates a RefreshTokenManager.
func NewRefreshTokenManager(users UserRepository, issuer *TokenIssuer, opts ...RefreshOption) (*RefreshTokenManager, error) {
	if users == nil {
		return nil, oops.Errorf("users repository is required")
	}
	if issuer == nil {
		return nil, oops.Errorf("token issuer is required")
	}
	m := &RefreshTokenManager{
		users:  users,
		issuer: issuer,
		ttl:    DefaultRefreshTokenTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// TTL returns the refresh token lifetime.
func (m *RefreshTokenManager) TTL() time.Duration {
	return m.ttl
}

// IssueAndAttach generates a refresh token and stores its digest and expiry
// on user. The caller persists the user.
func (m *RefreshTokenManager) IssueAndAttach(user *User) (string, time.Time, error) {
	token, err := GenerateRefreshToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := m.now().UTC().Add(m.ttl)
	user.AttachRefreshToken(HashRefreshToken(token), expiresAt)
	return token, expiresAt, nil
}

// Validate reports whether token is the live refresh token of userID.
// A missing user, empty slot, mismatch or expired slot yields false.
// Storage failures are returned as errors.
func (m *RefreshTokenManager) Validate(ctx context.Context, token string, userID ulid.ULID) (bool, error) {
	_, ok, err := m.lookup(ctx, token, userID)
	return ok, err
}

func (m *RefreshTokenManager) lookup(ctx context.Context, token string, userID ulid.ULID) (*User, bool, error) {
	if token == "" {
		return nil, false, nil
	}
	user, err := m.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, oops.Code(CodeStorageFailed).
			With("operation", "get user by id").
			With("user_id", userID.String()).
			Wrap(err)
	}

	state, ok := user.RefreshToken()
	if !ok {
		return user, false, nil
	}
	if !refreshTokenMatches(token, state.Hash) {
		return user, false, nil
	}
	if !m.now().Before(state.ExpiresAt) {
		return user, false, nil
	}
	return user, true, nil
}

// Refresh exchanges a live refresh token for a new token pair. The presented
// token is invalid once this returns successfully. When two calls race with
// the same token exactly one succeeds.
func (m *RefreshTokenManager) Refresh(ctx context.Context, token string, userID ulid.ULID) (*TokenPair, error) {
	user, ok, err := m.lookup(ctx, token, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, invalidRefreshToken(userID)
	}

	access, accessExp, err := m.issuer.CreateAccessToken(user)
	if err != nil {
		return nil, oops.With("operation", "create access token").Wrap(err)
	}

	next, err := GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	nextState := RefreshTokenState{Hash: HashRefreshToken(next), ExpiresAt: now.Add(m.ttl)}

	if err := m.users.SwapRefreshToken(ctx, userID, HashRefreshToken(token), nextState, now); err != nil {
		if errors.Is(err, ErrRefreshTokenSuperseded) || errors.Is(err, ErrNotFound) {
			return nil, invalidRefreshToken(userID)
		}
		return nil, oops.Code(CodeStorageFailed).
			With("operation", "swap refresh token").
			With("user_id", userID.String()).
			Wrap(err)
	}

	return &TokenPair{
		UserID:                userID,
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          next,
		RefreshTokenExpiresAt: nextState.ExpiresAt,
	}, nil
}

func invalidRefreshToken(userID ulid.ULID) error {
	return oops.Code(CodeRefreshTokenInvalid).
		With("user_id", userID.String()).
		Errorf("refresh token is invalid or expired")
}
