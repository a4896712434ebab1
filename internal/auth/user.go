// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Roles known to the service. Other role strings are stored verbatim.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// Field limits.
const (
	MaxUsernameLength = 100
	MaxEmailLength    = 254
)

// User is an account that can authenticate.
type User struct {
	ID           ulid.ULID
	Username     string
	Email        string
	PasswordHash string `json:"-"`
	Role         string

	// RefreshTokenHash and RefreshTokenExpiresAt hold the single live
	// refresh token slot. Both are nil or both are set.
	RefreshTokenHash      *string    `json:"-"`
	RefreshTokenExpiresAt *time.Time `json:"-"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RefreshTokenState is the refresh token slot of a user.
type RefreshTokenState struct {
	Hash      string
	ExpiresAt time.Time
}

// NewUser creates a User with a fresh ID and the default role.
// Username and email are trimmed; passwordHash must already be hashed.
func NewUser(username, email, passwordHash string) (*User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if passwordHash == "" {
		return nil, oops.Code(CodeValidation).With("field", "password_hash").Errorf("password hash cannot be empty")
	}

	now := time.Now().UTC()
	return &User{
		ID:           ulid.Make(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ValidateUsername checks a username is non-blank and within limits.
func ValidateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return oops.Code(CodeValidation).With("field", "username").Errorf("username cannot be empty")
	}
	if len(username) > MaxUsernameLength {
		return oops.Code(CodeValidation).
			With("field", "username").
			With("max", MaxUsernameLength).
			Errorf("username must be at most %d characters", MaxUsernameLength)
	}
	return nil
}

// ValidateEmail checks an email is non-blank and plausibly an address.
func ValidateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return oops.Code(CodeValidation).With("field", "email").Errorf("email cannot be empty")
	}
	if len(email) > MaxEmailLength {
		return oops.Code(CodeValidation).
			With("field", "email").
			With("max", MaxEmailLength).
			Errorf("email must be at most %d characters", MaxEmailLength)
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
		return oops.Code(CodeValidation).With("field", "email").Errorf("email address is malformed")
	}
	return nil
}

// NormalizeEmail returns the case-folded form used for uniqueness and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AttachRefreshToken stores the digest and expiry of a new refresh token,
// replacing any previous one.
func (u *User) AttachRefreshToken(hash string, expiresAt time.Time) {
	u.RefreshTokenHash = &hash
	u.RefreshTokenExpiresAt = &expiresAt
	u.UpdatedAt = time.Now().UTC()
}

// ClearRefreshToken empties the refresh token slot.
func (u *User) ClearRefreshToken() {
	u.RefreshTokenHash = nil
	u.RefreshTokenExpiresAt = nil
	u.UpdatedAt = time.Now().UTC()
}

// RefreshToken returns the current slot, or false if it is empty.
func (u *User) RefreshToken() (RefreshTokenState, bool) {
	if u.RefreshTokenHash == nil || u.RefreshTokenExpiresAt == nil {
		return RefreshTokenState{}, false
	}
	return RefreshTokenState{Hash: *u.RefreshTokenHash, ExpiresAt: *u.RefreshTokenExpiresAt}, true
}

// HasLiveRefreshToken reports whether the slot is filled and unexpired at now.
func (u *User) HasLiveRefreshToken(now time.Time) bool {
	state, ok := u.RefreshToken()
	return ok && now.Before(state.ExpiresAt)
}

// CheckRefreshTokenPair verifies hash and expiry are both set or both nil.
func CheckRefreshTokenPair(hash *string, expiresAt *time.Time) error {
	if (hash == nil) != (expiresAt == nil) {
		return oops.Code(CodeValidation).
			With("field", "refresh_token").
			Errorf("refresh token hash and expiry must be set together")
	}
	return nil
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	c := *u
	if u.RefreshTokenHash != nil {
		h := *u.RefreshTokenHash
		c.RefreshTokenHash = &h
	}
	if u.RefreshTokenExpiresAt != nil {
		e := *u.RefreshTokenExpiresAt
		c.RefreshTokenExpiresAt = &e
	}
	return &c
}

// UserRepository manages user persistence.
type UserRepository interface {
	// Create stores a new user.
	// Returns ErrDuplicateEmail if the email (case-insensitive) is taken.
	Create(ctx context.Context, user *User) error

	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*User, error)

	// GetByEmail retrieves a user by email (case-insensitive).
	// Returns ErrNotFound if no user has the given email.
	GetByEmail(ctx context.Context, email string) (*User, error)

	// GetByUsername retrieves a user by username (case-insensitive).
	GetByUsername(ctx context.Context, username string) (*User, error)

	// Update stores every mutable field of an existing user.
	Update(ctx context.Context, user *User) error

	// SwapRefreshToken replaces the refresh token slot of a user only if the
	// stored digest equals expectedHash and expires after now.
	// Returns ErrRefreshTokenSuperseded otherwise.
	SwapRefreshToken(ctx context.Context, id ulid.ULID, expectedHash string, next RefreshTokenState, now time.Time) error

	// ClearExpiredRefreshTokens empties every slot whose expiry is at or
	// before now and returns the number of users affected.
	ClearExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}
