// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package memory provides an in-process UserRepository for development and tests.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authd/internal/auth"
)

// UserRepository stores users in maps guarded by a mutex. Returned users are
// copies; mutating them has no effect until Update is called.
type UserRepository struct {
	mu      sync.RWMutex
	byID    map[ulid.ULID]*auth.User
	byEmail map[string]ulid.ULID
}

// NewUserRepository creates an empty repository.
func NewUserRepository() *UserRepository {
	return &UserRepository{
		byID:    make(map[ulid.ULID]*auth.User),
		byEmail: make(map[string]ulid.ULID),
	}
}

// Create stores a new user.
func (r *UserRepository) Create(_ context.Context, user *auth.User) error {
	if err := auth.CheckRefreshTokenPair(user.RefreshTokenHash, user.RefreshTokenExpiresAt); err != nil {
		return err
	}
	key := auth.NormalizeEmail(user.Email)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byEmail[key]; exists {
		return oops.With("email", key).Wrap(auth.ErrDuplicateEmail)
	}
	if _, exists := r.byID[user.ID]; exists {
		return oops.With("id", user.ID.String()).Errorf("user already exists")
	}
	r.byID[user.ID] = user.Clone()
	r.byEmail[key] = user.ID
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(_ context.Context, id ulid.ULID) (*auth.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, oops.With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	return u.Clone(), nil
}

// GetByEmail retrieves a user by email (case-insensitive).
func (r *UserRepository) GetByEmail(_ context.Context, email string) (*auth.User, error) {
	key := auth.NormalizeEmail(email)

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[key]
	if !ok {
		return nil, oops.With("email", key).Wrap(auth.ErrNotFound)
	}
	return r.byID[id].Clone(), nil
}

// GetByUsername retrieves a user by username (case-insensitive).
func (r *UserRepository) GetByUsername(_ context.Context, username string) (*auth.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.byID {
		if strings.EqualFold(u.Username, username) {
			return u.Clone(), nil
		}
	}
	return nil, oops.With("username", username).Wrap(auth.ErrNotFound)
}

// Update replaces the stored user.
func (r *UserRepository) Update(_ context.Context, user *auth.User) error {
	if err := auth.CheckRefreshTokenPair(user.RefreshTokenHash, user.RefreshTokenExpiresAt); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[user.ID]
	if !ok {
		return oops.With("id", user.ID.String()).Wrap(auth.ErrNotFound)
	}

	oldKey := auth.NormalizeEmail(current.Email)
	newKey := auth.NormalizeEmail(user.Email)
	if oldKey != newKey {
		if _, taken := r.byEmail[newKey]; taken {
			return oops.With("email", newKey).Wrap(auth.ErrDuplicateEmail)
		}
		delete(r.byEmail, oldKey)
		r.byEmail[newKey] = user.ID
	}

	stored := user.Clone()
	stored.UpdatedAt = time.Now().UTC()
	r.byID[user.ID] = stored
	return nil
}

// SwapRefreshToken replaces the refresh token slot if it still holds
// expectedHash and has not expired at now.
func (r *UserRepository) SwapRefreshToken(_ context.Context, id ulid.ULID, expectedHash string, next auth.RefreshTokenState, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byID[id]
	if !ok {
		return oops.With("id", id.String()).Wrap(auth.ErrNotFound)
	}
	state, ok := u.RefreshToken()
	if !ok || state.Hash != expectedHash || !now.Before(state.ExpiresAt) {
		return oops.With("id", id.String()).Wrap(auth.ErrRefreshTokenSuperseded)
	}

	u.AttachRefreshToken(next.Hash, next.ExpiresAt)
	return nil
}

// ClearExpiredRefreshTokens empties every slot expiring at or before now.
func (r *UserRepository) ClearExpiredRefreshTokens(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cleared int64
	for _, u := range r.byID {
		state, ok := u.RefreshToken()
		if ok && !now.Before(state.ExpiresAt) {
			u.ClearRefreshToken()
			cleared++
		}
	}
	return cleared, nil
}

// Len returns the number of stored users.
func (r *UserRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

var _ auth.UserRepository = (*UserRepository)(nil)
