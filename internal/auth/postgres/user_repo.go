// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package postgres implements auth repositories on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authd/internal/auth"
)

// poolIface is the subset of pgxpool.Pool used by the repository. It lets
// unit tests substitute pgxmock.
type poolIface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UserRepository implements auth.UserRepository using PostgreSQL.
type UserRepository struct {
	pool poolIface
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(pool poolIface) *UserRepository {
	return &UserRepository{pool: pool}
}

const userColumns = `id, username, email, password_hash, role,
		       refresh_token_hash, refresh_token_expires_at,
		       created_at, updated_at`

// Create stores a new user.
func (r *UserRepository) Create(ctx context.Context, user *auth.User) error {
	if err := auth.CheckRefreshTokenPair(user.RefreshTokenHash, user.RefreshTokenExpiresAt); err != nil {
		return err
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (
			id, username, email, password_hash, role,
			refresh_token_hash, refresh_token_expires_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		user.ID.String(),
		user.Username,
		user.Email,
		user.PasswordHash,
		user.Role,
		user.RefreshTokenHash,
		user.RefreshTokenExpiresAt,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.With("email", user.Email).Wrap(errors.Join(auth.ErrDuplicateEmail, err))
		}
		return oops.With("operation", "insert user").With("user_id", user.ID.String()).Wrap(err)
	}
	return nil
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id.String())
	return r.getOne(row, "id", id.String())
}

// GetByEmail retrieves a user by email (case-insensitive).
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, email)
	return r.getOne(row, "email", email)
}

// GetByUsername retrieves a user by username (case-insensitive).
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*auth.User, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE LOWER(username) = LOWER($1)
		ORDER BY id
		LIMIT 1
	`, username)
	return r.getOne(row, "username", username)
}

func (r *UserRepository) getOne(row pgx.Row, key, value string) (*auth.User, error) {
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.With(key, value).Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.With("operation", "get user by "+key).With(key, value).Wrap(err)
	}
	return user, nil
}

// Update stores every mutable field of an existing user.
func (r *UserRepository) Update(ctx context.Context, user *auth.User) error {
	if err := auth.CheckRefreshTokenPair(user.RefreshTokenHash, user.RefreshTokenExpiresAt); err != nil {
		return err
	}

	user.UpdatedAt = time.Now().UTC()
	result, err := r.pool.Exec(ctx, `
		UPDATE users SET
			username = $2,
			email = $3,
			password_hash = $4,
			role = $5,
			refresh_token_hash = $6,
			refresh_token_expires_at = $7,
			updated_at = $8
		WHERE id = $1
	`,
		user.ID.String(),
		user.Username,
		user.Email,
		user.PasswordHash,
		user.Role,
		user.RefreshTokenHash,
		user.RefreshTokenExpiresAt,
		user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.With("email", user.Email).Wrap(errors.Join(auth.ErrDuplicateEmail, err))
		}
		return oops.With("operation", "update user").With("user_id", user.ID.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.With("id", user.ID.String()).Wrap(auth.ErrNotFound)
	}
	return nil
}

// SwapRefreshToken replaces the refresh token slot in a single conditional
// UPDATE. Zero affected rows means another request rotated or the slot expired.
func (r *UserRepository) SwapRefreshToken(ctx context.Context, id ulid.ULID, expectedHash string, next auth.RefreshTokenState, now time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE users SET
			refresh_token_hash = $3,
			refresh_token_expires_at = $4,
			updated_at = $5
		WHERE id = $1
		  AND refresh_token_hash = $2
		  AND refresh_token_expires_at > $5
	`, id.String(), expectedHash, next.Hash, next.ExpiresAt, now)
	if err != nil {
		return oops.With("operation", "swap refresh token").With("user_id", id.String()).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.With("user_id", id.String()).Wrap(auth.ErrRefreshTokenSuperseded)
	}
	return nil
}

// ClearExpiredRefreshTokens empties every slot expiring at or before now.
func (r *UserRepository) ClearExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE users SET
			refresh_token_hash = NULL,
			refresh_token_expires_at = NULL,
			updated_at = $1
		WHERE refresh_token_expires_at <= $1
	`, now)
	if err != nil {
		return 0, oops.With("operation", "clear expired refresh tokens").Wrap(err)
	}
	return result.RowsAffected(), nil
}

func scanUser(row pgx.Row) (*auth.User, error) {
	var (
		user  auth.User
		idStr string
	)
	if err := row.Scan(
		&idStr,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.RefreshTokenHash,
		&user.RefreshTokenExpiresAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with lookup context
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.With("operation", "parse user id").With("id", idStr).Wrap(err)
	}
	user.ID = id
	if (user.RefreshTokenHash == nil) != (user.RefreshTokenExpiresAt == nil) {
		return nil, oops.With("user_id", idStr).Errorf("stored refresh token slot is half set")
	}
	return &user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

var _ auth.UserRepository = (*UserRepository)(nil)
