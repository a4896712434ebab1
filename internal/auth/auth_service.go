// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/holomush/authd/internal/auth"

// Operation names used for metrics and spans.
const (
	OpRegister = "register"
	OpLogin    = "login"
	OpRefresh  = "refresh"
	OpUser     = "user"
)

// MetricsRecorder receives operation outcomes. Implementations must be safe
// for concurrent use.
type MetricsRecorder interface {
	RecordAuthOperation(operation, outcome string)
	RecordTokensIssued(kind string)
}

type noopMetrics struct{}

func (noopMetrics) RecordAuthOperation(string, string) {}
func (noopMetrics) RecordTokensIssued(string)          {}

// Service orchestrates registration, login and token refresh.
type Service struct {
	users    UserRepository
	hasher   PasswordHasher
	issuer   *TokenIssuer
	refresh  *RefreshTokenManager
	logger   *slog.Logger
	metrics  MetricsRecorder
	throttle *LoginThrottle
	tracer   trace.Tracer
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger used for authentication events.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the outcome recorder.
func WithMetrics(m MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLoginThrottle enables lockout after repeated failed logins.
func WithLoginThrottle(t *LoginThrottle) ServiceOption {
	return func(s *Service) {
		s.throttle = t
	}
}

// NewAuthService creates a new Service. All dependencies are required.
func NewAuthService(
	users UserRepository,
	hasher PasswordHasher,
	issuer *TokenIssuer,
	refresh *RefreshTokenManager,
	opts ...ServiceOption,
) (*Service, error) {
	if users == nil {
		return nil, oops.Errorf("users repository is required")
	}
	if hasher == nil {
		return nil, oops.Errorf("password hasher is required")
	}
	if issuer == nil {
		return nil, oops.Errorf("token issuer is required")
	}
	if refresh == nil {
		return nil, oops.Errorf("refresh token manager is required")
	}

	s := &Service{
		users:   users,
		hasher:  hasher,
		issuer:  issuer,
		refresh: refresh,
		logger:  slog.Default(),
		metrics: noopMetrics{},
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// dummyPasswordHash is verified when a user doesn't exist so that response
// time does not reveal which emails are registered. It matches no password.
//
//nolint:gosec // G101: intentionally fake hash, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Register creates a new account with the default role.
func (s *Service) Register(ctx context.Context, username, email, password string) (user *User, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Register")
	defer func() { s.finish(span, OpRegister, err) }()

	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if strings.TrimSpace(password) == "" {
		return nil, oops.Code(CodeValidation).With("field", "password").Errorf("password cannot be empty")
	}

	existing, err := s.users.GetByEmail(ctx, email)
	switch {
	case err == nil && existing != nil:
		return nil, emailTaken(email)
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, oops.Code(CodeStorageFailed).With("operation", "get user by email").Wrap(err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, oops.With("operation", "hash password").Wrap(err)
	}

	user, err = NewUser(username, email, hash)
	if err != nil {
		return nil, err
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return nil, emailTaken(email)
		}
		return nil, oops.Code(CodeStorageFailed).With("operation", "create user").Wrap(err)
	}

	span.SetAttributes(attribute.String("user.id", user.ID.String()))
	s.logger.InfoContext(ctx, "user registered", "user_id", user.ID.String())
	return user, nil
}

func emailTaken(email string) error {
	return oops.Code(CodeEmailTaken).
		With("email", NormalizeEmail(email)).
		Errorf("user already exists")
}

// Login authenticates by email and password and issues a token pair.
// Unknown email and wrong password produce the same error.
func (s *Service) Login(ctx context.Context, email, password string) (pair *TokenPair, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Login")
	defer func() { s.finish(span, OpLogin, err) }()

	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, oops.Code(CodeValidation).Errorf("email and password are required")
	}

	key := NormalizeEmail(email)
	if wait := s.checkThrottle(key); wait > 0 {
		s.logger.WarnContext(ctx, "login throttled", "retry_after", wait)
		return nil, throttled(wait)
	}

	user, lookupErr := s.users.GetByEmail(ctx, email)

	var targetHash string
	var userExists bool
	if lookupErr != nil {
		if !errors.Is(lookupErr, ErrNotFound) {
			return nil, oops.Code(CodeStorageFailed).With("operation", "get user by email").Wrap(lookupErr)
		}
		targetHash = dummyPasswordHash
	} else {
		targetHash = user.PasswordHash
		userExists = true
	}

	// Always verify so both failure paths cost the same.
	valid, verifyErr := s.hasher.Verify(password, targetHash)
	if verifyErr != nil && userExists {
		return nil, oops.With("operation", "verify password").With("user_id", user.ID.String()).Wrap(verifyErr)
	}

	if !userExists {
		s.logger.WarnContext(ctx, "login failed", "reason", "unknown_email")
		s.recordFailure(ctx, key)
		return nil, invalidCredentials("unknown_email")
	}
	if !valid {
		s.logger.WarnContext(ctx, "login failed", "reason", "password_mismatch", "user_id", user.ID.String())
		s.recordFailure(ctx, key)
		return nil, invalidCredentials("password_mismatch")
	}

	if s.hasher.NeedsRehash(user.PasswordHash) {
		if newHash, hashErr := s.hasher.Hash(password); hashErr == nil {
			user.PasswordHash = newHash
		} else {
			s.logger.WarnContext(ctx, "password rehash failed", "user_id", user.ID.String(), "error", hashErr)
		}
	}

	access, accessExp, err := s.issuer.CreateAccessToken(user)
	if err != nil {
		return nil, oops.With("operation", "create access token").Wrap(err)
	}
	refresh, refreshExp, err := s.refresh.IssueAndAttach(user)
	if err != nil {
		return nil, oops.With("operation", "issue refresh token").Wrap(err)
	}

	if err := s.users.Update(ctx, user); err != nil {
		return nil, oops.Code(CodeStorageFailed).
			With("operation", "persist refresh token").
			With("user_id", user.ID.String()).
			Wrap(err)
	}

	if s.throttle != nil {
		s.throttle.Reset(key)
	}
	s.metrics.RecordTokensIssued("access")
	s.metrics.RecordTokensIssued("refresh")
	span.SetAttributes(attribute.String("user.id", user.ID.String()))
	s.logger.InfoContext(ctx, "user logged in", "user_id", user.ID.String())

	return &TokenPair{
		UserID:                user.ID,
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          refresh,
		RefreshTokenExpiresAt: refreshExp,
	}, nil
}

func (s *Service) checkThrottle(key string) time.Duration {
	if s.throttle == nil {
		return 0
	}
	return s.throttle.Check(key)
}

func (s *Service) recordFailure(ctx context.Context, key string) {
	if s.throttle == nil {
		return
	}
	if lockout := s.throttle.RecordFailure(key); lockout > 0 {
		s.logger.WarnContext(ctx, "login locked out", "duration", lockout)
	}
}

func throttled(wait time.Duration) error {
	return oops.Code(CodeLoginThrottled).
		With("retry_after", wait).
		Errorf("too many failed login attempts")
}

func invalidCredentials(reason string) error {
	return oops.Code(CodeInvalidCredentials).
		With("reason", reason).
		Errorf("invalid email or password")
}

// Refresh exchanges a refresh token for a new token pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string, userID ulid.ULID) (pair *TokenPair, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.Refresh", trace.WithAttributes(attribute.String("user.id", userID.String())))
	defer func() { s.finish(span, OpRefresh, err) }()

	pair, err = s.refresh.Refresh(ctx, refreshToken, userID)
	if err != nil {
		if KindOf(err) == KindInvalidToken {
			s.logger.WarnContext(ctx, "refresh rejected", "user_id", userID.String())
		}
		return nil, err
	}

	s.metrics.RecordTokensIssued("access")
	s.metrics.RecordTokensIssued("refresh")
	s.logger.InfoContext(ctx, "tokens refreshed", "user_id", userID.String())
	return pair, nil
}

// User returns the account with the given ID.
func (s *Service) User(ctx context.Context, id ulid.ULID) (user *User, err error) {
	ctx, span := s.tracer.Start(ctx, "auth.User", trace.WithAttributes(attribute.String("user.id", id.String())))
	defer func() { s.finish(span, OpUser, err) }()

	user, err = s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oops.Code(CodeUserNotFound).With("user_id", id.String()).Errorf("user not found")
		}
		return nil, oops.Code(CodeStorageFailed).With("operation", "get user by id").Wrap(err)
	}
	return user, nil
}

// ParseAccessToken verifies an access token issued by this service.
func (s *Service) ParseAccessToken(token string) (*AccessClaims, error) {
	return s.issuer.ParseAccessToken(token)
}

// finish records the outcome of an operation on its span and metrics.
func (s *Service) finish(span trace.Span, op string, err error) {
	outcome := "success"
	if err != nil {
		outcome = KindOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	s.metrics.RecordAuthOperation(op, outcome)
	span.End()
}
