// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"errors"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/authd/pkg/errutil"
)

// Sentinel errors returned by UserRepository implementations. Callers match
// them with errors.Is; repositories wrap them with oops context.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEmail is returned when a user with the same email already exists.
	ErrDuplicateEmail = errors.New("duplicate email")

	// ErrRefreshTokenSuperseded is returned by SwapRefreshToken when the stored
	// refresh token no longer matches the expected one or has expired.
	ErrRefreshTokenSuperseded = errors.New("refresh token superseded")
)

// Error codes attached to oops errors produced by this package.
const (
	CodeValidation          = "AUTH_VALIDATION"
	CodeEmptyPassword       = "AUTH_EMPTY_PASSWORD"
	CodeEmailTaken          = "AUTH_EMAIL_TAKEN"
	CodeUserNotFound        = "AUTH_USER_NOT_FOUND"
	CodeInvalidCredentials  = "AUTH_INVALID_CREDENTIALS"
	CodeAccessTokenInvalid  = "AUTH_ACCESS_TOKEN_INVALID"
	CodeRefreshTokenInvalid = "AUTH_REFRESH_TOKEN_INVALID"
	CodeStorageFailed       = "AUTH_STORAGE_FAILED"
	CodeConfigInvalid       = "AUTH_CONFIG_INVALID"
	CodeLoginThrottled      = "AUTH_LOGIN_THROTTLED"
)

// Kind classifies an error for callers that translate failures into
// transport responses.
type Kind int

// Error kinds.
const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindInvalidCredentials
	KindInvalidToken
	KindStorage
	KindConfiguration
	KindThrottled
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindInvalidToken:
		return "invalid_token"
	case KindStorage:
		return "storage"
	case KindConfiguration:
		return "configuration"
	case KindThrottled:
		return "throttled"
	default:
		return "internal"
	}
}

var codeKinds = map[string]Kind{
	CodeValidation:          KindValidation,
	CodeEmptyPassword:       KindValidation,
	CodeEmailTaken:          KindConflict,
	CodeUserNotFound:        KindNotFound,
	CodeInvalidCredentials:  KindInvalidCredentials,
	CodeAccessTokenInvalid:  KindInvalidCredentials,
	CodeRefreshTokenInvalid: KindInvalidToken,
	CodeStorageFailed:       KindStorage,
	CodeConfigInvalid:       KindConfiguration,
	CodeLoginThrottled:      KindThrottled,
}

// KindOf returns the kind of err based on its oops code.
// Errors without a known code are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	if kind, ok := codeKinds[ErrorCode(err)]; ok {
		return kind
	}
	return KindInternal
}

// ErrorCode returns the oops code carried by err, or an empty string.
func ErrorCode(err error) string {
	return errutil.Code(err)
}

// RetryAfter returns how long a throttled caller should wait.
func RetryAfter(err error) (time.Duration, bool) {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return 0, false
	}
	d, ok := oopsErr.Context()["retry_after"].(time.Duration)
	return d, ok
}
