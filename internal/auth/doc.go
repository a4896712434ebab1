// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package auth implements the credential and token lifecycle of authd.
//
// # Domain Types
//
// A User should be created with NewUser, which validates username and
// email and assigns a fresh ID and the default role. The refresh token slot
// on User is only changed through AttachRefreshToken and ClearRefreshToken so
// that its digest and expiry are always set together.
//
// # Tokens
//
//   - TokenIssuer signs HS512 access tokens carrying AccessClaims
//   - RefreshTokenManager issues opaque refresh tokens, stores their SHA-256
//     digest on the user, and rotates them with a compare-and-swap through
//     UserRepository.SwapRefreshToken
//
// # Services
//
// Service coordinates Register, Login and Refresh. It is created with
// NewAuthService, which validates its dependencies. An optional
// LoginThrottle locks an email out after repeated failed logins.
//
// Failures are oops errors carrying one of the Code* constants; KindOf maps
// them onto a small set of kinds for transport layers.
package auth
