// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"sync"
	"time"
)

// Login lockout defaults.
const (
	// DefaultLockoutThreshold is the number of consecutive failures that
	// locks an email out.
	DefaultLockoutThreshold = 7

	// DefaultLockoutDuration is how long a lockout lasts.
	DefaultLockoutDuration = 15 * time.Minute

	maxThrottleEntries = 10_000
)

// ThrottlePolicy configures login lockout. A zero Threshold disables it.
type ThrottlePolicy struct {
	Threshold int           `koanf:"lockout_threshold" json:"lockout_threshold" yaml:"lockout_threshold"`
	Lockout   time.Duration `koanf:"lockout_duration" json:"lockout_duration" yaml:"lockout_duration"`
}

// DefaultThrottlePolicy returns the default lockout policy.
func DefaultThrottlePolicy() ThrottlePolicy {
	return ThrottlePolicy{Threshold: DefaultLockoutThreshold, Lockout: DefaultLockoutDuration}
}

// Enabled reports whether the policy locks anything out.
func (p ThrottlePolicy) Enabled() bool {
	return p.Threshold > 0 && p.Lockout > 0
}

type failureRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// LoginThrottle counts consecutive failed logins per key and locks the key
// out once the policy threshold is reached. Unknown emails are counted the
// same as known ones. It is safe for concurrent use.
type LoginThrottle struct {
	policy  ThrottlePolicy
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]*failureRecord
}

// NewLoginThrottle creates a LoginThrottle. now may be nil.
func NewLoginThrottle(policy ThrottlePolicy, now func() time.Time) *LoginThrottle {
	if now == nil {
		now = time.Now
	}
	return &LoginThrottle{
		policy:  policy,
		now:     now,
		entries: make(map[string]*failureRecord),
	}
}

// Check returns the remaining lockout for key, or zero if it may try.
func (t *LoginThrottle) Check(key string) time.Duration {
	if !t.policy.Enabled() {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.entries[key]
	if !ok {
		return 0
	}
	now := t.now()
	if remaining := rec.lockedUntil.Sub(now); remaining > 0 {
		return remaining
	}
	if t.stale(rec, now) {
		delete(t.entries, key)
	}
	return 0
}

// RecordFailure counts a failed attempt and returns the lockout it started,
// or zero.
func (t *LoginThrottle) RecordFailure(key string) time.Duration {
	if !t.policy.Enabled() {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	rec, ok := t.entries[key]
	if !ok || t.stale(rec, now) {
		if len(t.entries) >= maxThrottleEntries {
			t.pruneLocked(now)
		}
		rec = &failureRecord{}
		t.entries[key] = rec
	}
	rec.failures++
	rec.lastFailure = now
	if rec.failures >= t.policy.Threshold {
		rec.lockedUntil = now.Add(t.policy.Lockout)
		rec.failures = 0
		return t.policy.Lockout
	}
	return 0
}

// Reset forgets failures for key after a successful login.
func (t *LoginThrottle) Reset(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// Prune drops records whose lockout and failure window have passed and
// returns how many were removed.
func (t *LoginThrottle) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruneLocked(t.now())
}

func (t *LoginThrottle) pruneLocked(now time.Time) int {
	n := 0
	for key, rec := range t.entries {
		if t.stale(rec, now) {
			delete(t.entries, key)
			n++
		}
	}
	return n
}

// stale reports whether rec is unlocked and its last failure is older than
// one lockout period.
func (t *LoginThrottle) stale(rec *failureRecord, now time.Time) bool {
	return !now.Before(rec.lockedUntil) && now.Sub(rec.lastFailure) >= t.policy.Lockout
}
