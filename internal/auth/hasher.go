// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
)

// OWASP-recommended argon2id parameters.
const (
	DefaultArgon2Iterations  = 1         // time cost
	DefaultArgon2MemoryKiB   = 64 * 1024 // 64 MB
	DefaultArgon2Parallelism = 4
	argon2SaltLen            = 16
	argon2KeyLen             = 32
)

// ErrEmptyPassword is returned when attempting to hash an empty password.
var ErrEmptyPassword = oops.Code(CodeEmptyPassword).Errorf("password cannot be empty")

// PasswordHasher provides password hashing and verification.
type PasswordHasher interface {
	// Hash produces a salted one-way hash of the password.
	Hash(password string) (string, error)

	// Verify checks if the password matches the hash.
	// Returns (true, nil) on match, (false, nil) on mismatch, or error on invalid hash.
	Verify(password, hash string) (bool, error)

	// NeedsRehash reports whether hash was produced with weaker parameters
	// or a different algorithm than the hasher currently uses.
	NeedsRehash(hash string) bool
}

// Argon2Params are the cost parameters for argon2id.
type Argon2Params struct {
	Iterations  uint32 `koanf:"iterations" json:"iterations" yaml:"iterations"`
	MemoryKiB   uint32 `koanf:"memory_kib" json:"memory_kib" yaml:"memory_kib"`
	Parallelism uint8  `koanf:"parallelism" json:"parallelism" yaml:"parallelism"`
}

// DefaultArgon2Params returns the OWASP baseline parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Iterations:  DefaultArgon2Iterations,
		MemoryKiB:   DefaultArgon2MemoryKiB,
		Parallelism: DefaultArgon2Parallelism,
	}
}

// Validate checks the parameters are usable.
func (p Argon2Params) Validate() error {
	if p.Iterations == 0 {
		return oops.Code(CodeConfigInvalid).Errorf("argon2 iterations must be positive")
	}
	if p.Parallelism == 0 {
		return oops.Code(CodeConfigInvalid).Errorf("argon2 parallelism must be positive")
	}
	if p.MemoryKiB < 8*uint32(p.Parallelism) {
		return oops.Code(CodeConfigInvalid).
			With("memory_kib", p.MemoryKiB).
			With("parallelism", p.Parallelism).
			Errorf("argon2 memory must be at least 8 KiB per lane")
	}
	return nil
}

// Argon2idHasher implements PasswordHasher using argon2id.
type Argon2idHasher struct {
	params Argon2Params
}

// NewArgon2idHasher creates an Argon2idHasher with the default parameters.
func NewArgon2idHasher() *Argon2idHasher {
	return &Argon2idHasher{params: DefaultArgon2Params()}
}

// NewArgon2idHasherWithParams creates an Argon2idHasher with custom parameters.
func NewArgon2idHasherWithParams(params Argon2Params) (*Argon2idHasher, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Argon2idHasher{params: params}, nil
}

// Hash produces an argon2id hash of the password in PHC string format.
func (h *Argon2idHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", oops.Code("AUTH_SALT_FAILED").Wrap(err)
	}

	p := h.params
	hash := argon2.IDKey([]byte(password), salt, p.Iterations, p.MemoryKiB, p.Parallelism, argon2KeyLen)

	// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.MemoryKiB,
		p.Iterations,
		p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// phcHash is a decoded argon2id PHC string.
type phcHash struct {
	version int
	params  Argon2Params
	salt    []byte
	key     []byte
}

func parsePHC(encoded string) (*phcHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash format")
	}

	if parts[1] != "argon2id" {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("unsupported hash algorithm: %s", parts[1])
	}

	out := &phcHash{}
	if _, err := fmt.Sscanf(parts[2], "v=%d", &out.version); err != nil {
		return nil, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	if out.version != argon2.Version {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("unsupported argon2 version: %d", out.version)
	}

	var memory, iterations, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return nil, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	// Threads must fit in uint8.
	if threads == 0 || threads > 255 {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("threads value %d out of range", threads)
	}
	out.params = Argon2Params{Iterations: iterations, MemoryKiB: memory, Parallelism: uint8(threads)}

	var err error
	if out.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	if out.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}

	keyLen := len(out.key)
	if keyLen <= 0 || keyLen > 1<<30 {
		return nil, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash key length: %d", keyLen)
	}
	return out, nil
}

// Verify checks if the password matches the hash.
func (h *Argon2idHasher) Verify(password, encodedHash string) (bool, error) {
	stored, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	p := stored.params
	computed := argon2.IDKey([]byte(password), stored.salt, p.Iterations, p.MemoryKiB, p.Parallelism, uint32(len(stored.key)))

	return subtle.ConstantTimeCompare(computed, stored.key) == 1, nil
}

// NeedsRehash returns true if the hash is not argon2id or was produced with
// any parameter below the hasher's current configuration.
func (h *Argon2idHasher) NeedsRehash(hash string) bool {
	stored, err := parsePHC(hash)
	if err != nil {
		return true
	}
	p := stored.params
	return p.Iterations < h.params.Iterations ||
		p.MemoryKiB < h.params.MemoryKiB ||
		p.Parallelism < h.params.Parallelism ||
		len(stored.key) < argon2KeyLen
}
