// Package crypto implements server-side hashing: account passwords,
// device-bound biometric secrets, and refresh token digests.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (tuned for server-side hashing).
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
)

// SaltLen is the salt size used for both password rows and sealed secrets.
const SaltLen = 16

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HashPassword returns the Argon2id hash of password using the provided salt.
func HashPassword(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyPassword verifies password against the expected Argon2id hash and salt.
func VerifyPassword(password, salt, expected []byte) bool {
	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare(got, expected) == 1
}

// SealSecret hashes a device-bound secret with a fresh salt and returns the
// salt||hash blob stored on the session row. The raw secret never persists
// server-side.
func SealSecret(secret []byte) ([]byte, error) {
	salt, err := RandBytes(SaltLen)
	if err != nil {
		return nil, err
	}
	return append(salt, HashPassword(secret, salt)...), nil
}

// CheckSecret verifies a device-bound secret against a salt||hash blob
// produced by SealSecret.
func CheckSecret(secret, sealed []byte) bool {
	if len(sealed) <= SaltLen {
		return false
	}
	return VerifyPassword(secret, sealed[:SaltLen], sealed[SaltLen:])
}
