package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// Opaque token sizes.
const (
	refreshTokenLen = 32
	resumeTokenLen  = 16
)

// NewRefreshToken returns a fresh opaque refresh token (base64url, 256-bit).
func NewRefreshToken() (string, error) {
	b, err := RandBytes(refreshTokenLen)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewResumeToken returns a fresh opaque resume token for chunked pulls.
func NewResumeToken() (string, error) {
	b, err := RandBytes(resumeTokenLen)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns the SHA-256 digest of an opaque token. Only digests are
// stored server-side; the raw token exists on the client alone.
func HashToken(token string) []byte {
	h := sha256.Sum256([]byte(token))
	return h[:]
}

// TokenHashEqual compares a presented token against a stored digest in
// constant time.
func TokenHashEqual(token string, digest []byte) bool {
	got := HashToken(token)
	return subtle.ConstantTimeCompare(got, digest) == 1
}
