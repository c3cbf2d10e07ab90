// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (base version mismatch).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., email taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrTokenExpired indicates an expired access or refresh token.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenReused indicates an already-rotated refresh token was presented again.
	// Treated as a replay signal: the whole session is revoked.
	ErrTokenReused = errors.New("refresh token reused")

	// ErrSessionRevoked indicates the device session was revoked or expired.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrMalformedToken indicates a structurally invalid token or checkpoint,
	// rejected before any network or storage round-trip.
	ErrMalformedToken = errors.New("malformed token")

	// ErrUnavailable indicates a transient network/server failure worth retrying.
	ErrUnavailable = errors.New("temporarily unavailable")
)
