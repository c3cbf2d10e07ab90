package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/phelinki/smor-ting-sub004/internal/model"
)

// SessionRepository is the backend session registry: one row per (user, device)
// with the hash of the currently valid refresh token.
type SessionRepository interface {
	// Create inserts a new device session.
	Create(ctx context.Context, s *model.DeviceSession) error

	// Get loads a session by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.DeviceSession, error)

	// RotateRefresh atomically swaps the stored refresh hash from oldHash to
	// newHash, provided the session is still active. Returns false when no row
	// matched: the token was already rotated, or the session is revoked or
	// expired; the caller disambiguates via Get.
	RotateRefresh(ctx context.Context, id uuid.UUID, oldHash, newHash []byte, now time.Time) (bool, error)

	// Touch updates last_activity.
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error

	// SetBiometricHash stores the Argon2id hash of the device-bound secret.
	SetBiometricHash(ctx context.Context, id uuid.UUID, hash []byte) error

	// Revoke marks one session revoked. Idempotent.
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error

	// RevokeAllForUser marks every session of a user revoked. Idempotent.
	RevokeAllForUser(ctx context.Context, userID uuid.UUID, at time.Time) error

	// ListForUser returns all non-revoked sessions of a user.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]model.DeviceSession, error)

	// DeleteExpired removes sessions whose expiry is past the horizon.
	DeleteExpired(ctx context.Context, horizon time.Time) (int64, error)
}

// AuditRepository appends to the security event trail. Events are never
// updated or deleted by normal flows.
type AuditRepository interface {
	Append(ctx context.Context, ev *model.SecurityEvent) error
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]model.SecurityEvent, error)
}
