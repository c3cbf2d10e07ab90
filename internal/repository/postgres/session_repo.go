package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/phelinki/smor-ting-sub004/internal/errs"
	"github.com/phelinki/smor-ting-sub004/internal/model"
)

// SessionRepo implements SessionRepository using PostgreSQL.
type SessionRepo struct{ db *DB }

// NewSessionRepo constructs a device-session repository.
func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

const sessionCols = `
id, user_id, device_id, device_name, platform, refresh_hash, remembered,
biometric_hash, issued_at, last_activity, expires_at, revoked, revoked_at`

// Create inserts a new device session.
func (r *SessionRepo) Create(ctx context.Context, s *model.DeviceSession) error {
	const q = `
INSERT INTO device_sessions
  (id, user_id, device_id, device_name, platform, refresh_hash, remembered, issued_at, last_activity, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := r.db.Pool.Exec(ctx, q,
		s.ID, s.UserID, s.DeviceID, s.DeviceName, s.Platform,
		s.RefreshHash, s.Remembered, s.IssuedAt, s.LastActivity, s.ExpiresAt)
	return err
}

// Get loads a session by ID.
func (r *SessionRepo) Get(ctx context.Context, id uuid.UUID) (*model.DeviceSession, error) {
	q := `SELECT ` + sessionCols + ` FROM device_sessions WHERE id=$1`
	row := r.db.Pool.QueryRow(ctx, q, id)
	var s model.DeviceSession
	err := row.Scan(&s.ID, &s.UserID, &s.DeviceID, &s.DeviceName, &s.Platform,
		&s.RefreshHash, &s.Remembered, &s.BiometricHash,
		&s.IssuedAt, &s.LastActivity, &s.ExpiresAt, &s.Revoked, &s.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// RotateRefresh performs the single-writer rotation compare-and-swap: the
// update matches only while the session still holds oldHash and is active,
// so of two concurrent rotations exactly one sees a row.
func (r *SessionRepo) RotateRefresh(ctx context.Context, id uuid.UUID, oldHash, newHash []byte, now time.Time) (bool, error) {
	const q = `
UPDATE device_sessions
SET refresh_hash=$3, last_activity=$4
WHERE id=$1 AND refresh_hash=$2 AND NOT revoked AND expires_at > $4`
	tag, err := r.db.Pool.Exec(ctx, q, id, oldHash, newHash, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Touch updates last_activity.
func (r *SessionRepo) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `UPDATE device_sessions SET last_activity=$2 WHERE id=$1`
	_, err := r.db.Pool.Exec(ctx, q, id, at)
	return err
}

// SetBiometricHash stores the hash of the device-bound biometric secret.
func (r *SessionRepo) SetBiometricHash(ctx context.Context, id uuid.UUID, hash []byte) error {
	const q = `UPDATE device_sessions SET biometric_hash=$2 WHERE id=$1 AND NOT revoked`
	tag, err := r.db.Pool.Exec(ctx, q, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Revoke marks one session revoked. Idempotent: re-revoking is a no-op.
func (r *SessionRepo) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `
UPDATE device_sessions SET revoked=true, revoked_at=$2 WHERE id=$1 AND NOT revoked`
	_, err := r.db.Pool.Exec(ctx, q, id, at)
	return err
}

// RevokeAllForUser marks all of a user's sessions revoked.
func (r *SessionRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID, at time.Time) error {
	const q = `
UPDATE device_sessions SET revoked=true, revoked_at=$2 WHERE user_id=$1 AND NOT revoked`
	_, err := r.db.Pool.Exec(ctx, q, userID, at)
	return err
}

// ListForUser returns all non-revoked sessions of a user, newest first.
func (r *SessionRepo) ListForUser(ctx context.Context, userID uuid.UUID) ([]model.DeviceSession, error) {
	q := `SELECT ` + sessionCols + `
FROM device_sessions WHERE user_id=$1 AND NOT revoked ORDER BY issued_at DESC`
	rows, err := r.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeviceSession
	for rows.Next() {
		var s model.DeviceSession
		if err := rows.Scan(&s.ID, &s.UserID, &s.DeviceID, &s.DeviceName, &s.Platform,
			&s.RefreshHash, &s.Remembered, &s.BiometricHash,
			&s.IssuedAt, &s.LastActivity, &s.ExpiresAt, &s.Revoked, &s.RevokedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteExpired removes sessions expired before the horizon.
func (r *SessionRepo) DeleteExpired(ctx context.Context, horizon time.Time) (int64, error) {
	const q = `DELETE FROM device_sessions WHERE expires_at < $1`
	tag, err := r.db.Pool.Exec(ctx, q, horizon)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// AuditRepo implements AuditRepository using PostgreSQL.
type AuditRepo struct{ db *DB }

// NewAuditRepo constructs a security-event repository.
func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

// Append inserts one security event.
func (r *AuditRepo) Append(ctx context.Context, ev *model.SecurityEvent) error {
	const q = `
INSERT INTO security_events (id, user_id, session_id, event_type, device_id, ip, detail, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	var sid any
	if ev.SessionID != uuid.Nil {
		sid = ev.SessionID
	}
	_, err := r.db.Pool.Exec(ctx, q,
		ev.ID, ev.UserID, sid, string(ev.EventType), ev.DeviceID, ev.IP, ev.Detail, ev.CreatedAt)
	return err
}

// ListForUser returns the newest events for a user.
func (r *AuditRepo) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]model.SecurityEvent, error) {
	const q = `
SELECT id, user_id, COALESCE(session_id, '00000000-0000-0000-0000-000000000000'::uuid),
       event_type, device_id, ip, detail, created_at
FROM security_events WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SecurityEvent
	for rows.Next() {
		var ev model.SecurityEvent
		var typ string
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.SessionID, &typ, &ev.DeviceID, &ev.IP, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.EventType = model.SecurityEventType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}
