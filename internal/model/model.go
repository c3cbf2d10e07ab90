// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// User represents an account stored on the server. Passwords are never stored in plaintext.
type User struct {
	ID        uuid.UUID // PK
	Email     string    // unique
	Role      string    // customer | provider | admin
	PwdHash   []byte    // Argon2id(password, SaltAuth)
	SaltAuth  []byte    // per-user auth salt
	CreatedAt time.Time
}

// TokenPair collects an issued access/refresh pair with expiries.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	SessionID        uuid.UUID
	TokenExpiresAt   time.Time
	RefreshExpiresAt time.Time
}

// DeviceInfo describes the device a session was opened from.
type DeviceInfo struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
	Platform   string `json:"platform,omitempty"` // ios, android, web
}

// DeviceSession is one (user, device) session row in the registry.
// At most one active refresh token exists per session: RefreshHash holds the
// SHA-256 of the current token and is swapped atomically on rotation.
type DeviceSession struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	DeviceID      string
	DeviceName    string
	Platform      string
	RefreshHash   []byte
	Remembered    bool // long-lived, biometric-eligible
	BiometricHash []byte
	IssuedAt      time.Time
	LastActivity  time.Time
	ExpiresAt     time.Time
	Revoked       bool
	RevokedAt     *time.Time
}

// Active reports whether the session can still rotate tokens.
func (s *DeviceSession) Active(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// SecurityEventType enumerates audit event kinds.
type SecurityEventType string

const (
	EventLogin           SecurityEventType = "login"
	EventLogout          SecurityEventType = "logout"
	EventRefresh         SecurityEventType = "refresh"
	EventReuseDetected   SecurityEventType = "reuse_detected"
	EventRevoked         SecurityEventType = "revoked"
	EventRevokedAll      SecurityEventType = "revoked_all"
	EventBiometricEnroll SecurityEventType = "biometric_enroll"
	EventBiometricLogin  SecurityEventType = "biometric_login"
)

// SecurityEvent is an append-only audit record. Never mutated or deleted by
// normal flows.
type SecurityEvent struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	SessionID uuid.UUID // uuid.Nil when not session-scoped
	EventType SecurityEventType
	DeviceID  string
	IP        string
	Detail    string
	CreatedAt time.Time
}

// Record is a single document-store unit visible to sync: an opaque JSON
// payload with optimistic-concurrency versioning and a tombstone flag.
type Record struct {
	ID         uuid.UUID       `json:"id"`
	UserID     uuid.UUID       `json:"user_id"`
	Collection string          `json:"collection"` // bookings, services, profile, reviews
	Payload    json.RawMessage `json:"payload"`
	Version    int64           `json:"version"`
	Deleted    bool            `json:"deleted,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Change is a client-submitted edit with the base version it was made against.
type Change struct {
	RecordID    uuid.UUID       `json:"record_id"`
	Collection  string          `json:"collection"`
	BaseVersion int64           `json:"base_version"`
	Payload     json.RawMessage `json:"payload"`
	Deleted     bool            `json:"deleted,omitempty"`
}

// QueueState tracks a SyncQueueItem through reconciliation.
type QueueState string

const (
	QueuePending  QueueState = "pending"
	QueueApplied  QueueState = "applied"
	QueueConflict QueueState = "conflict"
	QueueFailed   QueueState = "failed"
)

// SyncQueueItem is one client-submitted change awaiting reconciliation.
// Conflict items stay visible through status queries until resolved.
type SyncQueueItem struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	RecordID      uuid.UUID
	Collection    string
	Payload       json.RawMessage
	BaseVersion   int64
	ServerVersion int64 // authoritative version observed at ingest
	Deleted       bool
	State         QueueState
	RetryCount    int
	LastError     string
	NextAttemptAt time.Time
	SubmittedAt   time.Time
	UpdatedAt     time.Time
}

// SyncMetrics is an immutable per-pull observability record.
type SyncMetrics struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Duration    time.Duration
	RecordCount int
	PayloadSize int64
	Chunked     bool
	CreatedAt   time.Time
}

// BackgroundSyncStatus is one row per user, overwritten idempotently by the
// reconciler so clients can poll progress without reading the raw queue.
type BackgroundSyncStatus struct {
	UserID         uuid.UUID
	SyncInFlight   bool
	LastCheckpoint string
	LastSyncAt     time.Time
	PendingCount   int
	ConflictCount  int
	FailedCount    int
	UpdatedAt      time.Time
}
