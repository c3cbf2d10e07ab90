// Package service contains application services for authentication, sync and
// background reconciliation.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/phelinki/smor-ting-sub004/internal/crypto"
	"github.com/phelinki/smor-ting-sub004/internal/errs"
	"github.com/phelinki/smor-ting-sub004/internal/limiter"
	"github.com/phelinki/smor-ting-sub004/internal/model"
	"github.com/phelinki/smor-ting-sub004/internal/repository"
)

// AuthService defines account, token and device-session operations.
type AuthService interface {
	// Register creates a new user with secure password hashing.
	Register(ctx context.Context, email, password, role string) (userID string, err error)
	// LoginWithIP applies rate-limiting, authenticates the user and opens a
	// device session with a fresh token pair.
	LoginWithIP(ctx context.Context, email, password, ip string, device model.DeviceInfo, remember bool) (model.TokenPair, model.User, error)
	// Refresh rotates the refresh token of a session. Single-use: presenting
	// an already-rotated token revokes the whole session.
	Refresh(ctx context.Context, sessionID uuid.UUID, refreshToken string) (model.TokenPair, error)
	// Revoke closes one session.
	Revoke(ctx context.Context, sessionID uuid.UUID) error
	// Logout closes a session presented with its current refresh token. Used
	// by clients whose access token is already gone.
	Logout(ctx context.Context, sessionID uuid.UUID, refreshToken string) error
	// RevokeAll closes every session of a user.
	RevokeAll(ctx context.Context, userID uuid.UUID) error
	// Sessions lists a user's active sessions.
	Sessions(ctx context.Context, userID uuid.UUID) ([]model.DeviceSession, error)
	// EnrollBiometric binds a device secret to an authed, remembered session.
	EnrollBiometric(ctx context.Context, sessionID uuid.UUID, secret []byte) error
	// BiometricLogin re-authenticates a remembered session with its enrolled
	// device secret and issues a fresh token pair.
	BiometricLogin(ctx context.Context, sessionID uuid.UUID, deviceID string, secret []byte) (model.TokenPair, error)
	// ValidateAccess parses and verifies an access token.
	ValidateAccess(token string) (*AccessClaims, error)
	// Ping records session activity, best-effort.
	Ping(ctx context.Context, sessionID uuid.UUID) error
}

// AccessClaims is the verified payload of an access token.
type AccessClaims struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	Email     string
	Role      string
}

type accessJWTClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Email     string `json:"email"`
	Role      string `json:"role"`
}

// AuthConfig bundles token lifetimes.
type AuthConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RememberedTTL time.Duration
}

type AuthServiceImpl struct {
	users    repository.UserRepository
	sessions repository.SessionRepository
	audit    repository.AuditRepository
	lim      limiter.Limiter
	signKey  []byte
	cfg      AuthConfig
	log      *zap.Logger
	now      func() time.Time
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(
	users repository.UserRepository,
	sessions repository.SessionRepository,
	audit repository.AuditRepository,
	lim limiter.Limiter,
	signKey []byte,
	cfg AuthConfig,
	log *zap.Logger,
) *AuthServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = 30 * time.Minute
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 24 * time.Hour
	}
	if cfg.RememberedTTL == 0 {
		cfg.RememberedTTL = 30 * 24 * time.Hour
	}
	return &AuthServiceImpl{
		users: users, sessions: sessions, audit: audit, lim: lim,
		signKey: signKey, cfg: cfg, log: log, now: time.Now,
	}
}

// Register creates a new user record with a per-user salt.
func (s *AuthServiceImpl) Register(ctx context.Context, email, password, role string) (string, error) {
	if email == "" || password == "" {
		return "", errors.New("empty email/password")
	}
	switch role {
	case "":
		role = "customer"
	case "customer", "provider":
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	saltAuth, err := pkgcrypto.RandBytes(pkgcrypto.SaltLen)
	if err != nil {
		return "", err
	}
	u := &model.User{
		ID:       uid,
		Email:    email,
		Role:     role,
		PwdHash:  pkgcrypto.HashPassword([]byte(password), saltAuth),
		SaltAuth: saltAuth,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return "", err
	}
	return uid.String(), nil
}

// LoginWithIP authenticates with rate limiting by (email, ip) and opens a
// new device session.
func (s *AuthServiceImpl) LoginWithIP(
	ctx context.Context, email, password, ip string, device model.DeviceInfo, remember bool,
) (model.TokenPair, model.User, error) {
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, email, ipHash)
	if err != nil {
		return model.TokenPair{}, model.User{}, err
	}
	if !allowed {
		return model.TokenPair{}, model.User{}, errs.ErrRateLimited
	}

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil || !pkgcrypto.VerifyPassword([]byte(password), u.SaltAuth, u.PwdHash) {
		if blocked, _, ferr := s.lim.Failure(ctx, email, ipHash); ferr == nil && blocked {
			return model.TokenPair{}, model.User{}, errs.ErrRateLimited
		}
		// hide existence of the user on wrong password
		return model.TokenPair{}, model.User{}, errs.ErrUnauthorized
	}

	_ = s.lim.Success(ctx, email, ipHash)

	pair, sess, err := s.openSession(ctx, u, device, remember)
	if err != nil {
		return model.TokenPair{}, model.User{}, err
	}
	s.appendEvent(ctx, u.ID, sess.ID, model.EventLogin, device.DeviceID, ip, "")
	return pair, *u, nil
}

// openSession creates a session row holding the hash of a fresh refresh token.
func (s *AuthServiceImpl) openSession(
	ctx context.Context, u *model.User, device model.DeviceInfo, remember bool,
) (model.TokenPair, *model.DeviceSession, error) {
	sid, err := uuid.NewV4()
	if err != nil {
		return model.TokenPair{}, nil, err
	}
	refresh, err := pkgcrypto.NewRefreshToken()
	if err != nil {
		return model.TokenPair{}, nil, err
	}

	now := s.now().UTC()
	ttl := s.cfg.RefreshTTL
	if remember {
		ttl = s.cfg.RememberedTTL
	}
	sess := &model.DeviceSession{
		ID:           sid,
		UserID:       u.ID,
		DeviceID:     device.DeviceID,
		DeviceName:   device.DeviceName,
		Platform:     device.Platform,
		RefreshHash:  pkgcrypto.HashToken(refresh),
		Remembered:   remember,
		IssuedAt:     now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return model.TokenPair{}, nil, err
	}

	access, exp, err := s.issueAccessToken(u, sid)
	if err != nil {
		return model.TokenPair{}, nil, err
	}
	return model.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		SessionID:        sid,
		TokenExpiresAt:   exp,
		RefreshExpiresAt: sess.ExpiresAt,
	}, sess, nil
}

// Refresh rotates the session's refresh token with a compare-and-swap: of
// two concurrent presentations of the same token exactly one wins. A token
// that lost the swap because it was already rotated is treated as replayed
// and revokes the session.
func (s *AuthServiceImpl) Refresh(ctx context.Context, sessionID uuid.UUID, refreshToken string) (model.TokenPair, error) {
	next, err := pkgcrypto.NewRefreshToken()
	if err != nil {
		return model.TokenPair{}, err
	}
	now := s.now().UTC()
	oldHash := pkgcrypto.HashToken(refreshToken)

	swapped, err := s.sessions.RotateRefresh(ctx, sessionID, oldHash, pkgcrypto.HashToken(next), now)
	if err != nil {
		return model.TokenPair{}, err
	}
	if !swapped {
		return model.TokenPair{}, s.classifyRotationFailure(ctx, sessionID, refreshToken, now)
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return model.TokenPair{}, err
	}
	u, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return model.TokenPair{}, err
	}
	access, exp, err := s.issueAccessToken(u, sessionID)
	if err != nil {
		return model.TokenPair{}, err
	}
	s.appendEvent(ctx, u.ID, sessionID, model.EventRefresh, sess.DeviceID, "", "")
	return model.TokenPair{
		AccessToken:      access,
		RefreshToken:     next,
		SessionID:        sessionID,
		TokenExpiresAt:   exp,
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

// classifyRotationFailure disambiguates a failed swap: revoked or expired
// sessions are reported as such; an active session whose stored hash differs
// means the presented token was already used once, which is treated as theft.
func (s *AuthServiceImpl) classifyRotationFailure(
	ctx context.Context, sessionID uuid.UUID, refreshToken string, now time.Time,
) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return errs.ErrSessionRevoked
		}
		return err
	}
	if !sess.Active(now) {
		return errs.ErrSessionRevoked
	}
	if pkgcrypto.TokenHashEqual(refreshToken, sess.RefreshHash) {
		// Hash still matches but the swap missed: lost a race with a
		// concurrent legitimate rotation.
		return errs.ErrSessionRevoked
	}

	// Replay: revoke the session so neither token holder keeps access.
	if err := s.sessions.Revoke(ctx, sessionID, now); err != nil {
		s.log.Error("revoke on reuse", zap.Error(err), zap.String("session_id", sessionID.String()))
	}
	s.appendEvent(ctx, sess.UserID, sessionID, model.EventReuseDetected, sess.DeviceID, "", "refresh token replay")
	s.log.Warn("refresh token reuse detected",
		zap.String("session_id", sessionID.String()),
		zap.String("user_id", sess.UserID.String()),
	)
	return errs.ErrTokenReused
}

// Revoke closes one session. Idempotent.
func (s *AuthServiceImpl) Revoke(ctx context.Context, sessionID uuid.UUID) error {
	now := s.now().UTC()
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.sessions.Revoke(ctx, sessionID, now); err != nil {
		return err
	}
	s.appendEvent(ctx, sess.UserID, sessionID, model.EventLogout, sess.DeviceID, "", "")
	return nil
}

// Logout verifies the presented refresh token against the session before
// closing it, so a session ID alone cannot log another device out.
func (s *AuthServiceImpl) Logout(ctx context.Context, sessionID uuid.UUID, refreshToken string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return err
	}
	if sess.Revoked {
		return nil
	}
	if !pkgcrypto.TokenHashEqual(refreshToken, sess.RefreshHash) {
		return errs.ErrUnauthorized
	}
	if err := s.sessions.Revoke(ctx, sessionID, s.now().UTC()); err != nil {
		return err
	}
	s.appendEvent(ctx, sess.UserID, sessionID, model.EventLogout, sess.DeviceID, "", "")
	return nil
}

// RevokeAll closes every session of a user.
func (s *AuthServiceImpl) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	if err := s.sessions.RevokeAllForUser(ctx, userID, s.now().UTC()); err != nil {
		return err
	}
	s.appendEvent(ctx, userID, uuid.Nil, model.EventRevokedAll, "", "", "")
	return nil
}

// Sessions lists a user's active sessions.
func (s *AuthServiceImpl) Sessions(ctx context.Context, userID uuid.UUID) ([]model.DeviceSession, error) {
	return s.sessions.ListForUser(ctx, userID)
}

// EnrollBiometric stores the hash of a device-bound secret on a remembered
// session. Requires a valid access token upstream; the raw secret never
// leaves the device again after enrollment.
func (s *AuthServiceImpl) EnrollBiometric(ctx context.Context, sessionID uuid.UUID, secret []byte) error {
	if len(secret) < 16 {
		return errors.New("biometric secret too short")
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Active(s.now().UTC()) {
		return errs.ErrSessionRevoked
	}
	if !sess.Remembered {
		return errors.New("biometric requires a remembered session")
	}
	hash, err := pkgcrypto.SealSecret(secret)
	if err != nil {
		return err
	}
	if err := s.sessions.SetBiometricHash(ctx, sessionID, hash); err != nil {
		return err
	}
	s.appendEvent(ctx, sess.UserID, sessionID, model.EventBiometricEnroll, sess.DeviceID, "", "")
	return nil
}

// BiometricLogin verifies the enrolled secret against a remembered session
// and issues a fresh pair, rotating the stored refresh hash.
func (s *AuthServiceImpl) BiometricLogin(
	ctx context.Context, sessionID uuid.UUID, deviceID string, secret []byte,
) (model.TokenPair, error) {
	now := s.now().UTC()
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.TokenPair{}, errs.ErrUnauthorized
		}
		return model.TokenPair{}, err
	}
	if !sess.Active(now) || !sess.Remembered || sess.DeviceID != deviceID {
		return model.TokenPair{}, errs.ErrUnauthorized
	}
	if !pkgcrypto.CheckSecret(secret, sess.BiometricHash) {
		return model.TokenPair{}, errs.ErrUnauthorized
	}

	next, err := pkgcrypto.NewRefreshToken()
	if err != nil {
		return model.TokenPair{}, err
	}
	swapped, err := s.sessions.RotateRefresh(ctx, sessionID, sess.RefreshHash, pkgcrypto.HashToken(next), now)
	if err != nil {
		return model.TokenPair{}, err
	}
	if !swapped {
		return model.TokenPair{}, errs.ErrSessionRevoked
	}

	u, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return model.TokenPair{}, err
	}
	access, exp, err := s.issueAccessToken(u, sessionID)
	if err != nil {
		return model.TokenPair{}, err
	}
	s.appendEvent(ctx, u.ID, sessionID, model.EventBiometricLogin, deviceID, "", "")
	return model.TokenPair{
		AccessToken:      access,
		RefreshToken:     next,
		SessionID:        sessionID,
		TokenExpiresAt:   exp,
		RefreshExpiresAt: sess.ExpiresAt,
	}, nil
}

// ValidateAccess parses and verifies an HS256 access token.
func (s *AuthServiceImpl) ValidateAccess(token string) (*AccessClaims, error) {
	var claims accessJWTClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signKey, nil
	}, jwt.WithLeeway(30*time.Second))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errs.ErrTokenExpired
		}
		return nil, errs.ErrMalformedToken
	}
	if !parsed.Valid {
		return nil, errs.ErrMalformedToken
	}
	uid, err := uuid.FromString(claims.Subject)
	if err != nil {
		return nil, errs.ErrMalformedToken
	}
	sid, err := uuid.FromString(claims.SessionID)
	if err != nil {
		return nil, errs.ErrMalformedToken
	}
	return &AccessClaims{UserID: uid, SessionID: sid, Email: claims.Email, Role: claims.Role}, nil
}

// Ping bumps last_activity on the session.
func (s *AuthServiceImpl) Ping(ctx context.Context, sessionID uuid.UUID) error {
	return s.sessions.Touch(ctx, sessionID, s.now().UTC())
}

// PurgeExpiredSessions removes sessions whose expiry has passed. Run
// periodically by the server.
func (s *AuthServiceImpl) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	return s.sessions.DeleteExpired(ctx, s.now().UTC())
}

// issueAccessToken creates a signed HS256 JWT for the given subject/session.
func (s *AuthServiceImpl) issueAccessToken(u *model.User, sessionID uuid.UUID) (string, time.Time, error) {
	now := s.now().UTC()
	exp := now.Add(s.cfg.AccessTTL)
	claims := accessJWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		SessionID: sessionID.String(),
		Email:     u.Email,
		Role:      u.Role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}

// appendEvent records an audit event, best-effort.
func (s *AuthServiceImpl) appendEvent(
	ctx context.Context, userID, sessionID uuid.UUID, typ model.SecurityEventType, deviceID, ip, detail string,
) {
	id, err := uuid.NewV4()
	if err != nil {
		return
	}
	ev := &model.SecurityEvent{
		ID:        id,
		UserID:    userID,
		SessionID: sessionID,
		EventType: typ,
		DeviceID:  deviceID,
		IP:        ip,
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	}
	if err := s.audit.Append(ctx, ev); err != nil {
		s.log.Error("append security event", zap.Error(err), zap.String("type", string(typ)))
	}
}
