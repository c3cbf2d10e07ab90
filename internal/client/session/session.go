// Package session owns the locally cached device session: restoring it on
// startup, refreshing tokens, de-duplicating concurrent refreshes, and
// falling back to biometric re-authentication for remembered sessions.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/phelinki/smor-ting-sub004/internal/client/api"
	"github.com/phelinki/smor-ting-sub004/internal/client/credstore"
	"github.com/phelinki/smor-ting-sub004/internal/crypto/clientcrypto"
	"github.com/phelinki/smor-ting-sub004/internal/errs"
	"github.com/phelinki/smor-ting-sub004/internal/model"
)

// State is the session lifecycle position.
type State int

const (
	Uninitialized State = iota
	Restoring
	Authenticated
	Refreshing
	Unauthenticated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Restoring:
		return "restoring"
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	case Unauthenticated:
		return "unauthenticated"
	}
	return "unknown"
}

// TokenStatus is the local, pre-network triage of a stored token.
type TokenStatus int

const (
	TokenAbsent TokenStatus = iota
	TokenValid
	TokenExpired
	TokenMalformed
)

// triageAccess inspects the stored access token without any network call.
func triageAccess(token string, expiresAt, now time.Time) TokenStatus {
	if token == "" {
		return TokenAbsent
	}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, jwt.MapClaims{}); err != nil {
		return TokenMalformed
	}
	// 30s of slack so a token about to expire is refreshed proactively.
	if !now.Add(30 * time.Second).Before(expiresAt) {
		return TokenExpired
	}
	return TokenValid
}

// Backend is the network surface the manager needs. *api.Client satisfies it.
type Backend interface {
	Login(ctx context.Context, email, password string, device model.DeviceInfo, remember bool) (*api.TokenPair, error)
	Refresh(ctx context.Context, sessionID, refreshToken string) (*api.TokenPair, error)
	Logout(ctx context.Context, sessionID, refreshToken string) error
	BiometricLogin(ctx context.Context, sessionID, deviceID string, secret []byte) (*api.TokenPair, error)
	BiometricEnroll(ctx context.Context, secret []byte) error
}

// Config bounds refresh retries.
type Config struct {
	MaxAttempts  uint64
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Manager is the session state machine. It also serves as the transport's
// TokenProvider, so every outbound request shares one view of the session.
type Manager struct {
	store   *credstore.Store
	backend Backend
	cfg     Config
	log     *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	state State
	creds *credstore.Credentials

	// sf keys refresh by session ID so unrelated sessions never block each
	// other and concurrent callers share one network call.
	sf singleflight.Group
}

// NewManager constructs a manager in the Uninitialized state.
func NewManager(store *credstore.Store, backend Backend, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 8 * time.Second
	}
	return &Manager{
		store: store, backend: backend, cfg: cfg, log: log,
		state: Uninitialized, now: time.Now,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Credentials returns a copy of the cached credentials, nil when none.
func (m *Manager) Credentials() *credstore.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return nil
	}
	c := *m.creds
	return &c
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Login authenticates with email/password and persists the new session.
func (m *Manager) Login(ctx context.Context, email, password string, device model.DeviceInfo, remember bool) error {
	pair, err := m.backend.Login(ctx, email, password, device, remember)
	if err != nil {
		return err
	}
	creds := &credstore.Credentials{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		SessionID:        pair.SessionID,
		DeviceID:         device.DeviceID,
		Email:            email,
		Remembered:       remember,
		TokenExpiresAt:   pair.TokenExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
	if err := m.store.Save(creds); err != nil {
		return err
	}
	m.mu.Lock()
	m.creds = creds
	m.state = Authenticated
	m.mu.Unlock()
	return nil
}

// RestoreSession brings the process back to a usable session state. Callers
// may invoke it concurrently; all of them share one restore attempt.
func (m *Manager) RestoreSession(ctx context.Context) (State, error) {
	res, err, _ := m.sf.Do("restore", func() (any, error) {
		return m.restore(ctx)
	})
	if err != nil {
		return m.State(), err
	}
	return res.(State), nil
}

func (m *Manager) restore(ctx context.Context) (State, error) {
	m.setState(Restoring)

	creds, err := m.store.Load()
	if err != nil {
		if errors.Is(err, credstore.ErrNoCredentials) {
			m.setState(Unauthenticated)
			return Unauthenticated, nil
		}
		m.setState(Unauthenticated)
		return Unauthenticated, err
	}
	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()

	now := m.now()
	switch triageAccess(creds.AccessToken, creds.TokenExpiresAt, now) {
	case TokenValid:
		m.setState(Authenticated)
		return Authenticated, nil
	case TokenMalformed:
		// A syntactically broken token means corrupt local state. Clear it
		// before anything touches the network.
		m.log.Warn("malformed cached access token, clearing session")
		return m.terminate(errs.ErrMalformedToken)
	}

	// Access token absent or expired: fall through to refresh.
	if creds.RefreshToken == "" || !now.Before(creds.RefreshExpiresAt) {
		return m.biometricOrTerminate(ctx, errs.ErrTokenExpired)
	}
	if _, err := m.doRefresh(ctx); err != nil {
		if isAuthTerminal(err) {
			return m.biometricOrTerminate(ctx, err)
		}
		m.setState(Unauthenticated)
		return Unauthenticated, err
	}
	m.setState(Authenticated)
	return Authenticated, nil
}

// isAuthTerminal reports whether the refresh failure means the session is
// unusable, as opposed to the server being unreachable.
func isAuthTerminal(err error) bool {
	return errors.Is(err, errs.ErrTokenExpired) ||
		errors.Is(err, errs.ErrTokenReused) ||
		errors.Is(err, errs.ErrSessionRevoked) ||
		errors.Is(err, errs.ErrMalformedToken) ||
		errors.Is(err, errs.ErrUnauthorized)
}

// doRefresh performs the rotation with capped exponential backoff on
// transient failures. Auth-terminal errors abort immediately.
func (m *Manager) doRefresh(ctx context.Context) (*api.TokenPair, error) {
	m.setState(Refreshing)
	m.mu.Lock()
	if m.creds == nil {
		m.mu.Unlock()
		return nil, errs.ErrUnauthorized
	}
	sessionID, refreshToken := m.creds.SessionID, m.creds.RefreshToken
	m.mu.Unlock()

	var pair *api.TokenPair
	backoff := retry.WithMaxRetries(m.cfg.MaxAttempts,
		retry.WithCappedDuration(m.cfg.MaxDelay, retry.NewExponential(m.cfg.InitialDelay)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := m.backend.Refresh(ctx, sessionID, refreshToken)
		if err != nil {
			if errors.Is(err, errs.ErrUnavailable) {
				return retry.RetryableError(err)
			}
			return err
		}
		pair = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.creds == nil {
		m.mu.Unlock()
		return nil, errs.ErrUnauthorized
	}
	m.creds.AccessToken = pair.AccessToken
	m.creds.RefreshToken = pair.RefreshToken
	m.creds.TokenExpiresAt = pair.TokenExpiresAt
	m.creds.RefreshExpiresAt = pair.RefreshExpiresAt
	creds := *m.creds
	m.mu.Unlock()
	if err := m.store.Save(&creds); err != nil {
		return nil, err
	}
	return pair, nil
}

// biometricOrTerminate tries biometric re-authentication on a remembered
// session before giving up.
func (m *Manager) biometricOrTerminate(ctx context.Context, cause error) (State, error) {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()
	if creds == nil || !creds.Remembered || len(creds.BiometricSecret) == 0 {
		return m.terminate(cause)
	}

	pair, err := m.backend.BiometricLogin(ctx, creds.SessionID, creds.DeviceID, creds.BiometricSecret)
	if err != nil {
		m.log.Info("biometric fallback failed", zap.Error(err))
		return m.terminate(cause)
	}
	saved := *creds
	saved.AccessToken = pair.AccessToken
	saved.RefreshToken = pair.RefreshToken
	saved.TokenExpiresAt = pair.TokenExpiresAt
	saved.RefreshExpiresAt = pair.RefreshExpiresAt
	m.mu.Lock()
	m.creds = &saved
	m.state = Authenticated
	m.mu.Unlock()
	if err := m.store.Save(&saved); err != nil {
		return Authenticated, err
	}
	return Authenticated, nil
}

// terminate clears local credentials on any path that cannot produce a valid
// session and surfaces the cause.
func (m *Manager) terminate(cause error) (State, error) {
	if err := m.store.Clear(); err != nil {
		m.log.Error("clear credential store", zap.Error(err))
	}
	m.mu.Lock()
	m.creds = nil
	m.state = Unauthenticated
	m.mu.Unlock()
	return Unauthenticated, cause
}

// AccessToken implements api.TokenProvider.
func (m *Manager) AccessToken(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return "", nil
	}
	return m.creds.AccessToken, nil
}

// ForceRefresh implements api.TokenProvider. Concurrent callers on the same
// session share one network refresh; this is what keeps the single-use
// rotation invariant from tripping over our own parallel requests.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.creds == nil {
		m.mu.Unlock()
		return "", errs.ErrUnauthorized
	}
	key := "refresh:" + m.creds.SessionID
	m.mu.Unlock()

	res, err, _ := m.sf.Do(key, func() (any, error) {
		pair, err := m.doRefresh(ctx)
		if err != nil {
			if isAuthTerminal(err) {
				_, _ = m.terminate(err)
			} else {
				m.setState(Unauthenticated)
			}
			return nil, err
		}
		m.setState(Authenticated)
		return pair.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// EnrollBiometric generates a device-bound secret, registers it server-side
// and stores it in the vault. The raw secret never leaves this device again.
func (m *Manager) EnrollBiometric(ctx context.Context) error {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()
	if creds == nil {
		return errs.ErrUnauthorized
	}
	secret, err := clientcrypto.Rand(clientcrypto.SecretLen)
	if err != nil {
		return err
	}
	if err := m.backend.BiometricEnroll(ctx, secret); err != nil {
		return err
	}
	saved := *creds
	saved.BiometricSecret = secret
	m.mu.Lock()
	m.creds = &saved
	m.mu.Unlock()
	return m.store.Save(&saved)
}

// Logout closes the session server-side and clears local state.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()
	if creds == nil {
		return nil
	}
	if err := m.backend.Logout(ctx, creds.SessionID, creds.RefreshToken); err != nil {
		m.log.Warn("server-side logout failed", zap.Error(err))
	}
	_, _ = m.terminate(nil)
	return nil
}
