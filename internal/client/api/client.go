// Package api is the typed HTTP client for the backend: wire types, error
// classification, and the request authentication chokepoint.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/phelinki/smor-ting-sub004/internal/errs"
	"github.com/phelinki/smor-ting-sub004/internal/model"
)

// TokenPair mirrors the auth token responses.
type TokenPair struct {
	Success          bool      `json:"success"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	SessionID        string    `json:"session_id"`
	TokenExpiresAt   time.Time `json:"token_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// PullResponse mirrors pull/chunk responses.
type PullResponse struct {
	Data        []model.Record `json:"data"`
	Checkpoint  string         `json:"checkpoint"`
	HasMore     bool           `json:"has_more"`
	ResumeToken string         `json:"resume_token,omitempty"`
	NextChunk   int            `json:"next_chunk,omitempty"`
	TotalChunks int            `json:"total_chunks,omitempty"`
}

// PushOutcome is the per-change verdict of a push.
type PushOutcome struct {
	RecordID string `json:"record_id"`
	Status   string `json:"status"`
	QueueID  string `json:"queue_id"`
}

// StatusResponse mirrors the sync status endpoint.
type StatusResponse struct {
	SyncInFlight   bool            `json:"sync_in_flight"`
	LastCheckpoint string          `json:"last_checkpoint"`
	LastSyncAt     time.Time       `json:"last_sync_at"`
	PendingCount   int             `json:"pending_count"`
	ConflictCount  int             `json:"conflict_count"`
	FailedCount    int             `json:"failed_count"`
	Conflicts      []ConflictEntry `json:"conflicts"`
}

// ConflictEntry is one open conflict item.
type ConflictEntry struct {
	QueueID       string `json:"queue_id"`
	RecordID      string `json:"record_id"`
	Collection    string `json:"collection"`
	State         string `json:"state"`
	BaseVersion   int64  `json:"base_version"`
	ServerVersion int64  `json:"server_version"`
	LastError     string `json:"last_error,omitempty"`
}

// Client talks to the backend. All outbound requests flow through the auth
// transport built by NewClient.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client whose transport attaches access tokens and
// performs the single coordinated 401-refresh-retry.
func NewClient(baseURL string, tokens TokenProvider, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   timeout,
			Transport: newAuthTransport(http.DefaultTransport, tokens),
		},
	}
}

// apiError is a classified non-2xx response.
type apiError struct {
	Status int
	Code   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api: status %d code %q", e.Status, e.Code)
}

// Unwrap maps wire codes onto the shared sentinel taxonomy so callers branch
// with errors.Is: transient availability, terminal auth, or conflict.
func (e *apiError) Unwrap() error {
	switch e.Code {
	case "token_reused":
		return errs.ErrTokenReused
	case "session_revoked":
		return errs.ErrSessionRevoked
	case "token_expired":
		return errs.ErrTokenExpired
	case "malformed_token":
		return errs.ErrMalformedToken
	case "rate_limited":
		return errs.ErrRateLimited
	case "version_conflict":
		return errs.ErrVersionConflict
	case "already_exists":
		return errs.ErrAlreadyExists
	case "not_found":
		return errs.ErrNotFound
	}
	switch {
	case e.Status == http.StatusUnauthorized:
		return errs.ErrUnauthorized
	case e.Status >= 500 || e.Status == http.StatusTooManyRequests:
		// Server-side trouble is retryable.
		return errs.ErrUnavailable
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failures are transient from the caller's point of view.
		return fmt.Errorf("%w: %v", errs.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var wire struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		_ = json.Unmarshal(raw, &wire)
		return &apiError{Status: resp.StatusCode, Code: wire.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, email, password, role string) (string, error) {
	var resp struct {
		UserID string `json:"user_id"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/register", map[string]string{
		"email": email, "password": password, "role": role,
	}, &resp)
	return resp.UserID, err
}

// Login opens a device session.
func (c *Client) Login(ctx context.Context, email, password string, device model.DeviceInfo, remember bool) (*TokenPair, error) {
	var pair TokenPair
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/login", map[string]any{
		"email": email, "password": password, "device": device, "remember": remember,
	}, &pair)
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

// Refresh rotates the refresh token.
func (c *Client) Refresh(ctx context.Context, sessionID, refreshToken string) (*TokenPair, error) {
	var pair TokenPair
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/refresh", map[string]string{
		"session_id": sessionID, "refresh_token": refreshToken,
	}, &pair)
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

// Logout closes the session.
func (c *Client) Logout(ctx context.Context, sessionID, refreshToken string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/auth/logout", map[string]string{
		"session_id": sessionID, "refresh_token": refreshToken,
	}, nil)
}

// BiometricLogin re-authenticates a remembered session with its device secret.
func (c *Client) BiometricLogin(ctx context.Context, sessionID, deviceID string, secret []byte) (*TokenPair, error) {
	var pair TokenPair
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/auth/biometric/login", map[string]any{
		"session_id": sessionID, "device_id": deviceID, "secret": secret,
	}, &pair)
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

// BiometricEnroll registers the device secret on the current session.
func (c *Client) BiometricEnroll(ctx context.Context, secret []byte) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/auth/biometric/enroll", map[string]any{
		"secret": secret,
	}, nil)
}

// Sessions lists the account's active device sessions.
func (c *Client) Sessions(ctx context.Context) (json.RawMessage, error) {
	var resp json.RawMessage
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/auth/sessions", nil, &resp)
	return resp, err
}

// RevokeAll closes every session of the account.
func (c *Client) RevokeAll(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/auth/revoke-all", nil, nil)
}

// Pull fetches the delta after the checkpoint.
func (c *Client) Pull(ctx context.Context, checkpoint string) (*PullResponse, error) {
	var resp PullResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/sync/pull", map[string]string{
		"checkpoint": checkpoint,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Chunk continues a chunked pull.
func (c *Client) Chunk(ctx context.Context, resumeToken string) (*PullResponse, error) {
	var resp PullResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/sync/chunk", map[string]string{
		"resume_token": resumeToken,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Push submits local changes.
func (c *Client) Push(ctx context.Context, changes []model.Change) ([]PushOutcome, error) {
	var resp struct {
		Results []PushOutcome `json:"results"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/sync/push", map[string]any{
		"changes": changes,
	}, &resp)
	return resp.Results, err
}

// Status polls background sync progress.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/sync/status", nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resolve settles one conflict item.
func (c *Client) Resolve(ctx context.Context, queueID string, keepMine bool) error {
	resolution := "keep_server"
	if keepMine {
		resolution = "keep_mine"
	}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/sync/resolve", map[string]string{
		"queue_id": queueID, "resolution": resolution,
	}, nil)
}
