package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/phelinki/smor-ting-sub004/internal/errs"
	"github.com/phelinki/smor-ting-sub004/internal/model"
	"github.com/phelinki/smor-ting-sub004/internal/service"
)

type fakeAuth struct {
	pair       model.TokenPair
	refreshErr error
	claims     *service.AccessClaims
	sessions   []model.DeviceSession

	refreshCalls int
	logoutCalls  int
}

var _ service.AuthService = (*fakeAuth)(nil)

func (f *fakeAuth) Register(_ context.Context, email, password, role string) (string, error) {
	if email == "taken@x.y" {
		return "", errs.ErrAlreadyExists
	}
	return uuid.Must(uuid.NewV4()).String(), nil
}
func (f *fakeAuth) LoginWithIP(_ context.Context, email, password, _ string, _ model.DeviceInfo, _ bool) (model.TokenPair, model.User, error) {
	if password != "good" {
		return model.TokenPair{}, model.User{}, errs.ErrUnauthorized
	}
	return f.pair, model.User{Email: email}, nil
}
func (f *fakeAuth) Refresh(_ context.Context, _ uuid.UUID, _ string) (model.TokenPair, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return model.TokenPair{}, f.refreshErr
	}
	return f.pair, nil
}
func (f *fakeAuth) Revoke(_ context.Context, _ uuid.UUID) error { return nil }
func (f *fakeAuth) Logout(_ context.Context, _ uuid.UUID, _ string) error {
	f.logoutCalls++
	return nil
}
func (f *fakeAuth) RevokeAll(_ context.Context, _ uuid.UUID) error { return nil }
func (f *fakeAuth) Ping(_ context.Context, _ uuid.UUID) error      { return nil }
func (f *fakeAuth) Sessions(_ context.Context, _ uuid.UUID) ([]model.DeviceSession, error) {
	return f.sessions, nil
}
func (f *fakeAuth) EnrollBiometric(_ context.Context, _ uuid.UUID, _ []byte) error { return nil }
func (f *fakeAuth) BiometricLogin(_ context.Context, _ uuid.UUID, _ string, _ []byte) (model.TokenPair, error) {
	return f.pair, nil
}
func (f *fakeAuth) ValidateAccess(token string) (*service.AccessClaims, error) {
	if token != "valid-access" {
		return nil, errs.ErrMalformedToken
	}
	return f.claims, nil
}

type fakeSync struct {
	pull    *service.PullResult
	pullErr error
	push    []service.PushResult
	status  *service.SyncStatus
}

var _ service.SyncService = (*fakeSync)(nil)

func (f *fakeSync) PullSince(_ context.Context, _ uuid.UUID, _ string) (*service.PullResult, error) {
	return f.pull, f.pullErr
}
func (f *fakeSync) PullChunk(_ context.Context, _ uuid.UUID, _ string) (*service.PullResult, error) {
	return f.pull, f.pullErr
}
func (f *fakeSync) PushChange(_ context.Context, _ uuid.UUID, _ []model.Change) ([]service.PushResult, error) {
	return f.push, nil
}
func (f *fakeSync) Status(_ context.Context, _ uuid.UUID) (*service.SyncStatus, error) {
	return f.status, nil
}
func (f *fakeSync) Resolve(_ context.Context, _, _ uuid.UUID, _ bool) error { return nil }
func (f *fakeSync) Metrics(_ context.Context, _ uuid.UUID, _ int) ([]model.SyncMetrics, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*Server, *fakeAuth, *fakeSync) {
	t.Helper()
	sid := uuid.Must(uuid.NewV4())
	auth := &fakeAuth{
		pair: model.TokenPair{
			AccessToken:      "access-1",
			RefreshToken:     "refresh-1",
			SessionID:        sid,
			TokenExpiresAt:   time.Now().Add(30 * time.Minute).UTC(),
			RefreshExpiresAt: time.Now().Add(24 * time.Hour).UTC(),
		},
		claims: &service.AccessClaims{
			UserID:    uuid.Must(uuid.NewV4()),
			SessionID: sid,
			Email:     "a@b.c",
			Role:      "customer",
		},
	}
	sync := &fakeSync{
		pull:   &service.PullResult{Checkpoint: "cp-1"},
		status: &service.SyncStatus{Status: &model.BackgroundSyncStatus{}},
	}
	return New(auth, sync, nil), auth, sync
}

func doJSON(t *testing.T, s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRefresh_WireContract(t *testing.T) {
	s, auth, _ := newTestServer(t)

	body := `{"refresh_token":"r1","session_id":"` + auth.pair.SessionID.String() + `"}`
	rec := doJSON(t, s, http.MethodPost, "/api/v1/auth/refresh", "", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, field := range []string{"success", "access_token", "refresh_token", "token_expires_at", "refresh_expires_at"} {
		if _, ok := resp[field]; !ok {
			t.Fatalf("response missing %q: %v", field, resp)
		}
	}
	if resp["success"] != true {
		t.Fatal("success not true")
	}
}

func TestRefresh_ReusedToken_DistinguishableCode(t *testing.T) {
	s, auth, _ := newTestServer(t)
	auth.refreshErr = errs.ErrTokenReused

	body := `{"refresh_token":"stale","session_id":"` + auth.pair.SessionID.String() + `"}`
	rec := doJSON(t, s, http.MethodPost, "/api/v1/auth/refresh", "", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
	var resp errorResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Error != "token_reused" {
		t.Fatalf("error code %q, want token_reused", resp.Error)
	}
}

func TestRefresh_MalformedSessionID(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/auth/refresh", "", `{"refresh_token":"r","session_id":"not-a-uuid"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/auth/login",
		"", `{"email":"a@b.c","password":"bad","device":{"device_id":"d1"}}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/auth/register", "", `{"email":"taken@x.y","password":"p"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", rec.Code)
	}
}

func TestSyncRoutes_RequireAuth(t *testing.T) {
	s, _, _ := newTestServer(t)

	for _, path := range []string{"/api/v1/sync/pull", "/api/v1/sync/push", "/api/v1/sync/chunk"} {
		rec := doJSON(t, s, http.MethodPost, path, "", `{}`)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: status %d, want 401", path, rec.Code)
		}
		rec = doJSON(t, s, http.MethodPost, path, "wrong-token", `{}`)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s with bad token: status %d, want 401", path, rec.Code)
		}
	}
}

func TestPull_ResponseShape(t *testing.T) {
	s, _, sync := newTestServer(t)
	recID := uuid.Must(uuid.NewV4())
	sync.pull = &service.PullResult{
		Records: []model.Record{{
			ID: recID, Collection: "bookings", Payload: json.RawMessage(`{"x":1}`), Version: 2,
			UpdatedAt: time.Now().UTC(),
		}},
		Checkpoint: "cp-2",
	}

	rec := doJSON(t, s, http.MethodPost, "/api/v1/sync/pull", "valid-access", `{"checkpoint":""}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp pullResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Checkpoint != "cp-2" || len(resp.Data) != 1 || resp.Data[0].ID != recID {
		t.Fatalf("bad response %+v", resp)
	}
	if resp.ResumeToken != "" {
		t.Fatal("unchunked pull leaked resume token")
	}
}

func TestPull_ChunkedResponseCarriesResumeFields(t *testing.T) {
	s, _, sync := newTestServer(t)
	sync.pull = &service.PullResult{
		Checkpoint: "cp", HasMore: true, Chunked: true,
		ResumeToken: "rt-1", NextChunk: 1, TotalChunks: 3,
	}

	rec := doJSON(t, s, http.MethodPost, "/api/v1/sync/pull", "valid-access", `{"checkpoint":""}`)
	var resp pullResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.ResumeToken != "rt-1" || resp.NextChunk != 1 || resp.TotalChunks != 3 || !resp.HasMore {
		t.Fatalf("chunk fields missing: %+v", resp)
	}
}

func TestPush_ReportsPerChangeOutcome(t *testing.T) {
	s, _, sync := newTestServer(t)
	okID := uuid.Must(uuid.NewV4())
	conflictID := uuid.Must(uuid.NewV4())
	sync.push = []service.PushResult{
		{RecordID: okID, Accepted: true, QueueID: uuid.Must(uuid.NewV4())},
		{RecordID: conflictID, Accepted: false, QueueID: uuid.Must(uuid.NewV4())},
	}

	body := `{"changes":[{"record_id":"` + okID.String() + `","collection":"bookings","base_version":1,"payload":{}},
		{"record_id":"` + conflictID.String() + `","collection":"bookings","base_version":1,"payload":{}}]}`
	rec := doJSON(t, s, http.MethodPost, "/api/v1/sync/push", "valid-access", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Results []pushResultView `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Results[0].Status != "accepted" || resp.Results[1].Status != "conflict" {
		t.Fatalf("bad outcomes %+v", resp.Results)
	}
}

func TestLogout_NoAuthHeaderNeeded(t *testing.T) {
	s, auth, _ := newTestServer(t)
	body := `{"refresh_token":"r1","session_id":"` + auth.pair.SessionID.String() + `"}`
	rec := doJSON(t, s, http.MethodPost, "/api/v1/auth/logout", "", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if auth.logoutCalls != 1 {
		t.Fatalf("logout calls %d, want 1", auth.logoutCalls)
	}
}

func TestResolve_ValidatesResolution(t *testing.T) {
	s, _, _ := newTestServer(t)
	body := `{"queue_id":"` + uuid.Must(uuid.NewV4()).String() + `","resolution":"merge"}`
	rec := doJSON(t, s, http.MethodPost, "/api/v1/sync/resolve", "valid-access", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}
