package api

import (
	"context"
	"net/http"
	"strings"
)

// TokenProvider supplies access tokens to the transport. ForceRefresh must
// coordinate concurrent callers itself (single network refresh, shared
// result); the transport only decides when to call it.
type TokenProvider interface {
	// AccessToken returns the current token, empty when unauthenticated.
	AccessToken(ctx context.Context) (string, error)
	// ForceRefresh obtains a fresh token after the current one was rejected.
	ForceRefresh(ctx context.Context) (string, error)
}

// bootstrapPaths never receive an Authorization header. Refresh being on the
// list is what makes refresh loops structurally impossible.
var bootstrapPaths = []string{
	"/api/v1/auth/register",
	"/api/v1/auth/login",
	"/api/v1/auth/refresh",
	"/api/v1/auth/logout",
	"/api/v1/auth/biometric/login",
}

func isBootstrap(path string) bool {
	for _, p := range bootstrapPaths {
		if strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}

// authTransport is the single chokepoint for outbound authentication: it
// attaches the access token and, on a 401 from a non-bootstrap endpoint,
// performs exactly one refresh-and-retry for that request.
type authTransport struct {
	next   http.RoundTripper
	tokens TokenProvider
}

func newAuthTransport(next http.RoundTripper, tokens TokenProvider) *authTransport {
	return &authTransport{next: next, tokens: tokens}
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if isBootstrap(req.URL.Path) || t.tokens == nil {
		return t.next.RoundTrip(req)
	}

	ctx := req.Context()
	token, err := t.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	attempt := cloneWithToken(req, token)
	resp, err := t.next.RoundTrip(attempt)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// One coordinated refresh, one retry. The retry state is per request;
	// a second 401 surfaces to the caller as a hard failure.
	resp.Body.Close()
	fresh, err := t.tokens.ForceRefresh(ctx)
	if err != nil {
		return nil, err
	}
	retry := cloneWithToken(req, fresh)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return t.next.RoundTrip(retry)
}

func cloneWithToken(req *http.Request, token string) *http.Request {
	clone := req.Clone(req.Context())
	if token != "" {
		clone.Header.Set("Authorization", "Bearer "+token)
	}
	return clone
}
