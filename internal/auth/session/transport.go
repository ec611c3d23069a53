package session

import (
	"io"
	"net/http"

	"advisor/internal/auth/tokens"
	dErrors "advisor/pkg/domain-errors"
)

// Transport returns a RoundTripper that authorizes requests with the
// current access token. On a 401 it refreshes at most once and retries
// the request once; requests whose body cannot be replayed get the 401
// back. A JWT access token that expires within the refresh skew is
// refreshed before sending.
func (m *Manager) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{m: m, base: base}
}

type authTransport struct {
	m    *Manager
	base http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	if req.Body != nil && req.Body != http.NoBody && req.GetBody != nil {
		// every attempt sends a GetBody copy
		defer req.Body.Close()
	}

	token := t.m.AccessToken()
	if token == "" {
		closeBody(req)
		return nil, dErrors.New(dErrors.CodeUnauthorized, "not signed in")
	}
	if t.m.refreshSkew > 0 && tokens.ExpiresWithin(token, t.m.clock.Now(), t.m.refreshSkew) {
		if err := t.m.refreshIfStale(ctx, token); err != nil {
			closeBody(req)
			return nil, err
		}
		token = t.m.AccessToken()
	}

	resp, err := t.send(req, token)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || !replayable {
		return resp, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	if err := t.m.refreshIfStale(ctx, token); err != nil {
		return nil, err
	}
	return t.send(req, t.m.AccessToken())
}

func (t *authTransport) send(req *http.Request, token string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	out.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(out)
}

func closeBody(req *http.Request) {
	if req.Body != nil && req.GetBody == nil {
		_ = req.Body.Close()
	}
}
