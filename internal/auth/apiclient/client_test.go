package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"advisor/internal/auth/models"
	"advisor/internal/platform/metrics"
	dErrors "advisor/pkg/domain-errors"
	"advisor/pkg/platform/circuit"
	"advisor/pkg/requestcontext"
	"advisor/pkg/testutil"
	"advisor/pkg/testutil/fakeapi"
)

type ClientSuite struct {
	suite.Suite
	api    *fakeapi.Server
	client *Client
	ctx    context.Context
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.api = fakeapi.New()
	s.T().Cleanup(s.api.Close)
	s.client = New(s.api.URL, WithTimeout(2*time.Second))
	s.ctx = context.Background()
}

func (s *ClientSuite) TestSignInRoundTrip() {
	s.api.AddUser(models.User{Email: "jane@selu.edu", FirstName: "Jane", LastName: "Doe", WNumber: "W1234567"})

	s.Require().NoError(s.client.SendOTP(s.ctx, "jane@selu.edu", true))
	res, err := s.client.VerifyOTP(s.ctx, "jane@selu.edu", fakeapi.DefaultCode, true)
	s.Require().NoError(err)
	s.Require().NotNil(res.Tokens)
	s.False(res.AlreadyVerified)

	user, err := s.client.Me(s.ctx, res.Tokens.AccessToken)
	s.Require().NoError(err)
	s.Equal("Jane", user.FirstName)
	s.Equal("W1234567", user.WNumber)
}

func (s *ClientSuite) TestVerifyRejectedCarriesDetail() {
	s.Require().NoError(s.client.SendOTP(s.ctx, "jane@selu.edu", false))

	_, err := s.client.VerifyOTP(s.ctx, "jane@selu.edu", "000000", false)
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeRejected))
	s.Equal("Invalid verification code", dErrors.Message(err))
}

func (s *ClientSuite) TestVerifyAlreadyVerified() {
	s.Run("success body", func() {
		s.api.MarkVerified("jane@selu.edu")
		res, err := s.client.VerifyOTP(s.ctx, "jane@selu.edu", "123456", false)
		s.Require().NoError(err)
		s.True(res.AlreadyVerified)
		s.Nil(res.Tokens)
	})
	s.Run("error body", func() {
		s.api.Handle(http.MethodPost, "/auth/verify-otp", func(w http.ResponseWriter, _ *http.Request) {
			testutil.WriteDetail(w, http.StatusBadRequest, "User Already Verified")
		})
		res, err := s.client.VerifyOTP(s.ctx, "jane@selu.edu", "123456", false)
		s.Require().NoError(err)
		s.True(res.AlreadyVerified)
	})
}

func (s *ClientSuite) TestRefresh() {
	s.api.AddUser(models.User{Email: "jane@selu.edu"})
	pair := s.api.IssueSession("jane@selu.edu")

	next, err := s.client.Refresh(s.ctx, pair.RefreshToken)
	s.Require().NoError(err)
	s.NotEqual(pair.AccessToken, next.AccessToken)
	s.NotEmpty(next.RefreshToken)

	_, err = s.client.Refresh(s.ctx, pair.RefreshToken)
	s.True(IsUnauthorized(err), "rotated refresh token is no longer valid")
}

func (s *ClientSuite) TestMeUnauthorized() {
	_, err := s.client.Me(s.ctx, "bogus")
	s.True(IsUnauthorized(err))
	s.Equal("Could not validate credentials", dErrors.Message(err))
}

func (s *ClientSuite) TestLogoutRevokes() {
	pair := s.api.IssueSession("jane@selu.edu")
	s.Require().NoError(s.client.Logout(s.ctx, pair.RefreshToken))
	s.False(s.api.RefreshTokenActive(pair.RefreshToken))
}

func (s *ClientSuite) TestRegistrationFlow() {
	reg := models.Registration{Email: "sam@selu.edu", FirstName: "Sam", LastName: "Lee"}
	reg.Normalize()
	s.Require().NoError(s.client.Register(s.ctx, reg))

	res, err := s.client.VerifyRegistration(s.ctx, "sam@selu.edu", fakeapi.DefaultCode)
	s.Require().NoError(err)
	s.Require().NotNil(res.Tokens)

	err = s.client.Register(s.ctx, reg)
	s.True(dErrors.Is(err, dErrors.CodeRejected))
	s.Equal("Email already registered", dErrors.Message(err))

	s.Require().NoError(s.client.ResendRegistrationOTP(s.ctx, "sam@selu.edu"))
	s.Equal(1, s.api.Calls(http.MethodPost, "/auth/resend-registration-otp"))
}

func (s *ClientSuite) TestRequestIDPropagates() {
	seen := make(chan string, 2)
	s.api.Handle(http.MethodPost, "/auth/send-otp", func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("X-Request-ID")
		testutil.WriteJSON(w, http.StatusOK, nil)
	})

	ctx := requestcontext.WithRequestID(s.ctx, "req-123")
	s.Require().NoError(s.client.SendOTP(ctx, "jane@selu.edu", false))
	s.Equal("req-123", <-seen)

	s.Require().NoError(s.client.SendOTP(s.ctx, "jane@selu.edu", false))
	generated := <-seen
	s.NotEmpty(generated)
	s.NotEqual("req-123", generated)
}

func TestErrorFromResponse(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode dErrors.Code
		wantMsg  string
	}{
		{"string detail", 400, `{"detail":"Invalid verification code"}`, dErrors.CodeRejected, "Invalid verification code"},
		{"list detail", 422, `{"detail":[{"msg":"field required"},{"msg":"bad email"}]}`, dErrors.CodeRejected, "field required; bad email"},
		{"message fallback", 400, `{"message":"nope"}`, dErrors.CodeRejected, "nope"},
		{"default message", 400, `not json`, dErrors.CodeRejected, "Verification failed"},
		{"unauthorized", 401, `{"detail":"expired"}`, dErrors.CodeUnauthorized, "expired"},
		{"forbidden", 403, `{}`, dErrors.CodeForbidden, "Verification failed"},
		{"rate limited", 429, `{"detail":"slow down"}`, dErrors.CodeRateLimited, "slow down"},
		{"gateway", 503, `{"detail":"maintenance"}`, dErrors.CodeUnavailable, MsgBackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ErrorFromResponse(tt.status, []byte(tt.body), "Verification failed")
			assert.True(t, dErrors.Is(err, tt.wantCode), "code %s", dErrors.CodeOf(err))
			assert.Equal(t, tt.wantMsg, dErrors.Message(err))
		})
	}
}

func TestClient_TransportUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url)
	err := c.SendOTP(context.Background(), "jane@selu.edu", false)
	require.Error(t, err)
	assert.True(t, IsTransportUnavailable(err))
	assert.Equal(t, MsgBackendUnavailable, dErrors.Message(err))
}

func TestClient_TimeoutIsBounded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := New(srv.URL, WithTimeout(50*time.Millisecond))
	_, err := c.Refresh(context.Background(), "refresh-1")
	require.Error(t, err)
	assert.True(t, dErrors.Is(err, dErrors.CodeTimeout))
	assert.True(t, IsTransportUnavailable(err))
}

func TestClient_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	breaker := circuit.New("test", circuit.WithFailureThreshold(1))
	c := New(srv.URL, WithBreaker(breaker))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := c.SendOTP(ctx, "jane@selu.edu", false)
	assert.True(t, dErrors.Is(err, dErrors.CodeCancelled))
	assert.False(t, breaker.IsOpen(), "caller cancellation is not a backend failure")
}

func TestClient_BreakerShortCircuits(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	breaker := circuit.New("test",
		circuit.WithFailureThreshold(2),
		circuit.WithSuccessThreshold(1),
		circuit.WithCooldown(time.Minute),
		circuit.WithClock(func() time.Time { return now }))
	m := metrics.New(prometheus.NewRegistry())
	c := New(srv.URL, WithBreaker(breaker), WithMetrics(m))
	ctx := context.Background()

	for range 2 {
		err := c.ResendOTP(ctx, "jane@selu.edu")
		require.True(t, IsTransportUnavailable(err))
	}
	require.True(t, breaker.IsOpen())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.BackendDegraded))
	assert.Error(t, c.Healthy(ctx))

	err := c.ResendOTP(ctx, "jane@selu.edu")
	assert.True(t, IsTransportUnavailable(err))
	assert.Equal(t, int32(2), hits.Load(), "open breaker must not reach the server")
}

func TestClient_SendsJSONBodies(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got map[string]any
		_ = json.NewDecoder(r.Body).Decode(&got)
		got["content_type"] = r.Header.Get("Content-Type")
		bodies <- got
		testutil.WriteJSON(w, http.StatusOK, models.TokenPair{AccessToken: "a2"})
	}))
	t.Cleanup(srv.Close)

	pair, err := New(srv.URL+"/").Refresh(context.Background(), "r1")
	require.NoError(t, err)
	got := <-bodies
	assert.Equal(t, "r1", got["refresh_token"])
	assert.Equal(t, "application/json", got["content_type"])
	assert.Equal(t, "a2", pair.AccessToken)
	assert.Empty(t, pair.RefreshToken, "omitted refresh token is passed through as empty")
}
