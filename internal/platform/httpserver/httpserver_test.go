package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advisor/pkg/requestcontext"
)

func TestOpsRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "advisor_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	t.Run("metrics exposes registry", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewOpsRouter(reg, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "advisor_test_total 1")
	})

	t.Run("healthz reports failing check", func(t *testing.T) {
		check := func(context.Context) error { return errors.New("redis down") }
		rec := httptest.NewRecorder()
		NewOpsRouter(reg, check).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "redis down")
	})

	t.Run("healthz ok without check", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewOpsRouter(reg, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("extra routes are mounted", func(t *testing.T) {
		extra := func(r chi.Router) {
			r.Get("/session", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
		}
		rec := httptest.NewRecorder()
		NewOpsRouter(reg, nil, extra).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestRequestContext(t *testing.T) {
	var seen string
	h := RequestContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestcontext.RequestID(r.Context())
	}))

	t.Run("inbound id is kept and echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/session", nil)
		req.Header.Set(HeaderRequestID, "req-42")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "req-42", seen)
		assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
	})

	t.Run("missing id is generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session", nil))
		require.NotEmpty(t, seen)
		assert.NotEqual(t, "req-42", seen)
		assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))
	})
}
