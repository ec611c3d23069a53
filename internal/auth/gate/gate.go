// Package gate admits or redirects navigation based on the session state.
package gate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"advisor/internal/auth/models"
	"advisor/internal/platform/logger"
)

// LoginPath is where unauthenticated visitors are sent.
const LoginPath = "/login"

// DefaultPublicPaths are admitted regardless of state.
var DefaultPublicPaths = []string{LoginPath, "/register", "/healthz", "/metrics"}

type Decision int

const (
	Admit Decision = iota
	Wait
	Redirect
)

func (d Decision) String() string {
	switch d {
	case Wait:
		return "wait"
	case Redirect:
		return "redirect"
	default:
		return "admit"
	}
}

// Verdict is the gate's answer for one navigation. Location is set only
// for Redirect.
type Verdict struct {
	Decision Decision
	Location string
}

// Decide maps a protected path and the current state to a verdict: admit
// when authenticated, wait while the state is still being settled, and
// redirect to the login page otherwise.
func Decide(state models.AuthState, path string) Verdict {
	switch state.Kind() {
	case models.AuthAuthenticated:
		return Verdict{Decision: Admit}
	case models.AuthUnknown, models.AuthAuthenticating:
		return Verdict{Decision: Wait}
	default:
		return Verdict{Decision: Redirect, Location: LoginLocation(path)}
	}
}

// LoginLocation is the login URL that returns the visitor to from.
func LoginLocation(from string) string {
	if from == "" || from == "/" || from == LoginPath {
		return LoginPath
	}
	return LoginPath + "?from=" + url.QueryEscape(from)
}

// StateSource is satisfied by session.Manager.
type StateSource interface {
	State() models.AuthState
}

type userKey struct{}

// UserFromContext returns the user admitted by Require.
func UserFromContext(ctx context.Context) (models.User, bool) {
	u, ok := ctx.Value(userKey{}).(models.User)
	return u, ok
}

type config struct {
	logger *slog.Logger
	public map[string]bool
}

type Option func(*config)

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPublicPaths replaces DefaultPublicPaths.
func WithPublicPaths(paths ...string) Option {
	return func(c *config) {
		c.public = make(map[string]bool, len(paths))
		for _, p := range paths {
			c.public[p] = true
		}
	}
}

// Require guards next with the current session state. Visitors still being
// authenticated get 503 with Retry-After; signed-out visitors are sent to
// the login page, or get 401 when they asked for JSON.
func Require(source StateSource, opts ...Option) func(http.Handler) http.Handler {
	cfg := config{logger: logger.Discard()}
	WithPublicPaths(DefaultPublicPaths...)(&cfg)
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			state := source.State()
			verdict := Decide(state, r.URL.RequestURI())
			switch verdict.Decision {
			case Admit:
				user, _ := state.User()
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
			case Wait:
				w.Header().Set("Retry-After", "1")
				writeError(w, cfg.logger, http.StatusServiceUnavailable, "loading", "Loading your account...")
			default:
				if wantsJSON(r) {
					writeError(w, cfg.logger, http.StatusUnauthorized, "unauthorized", "Sign in to continue")
					return
				}
				http.Redirect(w, r, verdict.Location, http.StatusSeeOther)
			}
		})
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func writeError(w http.ResponseWriter, log *slog.Logger, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": description})
	if err != nil {
		log.Error("failed to write gate response", "error", err)
	}
}
