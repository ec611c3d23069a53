package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"advisor/internal/auth/models"
	"advisor/internal/platform/logger"
	"advisor/internal/platform/metrics"
	dErrors "advisor/pkg/domain-errors"
	"advisor/pkg/platform/sentinel"
)

// MsgBackendUnavailable is the Failed message for connectivity failures.
const MsgBackendUnavailable = "backend not available"

// API is the slice of the advising API the manager needs.
type API interface {
	Login(ctx context.Context, email, code string) (models.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error)
	Me(ctx context.Context, accessToken string) (models.User, error)
	Logout(ctx context.Context, refreshToken string) error
}

// Store persists the session. Load returns an error wrapping
// sentinel.ErrNotFound when no complete session exists.
type Store interface {
	Save(ctx context.Context, session models.Session) error
	Load(ctx context.Context) (models.Session, error)
	Clear(ctx context.Context) error
}

// Listener receives every state transition, synchronously and in order.
// It runs while the manager's writer lock is held: it may call State or
// AccessToken, but must not subscribe, unsubscribe or change state.
type Listener func(state models.AuthState)

// Manager owns the authentication state and the only write path to the
// persisted session.
//
// Locking: mu serializes every mutation (session writes, transitions and
// listener calls); stateMu guards the fields read by State and AccessToken.
// Network calls never run under either lock.
type Manager struct {
	api     API
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock

	refreshTimeout time.Duration
	refreshSkew    time.Duration
	logoutTimeout  time.Duration

	mu        sync.Mutex
	listeners []subscription
	nextSubID int

	stateMu sync.RWMutex
	state   models.AuthState
	session models.Session
	// epoch changes whenever the session is replaced or removed, so a
	// refresh that started before a logout cannot resurrect the session.
	epoch uint64
	// signOuts counts removals only; a sign-in that began before one is
	// discarded.
	signOuts uint64

	refreshGroup singleflight.Group
	revokes      sync.WaitGroup
}

type subscription struct {
	id int
	fn Listener
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithRefreshTimeout bounds the shared refresh attempt.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

// WithRefreshSkew sets how close to expiry the transport refreshes a JWT
// before sending. Zero disables proactive refresh.
func WithRefreshSkew(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.refreshSkew = d
		}
	}
}

// WithLogoutTimeout bounds the background revoke call.
func WithLogoutTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.logoutTimeout = d
		}
	}
}

func New(api API, store Store, opts ...Option) *Manager {
	m := &Manager{
		api:            api,
		store:          store,
		logger:         logger.Discard(),
		clock:          clockwork.NewRealClock(),
		refreshTimeout: 10 * time.Second,
		refreshSkew:    30 * time.Second,
		logoutTimeout:  5 * time.Second,
		state:          models.StateUnknown(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// State returns the current snapshot.
func (m *Manager) State() models.AuthState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// AccessToken returns the transient access token, or "" when signed out.
func (m *Manager) AccessToken() string {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.session.AccessToken
}

// Subscribe registers l and returns a func that removes it.
func (m *Manager) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.listeners = append(m.listeners, subscription{id: id, fn: l})
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.listeners {
				if s.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Initialize restores a persisted session. With no session the state
// becomes Unauthenticated; otherwise the profile is fetched, refreshing
// once on a 401. An unreachable session backend leaves the stored session
// alone and reports Failed.
func (m *Manager) Initialize(ctx context.Context) error {
	sess, err := m.store.Load(ctx)
	if errors.Is(err, sentinel.ErrUnavailable) {
		m.logger.WarnContext(ctx, "session backend unreachable", "error", err)
		m.dispatch(Failed{Message: MsgBackendUnavailable})
		return dErrors.Wrap(err, dErrors.CodeUnavailable, MsgBackendUnavailable)
	}
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			m.logger.WarnContext(ctx, "stored session unreadable; discarding", "error", err)
			if cerr := m.store.Clear(ctx); cerr != nil {
				m.logger.WarnContext(ctx, "failed to discard unreadable session", "error", cerr)
			}
		}
		m.dispatch(SignedOut{})
		return nil
	}

	m.mutate(func() error {
		m.setSessionLocked(sess)
		return nil
	}, Started{})

	user, err := m.api.Me(ctx, sess.AccessToken)
	if isUnauthorized(err) {
		m.logger.InfoContext(ctx, "stored access token rejected; refreshing")
		if rerr := m.Refresh(ctx); rerr != nil {
			return rerr
		}
		user, err = m.api.Me(ctx, m.AccessToken())
		if isUnauthorized(err) {
			if clearErr := m.signOut(ctx); clearErr != nil {
				return errors.Join(err, clearErr)
			}
			return err
		}
	}
	if err != nil {
		m.dispatch(Failed{Message: failureMessage(err)})
		return err
	}
	m.dispatch(Succeeded{User: user})
	return nil
}

// Login establishes a new session. Tokens come from req.Issued or from
// exchanging req.Email and req.Code. The session is persisted only after
// the profile fetch with the new token succeeds; on any failure the state
// becomes Failed and the previous session is left untouched. A Logout
// that lands while Login is in flight wins: nothing is persisted and the
// error has dErrors.CodeCancelled.
func (m *Manager) Login(ctx context.Context, req models.LoginRequest) (models.User, error) {
	m.dispatch(Started{})
	signOuts := m.signOutCount()

	var pair models.TokenPair
	if req.Issued != nil {
		pair = *req.Issued
	} else {
		exchanged, err := m.api.Login(ctx, req.Email, req.Code)
		if err != nil {
			return models.User{}, m.loginFailed(ctx, err)
		}
		pair = exchanged
	}
	next := pair.Session()
	if !next.Valid() {
		return models.User{}, m.loginFailed(ctx, dErrors.New(dErrors.CodeRejected, "server returned an incomplete session"))
	}

	user, err := m.api.Me(ctx, next.AccessToken)
	if err != nil {
		return models.User{}, m.loginFailed(ctx, err)
	}

	var superseded bool
	err = m.mutate(func() error {
		if m.signOutCount() != signOuts {
			superseded = true
			return errSignedOutDuringLogin
		}
		if err := m.store.Save(ctx, next); err != nil {
			return err
		}
		m.setSessionLocked(next)
		return nil
	}, Succeeded{User: user})
	if superseded {
		m.logger.InfoContext(ctx, "sign-in discarded; signed out meanwhile")
		return models.User{}, err
	}
	if err != nil {
		return models.User{}, m.loginFailed(ctx, dErrors.Wrap(err, dErrors.CodeInternal, "could not persist session"))
	}
	m.logger.InfoContext(ctx, "signed in", "remember_device", req.RememberDevice)
	return user, nil
}

var errSignedOutDuringLogin = dErrors.New(dErrors.CodeCancelled, "signed out while signing in")

// Logout clears the session and moves to Unauthenticated immediately. The
// server-side revoke runs in the background; Close waits for it.
func (m *Manager) Logout(ctx context.Context) error {
	var refreshToken string
	var clearErr error
	m.mutate(func() error {
		refreshToken = m.session.RefreshToken
		clearErr = m.store.Clear(ctx)
		m.setSessionLocked(models.Session{})
		return nil
	}, SignedOut{})

	if refreshToken != "" {
		m.revokes.Add(1)
		go m.revoke(context.WithoutCancel(ctx), refreshToken)
	}
	if clearErr != nil {
		m.logger.ErrorContext(ctx, "failed to clear persisted session", "error", clearErr)
		return clearErr
	}
	return nil
}

func (m *Manager) revoke(ctx context.Context, refreshToken string) {
	defer m.revokes.Done()
	ctx, cancel := context.WithTimeout(ctx, m.logoutTimeout)
	defer cancel()
	if err := m.api.Logout(ctx, refreshToken); err != nil {
		m.logger.DebugContext(ctx, "server-side revoke failed", "error", err)
	}
}

// Fail reports a rejected attempt without touching the persisted session.
func (m *Manager) Fail(message string) {
	m.dispatch(Failed{Message: message})
}

// ReloadProfile re-fetches the user and replaces the snapshot. It refreshes
// once on a 401.
func (m *Manager) ReloadProfile(ctx context.Context) (models.User, error) {
	token := m.AccessToken()
	if token == "" {
		return models.User{}, dErrors.New(dErrors.CodeUnauthorized, "not signed in")
	}
	user, err := m.api.Me(ctx, token)
	if isUnauthorized(err) {
		if rerr := m.refreshIfStale(ctx, token); rerr != nil {
			return models.User{}, rerr
		}
		user, err = m.api.Me(ctx, m.AccessToken())
	}
	if err != nil {
		return models.User{}, err
	}
	m.dispatch(ProfileReplaced{User: user})
	return user, nil
}

// Close waits for background revokes started by Logout.
func (m *Manager) Close() {
	m.revokes.Wait()
}

func (m *Manager) loginFailed(ctx context.Context, err error) error {
	msg := failureMessage(err)
	m.logger.InfoContext(ctx, "sign-in failed", "reason", msg)
	m.dispatch(Failed{Message: msg})
	return err
}

// signOut clears the session unconditionally. The in-memory session is
// dropped even when the store cannot be cleared; that error is returned so
// callers can report that the persisted pair survived.
func (m *Manager) signOut(ctx context.Context) error {
	var clearErr error
	m.mutate(func() error {
		if clearErr = m.store.Clear(ctx); clearErr != nil {
			m.logger.ErrorContext(ctx, "failed to clear persisted session", "error", clearErr)
		}
		m.setSessionLocked(models.Session{})
		return nil
	}, SignedOut{})
	return clearErr
}

func (m *Manager) dispatch(a Action) {
	m.mutate(nil, a)
}

// mutate runs fn and, if it succeeds, applies a (when non-nil), all under
// the writer lock.
func (m *Manager) mutate(fn func() error, a Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn != nil {
		if err := fn(); err != nil {
			return err
		}
	}
	if a != nil {
		m.transitionLocked(a)
	}
	return nil
}

func (m *Manager) transitionLocked(a Action) {
	m.stateMu.Lock()
	next, changed := Reduce(m.state, a)
	m.state = next
	m.stateMu.Unlock()
	if !changed {
		return
	}
	m.metrics.ObserveAuthTransition(next.Kind().String())
	m.logger.Debug("auth state changed", "state", next.Kind().String())
	for _, s := range m.listeners {
		s.fn(next)
	}
}

// setSessionLocked requires m.mu.
func (m *Manager) setSessionLocked(s models.Session) {
	m.stateMu.Lock()
	m.session = s
	m.epoch++
	if !s.Valid() {
		m.signOuts++
	}
	m.stateMu.Unlock()
}

func (m *Manager) snapshot() (models.Session, uint64) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.session, m.epoch
}

func (m *Manager) signOutCount() uint64 {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.signOuts
}

func isUnauthorized(err error) bool {
	return dErrors.HasCode(err, dErrors.CodeUnauthorized)
}

func isTransportUnavailable(err error) bool {
	return dErrors.HasCode(err, dErrors.CodeUnavailable) || dErrors.HasCode(err, dErrors.CodeTimeout)
}

func failureMessage(err error) string {
	if isTransportUnavailable(err) {
		return MsgBackendUnavailable
	}
	return dErrors.Message(err)
}
