package otp

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"advisor/internal/auth/apiclient"
	"advisor/internal/auth/models"
	"advisor/internal/platform/logger"
	"advisor/internal/platform/metrics"
	dErrors "advisor/pkg/domain-errors"
)

// DefaultCooldownSeconds is the wait before a code may be resent.
const DefaultCooldownSeconds = 120

type Mode int

const (
	ModeSignIn Mode = iota
	ModeRegister
)

func (m Mode) String() string {
	if m == ModeRegister {
		return "register"
	}
	return "sign_in"
}

type Step int

const (
	StepIdle Step = iota
	StepAwaitingCode
	StepVerifying
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepAwaitingCode:
		return "awaiting_code"
	case StepVerifying:
		return "verifying"
	case StepDone:
		return "done"
	default:
		return "idle"
	}
}

// API is the set of verification endpoints the controller calls.
type API interface {
	SendOTP(ctx context.Context, email string, rememberDevice bool) error
	ResendOTP(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, email, code string, rememberDevice bool) (apiclient.VerifyResult, error)
	Register(ctx context.Context, reg models.Registration) error
	VerifyRegistration(ctx context.Context, email, code string) (apiclient.VerifyResult, error)
	ResendRegistrationOTP(ctx context.Context, email string) error
}

// Sessions is the part of session.Manager the controller delegates to.
type Sessions interface {
	Login(ctx context.Context, req models.LoginRequest) (models.User, error)
	Fail(message string)
}

// Snapshot is a consistent view of the flow.
type Snapshot struct {
	Step                  Step
	Mode                  Mode
	Email                 string
	RememberDevice        bool
	ResendCooldownSeconds int
	Error                 string
}

// Controller drives the two-step passwordless flow for sign-in and
// registration.
//
// Operations that reach the network are serialized by opMu. Cancel is not:
// it bumps gen so an operation that returns afterwards discards its result.
// timerMu pairs each state change with the countdown call that goes with it.
type Controller struct {
	api      API
	sessions Sessions
	logger   *slog.Logger
	metrics  *metrics.Metrics

	cooldown    int
	emailDomain string
	countdown   *Countdown

	opMu    sync.Mutex
	timerMu sync.Mutex

	mu      sync.Mutex
	gen     uint64
	step    Step
	mode    Mode
	pending *models.VerificationContext
	lastErr string
}

type controllerConfig struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	clock       clockwork.Clock
	onTick      func(remaining int)
	cooldown    int
	emailDomain string
}

type Option func(*controllerConfig)

func WithLogger(l *slog.Logger) Option {
	return func(c *controllerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *controllerConfig) {
		c.metrics = m
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *controllerConfig) {
		c.clock = clock
	}
}

// WithCooldown sets the resend cooldown in seconds.
func WithCooldown(seconds int) Option {
	return func(c *controllerConfig) {
		if seconds >= 0 {
			c.cooldown = seconds
		}
	}
}

// WithEmailDomain restricts addresses to one institution. Empty allows any.
func WithEmailDomain(domain string) Option {
	return func(c *controllerConfig) {
		c.emailDomain = domain
	}
}

// WithTickObserver is called after every cooldown tick. It may call
// Snapshot; it must not call other controller methods.
func WithTickObserver(fn func(remaining int)) Option {
	return func(c *controllerConfig) {
		c.onTick = fn
	}
}

func New(api API, sessions Sessions, opts ...Option) *Controller {
	cfg := controllerConfig{
		logger:   logger.Discard(),
		cooldown: DefaultCooldownSeconds,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Controller{
		api:         api,
		sessions:    sessions,
		logger:      cfg.logger,
		metrics:     cfg.metrics,
		cooldown:    cfg.cooldown,
		emailDomain: cfg.emailDomain,
		countdown: NewCountdown(
			WithCountdownClock(cfg.clock),
			OnTick(cfg.onTick),
		),
	}
}

// Snapshot returns the current step, context and cooldown.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{Step: c.step, Mode: c.mode, Error: c.lastErr}
	if c.pending != nil {
		snap.Email = c.pending.Email
		snap.RememberDevice = c.pending.RememberDevice
		snap.ResendCooldownSeconds = c.countdown.Remaining()
	}
	return snap
}

// Verification returns the outstanding verification context, if any.
func (c *Controller) Verification() (models.VerificationContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return models.VerificationContext{}, false
	}
	vc := *c.pending
	vc.ResendCooldownSeconds = c.countdown.Remaining()
	return vc, true
}

// RequestCode asks the server to email a sign-in code. On success the flow
// waits for the code with the resend cooldown running; on failure it stays
// Idle and the error is returned.
func (c *Controller) RequestCode(ctx context.Context, email string, rememberDevice bool) error {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email, c.emailDomain); err != nil {
		c.setError(err)
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	gen := c.begin()

	if err := c.api.SendOTP(ctx, email, rememberDevice); err != nil {
		c.metrics.ObserveOTPRequest("send", "error")
		c.logger.InfoContext(ctx, "verification code request failed", "reason", dErrors.Message(err))
		c.abandon(gen, err)
		return err
	}
	c.metrics.ObserveOTPRequest("send", "ok")
	return c.awaitCode(ctx, gen, ModeSignIn, models.VerificationContext{Email: email, RememberDevice: rememberDevice})
}

// StartRegistration submits the registration form; the server emails a code
// to confirm the address.
func (c *Controller) StartRegistration(ctx context.Context, reg models.Registration) error {
	reg.Normalize()
	if err := ValidateRegistration(reg, c.emailDomain); err != nil {
		c.setError(err)
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	gen := c.begin()

	if err := c.api.Register(ctx, reg); err != nil {
		c.metrics.ObserveOTPRequest("register", "error")
		c.logger.InfoContext(ctx, "registration failed", "reason", dErrors.Message(err))
		c.abandon(gen, err)
		return err
	}
	c.metrics.ObserveOTPRequest("register", "ok")
	return c.awaitCode(ctx, gen, ModeRegister, models.VerificationContext{Email: reg.Email})
}

// ResendCode requests a new code. It is rejected with a rate_limited error
// until the cooldown reaches zero.
func (c *Controller) ResendCode(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.step != StepAwaitingCode || c.pending == nil {
		c.mu.Unlock()
		return dErrors.New(dErrors.CodeBadRequest, "no verification in progress")
	}
	if left := c.countdown.Remaining(); left > 0 {
		c.mu.Unlock()
		return dErrors.Newf(dErrors.CodeRateLimited, "You can request a new code in %d seconds", left)
	}
	gen, mode, email := c.gen, c.mode, c.pending.Email
	c.mu.Unlock()

	var err error
	if mode == ModeRegister {
		err = c.api.ResendRegistrationOTP(ctx, email)
	} else {
		err = c.api.ResendOTP(ctx, email)
	}
	if err != nil {
		c.metrics.ObserveOTPRequest("resend", "error")
		c.mu.Lock()
		if c.gen == gen {
			c.lastErr = failureMessage(err)
		}
		c.mu.Unlock()
		return err
	}
	c.metrics.ObserveOTPRequest("resend", "ok")

	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return errCancelled()
	}
	c.lastErr = ""
	c.mu.Unlock()
	c.countdown.Start(c.cooldown)
	c.logger.InfoContext(ctx, "verification code resent", "mode", mode.String())
	return nil
}

// VerifyCode submits the emailed code and, once the server accepts it,
// signs in through Sessions. A rejected code leaves the flow waiting for a
// code with the cooldown untouched.
func (c *Controller) VerifyCode(ctx context.Context, code string) (models.User, error) {
	if err := ValidateCode(code); err != nil {
		c.setError(err)
		return models.User{}, err
	}
	code = normalizeCode(code)

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.step != StepAwaitingCode || c.pending == nil {
		c.mu.Unlock()
		return models.User{}, dErrors.New(dErrors.CodeBadRequest, "no verification in progress")
	}
	c.step = StepVerifying
	c.lastErr = ""
	gen, mode, vc := c.gen, c.mode, *c.pending
	c.mu.Unlock()

	var res apiclient.VerifyResult
	var err error
	if mode == ModeRegister {
		res, err = c.api.VerifyRegistration(ctx, vc.Email, code)
	} else {
		res, err = c.api.VerifyOTP(ctx, vc.Email, code, vc.RememberDevice)
	}
	if err != nil {
		c.metrics.ObserveOTPVerification("rejected")
		return models.User{}, c.rejected(ctx, gen, err)
	}
	if !c.current(gen) {
		return models.User{}, errCancelled()
	}

	req := models.LoginRequest{Email: vc.Email, Code: code, RememberDevice: vc.RememberDevice}
	switch {
	case res.Tokens != nil:
		req.Issued = res.Tokens
		c.metrics.ObserveOTPVerification("verified")
	case res.AlreadyVerified:
		c.logger.InfoContext(ctx, "server reports already verified; exchanging code", "mode", mode.String())
		c.metrics.ObserveOTPVerification("already_verified")
	default:
		c.metrics.ObserveOTPVerification("verified_without_tokens")
	}

	user, err := c.sessions.Login(ctx, req)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.step = StepAwaitingCode
			c.lastErr = failureMessage(err)
		}
		c.mu.Unlock()
		return models.User{}, err
	}

	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	c.mu.Lock()
	if c.gen == gen {
		c.gen++
		c.step = StepDone
		c.pending = nil
		c.lastErr = ""
	}
	c.mu.Unlock()
	c.countdown.Cancel()
	return user, nil
}

// Cancel stops the countdown and returns to Idle, dropping the
// verification context. An operation in flight finishes but its result is
// discarded.
func (c *Controller) Cancel() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	c.mu.Lock()
	c.gen++
	c.step = StepIdle
	c.pending = nil
	c.lastErr = ""
	c.mu.Unlock()
	c.countdown.Cancel()
}

// BackToStart is Cancel under the name the sign-in screens use.
func (c *Controller) BackToStart() { c.Cancel() }

// Close releases the countdown. Call it when the owning scope ends.
func (c *Controller) Close() { c.Cancel() }

// begin starts a new request-code attempt from a clean context.
func (c *Controller) begin() uint64 {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.step = StepIdle
	c.pending = nil
	c.lastErr = ""
	c.mu.Unlock()
	c.countdown.Cancel()
	return gen
}

func (c *Controller) awaitCode(ctx context.Context, gen uint64, mode Mode, vc models.VerificationContext) error {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return errCancelled()
	}
	c.mode = mode
	c.step = StepAwaitingCode
	c.pending = &vc
	c.mu.Unlock()
	c.countdown.Start(c.cooldown)
	c.logger.InfoContext(ctx, "verification code sent", "mode", mode.String(), "remember_device", vc.RememberDevice)
	return nil
}

func (c *Controller) abandon(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.lastErr = failureMessage(err)
	}
}

func (c *Controller) rejected(ctx context.Context, gen uint64, err error) error {
	msg := failureMessage(err)
	c.mu.Lock()
	stale := c.gen != gen
	if !stale {
		c.step = StepAwaitingCode
		c.lastErr = msg
	}
	c.mu.Unlock()
	if stale {
		return errCancelled()
	}
	c.logger.InfoContext(ctx, "verification code rejected", "reason", msg)
	c.sessions.Fail(msg)
	return err
}

func (c *Controller) setError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = dErrors.Message(err)
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func errCancelled() error {
	return dErrors.New(dErrors.CodeCancelled, "verification cancelled")
}

func failureMessage(err error) string {
	if apiclient.IsTransportUnavailable(err) {
		return apiclient.MsgBackendUnavailable
	}
	return dErrors.Message(err)
}

func normalizeCode(code string) string {
	return strings.TrimSpace(code)
}
