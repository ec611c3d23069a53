// Package jobs awaits server-side asynchronous jobs by polling their status.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"advisor/internal/platform/logger"
	"advisor/internal/platform/metrics"
	dErrors "advisor/pkg/domain-errors"
)

const (
	DefaultInterval    = time.Second
	DefaultMaxAttempts = 30
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further status change is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Report is one status reading.
type Report struct {
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// FetchFunc reads the current status of jobID.
type FetchFunc func(ctx context.Context, jobID string) (Report, error)

// Job is the poller's view of a job after the latest attempt.
type Job struct {
	ID      string
	Status  Status
	Result  json.RawMessage
	Error   string
	Attempt int
}

// Observer sees the job after every attempt.
type Observer func(Job)

type Poller struct {
	interval    time.Duration
	maxAttempts int
	clock       clockwork.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics
	observer    Observer
}

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d >= 0 {
			p.interval = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) {
		p.metrics = m
	}
}

// WithObserver registers a per-attempt callback.
func WithObserver(o Observer) Option {
	return func(p *Poller) {
		p.observer = o
	}
}

func New(opts ...Option) *Poller {
	p := &Poller{
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
		clock:       clockwork.NewRealClock(),
		logger:      logger.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll fetches the status of jobID until it completes, fails or the
// attempt budget runs out. It returns the completed job's result, or an
// error coded job_failed, job_timeout or cancelled. A failed fetch uses up
// an attempt but does not end the loop.
func (p *Poller) Poll(ctx context.Context, jobID string, fetch FetchFunc) (json.RawMessage, error) {
	return p.poll(ctx, jobID, fetch, func(j Job) bool {
		if ctx.Err() != nil {
			return false
		}
		if p.observer != nil {
			p.observer(j)
		}
		return true
	})
}

// Start polls in the background and returns a handle to the run.
func (p *Poller) Start(ctx context.Context, jobID string, fetch FetchFunc) *Run {
	ctx, cancel := context.WithCancel(ctx)
	r := &Run{
		cancel: cancel,
		done:   make(chan struct{}),
		job:    Job{ID: jobID, Status: StatusQueued},
	}
	go func() {
		defer close(r.done)
		result, err := p.poll(ctx, jobID, fetch, r.emit(p.observer))
		r.mu.Lock()
		r.result, r.err = result, err
		r.mu.Unlock()
	}()
	return r
}

// emit is called after each attempt. It reports false once the run is
// cancelled, which stops the loop.
type emitFunc func(Job) bool

func (p *Poller) poll(ctx context.Context, jobID string, fetch FetchFunc, emit emitFunc) (json.RawMessage, error) {
	log := p.logger.With("job_id", jobID)
	job := Job{ID: jobID, Status: StatusQueued}
	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		report, err := fetch(ctx, jobID)
		p.metrics.IncrementJobPollAttempts()
		if ctx.Err() != nil {
			return nil, p.cancelled(ctx, log, job)
		}

		job.Attempt = attempt
		lastErr = err
		if err != nil {
			log.DebugContext(ctx, "job status fetch failed", "attempt", attempt, "error", err)
		} else {
			job.Status = Status(strings.ToLower(string(report.Status)))
			job.Result = report.Result
			job.Error = report.Error
		}
		if !emit(job) {
			return nil, p.cancelled(ctx, log, job)
		}

		if err == nil {
			switch job.Status {
			case StatusCompleted:
				p.metrics.ObserveJobOutcome("completed")
				log.InfoContext(ctx, "job completed", "attempt", attempt)
				return job.Result, nil
			case StatusFailed:
				p.metrics.ObserveJobOutcome("failed")
				msg := job.Error
				if msg == "" {
					msg = "job failed"
				}
				log.InfoContext(ctx, "job failed", "attempt", attempt, "reason", msg)
				return nil, dErrors.New(dErrors.CodeJobFailed, msg)
			}
		}

		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, p.cancelled(ctx, log, job)
		case <-p.clock.After(p.interval):
		}
	}

	p.metrics.ObserveJobOutcome("timeout")
	log.WarnContext(ctx, "job did not finish", "attempts", p.maxAttempts, "status", string(job.Status))
	return nil, dErrors.Wrap(lastErr, dErrors.CodeJobTimeout,
		fmt.Sprintf("job did not finish after %d attempts", p.maxAttempts))
}

func (p *Poller) cancelled(ctx context.Context, log *slog.Logger, job Job) error {
	p.metrics.ObserveJobOutcome("cancelled")
	log.DebugContext(ctx, "job polling cancelled", "attempt", job.Attempt)
	return dErrors.Wrap(ctx.Err(), dErrors.CodeCancelled, "job polling cancelled")
}

// Run is a background poll started by Poller.Start.
type Run struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	job     Job
	stopped bool
	result  json.RawMessage
	err     error
}

// emit runs the observer under the run's lock so Cancel can guarantee that
// no callback fires after it returns. The observer must not call Cancel.
func (r *Run) emit(observer Observer) emitFunc {
	return func(j Job) bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.stopped {
			return false
		}
		r.job = j
		if observer != nil {
			observer(j)
		}
		return true
	}
}

// Cancel stops scheduling attempts. The job keeps its last status and the
// observer is not called again.
func (r *Run) Cancel() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes and returns its outcome.
func (r *Run) Wait() (json.RawMessage, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Job returns the latest snapshot.
func (r *Run) Job() Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}
