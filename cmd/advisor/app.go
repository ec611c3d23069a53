package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"advisor/internal/auth/apiclient"
	"advisor/internal/auth/session"
	"advisor/internal/auth/store"
	"advisor/internal/jobs"
	"advisor/internal/onboarding"
	"advisor/internal/otp"
	"advisor/internal/platform/config"
	"advisor/internal/platform/httpserver"
	"advisor/internal/platform/metrics"
	"advisor/internal/platform/postgres"
	"advisor/internal/platform/redis"
)

// app holds the process-scoped collaborators shared by every command.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	api         *apiclient.Client
	manager     *session.Manager
	poller      *jobs.Poller
	transcripts *onboarding.TranscriptClient
	health      []httpserver.HealthFunc

	in       io.Reader
	out      io.Writer
	lines    chan string
	readOnce sync.Once

	closers []func()
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger, in io.Reader, out io.Writer) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
		in:       in,
		out:      out,
		lines:    make(chan string),
	}
	a.metrics = metrics.New(a.registry)

	kv, err := a.openKV(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.api = apiclient.New(cfg.API.BaseURL,
		apiclient.WithTimeout(cfg.API.Timeout),
		apiclient.WithMetrics(a.metrics),
		apiclient.WithLogger(log))
	a.health = append(a.health, a.api.Healthy)

	a.manager = session.New(a.api, store.New(kv, store.WithLogger(log)),
		session.WithLogger(log),
		session.WithMetrics(a.metrics),
		session.WithRefreshTimeout(cfg.Session.RefreshTimeout),
		session.WithRefreshSkew(cfg.Session.RefreshSkew))
	a.closers = append(a.closers, a.manager.Close)

	a.poller = jobs.New(
		jobs.WithInterval(cfg.Jobs.PollInterval),
		jobs.WithMaxAttempts(cfg.Jobs.MaxAttempts),
		jobs.WithLogger(log),
		jobs.WithMetrics(a.metrics))
	a.transcripts = onboarding.NewTranscriptClient(cfg.API.BaseURL, a.manager.Transport(nil), a.poller,
		onboarding.WithLogger(log),
		onboarding.WithTimeout(cfg.API.Timeout))
	return a, nil
}

// openKV builds the configured session backend.
func (a *app) openKV(ctx context.Context) (store.KV, error) {
	switch a.cfg.Session.Backend {
	case config.BackendMemory:
		return store.NewMemoryKV(), nil
	case config.BackendRedis:
		client, err := redis.New(ctx, a.cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.health = append(a.health, client.Health)
		return store.NewRedisKV(client), nil
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, a.cfg.Postgres)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		a.health = append(a.health, db.PingContext)
		kv := store.NewPostgresKV(db)
		if err := kv.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return kv, nil
	default:
		var opts []store.FileOption
		if a.cfg.Session.SealKey != "" {
			sealer, err := store.NewSealer(a.cfg.Session.SealKey)
			if err != nil {
				return nil, err
			}
			opts = append(opts, store.WithSealer(sealer))
		}
		return store.NewFileKV(a.cfg.Session.FilePath, opts...), nil
	}
}

func (a *app) newFlow() *otp.Controller {
	return otp.New(a.api, a.manager,
		otp.WithLogger(a.log),
		otp.WithMetrics(a.metrics),
		otp.WithCooldown(a.cfg.OTP.ResendCooldownSeconds),
		otp.WithEmailDomain(a.cfg.OTP.EmailDomain))
}

// healthy reports the first failing dependency.
func (a *app) healthy(ctx context.Context) error {
	for _, check := range a.health {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// gatherer exposes the app registry plus collectors registered globally by
// the storage backends.
func (a *app) gatherer() prometheus.Gatherer {
	return prometheus.Gatherers{a.registry, prometheus.DefaultGatherer}
}

// serveOps runs the metrics and health listener until ctx ends.
func (a *app) serveOps(ctx context.Context, addr string, handler http.Handler) error {
	srv := httpserver.New(addr, handler)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	a.log.Info("ops listener started", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// startOps serves the ops router in the background when an address is
// configured, for the lifetime of one command.
func (a *app) startOps(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.serveOps(ctx, a.cfg.MetricsAddr, httpserver.NewOpsRouter(a.gatherer(), a.healthy)); err != nil {
			a.log.Error("ops listener failed", "error", err)
		}
	}()
	a.closers = append(a.closers, func() {
		cancel()
		<-done
	})
}

// readLine prints prompt and returns the next trimmed input line.
func (a *app) readLine(ctx context.Context, prompt string) (string, error) {
	a.readOnce.Do(func() {
		go func() {
			defer close(a.lines)
			sc := bufio.NewScanner(a.in)
			for sc.Scan() {
				a.lines <- sc.Text()
			}
		}()
	})
	fmt.Fprint(a.out, prompt)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-a.lines:
		if !ok {
			return "", io.EOF
		}
		return strings.TrimSpace(line), nil
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
