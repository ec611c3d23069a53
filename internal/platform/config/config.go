package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Session storage backends.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// DefaultAPIBaseURL is the local development endpoint.
const DefaultAPIBaseURL = "http://localhost:8000"

// Config captures everything the client needs at startup.
type Config struct {
	API         APIConfig
	Session     SessionConfig
	Redis       RedisConfig
	Postgres    PostgresConfig
	OTP         OTPConfig
	Jobs        JobsConfig
	Log         LogConfig
	MetricsAddr string
}

type APIConfig struct {
	BaseURL string
	// Timeout bounds every HTTP call, including refresh and verify.
	Timeout time.Duration
}

type SessionConfig struct {
	Backend  string
	FilePath string
	// SealKey, when set, encrypts the file backend at rest.
	SealKey        string
	RefreshTimeout time.Duration
	RefreshSkew    time.Duration
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
}

type OTPConfig struct {
	EmailDomain           string
	ResendCooldownSeconds int
}

type JobsConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
}

type LogConfig struct {
	Level  string
	Format string
}

// Default returns the configuration used when no environment is set.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL: DefaultAPIBaseURL,
			Timeout: 15 * time.Second,
		},
		Session: SessionConfig{
			Backend:        BackendFile,
			FilePath:       defaultSessionFile(),
			RefreshTimeout: 10 * time.Second,
			RefreshSkew:    30 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize:     4,
			MinIdleConns: 0,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Postgres: PostgresConfig{MaxOpenConns: 2},
		OTP: OTPConfig{
			EmailDomain:           "selu.edu",
			ResendCooldownSeconds: 120,
		},
		Jobs: JobsConfig{
			PollInterval: time.Second,
			MaxAttempts:  30,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	r := reader{lookup: lookup}

	cfg.API.BaseURL = strings.TrimRight(r.str("ADVISOR_API_BASE_URL", cfg.API.BaseURL), "/")
	cfg.API.Timeout = r.duration("ADVISOR_HTTP_TIMEOUT", cfg.API.Timeout)

	cfg.Session.Backend = strings.ToLower(r.str("ADVISOR_SESSION_BACKEND", cfg.Session.Backend))
	cfg.Session.FilePath = r.str("ADVISOR_SESSION_FILE", cfg.Session.FilePath)
	cfg.Session.SealKey = r.str("ADVISOR_SESSION_KEY", "")
	cfg.Session.RefreshTimeout = r.duration("ADVISOR_REFRESH_TIMEOUT", cfg.Session.RefreshTimeout)
	cfg.Session.RefreshSkew = r.duration("ADVISOR_REFRESH_SKEW", cfg.Session.RefreshSkew)

	cfg.Redis.URL = r.str("ADVISOR_REDIS_URL", "")
	cfg.Postgres.DSN = r.str("ADVISOR_POSTGRES_DSN", "")

	cfg.OTP.EmailDomain = strings.TrimPrefix(r.str("ADVISOR_EMAIL_DOMAIN", cfg.OTP.EmailDomain), "@")
	cfg.OTP.ResendCooldownSeconds = r.integer("ADVISOR_RESEND_COOLDOWN", cfg.OTP.ResendCooldownSeconds)

	cfg.Jobs.PollInterval = r.duration("ADVISOR_JOB_POLL_INTERVAL", cfg.Jobs.PollInterval)
	cfg.Jobs.MaxAttempts = r.integer("ADVISOR_JOB_MAX_ATTEMPTS", cfg.Jobs.MaxAttempts)

	cfg.Log.Level = r.str("ADVISOR_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = r.str("ADVISOR_LOG_FORMAT", cfg.Log.Format)
	cfg.MetricsAddr = r.str("ADVISOR_METRICS_ADDR", "")

	if r.err != nil {
		return Config{}, r.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ADVISOR_API_BASE_URL must be an absolute URL, got %q", c.API.BaseURL)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("ADVISOR_HTTP_TIMEOUT must be positive")
	}
	switch c.Session.Backend {
	case BackendFile:
		if c.Session.FilePath == "" {
			return fmt.Errorf("ADVISOR_SESSION_FILE is required for the file backend")
		}
	case BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("ADVISOR_REDIS_URL is required for the redis backend")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("ADVISOR_POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown ADVISOR_SESSION_BACKEND %q", c.Session.Backend)
	}
	if c.OTP.ResendCooldownSeconds < 0 {
		return fmt.Errorf("ADVISOR_RESEND_COOLDOWN must be >= 0")
	}
	if c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("ADVISOR_JOB_MAX_ATTEMPTS must be positive")
	}
	if c.Jobs.PollInterval < 0 {
		return fmt.Errorf("ADVISOR_JOB_POLL_INTERVAL must be >= 0")
	}
	return nil
}

func defaultSessionFile() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".advisor", "session.json")
	}
	return filepath.Join(home, ".advisor", "session.json")
}

// reader keeps the first parse error so FromEnv can report it once.
type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
