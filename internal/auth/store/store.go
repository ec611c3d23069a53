package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"advisor/internal/auth/models"
	"advisor/internal/platform/logger"
	"advisor/pkg/platform/sentinel"
)

// Keys under which the token pair is persisted.
const (
	KeyAccessToken  = "authToken"
	KeyRefreshToken = "refreshToken"
)

// KV is a durable string map. Put must apply all values as one unit:
// after a failed Put either every value or none of them is visible.
type KV interface {
	Put(ctx context.Context, values map[string]string) error
	// Get returns the subset of keys that are present.
	Get(ctx context.Context, keys ...string) (map[string]string, error)
	Delete(ctx context.Context, keys ...string) error
}

// Error Contract:
// - Load returns sentinel.ErrNotFound when no complete session is stored
// - Save rejects partial sessions with sentinel.ErrInvalidState
// - backend failures are wrapped with context
type SessionStore struct {
	kv     KV
	logger *slog.Logger
}

type Option func(*SessionStore)

func WithLogger(l *slog.Logger) Option {
	return func(s *SessionStore) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(kv KV, opts ...Option) *SessionStore {
	s := &SessionStore{kv: kv, logger: logger.Discard()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Save writes both tokens as a unit, replacing any previous session.
func (s *SessionStore) Save(ctx context.Context, session models.Session) error {
	if !session.Valid() {
		return fmt.Errorf("save session: both tokens required: %w", sentinel.ErrInvalidState)
	}
	err := s.kv.Put(ctx, map[string]string{
		KeyAccessToken:  session.AccessToken,
		KeyRefreshToken: session.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load returns the stored session. A lone token is reported as absent.
func (s *SessionStore) Load(ctx context.Context) (models.Session, error) {
	values, err := s.kv.Get(ctx, KeyAccessToken, KeyRefreshToken)
	if err != nil {
		return models.Session{}, fmt.Errorf("load session: %w", err)
	}
	session := models.Session{
		AccessToken:  values[KeyAccessToken],
		RefreshToken: values[KeyRefreshToken],
	}
	if !session.Valid() {
		if session.AccessToken != "" || session.RefreshToken != "" {
			s.logger.WarnContext(ctx, "ignoring partial session")
		}
		return models.Session{}, fmt.Errorf("session not found: %w", sentinel.ErrNotFound)
	}
	return session, nil
}

// Clear removes both tokens. Clearing an empty store is not an error.
func (s *SessionStore) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, KeyAccessToken, KeyRefreshToken); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// IsNotFound reports whether err means no session is stored.
func IsNotFound(err error) bool {
	return errors.Is(err, sentinel.ErrNotFound)
}
