package session

import (
	"context"
	"errors"

	"advisor/internal/auth/models"
	dErrors "advisor/pkg/domain-errors"
)

const refreshKey = "refresh"

// Refresh renews the access token. Concurrent callers share one in-flight
// attempt and all receive its outcome. The attempt is detached from the
// caller's cancellation and bounded by the refresh timeout; a caller whose
// ctx ends stops waiting without cancelling it for the others.
//
// Failure of any kind is fail-closed: the session is cleared, the state
// becomes Unauthenticated and the error has dErrors.CodeRefreshFailed.
func (m *Manager) Refresh(ctx context.Context) error {
	led := false
	ch := m.refreshGroup.DoChan(refreshKey, func() (any, error) {
		led = true
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return nil, m.refreshOnce(rctx)
	})
	m.metrics.AddRefreshWaiters(1)
	defer m.metrics.AddRefreshWaiters(-1)

	select {
	case res := <-ch:
		if !led {
			m.metrics.IncrementRefreshJoined()
		}
		return res.Err
	case <-ctx.Done():
		return dErrors.Wrap(ctx.Err(), dErrors.CodeCancelled, "stopped waiting for refresh")
	}
}

// refreshIfStale refreshes unless the access token already moved on from
// stale, which means another caller refreshed in the meantime.
func (m *Manager) refreshIfStale(ctx context.Context, stale string) error {
	if current := m.AccessToken(); current != "" && current != stale {
		return nil
	}
	return m.Refresh(ctx)
}

func (m *Manager) refreshOnce(ctx context.Context) error {
	current, epoch := m.snapshot()
	if !current.Valid() {
		m.metrics.IncrementRefreshFailures()
		return dErrors.Wrap(m.signOut(ctx), dErrors.CodeRefreshFailed, "no session to refresh")
	}

	m.metrics.IncrementRefreshRequests()
	pair, err := m.api.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return m.refreshFailed(ctx, epoch, err)
	}

	next := models.Session{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}

	var superseded bool
	err = m.mutate(func() error {
		if _, now := m.snapshot(); now != epoch {
			superseded = true
			return nil
		}
		if err := m.store.Save(ctx, next); err != nil {
			return err
		}
		m.setSessionLocked(next)
		return nil
	}, nil)
	if err != nil {
		return m.refreshFailed(ctx, epoch, dErrors.Wrap(err, dErrors.CodeInternal, "could not persist refreshed session"))
	}
	if superseded {
		m.logger.InfoContext(ctx, "refresh result discarded; session changed meanwhile")
		if !m.hasSession() {
			return dErrors.New(dErrors.CodeRefreshFailed, "signed out during refresh")
		}
		return nil
	}
	m.logger.InfoContext(ctx, "session refreshed")
	return nil
}

// refreshFailed clears the session unless it was already replaced since
// the attempt started. If the store cannot be cleared the returned error
// also carries that failure, since the stale pair is still persisted.
func (m *Manager) refreshFailed(ctx context.Context, epoch uint64, cause error) error {
	m.metrics.IncrementRefreshFailures()
	m.logger.WarnContext(ctx, "refresh failed; signing out", "error", cause)
	var clearErr error
	m.mutate(func() error {
		if _, now := m.snapshot(); now != epoch {
			return errSuperseded
		}
		if clearErr = m.store.Clear(ctx); clearErr != nil {
			m.logger.ErrorContext(ctx, "failed to clear persisted session", "error", clearErr)
		}
		m.setSessionLocked(models.Session{})
		return nil
	}, SignedOut{})
	if clearErr != nil {
		cause = errors.Join(cause, clearErr)
	}
	return dErrors.Wrap(cause, dErrors.CodeRefreshFailed, "session expired; sign in again")
}

var errSuperseded = dErrors.New(dErrors.CodeConflict, "session superseded")

func (m *Manager) hasSession() bool {
	s, _ := m.snapshot()
	return s.Valid()
}
