package session

import (
	"context"
	"fmt"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"advisor/internal/auth/models"
	"advisor/internal/auth/session/mocks"
	dErrors "advisor/pkg/domain-errors"
	"advisor/pkg/platform/sentinel"
)

const concurrentCallers = 8

// blockRefresh makes the next api.Refresh wait for release. entered is
// closed once the server call has started.
func (s *ManagerSuite) blockRefresh(pair models.TokenPair, err error) (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	s.api.EXPECT().Refresh(gomock.Any(), "refresh-a").
		DoAndReturn(func(context.Context, string) (models.TokenPair, error) {
			close(entered)
			<-release
			return pair, err
		}).Times(1)
	return entered, release
}

func (s *ManagerSuite) waitForRefreshers(n int) {
	s.Require().Eventually(func() bool {
		return promtestutil.ToFloat64(s.metrics.RefreshWaiters) == float64(n)
	}, 2*time.Second, time.Millisecond)
}

func (s *ManagerSuite) TestRefreshSharesOneAttempt() {
	s.signIn(sessionA, jane)
	entered, release := s.blockRefresh(pairB, nil)
	s.store.EXPECT().Save(gomock.Any(), sessionB).Return(nil).Times(1)

	results := make([]error, concurrentCallers)
	var g errgroup.Group
	for i := range concurrentCallers {
		g.Go(func() error {
			results[i] = s.manager.Refresh(s.ctx)
			return nil
		})
	}
	<-entered
	s.waitForRefreshers(concurrentCallers)
	close(release)
	s.Require().NoError(g.Wait())

	for i, err := range results {
		s.NoError(err, "caller %d", i)
	}
	s.Equal("access-b", s.manager.AccessToken())
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.RefreshRequests))
	s.Equal(float64(concurrentCallers-1), promtestutil.ToFloat64(s.metrics.RefreshJoined))
	s.Empty(s.seen.all(), "a successful refresh is not a state transition")
}

func (s *ManagerSuite) TestRefreshFailureIsSharedAndFailsClosed() {
	s.signIn(sessionA, jane)
	entered, release := s.blockRefresh(models.TokenPair{}, dErrors.New(dErrors.CodeUnauthorized, "Invalid refresh token"))
	s.store.EXPECT().Clear(gomock.Any()).Return(nil).Times(1)

	results := make([]error, concurrentCallers)
	var g errgroup.Group
	for i := range concurrentCallers {
		g.Go(func() error {
			results[i] = s.manager.Refresh(s.ctx)
			return nil
		})
	}
	<-entered
	s.waitForRefreshers(concurrentCallers)
	close(release)
	s.Require().NoError(g.Wait())

	for _, err := range results {
		s.True(dErrors.Is(err, dErrors.CodeRefreshFailed))
		s.Equal(results[0], err)
	}
	s.Equal(models.StateUnauthenticated(), s.manager.State())
	s.Equal([]models.AuthState{models.StateUnauthenticated()}, s.seen.all())
	s.Empty(s.manager.AccessToken())
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.RefreshFailures))
}

func (s *ManagerSuite) TestRefreshFailureReportsStoreFailure() {
	s.signIn(sessionA, jane)
	clearErr := fmt.Errorf("delete session: %w", sentinel.ErrUnavailable)
	s.api.EXPECT().Refresh(gomock.Any(), "refresh-a").Return(models.TokenPair{}, errUnauthorized())
	s.store.EXPECT().Clear(gomock.Any()).Return(clearErr)

	err := s.manager.Refresh(s.ctx)
	s.True(dErrors.Is(err, dErrors.CodeRefreshFailed))
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	s.ErrorIs(err, clearErr)
	s.Equal(models.StateUnauthenticated(), s.manager.State())
	s.Empty(s.manager.AccessToken())
}

func (s *ManagerSuite) TestRefreshTransportFailureFailsClosed() {
	s.signIn(sessionA, jane)
	s.api.EXPECT().Refresh(gomock.Any(), "refresh-a").Return(models.TokenPair{}, errUnavailable())
	s.store.EXPECT().Clear(gomock.Any()).Return(nil)

	err := s.manager.Refresh(s.ctx)
	s.True(dErrors.Is(err, dErrors.CodeRefreshFailed))
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	s.Equal(models.StateUnauthenticated(), s.manager.State())
}

func (s *ManagerSuite) TestRefreshWithoutSession() {
	s.store.EXPECT().Clear(gomock.Any()).Return(nil)

	err := s.manager.Refresh(s.ctx)
	s.True(dErrors.Is(err, dErrors.CodeRefreshFailed))
	s.Equal(models.StateUnauthenticated(), s.manager.State())
}

func (s *ManagerSuite) TestRefreshOutlivesACancelledCaller() {
	s.signIn(sessionA, jane)
	entered := make(chan struct{})
	release := make(chan struct{})
	attemptErr := make(chan error, 1)
	s.api.EXPECT().Refresh(gomock.Any(), "refresh-a").
		DoAndReturn(func(ctx context.Context, _ string) (models.TokenPair, error) {
			close(entered)
			<-release
			attemptErr <- ctx.Err()
			return pairB, nil
		})
	s.store.EXPECT().Save(gomock.Any(), sessionB).Return(nil)

	cancelled, cancel := context.WithCancel(s.ctx)
	first := make(chan error, 1)
	second := make(chan error, 1)
	go func() { first <- s.manager.Refresh(cancelled) }()
	<-entered
	go func() { second <- s.manager.Refresh(s.ctx) }()
	s.waitForRefreshers(2)

	cancel()
	s.True(dErrors.Is(<-first, dErrors.CodeCancelled))

	close(release)
	s.NoError(<-second)
	s.waitForRefreshers(0)
	s.NoError(<-attemptErr, "shared attempt is not cancelled with its first caller")
	s.Equal("access-b", s.manager.AccessToken())
}

func (s *ManagerSuite) TestLogoutDuringRefreshWins() {
	s.signIn(sessionA, jane)
	entered, release := s.blockRefresh(pairB, nil)
	s.store.EXPECT().Clear(gomock.Any()).Return(nil).Times(1)
	s.api.EXPECT().Logout(gomock.Any(), "refresh-a").Return(nil)

	done := make(chan error, 1)
	go func() { done <- s.manager.Refresh(s.ctx) }()
	<-entered
	s.Require().NoError(s.manager.Logout(s.ctx))
	close(release)

	err := <-done
	s.True(dErrors.Is(err, dErrors.CodeRefreshFailed))
	s.Empty(s.manager.AccessToken(), "refreshed tokens must not resurrect the session")
	s.Equal(models.StateUnauthenticated(), s.manager.State())
}

func (s *ManagerSuite) TestRefreshTimeoutFailsClosed() {
	ctrl := gomock.NewController(s.T())
	api := mocks.NewMockAPI(ctrl)
	st := mocks.NewMockStore(ctrl)
	m := New(api, st, WithRefreshTimeout(50*time.Millisecond))

	st.EXPECT().Load(gomock.Any()).Return(sessionA, nil)
	api.EXPECT().Me(gomock.Any(), "access-a").Return(jane, nil)
	s.Require().NoError(m.Initialize(s.ctx))

	api.EXPECT().Refresh(gomock.Any(), "refresh-a").
		DoAndReturn(func(ctx context.Context, _ string) (models.TokenPair, error) {
			<-ctx.Done()
			return models.TokenPair{}, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "request timed out")
		})
	st.EXPECT().Clear(gomock.Any()).Return(nil)

	err := m.Refresh(s.ctx)
	s.True(dErrors.Is(err, dErrors.CodeRefreshFailed))
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
	s.Equal(models.StateUnauthenticated(), m.State())
}
