package biz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"SessionGuard/internal/conf"
	"SessionGuard/internal/data"
	"SessionGuard/internal/model"
	autherrors "SessionGuard/pkg/errors"
	"SessionGuard/pkg/token"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

// mockAuthService is a testify mock of the remote auth service
type mockAuthService struct {
	mock.Mock
}

func (m *mockAuthService) Login(ctx context.Context, creds model.Credentials) (*model.Session, error) {
	args := m.Called(ctx, creds)
	s, _ := args.Get(0).(*model.Session)
	return s, args.Error(1)
}

func (m *mockAuthService) ValidateSession(ctx context.Context, tok string) error {
	return m.Called(ctx, tok).Error(0)
}

func (m *mockAuthService) RefreshSession(ctx context.Context, refreshToken string) (*model.Session, error) {
	args := m.Called(ctx, refreshToken)
	s, _ := args.Get(0).(*model.Session)
	return s, args.Error(1)
}

func (m *mockAuthService) FetchProfile(ctx context.Context, userID string) (*model.Profile, error) {
	args := m.Called(ctx, userID)
	p, _ := args.Get(0).(*model.Profile)
	return p, args.Error(1)
}

// memStore is an in-memory SessionStore
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	current  string
	saves    int
	deleted  []string
	err      error
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*model.Session)}
}

func (s *memStore) Save(_ context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sessions[session.UserID] = session.Clone()
	s.current = session.UserID
	s.saves++
	return nil
}

func (s *memStore) Load(_ context.Context) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.sessions[s.current].Clone(), nil
}

func (s *memStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	if s.current == userID {
		s.current = ""
	}
	s.deleted = append(s.deleted, userID)
	return nil
}

func (s *memStore) get(userID string) *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[userID].Clone()
}

// recordingAudit collects audit events
type recordingAudit struct {
	mu        sync.Mutex
	opened    []model.CircuitOpenedEvent
	recovered []model.CircuitRecoveredEvent
	logouts   []model.ForcedLogoutEvent
	syncs     []model.ProfileSyncEvent
	sessions  []string
}

func (a *recordingAudit) LogCircuitOpened(_ context.Context, e model.CircuitOpenedEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opened = append(a.opened, e)
}

func (a *recordingAudit) LogCircuitRecovered(_ context.Context, e model.CircuitRecoveredEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recovered = append(a.recovered, e)
}

func (a *recordingAudit) LogForcedLogout(_ context.Context, e model.ForcedLogoutEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logouts = append(a.logouts, e)
}

func (a *recordingAudit) LogProfileSync(_ context.Context, e model.ProfileSyncEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.syncs = append(a.syncs, e)
}

func (a *recordingAudit) LogSessionEvent(_ context.Context, action string, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = append(a.sessions, action+":"+userID)
}

// recordingNotifier counts notifications
type recordingNotifier struct {
	mu        sync.Mutex
	opened    int
	recovered int
	logouts   []*model.ForcedLogoutEvent
	syncs     []*model.ProfileSyncEvent
}

func (n *recordingNotifier) NotifyCircuitOpened(context.Context, *model.CircuitOpenedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened++
	return nil
}

func (n *recordingNotifier) NotifyCircuitRecovered(context.Context, *model.CircuitRecoveredEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recovered++
	return nil
}

func (n *recordingNotifier) NotifyForcedLogout(_ context.Context, e *model.ForcedLogoutEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.logouts = append(n.logouts, e)
	return nil
}

func (n *recordingNotifier) NotifyProfileSync(_ context.Context, e *model.ProfileSyncEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.syncs = append(n.syncs, e)
	return errors.New("webhook down")
}

type sessionFixture struct {
	*retryFixture
	auth      *mockAuthService
	store     *memStore
	audit     *recordingAudit
	notifier  *recordingNotifier
	cache     *data.LocalCache[any]
	validator *SessionValidator
}

func newSessionFixture(t *testing.T, breakerThreshold int) *sessionFixture {
	t.Helper()
	rf := newRetryFixture(t, breakerThreshold, 30*time.Second)

	cache, err := data.NewLocalCache[any](100, time.Minute, rf.clock)
	require.NoError(t, err)

	f := &sessionFixture{
		retryFixture: rf,
		auth:         &mockAuthService{},
		store:        newMemStore(),
		audit:        &recordingAudit{},
		notifier:     &recordingNotifier{},
		cache:        cache,
	}
	f.validator = NewSessionValidator(&conf.Resilience{
		Session: &conf.Session{FailureThreshold: 3},
		Cache:   &conf.Cache{Capacity: 100, ProfileTTL: time.Minute, SessionTTL: 10 * time.Second},
	}, f.auth, f.store, cache, rf.executor, token.NewParser(testSecret, ""), f.audit, f.notifier, rf.clock, newTestLogger())
	return f
}

func testProfileFor(userID, role string) *model.Profile {
	return &model.Profile{
		UserID:      userID,
		Email:       userID + "@example.com",
		FullName:    "Test User",
		Role:        role,
		TenantID:    "tenant-1",
		Permissions: []string{"calendar.read"},
	}
}

func signTestToken(t *testing.T, userID, role string, exp time.Time) string {
	t.Helper()
	tok, err := token.Sign(token.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email:    userID + "@example.com",
		Role:     role,
		TenantID: "tenant-1",
	}, testSecret)
	require.NoError(t, err)
	return tok
}

func (f *sessionFixture) newSession(t *testing.T, userID, refresh string, ttl time.Duration) *model.Session {
	exp := f.clock.Now().Add(ttl)
	return &model.Session{
		UserID:       userID,
		Token:        signTestToken(t, userID, "admin", exp),
		RefreshToken: refresh,
		ExpiresAt:    exp,
		Profile:      testProfileFor(userID, "admin"),
	}
}

// login signs in u-1 with a one hour token
func (f *sessionFixture) login(t *testing.T) *model.Session {
	t.Helper()
	s := f.newSession(t, "u-1", "refresh-1", time.Hour)
	f.auth.On("Login", mock.Anything, model.Credentials{Email: "u-1@example.com", Password: "pw"}).Return(s, nil).Once()

	got, err := f.validator.Login(context.Background(), model.Credentials{Email: "u-1@example.com", Password: "pw"})
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func TestSessionValidator_Login(t *testing.T) {
	f := newSessionFixture(t, 5)
	s := f.login(t)

	assert.Equal(t, "u-1", s.UserID)
	st := f.validator.Status()
	assert.Equal(t, model.PhaseAuthenticated, st.Phase)
	assert.Equal(t, "u-1", st.UserID)
	assert.Zero(t, st.ConsecutiveValidationFailures)

	assert.NotNil(t, f.store.get("u-1"), "session persisted")
	assert.Equal(t, []string{"LOGIN:u-1"}, f.audit.sessions)
	assert.Empty(t, f.audit.syncs, "profile matches the token")

	_, ok := f.cache.Get(data.BuildCacheKey(data.CacheKeyProfile, "u-1"))
	assert.True(t, ok, "profile cached")
	f.auth.AssertExpectations(t)
}

func TestSessionValidator_LoginRejected(t *testing.T) {
	f := newSessionFixture(t, 5)
	creds := model.Credentials{Email: "u-1@example.com", Password: "wrong"}
	f.auth.On("Login", mock.Anything, creds).Return(nil, autherrors.Unauthorized("login", "bad password")).Once()

	s, err := f.validator.Login(context.Background(), creds)
	assert.Nil(t, s)
	assert.True(t, autherrors.IsUnauthorized(err))
	assert.Equal(t, model.PhaseAnonymous, f.validator.Status().Phase)
	f.auth.AssertNumberOfCalls(t, "Login", 1)

	_, err = f.validator.GetValidSession(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestSessionValidator_GetValidSession_Cached(t *testing.T) {
	f := newSessionFixture(t, 5)
	f.login(t)

	out, err := f.validator.GetValidSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SessionModeNormal, out.Mode)
	assert.Equal(t, "u-1", out.Session.UserID)
	f.auth.AssertNotCalled(t, "ValidateSession", mock.Anything, mock.Anything)
}

func TestSessionValidator_GetValidSession_ValidatesAfterTTL(t *testing.T) {
	f := newSessionFixture(t, 5)
	s := f.login(t)

	f.clock.Advance(11 * time.Second)
	f.auth.On("ValidateSession", mock.Anything, s.Token).Return(nil).Once()

	out, err := f.validator.GetValidSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SessionModeNormal, out.Mode)
	assert.Equal(t, model.PhaseAuthenticated, f.validator.Status().Phase)

	// validity cached again
	_, err = f.validator.GetValidSession(context.Background())
	require.NoError(t, err)
	f.auth.AssertNumberOfCalls(t, "ValidateSession", 1)
}

func TestSessionValidator_ValidationFailureRefreshes(t *testing.T) {
	f := newSessionFixture(t, 5)
	s := f.login(t)

	f.clock.Advance(11 * time.Second)
	f.auth.On("ValidateSession", mock.Anything, s.Token).Return(autherrors.Unauthorized("validate_session", "revoked")).Once()
	renewed := f.newSession(t, "u-1", "refresh-2", time.Hour)
	f.auth.On("RefreshSession", mock.Anything, "refresh-1").Return(renewed, nil).Once()

	out, err := f.validator.GetValidSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SessionModeNormal, out.Mode)
	assert.Equal(t, renewed.Token, out.Session.Token)
	assert.Equal(t, "refresh-2", f.validator.Current().RefreshToken)
	assert.Equal(t, renewed.Token, f.store.get("u-1").Token)
	assert.Equal(t, model.PhaseAuthenticated, f.validator.Status().Phase)
	f.auth.AssertExpectations(t)
}

func TestSessionValidator_ExpiredTokenGoesStraightToRefresh(t *testing.T) {
	f := newSessionFixture(t, 5)
	f.login(t)

	f.clock.Advance(time.Hour)
	renewed := f.newSession(t, "u-1", "refresh-2", time.Hour)
	f.auth.On("RefreshSession", mock.Anything, "refresh-1").Return(renewed, nil).Once()

	out, err := f.validator.GetValidSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, renewed.Token, out.Session.Token)
	f.auth.AssertNotCalled(t, "ValidateSession", mock.Anything, mock.Anything)
}

func TestSessionValidator_CredentialsRejectedForcesLogout(t *testing.T) {
	f := newSessionFixture(t, 5)
	f.login(t)

	f.auth.On("RefreshSession", mock.Anything, "refresh-1").Return(nil, autherrors.Unauthorized("refresh_session", "refresh token revoked")).Once()

	out, err := f.validator.Refresh(context.Background())
	require.Error(t, err)

	var fl *ForcedLogoutError
	require.ErrorAs(t, err, &fl)
	assert.Equal(t, model.LogoutReasonCredentialsRejected, fl.Reason)
	assert.True(t, IsForcedLogout(err))
	assert.Equal(t, model.SessionModeLoggedOut, out.Mode)
	assert.Equal(t, CauseCredentialsRejected, out.Cause)

	// no retry for a rejected refresh
	f.auth.AssertNumberOfCalls(t, "RefreshSession", 1)

	st := f.validator.Status()
	assert.Equal(t, model.PhaseLoggedOut, st.Phase)
	assert.Equal(t, model.LogoutReasonCredentialsRejected, st.LastLogoutReason)
	assert.Zero(t, st.ConsecutiveValidationFailures)
	assert.Nil(t, f.validator.Current())
	assert.Nil(t, f.store.get("u-1"))

	// 凭据被拒直接登出，不计入连续失败，健康分不扣会话分
	h := ComputeHealth(HealthInput{Performance: PerformanceOverview{OverallSuccessRate: 1}, Session: st}, testStart)
	assert.Empty(t, h.Issues)

	require.Len(t, f.audit.logouts, 1)
	assert.Equal(t, model.LogoutReasonCredentialsRejected, f.audit.logouts[0].Reason)
	require.Len(t, f.notifier.logouts, 1)
	assert.Equal(t, "u-1", f.notifier.logouts[0].UserID)

	_, ok := f.cache.Get(data.BuildCacheKey(data.CacheKeyProfile, "u-1"))
	assert.False(t, ok, "profile evicted on logout")
}

func TestSessionValidator_DegradesThenLogsOutAtThreshold(t *testing.T) {
	f := newSessionFixture(t, 10)
	f.login(t)

	f.auth.On("RefreshSession", mock.Anything, "refresh-1").Return(nil, autherrors.Server("refresh_session", "upstream 503"))

	for i := 1; i < 3; i++ {
		out, err := f.validator.Refresh(context.Background())
		require.NoError(t, err, "refresh %d", i)
		assert.Equal(t, model.SessionModeDegraded, out.Mode)
		assert.Equal(t, CauseRetriesExhausted, out.Cause)
		require.NotNil(t, out.Session, "stale session still served")
		assert.True(t, autherrors.IsExhausted(out.Err))

		st := f.validator.Status()
		assert.Equal(t, i, st.ConsecutiveValidationFailures)
		assert.True(t, st.Degraded)
	}

	// degraded reads report the flag
	out, err := f.validator.GetValidSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SessionModeDegraded, out.Mode)

	out, err = f.validator.Refresh(context.Background())
	var fl *ForcedLogoutError
	require.ErrorAs(t, err, &fl)
	assert.Equal(t, model.LogoutReasonSessionExpired, fl.Reason)
	assert.Equal(t, model.SessionModeLoggedOut, out.Mode)

	f.auth.AssertNumberOfCalls(t, "RefreshSession", 9)
	require.Len(t, f.audit.logouts, 1)
	assert.Equal(t, 3, f.audit.logouts[0].Failures)
	assert.Zero(t, f.validator.Status().ConsecutiveValidationFailures)
}

func TestSessionValidator_DependencyUnavailableLogout(t *testing.T) {
	f := newSessionFixture(t, 1)
	f.login(t)

	f.auth.On("RefreshSession", mock.Anything, "refresh-1").Return(nil, autherrors.Network("refresh_session", errors.New("connection refused")))

	// first refresh exhausts its retries and trips the circuit
	out, err := f.validator.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SessionModeDegraded, out.Mode)
	assert.Equal(t, CircuitOpen, f.breaker.State(CategoryRefresh))

	out, err = f.validator.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SessionModeDegraded, out.Mode)
	assert.Equal(t, CauseDependencyUnavailable, out.Cause)

	out, err = f.validator.Refresh(context.Background())
	var fl *ForcedLogoutError
	require.ErrorAs(t, err, &fl)
	assert.Equal(t, model.LogoutReasonDependencyUnavailable, fl.Reason)
	assert.True(t, autherrors.IsCircuitOpen(err))
	assert.Equal(t, model.LogoutReasonDependencyUnavailable, out.Reason)

	// only the first refresh reached the auth service
	f.auth.AssertNumberOfCalls(t, "RefreshSession", 3)
}

func TestSessionValidator_SuccessResetsFailures(t *testing.T) {
	f := newSessionFixture(t, 10)
	f.login(t)

	f.auth.On("RefreshSession", mock.Anything, "refresh-1").Return(nil, autherrors.Timeout("refresh_session", context.DeadlineExceeded)).Times(3)
	out, err := f.validator.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SessionModeDegraded, out.Mode)

	renewed := f.newSession(t, "u-1", "refresh-2", time.Hour)
	f.auth.On("RefreshSession", mock.Anything, "refresh-1").Return(renewed, nil).Once()
	out, err = f.validator.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SessionModeNormal, out.Mode)

	st := f.validator.Status()
	assert.Zero(t, st.ConsecutiveValidationFailures)
	assert.False(t, st.Degraded)
	assert.Empty(t, st.LastError)
}

func TestSessionValidator_ValidationSuccessEndsDegradedMode(t *testing.T) {
	f := newSessionFixture(t, 10)
	f.login(t)

	f.auth.On("RefreshSession", mock.Anything, "refresh-1").Return(nil, autherrors.Server("refresh_session", "upstream 503")).Times(3)
	out, err := f.validator.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, model.SessionModeDegraded, out.Mode)
	require.Equal(t, 1, f.validator.Status().ConsecutiveValidationFailures)

	f.clock.Advance(11 * time.Second)
	tok := f.validator.Current().Token
	f.auth.On("ValidateSession", mock.Anything, tok).Return(nil).Once()

	out, err = f.validator.GetValidSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SessionModeNormal, out.Mode)

	st := f.validator.Status()
	assert.Zero(t, st.ConsecutiveValidationFailures)
	assert.False(t, st.Degraded)
	assert.Empty(t, st.LastError)
	assert.Equal(t, CauseNone, st.LastCause)
}

func TestSessionValidator_ConcurrentRefreshIsShared(t *testing.T) {
	f := newSessionFixture(t, 5)
	f.login(t)

	release := make(chan struct{})
	renewed := f.newSession(t, "u-1", "refresh-2", time.Hour)
	f.auth.On("RefreshSession", mock.Anything, "refresh-1").
		Run(func(mock.Arguments) { <-release }).
		Return(renewed, nil).Once()

	const callers = 8
	var wg sync.WaitGroup
	outcomes := make([]SessionOutcome, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.validator.Refresh(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool {
		return f.validator.Status().RefreshWaiters == callers
	}, 2*time.Second, time.Millisecond)
	assert.True(t, f.validator.Status().RefreshInFlight)
	assert.Equal(t, model.PhaseRecovering, f.validator.Status().Phase)

	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, renewed.Token, outcomes[i].Session.Token)
	}
	f.auth.AssertNumberOfCalls(t, "RefreshSession", 1)
	assert.False(t, f.validator.Status().RefreshInFlight)
}

func TestSessionValidator_AbandoningCallerDoesNotCancelRefresh(t *testing.T) {
	f := newSessionFixture(t, 5)
	f.login(t)

	release := make(chan struct{})
	renewed := f.newSession(t, "u-1", "refresh-2", time.Hour)
	f.auth.On("RefreshSession", mock.Anything, "refresh-1").
		Run(func(args mock.Arguments) {
			<-release
			assert.NoError(t, args.Get(0).(context.Context).Err(), "refresh runs detached")
		}).
		Return(renewed, nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.validator.Refresh(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return f.validator.Status().RefreshWaiters == 1
	}, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, f.validator.Status().RefreshWaiters)

	close(release)
	require.Eventually(t, func() bool {
		return !f.validator.Status().RefreshInFlight
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, renewed.Token, f.validator.Current().Token)
}

func TestSessionValidator_Logout(t *testing.T) {
	f := newSessionFixture(t, 5)
	f.login(t)

	f.validator.Logout(context.Background())

	st := f.validator.Status()
	assert.Equal(t, model.PhaseLoggedOut, st.Phase)
	assert.Equal(t, model.LogoutReasonUserRequested, st.LastLogoutReason)
	assert.Nil(t, f.store.get("u-1"))
	assert.Contains(t, f.audit.sessions, "LOGOUT:u-1")
	assert.Empty(t, f.audit.logouts, "user logout is not forced")

	out, err := f.validator.GetValidSession(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, model.SessionModeLoggedOut, out.Mode)
}

func TestSessionValidator_RestoreValidatesBeforeTrusting(t *testing.T) {
	f := newSessionFixture(t, 5)
	s := f.newSession(t, "u-1", "refresh-1", time.Hour)
	require.NoError(t, f.store.Save(context.Background(), s))

	restored, err := f.validator.Restore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, model.PhaseAuthenticated, f.validator.Status().Phase)

	f.auth.On("ValidateSession", mock.Anything, s.Token).Return(nil).Once()
	_, err = f.validator.GetValidSession(context.Background())
	require.NoError(t, err)
	f.auth.AssertNumberOfCalls(t, "ValidateSession", 1)
}

func TestSessionValidator_RestoreEmptyAndStoreDown(t *testing.T) {
	f := newSessionFixture(t, 5)

	s, err := f.validator.Restore(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, s)

	f.store.err = errors.New("redis down")
	_, err = f.validator.Restore(context.Background())
	assert.Error(t, err)
}

func TestSessionValidator_StoreFailureDoesNotFailLogin(t *testing.T) {
	f := newSessionFixture(t, 5)
	f.store.err = errors.New("redis down")

	s := f.login(t)
	assert.Equal(t, "u-1", s.UserID)
}

func TestSessionValidator_ProfileCached(t *testing.T) {
	f := newSessionFixture(t, 5)
	f.login(t)
	f.cache.Clear()

	f.auth.On("FetchProfile", mock.Anything, "u-1").Return(testProfileFor("u-1", "admin"), nil).Once()

	p, err := f.validator.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "admin", p.Role)

	p, err = f.validator.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "admin", p.Role)
	f.auth.AssertNumberOfCalls(t, "FetchProfile", 1)

	// callers cannot mutate the cached copy
	p.Permissions[0] = "mutated"
	again, err := f.validator.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "calendar.read", again.Permissions[0])
}

func TestSessionValidator_ProfileRequiresSession(t *testing.T) {
	f := newSessionFixture(t, 5)
	_, err := f.validator.Profile(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = f.validator.EnsureProfileConsistency(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestEnsureProfileConsistency_InSync(t *testing.T) {
	f := newSessionFixture(t, 5)
	f.login(t)

	p, err := f.validator.EnsureProfileConsistency(context.Background(), testProfileFor("u-1", "admin"))
	require.NoError(t, err)
	assert.Equal(t, "admin", p.Role)
	assert.Empty(t, f.audit.syncs)
	f.auth.AssertNotCalled(t, "FetchProfile", mock.Anything, mock.Anything)
}

func TestEnsureProfileConsistency_RemoteSync(t *testing.T) {
	f := newSessionFixture(t, 5)
	f.login(t)

	f.auth.On("FetchProfile", mock.Anything, "u-1").Return(testProfileFor("u-1", "admin"), nil).Once()

	stale := testProfileFor("u-1", "viewer")
	stale.TenantID = "tenant-9"
	p, err := f.validator.EnsureProfileConsistency(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, "admin", p.Role)
	assert.Equal(t, "tenant-1", p.TenantID)

	require.Len(t, f.audit.syncs, 1)
	assert.Equal(t, []string{"role", "tenant_id"}, f.audit.syncs[0].DivergedFields)
	assert.Equal(t, ProfileSourceRemote, f.audit.syncs[0].Source)
	require.Len(t, f.notifier.syncs, 1, "notifier failure is only logged")

	cached, ok := f.cache.Get(data.BuildCacheKey(data.CacheKeyProfile, "u-1"))
	require.True(t, ok)
	assert.Equal(t, "admin", cached.(*model.Profile).Role)
	assert.Equal(t, "admin", f.validator.Current().Profile.Role)
}

func TestEnsureProfileConsistency_FetchFailsOverlaysClaims(t *testing.T) {
	f := newSessionFixture(t, 5)
	f.login(t)

	f.auth.On("FetchProfile", mock.Anything, "u-1").Return(nil, autherrors.Validation("fetch_profile", "bad request")).Once()

	stale := testProfileFor("u-1", "viewer")
	stale.FullName = "Kept Name"
	p, err := f.validator.EnsureProfileConsistency(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, "admin", p.Role, "token claims win")
	assert.Equal(t, "Kept Name", p.FullName, "non-claim fields kept")

	require.Len(t, f.audit.syncs, 1)
	assert.Equal(t, ProfileSourceClaims, f.audit.syncs[0].Source)
}

func TestEnsureProfileConsistency_NilProfile(t *testing.T) {
	f := newSessionFixture(t, 5)
	f.login(t)

	f.auth.On("FetchProfile", mock.Anything, "u-1").Return(testProfileFor("u-1", "admin"), nil).Once()

	p, err := f.validator.EnsureProfileConsistency(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "u-1", p.UserID)
	require.Len(t, f.audit.syncs, 1)
	assert.Equal(t, []string{"profile"}, f.audit.syncs[0].DivergedFields)
}

func TestSessionValidator_Clear(t *testing.T) {
	f := newSessionFixture(t, 5)
	f.login(t)

	f.validator.Clear(context.Background())

	st := f.validator.Status()
	assert.Equal(t, model.PhaseAnonymous, st.Phase)
	assert.Empty(t, st.UserID)
	assert.Nil(t, f.store.get("u-1"))
	assert.Empty(t, f.audit.logouts)
}

func TestCauseOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureCause
	}{
		{"nil", nil, CauseNone},
		{"circuit open", &autherrors.CircuitOpenError{Category: CategoryRefresh}, CauseDependencyUnavailable},
		{"unauthorized", autherrors.Unauthorized("refresh_session", "no"), CauseCredentialsRejected},
		{"exhausted", &autherrors.ExhaustedRetriesError{Category: CategoryRefresh, Last: autherrors.Server("x", "y")}, CauseRetriesExhausted},
		{"cancelled", context.Canceled, CauseCancelled},
		{"validation", autherrors.Validation("refresh_session", "bad"), CauseRequestRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, causeOf(tt.err))
		})
	}
}
