package shell

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/2beens/donationadmin/internal/activity"
	"github.com/2beens/donationadmin/internal/auth"
	"github.com/2beens/donationadmin/internal/credentials"
	"github.com/2beens/donationadmin/internal/gateway"
	"github.com/2beens/donationadmin/internal/logout"
	"github.com/2beens/donationadmin/internal/session"
	"github.com/2beens/donationadmin/internal/storage"
	"github.com/2beens/donationadmin/internal/telemetry/metrics"
	"github.com/2beens/donationadmin/internal/testbackend"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

const (
	testPassword = "donate-more-2026"
	waitFor      = 2 * time.Second
	tick         = 2 * time.Millisecond
)

var (
	testUser = credentials.AuthenticatedUser{
		Username: "marta",
		Email:    "marta@donations.test",
		FullName: "Marta Kovac",
		Role:     "admin",
	}
	testCreds = auth.Credentials{Username: testUser.Username, Password: testPassword}
)

type recordingNotifier struct {
	mutex    sync.Mutex
	messages []string
}

func (n *recordingNotifier) Alert(_ context.Context, message string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) Messages() []string {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return append([]string(nil), n.messages...)
}

type testClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *testClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

type testTab struct {
	shell     *Shell
	ports     storage.Ports
	navigator *LogNavigator
	notifier  *recordingNotifier
}

type testBrowser struct {
	backend        *testbackend.Backend
	server         *httptest.Server
	httpClient     *http.Client
	persistent     storage.Store
	metricsManager *metrics.Manager
}

func newTestBrowser(t *testing.T) *testBrowser {
	t.Helper()

	backend, err := testbackend.New(testbackend.Account{User: testUser, Password: testPassword})
	require.NoError(t, err)
	server := httptest.NewServer(backend.Router())

	httpClient, err := gateway.NewCredentialedClient(0)
	require.NoError(t, err)
	t.Cleanup(func() {
		httpClient.CloseIdleConnections()
		server.Close()
	})

	return &testBrowser{
		backend:        backend,
		server:         server,
		httpClient:     httpClient,
		persistent:     storage.NewMemoryStore(),
		metricsManager: metrics.NewTestManager(),
	}
}

// newTab opens another tab: same cookie jar and account-level storage,
// its own tab-level storage and gateway.
func (b *testBrowser) newTab(t *testing.T, sweepInterval time.Duration) *testTab {
	t.Helper()

	gw, err := gateway.NewGateway(gateway.Config{BaseURL: b.server.URL}, b.httpClient, nil, b.metricsManager)
	require.NoError(t, err)

	ports := storage.Ports{Persistent: b.persistent, Volatile: storage.NewMemoryStore()}
	navigator := NewLogNavigator("/login")
	notifier := &recordingNotifier{}
	cfg := Config{
		Surface:       Surface{Name: "campaigns", Timeout: 30 * time.Minute},
		SweepInterval: sweepInterval,
	}

	s := New(cfg, ports, gw, navigator, notifier, b.metricsManager)
	t.Cleanup(s.Unmount)

	return &testTab{
		shell:     s,
		ports:     ports,
		navigator: navigator,
		notifier:  notifier,
	}
}

func waitDone(t *testing.T, s *Shell) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("shell tracker did not stop")
	}
}

func assertLoggedOut(t *testing.T, tab *testTab) {
	t.Helper()
	ctx := context.Background()

	assert.Equal(t, StateUnauthenticated, tab.shell.State())
	_, err := tab.shell.User(ctx)
	assert.ErrorIs(t, err, credentials.ErrNoUser)
	for _, key := range []string{storage.KeySessionID, storage.KeyLastActivityAt} {
		_, err := tab.ports.Persistent.Get(ctx, key)
		assert.ErrorIs(t, err, storage.ErrNotFound, key)
	}
	_, err = tab.ports.Volatile.Get(ctx, storage.KeyTabSessionID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unauthenticated", StateUnauthenticated.String())
	assert.Equal(t, "initializing", StateInitializing.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "invalidated", StateInvalidated.String())
	assert.Equal(t, "logging-out", StateLoggingOut.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestShell_MountWithoutUserRedirects(t *testing.T) {
	browser := newTestBrowser(t)
	tab := browser.newTab(t, time.Hour)

	err := tab.shell.Mount(context.Background())
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Equal(t, StateUnauthenticated, tab.shell.State())
	assert.Equal(t, 1, tab.navigator.Redirects())
	assert.Nil(t, tab.shell.Done())

	// no session was started
	_, err = tab.ports.Persistent.Get(context.Background(), storage.KeySessionID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = tab.shell.Fetch(context.Background(), "/campaigns", gateway.Options{})
	assert.ErrorIs(t, err, ErrNotMounted)
}

func TestShell_LoginMountFetchUnmount(t *testing.T) {
	ctx := context.Background()
	browser := newTestBrowser(t)
	tab := browser.newTab(t, time.Hour)

	user, err := tab.shell.Login(ctx, testCreds)
	require.NoError(t, err)
	assert.Equal(t, testUser, *user)

	require.NoError(t, tab.shell.Mount(ctx))
	assert.Equal(t, StateActive, tab.shell.State())
	assert.Equal(t, float64(1), testutil.ToFloat64(browser.metricsManager.GaugeActiveShells))
	assert.Error(t, tab.shell.Mount(ctx))

	var campaigns []testbackend.Campaign
	require.NoError(t, tab.shell.Gateway().GetJSON(ctx, "/campaigns", &campaigns))
	assert.Len(t, campaigns, 2)

	resp, err := tab.shell.Fetch(ctx, "/campaigns", gateway.Options{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sessionID, err := tab.ports.Volatile.Get(ctx, storage.KeyTabSessionID)
	require.NoError(t, err)

	tab.shell.Unmount()
	waitDone(t, tab.shell)
	assert.Equal(t, StateUnauthenticated, tab.shell.State())
	assert.Zero(t, testutil.ToFloat64(browser.metricsManager.GaugeActiveShells))

	// remount carries on with the same session
	require.NoError(t, tab.shell.Mount(ctx))
	sessionIDAfter, err := tab.ports.Volatile.Get(ctx, storage.KeyTabSessionID)
	require.NoError(t, err)
	assert.Equal(t, sessionID, sessionIDAfter)
	assert.Zero(t, tab.navigator.Redirects())
}

func TestShell_LoginBadCredentials(t *testing.T) {
	browser := newTestBrowser(t)
	tab := browser.newTab(t, time.Hour)

	_, err := tab.shell.Login(context.Background(), auth.Credentials{Username: testUser.Username, Password: "nope"})
	assert.ErrorIs(t, err, auth.ErrBadCredentials)

	_, err = tab.shell.User(context.Background())
	assert.ErrorIs(t, err, credentials.ErrNoUser)
}

func TestShell_IdleTimeoutForcesLogout(t *testing.T) {
	ctx := context.Background()
	browser := newTestBrowser(t)
	tab := browser.newTab(t, 5*time.Millisecond)

	clock := &testClock{now: time.Now()}
	tab.shell.Session().Now = clock.Now

	_, err := tab.shell.Login(ctx, testCreds)
	require.NoError(t, err)
	require.NoError(t, tab.shell.Mount(ctx))

	// activity inside the timeout keeps the session alive
	clock.Advance(20 * time.Minute)
	tab.shell.Signal(activity.KeyDown)
	require.Eventually(t, func() bool {
		lastActivity, _, err := tab.shell.Session().LastActivity(ctx)
		return err == nil && lastActivity.Equal(time.UnixMilli(clock.Now().UnixMilli()))
	}, waitFor, tick)
	clock.Advance(20 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateActive, tab.shell.State())

	clock.Advance(11 * time.Minute)
	waitDone(t, tab.shell)

	assert.Equal(t, []string{logout.MessageTimedOut}, tab.notifier.Messages())
	assert.Equal(t, 1, tab.navigator.Redirects())
	assert.Equal(t, 1, browser.backend.Logouts())
	assert.False(t, browser.backend.LoggedIn())
	assertLoggedOut(t, tab)
	assert.Zero(t, testutil.ToFloat64(browser.metricsManager.GaugeActiveShells))
}

func TestShell_NewTabJoinsLiveSession(t *testing.T) {
	ctx := context.Background()
	browser := newTestBrowser(t)
	tab1 := browser.newTab(t, time.Hour)

	_, err := tab1.shell.Login(ctx, testCreds)
	require.NoError(t, err)
	require.NoError(t, tab1.shell.Mount(ctx))

	tab2 := browser.newTab(t, time.Hour)
	require.NoError(t, tab2.shell.Mount(ctx))
	assert.Equal(t, StateActive, tab2.shell.State())

	id1, err := tab1.ports.Volatile.Get(ctx, storage.KeyTabSessionID)
	require.NoError(t, err)
	id2, err := tab2.ports.Volatile.Get(ctx, storage.KeyTabSessionID)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, float64(2), testutil.ToFloat64(browser.metricsManager.GaugeActiveShells))
}

func TestShell_SecondLoginInvalidatesFirstTab(t *testing.T) {
	ctx := context.Background()
	browser := newTestBrowser(t)
	tab1 := browser.newTab(t, time.Hour)

	_, err := tab1.shell.Login(ctx, testCreds)
	require.NoError(t, err)
	require.NoError(t, tab1.shell.Mount(ctx))

	tab2 := browser.newTab(t, time.Hour)
	_, err = tab2.shell.Login(ctx, testCreds)
	require.NoError(t, err)

	tab1.shell.Signal(activity.Click)
	waitDone(t, tab1.shell)

	assert.Equal(t, []string{logout.MessageConflict}, tab1.notifier.Messages())
	assert.Equal(t, 1, tab1.navigator.Redirects())
	assert.Equal(t, StateUnauthenticated, tab1.shell.State())
	assert.Empty(t, tab2.notifier.Messages())

	// the losing tab only dropped its own state
	_, err = tab1.ports.Volatile.Get(ctx, storage.KeyTabSessionID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.True(t, browser.backend.LoggedIn())
	assert.Zero(t, browser.backend.Logouts())

	valid, err := tab2.shell.Session().IsValid(ctx)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestShell_WinningTabKeepsWorkingAfterConflict(t *testing.T) {
	ctx := context.Background()
	browser := newTestBrowser(t)
	tab1 := browser.newTab(t, time.Hour)

	_, err := tab1.shell.Login(ctx, testCreds)
	require.NoError(t, err)
	require.NoError(t, tab1.shell.Mount(ctx))

	tab2 := browser.newTab(t, time.Hour)
	_, err = tab2.shell.Login(ctx, testCreds)
	require.NoError(t, err)

	tab1.shell.Signal(activity.Click)
	waitDone(t, tab1.shell)
	require.Equal(t, StateUnauthenticated, tab1.shell.State())

	require.NoError(t, tab2.shell.Mount(ctx))
	assert.Equal(t, StateActive, tab2.shell.State())
	assert.Zero(t, tab2.navigator.Redirects())

	user, err := tab2.shell.User(ctx)
	require.NoError(t, err)
	assert.Equal(t, testUser, *user)

	resp, err := tab2.shell.Fetch(ctx, "/campaigns", gateway.Options{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	tab2.shell.Signal(activity.Scroll)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateActive, tab2.shell.State())
	assert.Empty(t, tab2.notifier.Messages())
}

func TestShell_MountWithExpiredSession(t *testing.T) {
	ctx := context.Background()
	browser := newTestBrowser(t)
	tab := browser.newTab(t, time.Hour)

	_, err := tab.shell.Login(ctx, testCreds)
	require.NoError(t, err)

	tab.shell.Session().Now = func() time.Time {
		return time.Now().Add(31 * time.Minute)
	}
	err = tab.shell.Mount(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrSessionInvalidated)

	var invalidated *session.InvalidatedError
	require.True(t, errors.As(err, &invalidated))
	assert.Equal(t, session.StatusTimedOut, invalidated.Status)

	assert.Equal(t, []string{logout.MessageTimedOut}, tab.notifier.Messages())
	assert.Equal(t, 1, tab.navigator.Redirects())
	assertLoggedOut(t, tab)
	assert.Nil(t, tab.shell.Done())
}

func TestShell_UnauthorizedResponseEndsSession(t *testing.T) {
	ctx := context.Background()
	browser := newTestBrowser(t)
	tab := browser.newTab(t, time.Hour)

	_, err := tab.shell.Login(ctx, testCreds)
	require.NoError(t, err)
	require.NoError(t, tab.shell.Mount(ctx))

	browser.backend.ExpireAuth()
	_, err = tab.shell.Fetch(ctx, "/campaigns", gateway.Options{})
	assert.ErrorIs(t, err, gateway.ErrUnauthorized)

	waitDone(t, tab.shell)
	assertLoggedOut(t, tab)
	assert.Equal(t, 1, tab.navigator.Redirects())
	assert.Empty(t, tab.notifier.Messages())
	assert.Zero(t, browser.backend.Logouts())
}

func TestShell_StaleTokenRecoveredTransparently(t *testing.T) {
	ctx := context.Background()
	browser := newTestBrowser(t)
	tab := browser.newTab(t, time.Hour)

	_, err := tab.shell.Login(ctx, testCreds)
	require.NoError(t, err)
	require.NoError(t, tab.shell.Mount(ctx))

	refreshesBefore := browser.backend.Refreshes()
	browser.backend.ExpireAntiForgeryToken()

	var created testbackend.Campaign
	err = tab.shell.Gateway().SendJSON(ctx, http.MethodPost, "/campaigns", testbackend.Campaign{Title: "Shelter beds", Goal: 900}, &created)
	require.NoError(t, err)
	assert.Equal(t, "Shelter beds", created.Title)
	assert.Equal(t, refreshesBefore+1, browser.backend.Refreshes())
	assert.Equal(t, StateActive, tab.shell.State())
}

func TestShell_Logout(t *testing.T) {
	ctx := context.Background()
	browser := newTestBrowser(t)
	tab := browser.newTab(t, time.Hour)

	_, err := tab.shell.Login(ctx, testCreds)
	require.NoError(t, err)
	require.NoError(t, tab.shell.Mount(ctx))

	require.NoError(t, tab.shell.Logout(ctx))
	waitDone(t, tab.shell)

	assertLoggedOut(t, tab)
	assert.Equal(t, 1, tab.navigator.Redirects())
	assert.Empty(t, tab.notifier.Messages())
	assert.Equal(t, 1, browser.backend.Logouts())
	assert.False(t, browser.backend.LoggedIn())

	// signals after logout go nowhere
	tab.shell.Signal(activity.Scroll)

	assert.ErrorIs(t, tab.shell.Mount(ctx), ErrNoCredentials)
	assert.Equal(t, 2, tab.navigator.Redirects())
}
