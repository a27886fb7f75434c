// Package shell is the admin console frame every admin page is mounted in.
// Mounting checks that a user is logged in, validates or starts the tab's
// session and starts the activity tracker; all backend calls of the pages
// go through the shell's gateway.
package shell

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/2beens/donationadmin/internal/activity"
	"github.com/2beens/donationadmin/internal/auth"
	"github.com/2beens/donationadmin/internal/credentials"
	"github.com/2beens/donationadmin/internal/gateway"
	"github.com/2beens/donationadmin/internal/logout"
	"github.com/2beens/donationadmin/internal/session"
	"github.com/2beens/donationadmin/internal/storage"
	"github.com/2beens/donationadmin/internal/telemetry/metrics"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNoCredentials = errors.New("no authenticated user, redirected to login")
	ErrNotMounted    = errors.New("shell is not mounted")
)

// Surface is an admin area with its own inactivity timeout.
type Surface struct {
	Name    string
	Timeout time.Duration
}

type Config struct {
	Surface       Surface
	SweepInterval time.Duration
	LoginPath     string
	LogoutPath    string
}

type Shell struct {
	surface        Surface
	sweepInterval  time.Duration
	gateway        *gateway.Gateway
	authClient     *auth.Client
	credentials    *credentials.Store
	session        *session.Manager
	coordinator    *logout.Coordinator
	navigator      logout.Navigator
	metricsManager *metrics.Manager

	mutex   sync.Mutex
	state   State
	tracker *activity.Tracker
}

// New wires a shell for one tab. It registers itself as the gateway's
// unauthorized handler.
func New(
	cfg Config,
	ports storage.Ports,
	gw *gateway.Gateway,
	navigator logout.Navigator,
	notifier logout.Notifier,
	metricsManager *metrics.Manager,
) *Shell {
	s := &Shell{
		surface:        cfg.Surface,
		sweepInterval:  cfg.SweepInterval,
		gateway:        gw,
		authClient:     auth.NewClient(gw, cfg.LoginPath),
		credentials:    credentials.NewStore(ports.Persistent),
		session:        session.NewManager(ports, cfg.Surface.Timeout, metricsManager),
		coordinator:    logout.NewCoordinator(gw, cfg.LogoutPath, ports, navigator, notifier, metricsManager),
		navigator:      navigator,
		metricsManager: metricsManager,
		state:          StateUnauthenticated,
	}
	gw.SetUnauthorizedHandler(s)
	return s
}

func (s *Shell) Surface() Surface {
	return s.surface
}

func (s *Shell) Gateway() *gateway.Gateway {
	return s.gateway
}

// Session is exposed for tests and tooling that need to inspect or fake
// the clock of the tab's session.
func (s *Shell) Session() *session.Manager {
	return s.session
}

func (s *Shell) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

func (s *Shell) User(ctx context.Context) (*credentials.AuthenticatedUser, error) {
	return s.credentials.User(ctx)
}

// Login authenticates against the backend, stores the profile and starts a
// fresh session, replacing whatever session another tab had.
func (s *Shell) Login(ctx context.Context, creds auth.Credentials) (*credentials.AuthenticatedUser, error) {
	user, err := s.authClient.Login(ctx, creds)
	if err != nil {
		return nil, err
	}
	if err := s.credentials.Save(ctx, *user); err != nil {
		return nil, err
	}
	sessionID, err := s.session.Seed(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed session: %w", err)
	}

	log.Printf("shell: [%s] logged in, session [%s]", user.Username, sessionID)
	return user, nil
}

// Mount runs before any page content loads. Without a stored user it
// redirects to login and returns ErrNoCredentials; with an invalid session
// it alerts, logs out and returns the *session.InvalidatedError. The
// tracker lives until ctx is done or the shell is unmounted.
func (s *Shell) Mount(ctx context.Context) error {
	s.mutex.Lock()
	if s.state != StateUnauthenticated {
		state := s.state
		s.mutex.Unlock()
		return fmt.Errorf("mount in state %s", state)
	}
	s.state = StateInitializing
	s.mutex.Unlock()

	user, err := s.credentials.User(ctx)
	if err != nil {
		s.setState(StateUnauthenticated)
		if errors.Is(err, credentials.ErrNoUser) {
			log.Println("shell: no user profile stored, redirecting to login")
			s.navigator.RedirectToLogin(ctx)
			return ErrNoCredentials
		}
		return err
	}

	if err := s.session.InitializeOrValidate(ctx); err != nil {
		var invalidated *session.InvalidatedError
		if errors.As(err, &invalidated) {
			s.ForceLogout(ctx, invalidated.Status)
			return err
		}
		s.setState(StateUnauthenticated)
		return fmt.Errorf("initialize session: %w", err)
	}

	tracker := activity.NewTracker(s.session, s, s.sweepInterval, s.metricsManager)
	s.mutex.Lock()
	s.tracker = tracker
	s.mutex.Unlock()
	s.setState(StateActive)
	tracker.Start(ctx)

	log.Printf("shell: [%s] mounted on surface [%s], timeout %s", user.Username, s.surface.Name, s.session.Timeout())
	return nil
}

// Unmount stops the activity tracker. Stored session state is kept, so the
// next mount of this tab can carry on with the same session.
func (s *Shell) Unmount() {
	s.stopTracker()
	if s.State() == StateActive {
		s.setState(StateUnauthenticated)
	}
}

// Signal reports a user interaction. Dropped when not mounted.
func (s *Shell) Signal(signal activity.Signal) {
	s.mutex.Lock()
	tracker := s.tracker
	s.mutex.Unlock()
	if tracker != nil {
		tracker.Signal(signal)
	}
}

// Fetch sends an authenticated request for a mounted page.
func (s *Shell) Fetch(ctx context.Context, url string, opts gateway.Options) (*http.Response, error) {
	if s.State() != StateActive {
		return nil, ErrNotMounted
	}
	return s.gateway.SecureFetch(ctx, url, opts)
}

// Logout is the user initiated logout.
func (s *Shell) Logout(ctx context.Context) error {
	s.stopTracker()
	s.setState(StateLoggingOut)
	err := s.coordinator.Logout(ctx)
	s.setState(StateUnauthenticated)
	return err
}

// ForceLogout is called by the activity tracker from its own goroutine,
// and by Mount on an invalid session.
func (s *Shell) ForceLogout(ctx context.Context, reason session.Status) {
	s.setState(StateInvalidated)
	s.setState(StateLoggingOut)
	s.coordinator.ForceLogout(ctx, reason)
	s.setState(StateUnauthenticated)
}

// HandleUnauthorized runs on the goroutine of the request that got the 401.
func (s *Shell) HandleUnauthorized(ctx context.Context) {
	s.stopTracker()
	s.setState(StateInvalidated)
	s.setState(StateLoggingOut)
	s.coordinator.HandleUnauthorized(ctx)
	s.setState(StateUnauthenticated)
}

// Done is closed when the mounted tracker has exited, either on Unmount or
// after a forced logout. Nil when never mounted.
func (s *Shell) Done() <-chan struct{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.tracker == nil {
		return nil
	}
	return s.tracker.Done()
}

func (s *Shell) stopTracker() {
	s.mutex.Lock()
	tracker := s.tracker
	s.mutex.Unlock()
	if tracker != nil {
		tracker.Stop()
	}
}

func (s *Shell) setState(state State) {
	s.mutex.Lock()
	prev := s.state
	s.state = state
	s.mutex.Unlock()

	if prev == state {
		return
	}
	log.Tracef("shell: %s -> %s", prev, state)
	if s.metricsManager == nil {
		return
	}
	if state == StateActive {
		s.metricsManager.GaugeActiveShells.Inc()
	} else if prev == StateActive {
		s.metricsManager.GaugeActiveShells.Dec()
	}
}
