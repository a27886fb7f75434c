package logout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2beens/donationadmin/internal/session"
	"github.com/2beens/donationadmin/internal/storage"
	"github.com/2beens/donationadmin/internal/telemetry/metrics"
	"github.com/2beens/donationadmin/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
)

const DefaultLogoutPath = "/auth/logout"

const (
	MessageTimedOut = "Your session has expired due to inactivity. Please log in again."
	MessageConflict = "You have been logged out because your account was signed in from another tab or device."
	MessageMissing  = "Your session is no longer valid. Please log in again."
)

//go:generate mockgen -source=$GOFILE -destination=coordinator_mocks_test.go -package=logout_test

// Navigator sends the user to the login entry point.
type Navigator interface {
	RedirectToLogin(ctx context.Context)
}

// Notifier shows a blocking message the user has to acknowledge.
type Notifier interface {
	Alert(ctx context.Context, message string)
}

type backend interface {
	HTTPClient() *http.Client
	URL(path string) string
	AttachAntiForgery(req *http.Request)
}

// Coordinator ends admin sessions. Local teardown always happens, whatever
// the backend says, and the redirect to login is always the last step.
type Coordinator struct {
	backend        backend
	logoutURL      string
	ports          storage.Ports
	navigator      Navigator
	notifier       Notifier
	metricsManager *metrics.Manager
}

func NewCoordinator(
	backend backend,
	logoutPath string,
	ports storage.Ports,
	navigator Navigator,
	notifier Notifier,
	metricsManager *metrics.Manager,
) *Coordinator {
	if logoutPath == "" {
		logoutPath = DefaultLogoutPath
	}
	return &Coordinator{
		backend:        backend,
		logoutURL:      backend.URL(logoutPath),
		ports:          ports,
		navigator:      navigator,
		notifier:       notifier,
		metricsManager: metricsManager,
	}
}

// Logout returns the combined local storage errors, if any, after the
// redirect was issued. Backend failures are only logged.
func (c *Coordinator) Logout(ctx context.Context) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "logout.logout")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	backendStatus := "ok"
	if backendErr := c.logoutBackend(ctx); backendErr != nil {
		backendStatus = "failed"
		span.AddEvent("backend logout failed")
		log.Errorf("logout: backend logout failed, continuing with local teardown: %s", backendErr)
	}
	span.SetAttributes(attribute.String("backend", backendStatus))
	if c.metricsManager != nil {
		c.metricsManager.CounterLogouts.WithLabelValues(backendStatus).Inc()
	}

	err = c.ClearLocal(ctx)
	c.navigator.RedirectToLogin(ctx)
	return err
}

// ClearLocal removes the user profile and both session records. Every key
// is attempted even when an earlier removal fails.
func (c *Coordinator) ClearLocal(ctx context.Context) error {
	var err error
	for _, key := range []string{storage.KeyUser, storage.KeySessionID, storage.KeyLastActivityAt} {
		if removeErr := c.ports.Persistent.Remove(ctx, key); removeErr != nil {
			err = multierr.Append(err, fmt.Errorf("remove %s: %w", key, removeErr))
		}
	}
	if removeErr := c.ports.Volatile.Remove(ctx, storage.KeyTabSessionID); removeErr != nil {
		err = multierr.Append(err, fmt.Errorf("remove %s: %w", storage.KeyTabSessionID, removeErr))
	}

	if err != nil {
		log.Errorf("logout: clear local session state: %s", err)
	}
	return err
}

// HandleUnauthorized is called by the gateway on a 401. The backend session
// is already gone, so only local state is cleared.
func (c *Coordinator) HandleUnauthorized(ctx context.Context) {
	log.Warnln("logout: backend rejected the session, clearing local state")
	_ = c.ClearLocal(ctx)
	c.navigator.RedirectToLogin(ctx)
}

// ForceLogout tells the user why the session ended, then logs out. A tab
// that lost a conflict only drops its own state: the account-level keys and
// the backend session belong to the newer login.
func (c *Coordinator) ForceLogout(ctx context.Context, reason session.Status) {
	log.Printf("logout: forced logout, session %s", reason)
	if c.metricsManager != nil {
		c.metricsManager.CounterForcedLogouts.WithLabelValues(reason.String()).Inc()
	}

	c.notifier.Alert(ctx, ReasonMessage(reason))

	if reason == session.StatusConflict {
		_ = c.ClearTab(ctx)
		c.navigator.RedirectToLogin(ctx)
		return
	}

	if err := c.Logout(ctx); err != nil {
		log.Errorf("logout: forced logout: %s", err)
	}
}

// ClearTab removes only the tab-level session id.
func (c *Coordinator) ClearTab(ctx context.Context) error {
	if err := c.ports.Volatile.Remove(ctx, storage.KeyTabSessionID); err != nil {
		log.Errorf("logout: clear tab session id: %s", err)
		return fmt.Errorf("remove %s: %w", storage.KeyTabSessionID, err)
	}
	return nil
}

func ReasonMessage(reason session.Status) string {
	switch reason {
	case session.StatusTimedOut:
		return MessageTimedOut
	case session.StatusConflict:
		return MessageConflict
	default:
		return MessageMissing
	}
}

func (c *Coordinator) logoutBackend(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.logoutURL, nil)
	if err != nil {
		return err
	}
	c.backend.AttachAntiForgery(req)

	resp, err := c.backend.HTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.New(resp.Status)
	}
	return nil
}
