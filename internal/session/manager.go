package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/2beens/donationadmin/internal/storage"
	"github.com/2beens/donationadmin/internal/telemetry/metrics"
	"github.com/2beens/donationadmin/internal/telemetry/tracing"
	"github.com/2beens/donationadmin/pkg"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultTimeout = 30 * time.Minute

	sessionIDRandomLen = 12
)

var ErrSessionInvalidated = errors.New("session invalidated")

type Status int

const (
	StatusActive Status = iota
	// StatusMissing means one of the session id copies is gone.
	StatusMissing
	// StatusConflict means another tab or login replaced the account-level id.
	StatusConflict
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusMissing:
		return "missing"
	case StatusConflict:
		return "conflict"
	case StatusTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// InvalidatedError carries the reason a session check failed.
type InvalidatedError struct {
	Status Status
}

func (e *InvalidatedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSessionInvalidated, e.Status)
}

func (e *InvalidatedError) Is(target error) bool {
	return target == ErrSessionInvalidated
}

// Manager owns the session id and the last activity timestamp of one tab.
// The account-level copies live in ports.Persistent, the tab copy of the
// session id in ports.Volatile.
type Manager struct {
	ports          storage.Ports
	timeout        time.Duration
	metricsManager *metrics.Manager

	// injectable for tests
	Now       func() time.Time
	NewIDFunc func(now time.Time) (string, error)
}

func NewManager(ports storage.Ports, timeout time.Duration, metricsManager *metrics.Manager) *Manager {
	if timeout <= 0 {
		log.Warnf("session manager: invalid timeout %s, using default %s", timeout, DefaultTimeout)
		timeout = DefaultTimeout
	}
	return &Manager{
		ports:          ports,
		timeout:        timeout,
		metricsManager: metricsManager,
		Now:            time.Now,
		NewIDFunc:      NewSessionID,
	}
}

// NewSessionID returns {unix millis}-{random}.
func NewSessionID(now time.Time) (string, error) {
	random, err := pkg.GenerateRandomString(sessionIDRandomLen)
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), random), nil
}

func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// InitializeOrValidate is called once per shell mount. It starts a fresh
// session when the account has none, lets a new tab join a live session,
// and returns an *InvalidatedError otherwise.
func (m *Manager) InitializeOrValidate(ctx context.Context) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "session.initializeOrValidate")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	accountID, err := m.get(ctx, m.ports.Persistent, storage.KeySessionID)
	if err != nil {
		return err
	}
	if accountID == "" {
		span.SetAttributes(attribute.Bool("session.fresh", true))
		_, err := m.Seed(ctx)
		return err
	}

	tabID, err := m.get(ctx, m.ports.Volatile, storage.KeyTabSessionID)
	if err != nil {
		return err
	}

	var status Status
	if tabID == "" {
		// a new tab of the same browser profile joins while the session is fresh
		status, err = m.activityStatus(ctx)
	} else {
		status, err = m.Status(ctx)
	}
	if err != nil {
		return err
	}
	if status != StatusActive {
		log.Warnf("session manager: session [%s] not valid on init: %s", accountID, status)
		return &InvalidatedError{Status: status}
	}

	if err := m.ports.Volatile.Set(ctx, storage.KeyTabSessionID, accountID); err != nil {
		return fmt.Errorf("copy session id to tab: %w", err)
	}
	log.Debugf("session manager: tab joined session [%s]", accountID)

	return m.Touch(ctx)
}

// Seed starts a new session unconditionally. Any other tab holding the
// previous account-level id fails its next check.
func (m *Manager) Seed(ctx context.Context) (string, error) {
	now := m.Now()
	sessionID, err := m.NewIDFunc(now)
	if err != nil {
		return "", err
	}

	if err := m.ports.Persistent.Set(ctx, storage.KeySessionID, sessionID); err != nil {
		return "", fmt.Errorf("store account session id: %w", err)
	}
	if err := m.ports.Volatile.Set(ctx, storage.KeyTabSessionID, sessionID); err != nil {
		return "", fmt.Errorf("store tab session id: %w", err)
	}
	if err := m.setLastActivity(ctx, now); err != nil {
		return "", err
	}

	log.Debugf("session manager: new session [%s] started", sessionID)
	return sessionID, nil
}

func (m *Manager) IsValid(ctx context.Context) (bool, error) {
	status, err := m.Status(ctx)
	if err != nil {
		return false, err
	}
	return status == StatusActive, nil
}

// Status is the reason coded validity check: both ids present and equal,
// and the last activity within the timeout.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	status, err := m.status(ctx)
	if err != nil {
		return status, err
	}
	if m.metricsManager != nil {
		m.metricsManager.CounterSessionChecks.WithLabelValues(status.String()).Inc()
	}
	return status, nil
}

func (m *Manager) status(ctx context.Context) (Status, error) {
	accountID, err := m.get(ctx, m.ports.Persistent, storage.KeySessionID)
	if err != nil {
		return StatusMissing, err
	}
	tabID, err := m.get(ctx, m.ports.Volatile, storage.KeyTabSessionID)
	if err != nil {
		return StatusMissing, err
	}

	if accountID == "" || tabID == "" {
		return StatusMissing, nil
	}
	if accountID != tabID {
		return StatusConflict, nil
	}

	return m.activityStatus(ctx)
}

func (m *Manager) activityStatus(ctx context.Context) (Status, error) {
	lastActivity, found, err := m.LastActivity(ctx)
	if err != nil {
		return StatusTimedOut, err
	}
	if !found {
		return StatusTimedOut, nil
	}
	if m.Now().Sub(lastActivity) >= m.timeout {
		return StatusTimedOut, nil
	}
	return StatusActive, nil
}

// Touch refreshes the last activity timestamp. The stored value never
// goes backwards.
func (m *Manager) Touch(ctx context.Context) error {
	now := m.Now()
	lastActivity, found, err := m.LastActivity(ctx)
	if err != nil {
		return err
	}
	if found && lastActivity.After(now) {
		return nil
	}
	return m.setLastActivity(ctx, now)
}

// LastActivity returns the stored timestamp; found is false when it is
// missing or unreadable.
func (m *Manager) LastActivity(ctx context.Context) (time.Time, bool, error) {
	raw, err := m.get(ctx, m.ports.Persistent, storage.KeyLastActivityAt)
	if err != nil {
		return time.Time{}, false, err
	}
	if raw == "" {
		return time.Time{}, false, nil
	}

	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Errorf("session manager: bad last activity value [%s]: %s", raw, err)
		return time.Time{}, false, nil
	}
	return time.UnixMilli(millis), true, nil
}

func (m *Manager) setLastActivity(ctx context.Context, t time.Time) error {
	if err := m.ports.Persistent.Set(ctx, storage.KeyLastActivityAt, strconv.FormatInt(t.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("store last activity: %w", err)
	}
	return nil
}

// get maps storage.ErrNotFound to an empty value.
func (m *Manager) get(ctx context.Context, store storage.Store, key string) (string, error) {
	val, err := store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return val, nil
}
