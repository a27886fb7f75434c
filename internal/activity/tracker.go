package activity

import (
	"context"
	"sync"
	"time"

	"github.com/2beens/donationadmin/internal/session"
	"github.com/2beens/donationadmin/internal/telemetry/metrics"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultSweepInterval = time.Minute

	signalsBufferSize = 64
)

type Signal int

const (
	PointerDown Signal = iota
	KeyDown
	Scroll
	TouchStart
	Click
)

// Signals is the fixed set of interaction signals the tracker listens to.
var Signals = []Signal{PointerDown, KeyDown, Scroll, TouchStart, Click}

func (s Signal) String() string {
	switch s {
	case PointerDown:
		return "pointerdown"
	case KeyDown:
		return "keydown"
	case Scroll:
		return "scroll"
	case TouchStart:
		return "touchstart"
	case Click:
		return "click"
	default:
		return "unknown"
	}
}

type sessionChecker interface {
	Status(ctx context.Context) (session.Status, error)
	Touch(ctx context.Context) error
}

// ForcedLogouter tears the session down after a failed check. It is called
// from the tracker goroutine, so it must not call Stop.
type ForcedLogouter interface {
	ForceLogout(ctx context.Context, reason session.Status)
}

// Tracker serializes interaction signals and the periodic sweep on a single
// goroutine, so no two checks ever interleave their timestamp updates.
type Tracker struct {
	checker        sessionChecker
	logouter       ForcedLogouter
	sweepInterval  time.Duration
	metricsManager *metrics.Manager

	signals   chan Signal
	stopChan  chan struct{}
	doneChan  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	mutex     sync.Mutex
}

func NewTracker(
	checker sessionChecker,
	logouter ForcedLogouter,
	sweepInterval time.Duration,
	metricsManager *metrics.Manager,
) *Tracker {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Tracker{
		checker:        checker,
		logouter:       logouter,
		sweepInterval:  sweepInterval,
		metricsManager: metricsManager,
		signals:        make(chan Signal, signalsBufferSize),
		stopChan:       make(chan struct{}),
		doneChan:       make(chan struct{}),
	}
}

// Start launches the tracker loop. Calling it more than once is a no-op.
func (t *Tracker) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		t.mutex.Lock()
		t.started = true
		t.mutex.Unlock()

		go t.loop(ctx)
	})
}

// Stop releases the sweep ticker and waits for the loop to exit.
// It is idempotent and safe to call on a tracker that never started.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopChan)
	})

	t.mutex.Lock()
	started := t.started
	t.mutex.Unlock()
	if started {
		<-t.doneChan
	}
}

// Done is closed once the loop has exited, either via Stop, context
// cancellation or a forced logout.
func (t *Tracker) Done() <-chan struct{} {
	return t.doneChan
}

// Signal reports a user interaction. It never blocks; signals arriving
// after the tracker stopped, or while the buffer is full, are dropped.
func (t *Tracker) Signal(s Signal) {
	select {
	case <-t.stopChan:
		return
	case <-t.doneChan:
		return
	default:
	}

	select {
	case t.signals <- s:
		if t.metricsManager != nil {
			t.metricsManager.CounterActivitySignals.WithLabelValues(s.String()).Inc()
		}
	default:
		log.Tracef("activity tracker: signal buffer full, dropping [%s]", s)
	}
}

func (t *Tracker) loop(ctx context.Context) {
	defer close(t.doneChan)

	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	log.Debugf("activity tracker: started, sweep every %s", t.sweepInterval)
	for {
		select {
		case <-ctx.Done():
			log.Debugln("activity tracker: context done")
			return
		case <-t.stopChan:
			log.Debugln("activity tracker: stopped")
			return
		case s := <-t.signals:
			if !t.check(ctx, s.String(), true) {
				return
			}
		case <-ticker.C:
			if !t.check(ctx, "sweep", false) {
				return
			}
		}
	}
}

// check returns false when the session got invalidated and the loop must end.
func (t *Tracker) check(ctx context.Context, trigger string, refresh bool) bool {
	status, err := t.checker.Status(ctx)
	if err != nil {
		log.Errorf("activity tracker: session check on [%s]: %s", trigger, err)
		return true
	}

	if status != session.StatusActive {
		log.Warnf("activity tracker: session invalid on [%s]: %s, forcing logout", trigger, status)
		t.logouter.ForceLogout(ctx, status)
		return false
	}

	if !refresh {
		return true
	}
	if err := t.checker.Touch(ctx); err != nil {
		log.Errorf("activity tracker: refresh last activity: %s", err)
	}
	return true
}
