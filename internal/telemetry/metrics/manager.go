package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Manager struct {
	// counters
	CounterSecureRequests       *prometheus.CounterVec
	CounterAntiForgeryRefreshes prometheus.Counter
	CounterAntiForgeryRetries   prometheus.Counter
	CounterAntiForgeryExhausted prometheus.Counter
	CounterUnauthorized         prometheus.Counter
	CounterSessionChecks        *prometheus.CounterVec
	CounterForcedLogouts        *prometheus.CounterVec
	CounterLogouts              *prometheus.CounterVec
	CounterActivitySignals      *prometheus.CounterVec

	// gauges
	GaugeActiveShells prometheus.Gauge

	// histograms
	HistogramRequestDuration *prometheus.HistogramVec
}

func NewTestManager() *Manager {
	return NewManager("admin", "test_shell", prometheus.NewRegistry())
}

func NewTestManagerAndRegistry() (*Manager, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewManager("admin", "test_shell", reg), reg
}

func NewManager(namespace, subsystem string, reg prometheus.Registerer) *Manager {
	factory := promauto.With(reg)

	counterSecureRequests := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "secure_requests",
		Help:      "The total number of requests sent through the secure request gateway",
	}, []string{"method", "status"})
	counterAntiForgeryRefreshes := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "anti_forgery_refreshes",
		Help:      "The total number of anti-forgery token refresh calls",
	})
	counterAntiForgeryRetries := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "anti_forgery_retries",
		Help:      "The total number of requests retried after a token refresh",
	})
	counterAntiForgeryExhausted := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "anti_forgery_exhausted",
		Help:      "The total number of requests that failed even after a token refresh",
	})
	counterUnauthorized := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "unauthorized_responses",
		Help:      "The total number of 401 responses seen by the gateway",
	})
	counterSessionChecks := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "session_checks",
		Help:      "Session validity checks by outcome",
	}, []string{"status"})
	counterForcedLogouts := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "forced_logouts",
		Help:      "Logouts forced by session invalidation, by reason",
	}, []string{"reason"})
	counterLogouts := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "logouts",
		Help:      "Logouts by backend notification outcome",
	}, []string{"backend"})
	counterActivitySignals := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "activity_signals",
		Help:      "Interaction signals received by the activity tracker",
	}, []string{"signal"})

	gaugeActiveShells := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "active_shells",
		Help:      "Currently mounted admin shells",
	})

	histogramRequestDuration := factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "secure_request_duration_seconds",
		Help:      "Histogram of secure request round trips in seconds, retries included",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method", "outcome"})

	return &Manager{
		CounterSecureRequests:       counterSecureRequests,
		CounterAntiForgeryRefreshes: counterAntiForgeryRefreshes,
		CounterAntiForgeryRetries:   counterAntiForgeryRetries,
		CounterAntiForgeryExhausted: counterAntiForgeryExhausted,
		CounterUnauthorized:         counterUnauthorized,
		CounterSessionChecks:        counterSessionChecks,
		CounterForcedLogouts:        counterForcedLogouts,
		CounterLogouts:              counterLogouts,
		CounterActivitySignals:      counterActivitySignals,
		GaugeActiveShells:           gaugeActiveShells,
		HistogramRequestDuration:    histogramRequestDuration,
	}
}
