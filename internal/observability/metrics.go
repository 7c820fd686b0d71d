package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coralctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests against the control API.",
		},
		[]string{"controller", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coralctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Control API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"controller", "method", "path", "status"},
	)
	imageBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coralctl",
			Subsystem: "image",
			Name:      "builds_total",
			Help:      "Agent image builds by outcome.",
		},
		[]string{"agent", "outcome"},
	)
	buildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coralctl",
			Subsystem: "image",
			Name:      "build_duration_seconds",
			Help:      "Agent image build duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"agent", "outcome"},
	)
	instanceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coralctl",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Agent instance restarts after a crash.",
		},
		[]string{"agent"},
	)
	crashLoops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coralctl",
			Subsystem: "supervisor",
			Name:      "crash_loops_total",
			Help:      "Agent instances moved to failed after a crash loop.",
		},
		[]string{"agent"},
	)
	registrationAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coralctl",
			Subsystem: "coral",
			Name:      "registration_attempts_total",
			Help:      "Registration attempts against the coordination server.",
		},
		[]string{"agent", "outcome"},
	)
	heartbeatFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coralctl",
			Subsystem: "coral",
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeats that did not receive an acknowledgment.",
		},
		[]string{"agent"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			imageBuilds,
			buildDuration,
			instanceRestarts,
			crashLoops,
			registrationAttempts,
			heartbeatFailures,
		)
	})
}

func RecordHTTPRequest(controller, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(controller, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(controller, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordImageBuild(agent string, duration time.Duration, success bool) {
	RegisterMetrics()
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	imageBuilds.WithLabelValues(agent, outcome).Inc()
	buildDuration.WithLabelValues(agent, outcome).Observe(duration.Seconds())
}

func RecordInstanceRestart(agent string) {
	RegisterMetrics()
	instanceRestarts.WithLabelValues(agent).Inc()
}

func RecordCrashLoop(agent string) {
	RegisterMetrics()
	crashLoops.WithLabelValues(agent).Inc()
}

func RecordRegistrationAttempt(agent string, success bool) {
	RegisterMetrics()
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	registrationAttempts.WithLabelValues(agent, outcome).Inc()
}

func RecordHeartbeatFailure(agent string) {
	RegisterMetrics()
	heartbeatFailures.WithLabelValues(agent).Inc()
}
