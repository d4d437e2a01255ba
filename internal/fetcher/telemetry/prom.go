// Package telemetry provides opt-in, low-overhead Prometheus instrumentation
// for the fetching core. It is designed to be safe to call from hot paths:
// when disabled, all public functions are no-ops. The lightweight atomic
// totals used by snapshots live in the core package; this module is the
// exporter-facing tier.
package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the telemetry module.
//
// Notes:
//   - MetricsAddr, when non-empty, starts a dedicated HTTP server that
//     serves /metrics. If the operations API is enabled it already mounts
//     Handler(), so leave this empty to avoid a second listener.
//   - Label cardinality is bounded: kinds, adjustment reasons, breaker
//     states, and the batch and canonicalization result classes are all
//     closed sets. Hosts are never used as label values.
type Config struct {
	Enabled     bool
	MetricsAddr string // e.g. ":9090". Empty to disable the standalone endpoint.
}

var (
	modEnabled atomic.Bool

	fetchAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetchkit_fetch_attempts_total",
		Help: "Total fetch attempts issued, retries included",
	})
	fetchSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetchkit_fetch_success_total",
		Help: "Total attempts that produced a 2xx/3xx response",
	})
	fetchFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchkit_fetch_failures_total",
		Help: "Total attempts that surfaced a classified failure, by kind",
	}, []string{"kind"})
	fetchDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetchkit_fetch_duration_seconds",
		Help:    "Distribution of single-attempt wall time",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	acquireWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetchkit_rate_acquire_wait_seconds",
		Help:    "Distribution of time spent waiting for a rate-limit token",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})
	ratePausesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetchkit_rate_pauses_total",
		Help: "Total 429-driven pauses applied to host buckets",
	})
	rateAdjustmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchkit_rate_adjustments_total",
		Help: "Total adaptive RPS changes, by reason",
	}, []string{"reason"})
	circuitTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchkit_circuit_transitions_total",
		Help: "Total circuit breaker transitions, by resulting state",
	}, []string{"to"})
	circuitRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetchkit_circuit_rejections_total",
		Help: "Total requests failed fast by an open breaker",
	})
	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetchkit_retries_total",
		Help: "Total re-attempts scheduled by the retry loop",
	})
	bucketsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fetchkit_buckets_tracked",
		Help: "Number of host token buckets currently in the registry",
	})
	circuitsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fetchkit_circuits_tracked",
		Help: "Number of host circuit breakers currently in the registry",
	})
	batchItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchkit_batch_items_total",
		Help: "Total batch items by terminal class",
	}, []string{"result"})
	canonicalResolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetchkit_canonical_resolutions_total",
		Help: "Total canonicalization runs by result",
	}, []string{"result"})
	paginationPagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetchkit_pagination_pages_total",
		Help: "Total pages found by pagination discovery",
	})
)

func init() {
	// Register metrics eagerly. If no Prometheus endpoint is exposed, the
	// registration is harmless.
	prometheus.MustRegister(
		fetchAttemptsTotal, fetchSuccessTotal, fetchFailuresTotal,
		fetchDurationSeconds, acquireWaitSeconds,
		ratePausesTotal, rateAdjustmentsTotal,
		circuitTransitionsTotal, circuitRejectionsTotal,
		retriesTotal, bucketsTracked, circuitsTracked, batchItemsTotal,
		canonicalResolutionsTotal, paginationPagesTotal,
	)
}

// Enable configures the module. Safe to call multiple times; subsequent
// calls replace the config.
func Enable(cfg Config) {
	modEnabled.Store(cfg.Enabled)
	if cfg.Enabled && cfg.MetricsAddr != "" {
		startMetricsEndpoint(cfg.MetricsAddr)
	}
}

// Enabled reports whether the telemetry module is active.
func Enabled() bool { return modEnabled.Load() }

// Handler returns the /metrics handler for mounting on an existing server.
func Handler() http.Handler { return promhttp.Handler() }

// ObserveAttempt records one issued fetch attempt.
func ObserveAttempt() {
	if !modEnabled.Load() {
		return
	}
	fetchAttemptsTotal.Inc()
}

// ObserveSuccess records a successful attempt and its wall time.
func ObserveSuccess(elapsed time.Duration) {
	if !modEnabled.Load() {
		return
	}
	fetchSuccessTotal.Inc()
	fetchDurationSeconds.Observe(elapsed.Seconds())
}

// ObserveFailure records a failed attempt, its classified kind, and its
// wall time.
func ObserveFailure(kind string, elapsed time.Duration) {
	if !modEnabled.Load() {
		return
	}
	fetchFailuresTotal.WithLabelValues(kind).Inc()
	fetchDurationSeconds.Observe(elapsed.Seconds())
}

// ObserveAcquireWait records time spent blocked on a rate-limit token.
func ObserveAcquireWait(wait time.Duration) {
	if !modEnabled.Load() || wait <= 0 {
		return
	}
	acquireWaitSeconds.Observe(wait.Seconds())
}

// ObserveRatePause records one 429-driven bucket pause.
func ObserveRatePause() {
	if !modEnabled.Load() {
		return
	}
	ratePausesTotal.Inc()
}

// ObserveRateAdjustment records one adaptive RPS change by reason.
func ObserveRateAdjustment(reason string) {
	if !modEnabled.Load() || reason == "" {
		return
	}
	rateAdjustmentsTotal.WithLabelValues(reason).Inc()
}

// ObserveCircuitTransition records a breaker entering a state.
func ObserveCircuitTransition(to string) {
	if !modEnabled.Load() {
		return
	}
	circuitTransitionsTotal.WithLabelValues(to).Inc()
}

// ObserveCircuitRejection records one fail-fast rejection.
func ObserveCircuitRejection() {
	if !modEnabled.Load() {
		return
	}
	circuitRejectionsTotal.Inc()
}

// ObserveRetry records one scheduled re-attempt.
func ObserveRetry() {
	if !modEnabled.Load() {
		return
	}
	retriesTotal.Inc()
}

// ObserveRegistrySize updates the tracked-host gauges. Called by the
// sweeper after each cycle and by the state snapshot handler.
func ObserveRegistrySize(buckets, circuits int) {
	if !modEnabled.Load() {
		return
	}
	bucketsTracked.Set(float64(buckets))
	circuitsTracked.Set(float64(circuits))
}

// ObserveBatchItem records one batch item reaching a terminal class
// (success, failed, invalid, duplicate).
func ObserveBatchItem(result string) {
	if !modEnabled.Load() {
		return
	}
	batchItemsTotal.WithLabelValues(result).Inc()
}

// ObserveCanonicalResolution records one canonicalization run by result
// (resolved, failed, cached).
func ObserveCanonicalResolution(result string) {
	if !modEnabled.Load() {
		return
	}
	canonicalResolutionsTotal.WithLabelValues(result).Inc()
}

// ObservePaginationPages records pages found by one discovery run.
func ObservePaginationPages(pages int) {
	if !modEnabled.Load() || pages <= 0 {
		return
	}
	paginationPagesTotal.Add(float64(pages))
}

// startMetricsEndpoint exposes /metrics on the given addr in a background
// goroutine.
func startMetricsEndpoint(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
