package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	dcaMetricsOnce sync.Once
	dcaRegistry    *DCAMetrics

	schedulerMetricsOnce sync.Once
	schedulerRegistry    *SchedulerMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record owner
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "recurswap",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total owner API requests segmented by route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "recurswap",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total owner API errors segmented by route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "recurswap",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for owner API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "recurswap",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of owner API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// DCAMetrics wraps collectors tracking the recurring swap engine.
type DCAMetrics struct {
	runs          *prometheus.CounterVec
	runLatency    prometheus.Histogram
	executions    *prometheus.CounterVec
	failures      *prometheus.CounterVec
	dust          *prometheus.CounterVec
	registrations *prometheus.CounterVec
	ledgerFunded  prometheus.Counter
	stalled       prometheus.Gauge
}

// DCA exposes the metrics registry for the recurring swap engine.
func DCA() *DCAMetrics {
	dcaMetricsOnce.Do(func() {
		dcaRegistry = &DCAMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "recurswap",
				Subsystem: "dca",
				Name:      "handler_runs_total",
				Help:      "Count of execution handler runs segmented by outcome.",
			}, []string{"outcome"}),
			runLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "recurswap",
				Subsystem: "dca",
				Name:      "handler_duration_seconds",
				Help:      "Latency distribution for execution handler runs.",
				Buckets:   prometheus.DefBuckets,
			}),
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "recurswap",
				Subsystem: "dca",
				Name:      "executions_total",
				Help:      "Count of successful swaps segmented by venue and asset pair.",
			}, []string{"venue", "source", "target"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "recurswap",
				Subsystem: "dca",
				Name:      "failures_total",
				Help:      "Count of aborted runs segmented by reason.",
			}, []string{"reason"}),
			dust: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "recurswap",
				Subsystem: "dca",
				Name:      "rounding_dust_total",
				Help:      "Cumulative swap output discarded by precision rounding, in base units.",
			}, []string{"asset"}),
			registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "recurswap",
				Subsystem: "dca",
				Name:      "registrations_total",
				Help:      "Count of scheduler registrations segmented by outcome.",
			}, []string{"outcome"}),
			ledgerFunded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "recurswap",
				Subsystem: "dca",
				Name:      "fee_ledger_funded_total",
				Help:      "Cumulative fee prepayment moved into owner ledgers, in base units.",
			}),
			stalled: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "recurswap",
				Subsystem: "dca",
				Name:      "stalled_plans",
				Help:      "Active plans without a pending scheduler registration.",
			}),
		}
		prometheus.MustRegister(
			dcaRegistry.runs,
			dcaRegistry.runLatency,
			dcaRegistry.executions,
			dcaRegistry.failures,
			dcaRegistry.dust,
			dcaRegistry.registrations,
			dcaRegistry.ledgerFunded,
			dcaRegistry.stalled,
		)
	})
	return dcaRegistry
}

// ObserveRun records the outcome and latency of a handler run.
func (m *DCAMetrics) ObserveRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runLatency.Observe(d.Seconds())
}

// RecordExecution counts a successful swap and the dust it discarded.
func (m *DCAMetrics) RecordExecution(venue, source, target string, dust *uint256.Int) {
	if m == nil {
		return
	}
	if venue = strings.TrimSpace(venue); venue == "" {
		venue = "unknown"
	}
	m.executions.WithLabelValues(venue, labelAsset(source), labelAsset(target)).Inc()
	if dust != nil && !dust.IsZero() {
		m.dust.WithLabelValues(labelAsset(target)).Add(uintToFloat(dust))
	}
}

// RecordFailure increments the failure counter for reason.
func (m *DCAMetrics) RecordFailure(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.failures.WithLabelValues(reason).Inc()
}

// RecordRegistration counts a scheduler registration attempt.
func (m *DCAMetrics) RecordRegistration(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.registrations.WithLabelValues(outcome).Inc()
}

// RecordLedgerFunding adds a bulk fee prepayment.
func (m *DCAMetrics) RecordLedgerFunding(amount *uint256.Int) {
	if m == nil || amount == nil {
		return
	}
	m.ledgerFunded.Add(uintToFloat(amount))
}

// SetStalled updates the stalled plan gauge.
func (m *DCAMetrics) SetStalled(count int) {
	if m == nil {
		return
	}
	m.stalled.Set(float64(count))
}

// SchedulerMetrics tracks the in-process trigger service.
type SchedulerMetrics struct {
	pending prometheus.Gauge
	fired   *prometheus.CounterVec
	lag     prometheus.Histogram
}

// Scheduler exposes the metrics registry for the trigger service.
func Scheduler() *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerRegistry = &SchedulerMetrics{
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "recurswap",
				Subsystem: "scheduler",
				Name:      "pending_registrations",
				Help:      "Registrations waiting for their due time.",
			}),
			fired: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "recurswap",
				Subsystem: "scheduler",
				Name:      "callbacks_total",
				Help:      "Count of callbacks fired segmented by outcome.",
			}, []string{"outcome"}),
			lag: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "recurswap",
				Subsystem: "scheduler",
				Name:      "fire_lag_seconds",
				Help:      "Delay between a registration's due time and its callback.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			schedulerRegistry.pending,
			schedulerRegistry.fired,
			schedulerRegistry.lag,
		)
	})
	return schedulerRegistry
}

// SetPending updates the pending registrations gauge.
func (m *SchedulerMetrics) SetPending(count int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(count))
}

// ObserveFire records a callback outcome and how late it fired.
func (m *SchedulerMetrics) ObserveFire(lag time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.fired.WithLabelValues(outcome).Inc()
	if lag < 0 {
		lag = 0
	}
	m.lag.Observe(lag.Seconds())
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func uintToFloat(value *uint256.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value.ToBig()).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
