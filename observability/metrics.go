package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

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

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics

	responderMetricsOnce sync.Once
	responderRegistry    *ResponderMetrics
)

// ModuleMetrics returns the lazily-initialised registry recording HTTP API
// activity per module.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "feedoracle",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module, method and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "feedoracle",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "feedoracle",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "feedoracle",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by throttling policies.",
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

// OracleMetrics tracks reads, payments and signature checks served by the
// oracle variants.
type OracleMetrics struct {
	reads         *prometheus.CounterVec
	payments      *prometheus.CounterVec
	verifications *prometheus.CounterVec
}

// Oracle returns the lazily-initialised oracle metrics registry.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			reads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "feedoracle",
				Subsystem: "oracle",
				Name:      "reads_total",
				Help:      "Oracle calls segmented by license, operation and outcome.",
			}, []string{"license", "op", "outcome"}),
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "feedoracle",
				Subsystem: "oracle",
				Name:      "payments_wei_total",
				Help:      "Native currency attached to successful paid oracle calls.",
			}, []string{"license"}),
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "feedoracle",
				Subsystem: "oracle",
				Name:      "verifications_total",
				Help:      "Signature verifications segmented by record kind and result.",
			}, []string{"license", "kind", "result"}),
		}
		prometheus.MustRegister(
			oracleRegistry.reads,
			oracleRegistry.payments,
			oracleRegistry.verifications,
		)
	})
	return oracleRegistry
}

var (
	outcomeMu          sync.RWMutex
	outcomeClassifiers []func(error) (string, bool)
)

// RegisterOutcome adds a classifier consulted by RecordRead. Packages holding
// domain sentinels register one at init so failures get a stable label.
func RegisterOutcome(classify func(error) (string, bool)) {
	if classify == nil {
		return
	}
	outcomeMu.Lock()
	outcomeClassifiers = append(outcomeClassifiers, classify)
	outcomeMu.Unlock()
}

// Outcome maps err onto the label RecordRead would use.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	outcomeMu.RLock()
	defer outcomeMu.RUnlock()
	for _, classify := range outcomeClassifiers {
		if label, ok := classify(err); ok {
			return label
		}
	}
	return "error"
}

// RecordRead counts one oracle call.
func (m *OracleMetrics) RecordRead(license, op string, err error) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(normalizeLabel(license), normalizeLabel(op), Outcome(err)).Inc()
}

// RecordPayment adds the value attached to a successful paid call.
func (m *OracleMetrics) RecordPayment(license string, amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	m.payments.WithLabelValues(normalizeLabel(license)).Add(bigToFloat(amount))
}

// RecordVerification counts one signature check.
func (m *OracleMetrics) RecordVerification(license, kind string, ok bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if ok {
		result = "valid"
	}
	m.verifications.WithLabelValues(normalizeLabel(license), normalizeLabel(kind), result).Inc()
}

// ResponderMetrics covers the asynchronous responder worker.
type ResponderMetrics struct {
	latency  prometheus.Histogram
	failures *prometheus.CounterVec
}

// Responder returns the lazily-initialised responder metrics registry.
func Responder() *ResponderMetrics {
	responderMetricsOnce.Do(func() {
		responderRegistry = &ResponderMetrics{
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "feedoracle",
				Subsystem: "responder",
				Name:      "delivery_seconds",
				Help:      "Delay between an accepted request and its delivered response.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "feedoracle",
				Subsystem: "responder",
				Name:      "failures_total",
				Help:      "Responses that could not be delivered, by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(responderRegistry.latency, responderRegistry.failures)
	})
	return responderRegistry
}

// ObserveDelivery records the time between request and delivery.
func (m *ResponderMetrics) ObserveDelivery(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.latency.Observe(d.Seconds())
}

// RecordFailure counts a failed delivery attempt.
func (m *ResponderMetrics) RecordFailure(reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(reason)).Inc()
}

func normalizeLabel(v string) string {
	trimmed := strings.ToLower(strings.TrimSpace(v))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
