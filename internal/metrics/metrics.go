// Package metrics exposes Prometheus instrumentation for the oracle service.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "twapd"

	quoteLabel  = "quote"
	resultLabel = "result"
	opLabel     = "op"

	ResultUpdated = "updated"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
	ResultOK      = "ok"
)

// Metrics groups the service's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	updates         *prometheus.CounterVec
	updateDuration  *prometheus.HistogramVec
	lastObservation *prometheus.GaugeVec
	queries         *prometheus.CounterVec
	persistFailures prometheus.Counter
	alertsSent      prometheus.Counter
}

// New registers the collectors with registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		gatherer: registry,
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_updates_total",
			Help:      "Number of token price update attempts by outcome",
		}, []string{quoteLabel, resultLabel}),
		updateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "price_update_duration_seconds",
			Help:      "Time spent sampling and recording a batch of prices",
			Buckets:   prometheus.DefBuckets,
		}, []string{quoteLabel}),
		lastObservation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_observation_timestamp_seconds",
			Help:      "Timestamp of the latest recorded observation per token",
		}, []string{quoteLabel, "token"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_queries_total",
			Help:      "Number of average price queries by operation and outcome",
		}, []string{opLabel, resultLabel}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Number of observations that could not be persisted",
		}),
		alertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Number of deviation alerts delivered",
		}),
	}

	var errs []error
	for _, c := range []prometheus.Collector{
		m.updates, m.updateDuration, m.lastObservation, m.queries, m.persistFailures, m.alertsSent,
	} {
		errs = append(errs, registry.Register(c))
	}
	return m, errors.Join(errs...)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// IncUpdate counts one token update attempt.
func (m *Metrics) IncUpdate(quote, result string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(quote, result).Inc()
}

// ObserveUpdateDuration records how long a batch update took.
func (m *Metrics) ObserveUpdateDuration(quote string, d time.Duration) {
	if m == nil {
		return
	}
	m.updateDuration.WithLabelValues(quote).Observe(d.Seconds())
}

// SetLastObservation tracks the newest observation timestamp for a token.
func (m *Metrics) SetLastObservation(quote, token string, timestamp uint32) {
	if m == nil {
		return
	}
	m.lastObservation.WithLabelValues(quote, token).Set(float64(timestamp))
}

// IncQuery counts one price query.
func (m *Metrics) IncQuery(op string, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultFailed
	}
	m.queries.WithLabelValues(op, result).Inc()
}

// IncPersistFailure counts an observation that failed to persist.
func (m *Metrics) IncPersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

// IncAlertSent counts a delivered alert.
func (m *Metrics) IncAlertSent() {
	if m == nil {
		return
	}
	m.alertsSent.Inc()
}
