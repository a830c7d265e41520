// Package metrics provides Prometheus metrics for the oracle.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// OracleMetrics collects and exposes oracle Prometheus metrics. A nil
// *OracleMetrics is valid and records nothing.
type OracleMetrics struct {
	registry *prometheus.Registry

	// Prediction metrics
	PredictionsTotal *prometheus.CounterVec
	WagerSize        *prometheus.HistogramVec
	OpenPredictions  prometheus.Gauge

	// Resolution metrics
	ResolutionsTotal *prometheus.CounterVec
	AttestationFails *prometheus.CounterVec

	// Payout metrics
	PayoutsTotal  *prometheus.CounterVec
	BonusesTotal  *prometheus.CounterVec
	ProfitTotal   prometheus.Counter
	BonusPct      *prometheus.HistogramVec
	Reputation    *prometheus.HistogramVec
	Rejections    *prometheus.CounterVec
	SlashesTotal  prometheus.Counter
	SlashedAmount prometheus.Counter
	TotalStaked   prometheus.Gauge

	// Pool metrics
	PoolLiquidity prometheus.Gauge
	PoolExposure  prometheus.Gauge
	PoolShares    prometheus.Gauge

	// Policy metrics
	PolicyViolations *prometheus.CounterVec

	// Settlement loop metrics
	SettlementRuns     *prometheus.CounterVec
	SettlementDuration prometheus.Histogram

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// NewOracleMetrics creates a metrics collector on a fresh registry.
func NewOracleMetrics() *OracleMetrics {
	registry := prometheus.NewRegistry()

	m := &OracleMetrics{
		registry: registry,

		PredictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prophetia_predictions_total",
				Help: "Total number of predictions placed",
			},
			[]string{"model_id"},
		),
		WagerSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prophetia_wager_size_tokens",
				Help:    "Wager size in tokens",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
			},
			[]string{},
		),
		OpenPredictions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "prophetia_open_predictions",
				Help: "Current number of pending predictions",
			},
		),

		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prophetia_resolutions_total",
				Help: "Total number of resolved predictions",
			},
			[]string{"status"},
		),
		AttestationFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prophetia_attestation_failures_total",
				Help: "Resolutions rejected because of their attestation",
			},
			[]string{"reason"},
		),

		PayoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prophetia_payouts_tokens_total",
				Help: "Tokens paid out per recipient",
			},
			[]string{"recipient"},
		),
		BonusesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prophetia_bonuses_tokens_total",
				Help: "Reputation bonus tokens per recipient",
			},
			[]string{"recipient"},
		),
		ProfitTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "prophetia_profit_tokens_total",
				Help: "Total profit distributed",
			},
		),
		BonusPct: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prophetia_bonus_pct",
				Help:    "Reputation bonus percentage applied to a share",
				Buckets: prometheus.LinearBuckets(0, 2, 11), // 0 to 20
			},
			[]string{"recipient"},
		),
		Reputation: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prophetia_reputation",
				Help:    "Participant reputation after an update",
				Buckets: prometheus.LinearBuckets(0, 10, 11), // 0 to 100
			},
			[]string{"outcome"},
		),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prophetia_validation_rejections_total",
				Help: "Inputs rejected by validation",
			},
			[]string{"field"},
		),
		SlashesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "prophetia_slashes_total",
				Help: "Number of stake slashes",
			},
		),
		SlashedAmount: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "prophetia_slashed_tokens_total",
				Help: "Tokens removed from stakes by slashing",
			},
		),
		TotalStaked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "prophetia_staked_tokens",
				Help: "Tokens currently staked",
			},
		),

		PoolLiquidity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "prophetia_pool_liquidity_tokens",
				Help: "Pool liquidity",
			},
		),
		PoolExposure: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "prophetia_pool_exposure_tokens",
				Help: "Liquidity reserved for open wagers",
			},
		),
		PoolShares: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "prophetia_pool_shares",
				Help: "Outstanding pool shares",
			},
		),

		PolicyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prophetia_policy_violations_total",
				Help: "Total number of policy violations",
			},
			[]string{"violation_type"},
		),

		SettlementRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prophetia_settlement_runs_total",
				Help: "Settlement loop iterations",
			},
			[]string{"status"},
		),
		SettlementDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "prophetia_settlement_duration_seconds",
				Help:    "Settlement loop iteration duration",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prophetia_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"method", "route", "code"},
		),
		HTTPLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prophetia_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
			[]string{"method", "route"},
		),
	}

	m.registerAll()

	return m
}

func (m *OracleMetrics) registerAll() {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PredictionsTotal,
		m.WagerSize,
		m.OpenPredictions,
		m.ResolutionsTotal,
		m.AttestationFails,
		m.PayoutsTotal,
		m.BonusesTotal,
		m.ProfitTotal,
		m.BonusPct,
		m.Reputation,
		m.Rejections,
		m.SlashesTotal,
		m.SlashedAmount,
		m.TotalStaked,
		m.PoolLiquidity,
		m.PoolExposure,
		m.PoolShares,
		m.PolicyViolations,
		m.SettlementRuns,
		m.SettlementDuration,
		m.HTTPRequests,
		m.HTTPLatency,
	)
}

// Registry returns the prometheus registry.
func (m *OracleMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *OracleMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// --- Helper methods for recording metrics ---

// RecordPrediction records a placed prediction.
func (m *OracleMetrics) RecordPrediction(modelID string, wager decimal.Decimal) {
	if m == nil {
		return
	}
	m.PredictionsTotal.WithLabelValues(modelID).Inc()
	m.WagerSize.WithLabelValues().Observe(DecimalToFloat64(wager))
	m.OpenPredictions.Inc()
}

// RecordResolution records a resolved prediction.
func (m *OracleMetrics) RecordResolution(status string) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(status).Inc()
	m.OpenPredictions.Dec()
}

// RecordAttestationFailure records a rejected attestation.
func (m *OracleMetrics) RecordAttestationFailure(reason string) {
	if m == nil {
		return
	}
	m.AttestationFails.WithLabelValues(reason).Inc()
}

// RecordPayout records a winning distribution.
func (m *OracleMetrics) RecordPayout(total, data, model, pool, dataBonus, modelBonus decimal.Decimal, dataPct, modelPct float64) {
	if m == nil {
		return
	}
	m.ProfitTotal.Add(DecimalToFloat64(total))
	m.PayoutsTotal.WithLabelValues("data").Add(DecimalToFloat64(data))
	m.PayoutsTotal.WithLabelValues("model").Add(DecimalToFloat64(model))
	m.PayoutsTotal.WithLabelValues("pool").Add(DecimalToFloat64(pool))
	m.BonusesTotal.WithLabelValues("data").Add(DecimalToFloat64(dataBonus))
	m.BonusesTotal.WithLabelValues("model").Add(DecimalToFloat64(modelBonus))
	m.BonusPct.WithLabelValues("data").Observe(dataPct)
	m.BonusPct.WithLabelValues("model").Observe(modelPct)
}

// RecordReputation records a reputation value after a win or loss.
func (m *OracleMetrics) RecordReputation(outcome string, rep float64) {
	if m == nil {
		return
	}
	m.Reputation.WithLabelValues(outcome).Observe(rep)
}

// RecordRejection records an input rejected by validation.
func (m *OracleMetrics) RecordRejection(field string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(field).Inc()
}

// RecordSlash records a stake slash.
func (m *OracleMetrics) RecordSlash(amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.SlashesTotal.Inc()
	m.SlashedAmount.Add(DecimalToFloat64(amount))
}

// UpdateStaked sets the total staked amount.
func (m *OracleMetrics) UpdateStaked(total decimal.Decimal) {
	if m == nil {
		return
	}
	m.TotalStaked.Set(DecimalToFloat64(total))
}

// UpdatePool updates pool metrics.
func (m *OracleMetrics) UpdatePool(liquidity, exposure, shares decimal.Decimal) {
	if m == nil {
		return
	}
	m.PoolLiquidity.Set(DecimalToFloat64(liquidity))
	m.PoolExposure.Set(DecimalToFloat64(exposure))
	m.PoolShares.Set(DecimalToFloat64(shares))
}

// RecordPolicyViolation records a policy violation.
func (m *OracleMetrics) RecordPolicyViolation(violationType string) {
	if m == nil {
		return
	}
	m.PolicyViolations.WithLabelValues(violationType).Inc()
}

// RecordSettlementRun records a settlement loop iteration.
func (m *OracleMetrics) RecordSettlementRun(status string, durationSec float64) {
	if m == nil {
		return
	}
	m.SettlementRuns.WithLabelValues(status).Inc()
	if durationSec > 0 {
		m.SettlementDuration.Observe(durationSec)
	}
}

// RecordHTTP records a served HTTP request.
func (m *OracleMetrics) RecordHTTP(method, route, code string, durationSec float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, code).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(durationSec)
}

// --- Decimal helpers ---

// DecimalToFloat64 converts decimal.Decimal to float64 for metrics.
func DecimalToFloat64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

var defaultMetrics *OracleMetrics
var once sync.Once

// Default returns the default global metrics instance.
func Default() *OracleMetrics {
	once.Do(func() {
		defaultMetrics = NewOracleMetrics()
	})
	return defaultMetrics
}
