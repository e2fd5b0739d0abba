package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EnhancementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photorouter_enhancements_total",
			Help: "Total number of enhancement requests by terminal outcome",
		},
		[]string{"task", "cost_class", "outcome"},
	)

	EnhancementDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "photorouter_enhancement_duration_seconds",
			Help:    "End-to-end enhancement duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"task", "outcome"},
	)

	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photorouter_provider_attempts_total",
			Help: "Provider calls by result (success or error kind)",
		},
		[]string{"provider", "result"},
	)

	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "photorouter_provider_duration_seconds",
			Help:    "Provider call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	CreditsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photorouter_credits_consumed_total",
			Help: "Credits committed to the ledger",
		},
		[]string{"tier", "cost_class"},
	)

	InsufficientCredits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photorouter_insufficient_credits_total",
			Help: "Requests stopped at the credit gate or at commit",
		},
		[]string{"tier", "cost_class", "stage"},
	)

	CreditUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "photorouter_credit_usage_ratio",
			Help: "Consumed share of the period capacity (0-1)",
		},
		[]string{"account_id", "cost_class"},
	)

	ScoreCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photorouter_score_cache_lookups_total",
			Help: "Frame score cache lookups by result",
		},
		[]string{"result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "photorouter_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photorouter_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"account_id"},
	)

	SessionsSuperseded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "photorouter_sessions_superseded_total",
			Help: "In-flight enhancements cancelled by a newer request for the same account",
		},
	)

	ActiveEnhancements = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "photorouter_active_enhancements",
			Help: "Number of enhancements currently executing",
		},
		[]string{"pod"},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "photorouter_active_connections",
			Help: "Number of active HTTP connections being processed",
		},
		[]string{"pod"},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "photorouter_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"pod", "namespace", "version"},
	)
)

func RecordEnhancement(task, costClass, outcome string, durationSec float64) {
	EnhancementsTotal.WithLabelValues(task, costClass, outcome).Inc()
	EnhancementDuration.WithLabelValues(task, outcome).Observe(durationSec)
}

func RecordProviderAttempt(provider, result string, durationSec float64) {
	ProviderAttempts.WithLabelValues(provider, result).Inc()
	ProviderDuration.WithLabelValues(provider).Observe(durationSec)
}

func RecordCreditConsumed(tier, costClass string) {
	CreditsConsumed.WithLabelValues(tier, costClass).Inc()
}

// RecordInsufficientCredits counts a refusal; stage is "gate" or "commit".
func RecordInsufficientCredits(tier, costClass, stage string) {
	InsufficientCredits.WithLabelValues(tier, costClass, stage).Inc()
}

func SetCreditUsage(accountID, costClass string, ratio float64) {
	CreditUsageRatio.WithLabelValues(accountID, costClass).Set(ratio)
}

func RecordScoreCache(hit bool) {
	if hit {
		ScoreCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	ScoreCacheLookups.WithLabelValues("miss").Inc()
}

func RecordRateLimitHit(accountID string) {
	RateLimitHits.WithLabelValues(accountID).Inc()
}

func RecordSuperseded() {
	SessionsSuperseded.Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

var currentPodName string

// InitInstanceMetrics should be called once at startup.
func InitInstanceMetrics(podName, namespace, version string) {
	currentPodName = podName
	InstanceInfo.WithLabelValues(podName, namespace, version).Set(1)
}

func IncrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveConnections() {
	ActiveConnections.WithLabelValues(currentPodName).Dec()
}

func IncrementActiveEnhancements() {
	ActiveEnhancements.WithLabelValues(currentPodName).Inc()
}

func DecrementActiveEnhancements() {
	ActiveEnhancements.WithLabelValues(currentPodName).Dec()
}
