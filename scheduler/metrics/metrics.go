// Package metrics exposes Prometheus collectors for the scheduler's
// admission, retraction, and decode-loop counters.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PrefillBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler", Subsystem: "admission", Name: "prefill_batches_total",
		Help: "Total number of prefill batches formed",
	})
	AdmittedRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler", Subsystem: "admission", Name: "admitted_requests_total",
		Help: "Total number of requests admitted into a prefill batch",
	})
	CacheHitTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler", Subsystem: "admission", Name: "cache_hit_tokens_total",
		Help: "Total number of prompt tokens served from the prefix cache",
	})
	CacheMissTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler", Subsystem: "admission", Name: "cache_miss_tokens_total",
		Help: "Total number of prompt tokens that required a fresh prefill",
	})

	RetractionEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler", Subsystem: "retraction", Name: "events_total",
		Help: "Total number of retraction passes that evicted at least one request",
	})
	RetractedRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler", Subsystem: "retraction", Name: "requests_total",
		Help: "Total number of requests retracted back to the waiting queue",
	})

	JumpForwardEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler", Subsystem: "grammar", Name: "jump_forward_total",
		Help: "Total number of jump-forward rewrites applied",
	})

	DecodeSteps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler", Subsystem: "decode", Name: "steps_total",
		Help: "Total number of decode forward passes run",
	})
	GeneratedTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler", Subsystem: "decode", Name: "generated_tokens_total",
		Help: "Total number of output tokens generated",
	})

	RunningRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler", Subsystem: "queue", Name: "running_requests",
		Help: "Current number of requests in the running batch",
	})
	WaitingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler", Subsystem: "queue", Name: "waiting_requests",
		Help: "Current number of requests in the waiting queue",
	})
	TokenPoolUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler", Subsystem: "pool", Name: "token_usage_ratio",
		Help: "Fraction of the KV token pool currently in use",
	})
	NewTokenRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler", Subsystem: "admission", Name: "new_token_ratio",
		Help: "Current decode-reserve hysteresis ratio",
	})
)

// Collectors returns every collector this package registers.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		PrefillBatches, AdmittedRequests, CacheHitTokens, CacheMissTokens,
		RetractionEvents, RetractedRequests, JumpForwardEvents,
		DecodeSteps, GeneratedTokens,
		RunningRequests, WaitingRequests, TokenPoolUsage, NewTokenRatio,
	}
}

var registerOnce sync.Once

// Register registers every collector with reg. Safe to call more than once;
// only the first call has effect.
func Register(reg *prometheus.Registry) {
	registerOnce.Do(func() {
		reg.MustRegister(Collectors()...)
	})
}

// Handler returns an http.Handler exposing reg in the Prometheus exposition
// format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
