package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsSamplePeriod is how often Engine refreshes its gauge-shaped metrics
// from observable component state.
const metricsSamplePeriod = 10 * time.Second

// Metrics holds the counters/gauges SPEC_FULL.md §10 names: subscription
// drops, rate-limit violations, breaker transitions, coalescing hit/miss.
// Each is registered against its own registry, not the global default, so a
// second Engine in the same process — as happens in tests — never collides
// on a duplicate registration.
type Metrics struct {
	registry *prometheus.Registry

	SubscriptionDrops   prometheus.Gauge
	RateLimitViolations prometheus.Counter
	BreakerTransitions  prometheus.Counter
	BreakerState        prometheus.Gauge
	CoalesceHits        prometheus.Gauge
	CoalesceMisses      prometheus.Gauge

	lastBreakerState int
}

// NewMetrics constructs and registers a Metrics set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SubscriptionDrops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loxone_subscription_drops_total",
			Help: "Cumulative updates dropped across all subscription mailboxes due to backpressure.",
		}),
		RateLimitViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loxone_rate_limit_violations_total",
			Help: "Requests rejected by the per-identity rate limiter.",
		}),
		BreakerTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loxone_breaker_transitions_total",
			Help: "Circuit breaker state transitions observed on the device client.",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loxone_breaker_state",
			Help: "Current breaker state: 0=closed, 1=open, 2=half_open.",
		}),
		CoalesceHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loxone_coalesce_cache_hits_total",
			Help: "Cumulative resource reads served from the coalescing cache.",
		}),
		CoalesceMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loxone_coalesce_cache_misses_total",
			Help: "Cumulative resource reads that missed the coalescing cache.",
		}),
		lastBreakerState: -1,
	}
	reg.MustRegister(m.SubscriptionDrops, m.RateLimitViolations, m.BreakerTransitions, m.BreakerState, m.CoalesceHits, m.CoalesceMisses)
	return m
}

// runSampler periodically refreshes gauge-shaped metrics from component
// state until ctx is canceled.
func (e *Engine) runSampler(ctx context.Context) {
	ticker := time.NewTicker(metricsSamplePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sampleMetrics()
		}
	}
}

func (e *Engine) sampleMetrics() {
	var drops uint64
	for _, sub := range e.dispatcher.Subscriptions() {
		drops += sub.DropCount()
	}
	e.metrics.SubscriptionDrops.Set(float64(drops))

	state := int(e.client.BreakerState())
	e.metrics.BreakerState.Set(float64(state))
	if e.metrics.lastBreakerState >= 0 && e.metrics.lastBreakerState != state {
		e.metrics.BreakerTransitions.Inc()
	}
	e.metrics.lastBreakerState = state

	hits, misses := e.surface.ResourceCacheStats()
	e.metrics.CoalesceHits.Set(float64(hits))
	e.metrics.CoalesceMisses.Set(float64(misses))
}

// serveMetrics starts an HTTP server exposing /metrics on addr, stopping
// when ctx is canceled. Only started when cfg.MetricsAddr is non-empty
// (SPEC_FULL.md §10 "metrics_addr").
func (e *Engine) serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.metrics.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		e.logger.Error().Err(err).Str("addr", addr).Msg("metrics server exited")
	}
}
