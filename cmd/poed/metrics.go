// metrics.go - Prometheus metrics for the proof-of-energy daemon
package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bitearth/poe-engine/internal/events"
	"github.com/bitearth/poe-engine/internal/poeerr"
	"github.com/bitearth/poe-engine/internal/zkp"
)

// Metrics implements ledger.Observer and the verifier and bus hooks.
type Metrics struct {
	registry *prometheus.Registry

	mints         *prometheus.CounterVec
	tokensMinted  prometheus.Counter
	burns         *prometheus.CounterVec
	tokensBurned  prometheus.Counter
	verifySeconds *prometheus.HistogramVec
	eventsDropped prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		mints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poe", Name: "mint_attempts_total",
			Help: "Mint attempts by outcome.",
		}, []string{"outcome"}),
		tokensMinted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poe", Name: "tokens_minted_total",
			Help: "Tokens issued.",
		}),
		burns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poe", Name: "burn_attempts_total",
			Help: "Burn attempts by outcome.",
		}, []string{"outcome"}),
		tokensBurned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poe", Name: "tokens_burned_total",
			Help: "Tokens burned for backing assets.",
		}),
		verifySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "poe", Name: "proof_verification_seconds",
			Help:    "Groth16 verification latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"circuit", "outcome"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poe", Name: "events_dropped_total",
			Help: "Events dropped on a full bus queue.",
		}),
	}
	m.registry.MustRegister(
		m.mints, m.tokensMinted, m.burns, m.tokensBurned, m.verifySeconds, m.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return poeerr.KindOf(err).String()
}

func (m *Metrics) MintObserved(tokens uint64, err error) {
	m.mints.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		m.tokensMinted.Add(float64(tokens))
	}
}

func (m *Metrics) BurnObserved(amount uint64, err error) {
	m.burns.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		m.tokensBurned.Add(float64(amount))
	}
}

func (m *Metrics) VerifyObserved(id zkp.CircuitID, took time.Duration, err error) {
	m.verifySeconds.WithLabelValues(string(id), outcome(err)).Observe(took.Seconds())
}

func (m *Metrics) EventDropped(events.Event) { m.eventsDropped.Inc() }

// WatchBus exports deliveries skipped for slow stream subscribers.
func (m *Metrics) WatchBus(b *events.Bus) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "poe", Name: "events_lagged_total",
		Help: "Event deliveries skipped for subscribers that fell behind.",
	}, func() float64 { return float64(b.Lagged()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
