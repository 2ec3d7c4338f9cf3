// Package metrics exposes Prometheus collectors for CounselPipe.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters and histograms for the bot. All methods are
// safe to call on a nil receiver so components can run without metrics.
type Metrics struct {
	eventsTotal     *prometheus.CounterVec
	synthAttempts   prometheus.Histogram
	synthOutcomes   *prometheus.CounterVec
	modelLatency    *prometheus.HistogramVec
	activeTimers    prometheus.Gauge
	expiriesTotal   *prometheus.CounterVec
	creditsTotal    prometheus.Counter
	creditedSeconds prometheus.Counter
	riskScores      *prometheus.CounterVec
	droppedEvents   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg (the default
// registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "counselpipe",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Inbound events handled by the session controller",
		}, []string{"kind", "mode"}),
		synthAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "counselpipe",
			Subsystem: "synth",
			Name:      "attempts",
			Help:      "Model attempts used per synthesized reply",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		synthOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "counselpipe",
			Subsystem: "synth",
			Name:      "outcomes_total",
			Help:      "Synthesizer results by outcome",
		}, []string{"outcome"}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "counselpipe",
			Subsystem: "genai",
			Name:      "request_seconds",
			Help:      "Latency of language model requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "status"}),
		activeTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "counselpipe",
			Subsystem: "countdown",
			Name:      "active",
			Help:      "Countdowns currently in flight",
		}),
		expiriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "counselpipe",
			Subsystem: "countdown",
			Name:      "expiries_total",
			Help:      "Countdown expiries by result",
		}, []string{"result"}),
		creditsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "counselpipe",
			Subsystem: "payments",
			Name:      "credits_total",
			Help:      "Balance credits applied",
		}),
		creditedSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "counselpipe",
			Subsystem: "payments",
			Name:      "credited_seconds_total",
			Help:      "Seconds of dialogue time credited",
		}),
		riskScores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "counselpipe",
			Subsystem: "risk",
			Name:      "assessments_total",
			Help:      "Risk assessments by score",
		}, []string{"score"}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "counselpipe",
			Subsystem: "dispatcher",
			Name:      "dropped_events_total",
			Help:      "Inbound events dropped because the user's mailbox was full",
		}, []string{"kind"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.eventsTotal, m.synthAttempts, m.synthOutcomes, m.modelLatency,
		m.activeTimers, m.expiriesTotal, m.creditsTotal, m.creditedSeconds, m.riskScores, m.droppedEvents)
	return m
}

func (m *Metrics) ObserveEvent(kind, mode string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(kind, mode).Inc()
}

func (m *Metrics) ObserveSynth(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.synthOutcomes.WithLabelValues(outcome).Inc()
	m.synthAttempts.Observe(float64(attempts))
}

func (m *Metrics) ObserveModelLatency(provider string, ok bool, seconds float64) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.modelLatency.WithLabelValues(provider, status).Observe(seconds)
}

func (m *Metrics) SetActiveTimers(n int) {
	if m == nil {
		return
	}
	m.activeTimers.Set(float64(n))
}

func (m *Metrics) ObserveExpiry(result string) {
	if m == nil {
		return
	}
	m.expiriesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveCredit(seconds int) {
	if m == nil {
		return
	}
	m.creditsTotal.Inc()
	m.creditedSeconds.Add(float64(seconds))
}

func (m *Metrics) ObserveRisk(score string) {
	if m == nil {
		return
	}
	m.riskScores.WithLabelValues(score).Inc()
}

func (m *Metrics) ObserveDropped(kind string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(kind).Inc()
}
