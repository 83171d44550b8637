package pipeline

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pipeline's Prometheus collectors.
type Metrics struct {
	EventsTotal      *prometheus.CounterVec   // terminal state per event
	AnalysisDuration *prometheus.HistogramVec // latency by result
	AlertsTotal      *prometheus.CounterVec   // persisted items by level
	NotifyErrors     prometheus.Counter
	InFlight         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgguard_events_total",
				Help: "Captured notification events by terminal pipeline state",
			},
			[]string{"state"},
		),
		AnalysisDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "msgguard_analysis_duration_seconds",
				Help:    "Time taken by the scoring service",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 90},
			},
			[]string{"result"},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgguard_alerts_total",
				Help: "Analyzed messages stored in history by alert level",
			},
			[]string{"level"},
		),
		NotifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "msgguard_notify_errors_total",
			Help: "Local alerts that could not be delivered",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "msgguard_events_in_flight",
			Help: "Events currently being analyzed or stored",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.EventsTotal, m.AnalysisDuration, m.AlertsTotal, m.NotifyErrors, m.InFlight} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register pipeline metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) observeState(s State) {
	if m != nil {
		m.EventsTotal.WithLabelValues(string(s)).Inc()
	}
}

func (m *Metrics) observeAnalysis(result string, d time.Duration) {
	if m != nil {
		m.AnalysisDuration.WithLabelValues(result).Observe(d.Seconds())
	}
}
