// Package metrics exports supervisor activity as Prometheus collectors. The
// Collector is an event.Sink, so it counts exactly what the other sinks see.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sentinelguard/sentinel/internal/event"
)

// stateValues maps state names to the sentinel_state gauge value.
var stateValues = map[string]float64{
	"nominal":    0,
	"throttled":  1,
	"isolated":   2,
	"terminated": 3,
}

// Collector holds the sentinel_* collectors.
type Collector struct {
	actions       *prometheus.CounterVec
	verdicts      *prometheus.CounterVec
	interventions *prometheus.CounterVec
	state         prometheus.Gauge
	probe         prometheus.Histogram
}

// New creates and registers the collectors. Pass prometheus.NewRegistry()
// in tests; a nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_actions_total",
			Help: "Impactful action requests by admission decision.",
		}, []string{"decision"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_verdicts_total",
			Help: "Unsafe vitals verdicts by violated dimension.",
		}, []string{"dimension"}),
		interventions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_interventions_total",
			Help: "Isolation and termination attempts by result.",
		}, []string{"type", "result"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_state",
			Help: "Escalation state: 0 nominal, 1 throttled, 2 isolated, 3 terminated.",
		}),
		probe: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_probe_duration_seconds",
			Help:    "Wall-clock duration of each metrics probe.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	for _, col := range []prometheus.Collector{c.actions, c.verdicts, c.interventions, c.state, c.probe} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Emit updates counters from a supervisor event.
func (c *Collector) Emit(e event.Event) {
	switch e.Kind {
	case event.KindActionAdmitted:
		c.actions.WithLabelValues("admitted").Inc()
	case event.KindActionDenied:
		c.actions.WithLabelValues("denied").Inc()
	case event.KindVerdict:
		c.verdicts.WithLabelValues(e.Dimension).Inc()
	case event.KindTransition:
		if v, ok := stateValues[e.To]; ok {
			c.state.Set(v)
		}
	case event.KindIsolate:
		c.interventions.WithLabelValues("isolate", "success").Inc()
	case event.KindTerminate:
		c.interventions.WithLabelValues("terminate", "success").Inc()
	case event.KindInterventionFailed:
		typ, _ := e.Fields["intervention"].(string)
		if typ == "" {
			typ = "unknown"
		}
		c.interventions.WithLabelValues(typ, "failure").Inc()
	}
}

// ObserveProbe records one probe duration.
func (c *Collector) ObserveProbe(d time.Duration) {
	c.probe.Observe(d.Seconds())
}
