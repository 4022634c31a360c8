package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sentinelguard/sentinel/internal/event"
)

func newCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)
	return c, reg
}

func TestCollector_CountsActions(t *testing.T) {
	c, _ := newCollector(t)

	c.Emit(event.Event{Kind: event.KindActionAdmitted})
	c.Emit(event.Event{Kind: event.KindActionAdmitted})
	c.Emit(event.Event{Kind: event.KindActionDenied})

	require.Equal(t, 2.0, testutil.ToFloat64(c.actions.WithLabelValues("admitted")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.actions.WithLabelValues("denied")))
}

func TestCollector_VerdictsAndState(t *testing.T) {
	c, _ := newCollector(t)

	c.Emit(event.Event{Kind: event.KindVerdict, Dimension: "network"})
	c.Emit(event.Event{Kind: event.KindTransition, From: "nominal", To: "isolated"})
	require.Equal(t, 1.0, testutil.ToFloat64(c.verdicts.WithLabelValues("network")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.state))

	c.Emit(event.Event{Kind: event.KindTransition, From: "isolated", To: "terminated"})
	require.Equal(t, 3.0, testutil.ToFloat64(c.state))

	c.Emit(event.Event{Kind: event.KindTransition, To: "bogus"})
	require.Equal(t, 3.0, testutil.ToFloat64(c.state))
}

func TestCollector_Interventions(t *testing.T) {
	c, _ := newCollector(t)

	c.Emit(event.Event{Kind: event.KindIsolate})
	c.Emit(event.Event{Kind: event.KindTerminate})
	c.Emit(event.Event{Kind: event.KindInterventionFailed, Fields: map[string]any{"intervention": "terminate"}})
	c.Emit(event.Event{Kind: event.KindInterventionFailed})

	require.Equal(t, 1.0, testutil.ToFloat64(c.interventions.WithLabelValues("isolate", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.interventions.WithLabelValues("terminate", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.interventions.WithLabelValues("terminate", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.interventions.WithLabelValues("unknown", "failure")))
}

func TestCollector_ObserveProbe(t *testing.T) {
	c, _ := newCollector(t)
	c.ObserveProbe(120 * time.Millisecond)
	require.Equal(t, 1, testutil.CollectAndCount(c.probe))
}

func TestCollector_ExpositionNames(t *testing.T) {
	c, reg := newCollector(t)
	c.Emit(event.Event{Kind: event.KindActionDenied})

	expected := `
# HELP sentinel_actions_total Impactful action requests by admission decision.
# TYPE sentinel_actions_total counter
sentinel_actions_total{decision="denied"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "sentinel_actions_total"))
}

func TestNew_DuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}
