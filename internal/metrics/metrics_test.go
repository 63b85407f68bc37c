package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncAlertsRead(3)
	m.IncFiltered()
	m.ObservePlanner(errors.New("x"), 0)
	m.SetInFlight(2)
}

func TestCounters(t *testing.T) {
	m := NewMetrics()
	m.IncAlertsRead(3)
	m.ObservePlanner(nil, 2)
	m.ObservePlanner(errors.New("down"), 0)
	m.ObserveDispatch("server", true)
	m.ObserveSessionAction("created")
	m.SetInFlight(4)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.AlertsRead))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PlansReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PlannerRequests.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatches.WithLabelValues("server", "ok")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.InFlight))
}
