package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncSignal("entry", "executed")
		m.IncOrder("Limit", "Debit")
		m.IncOrderFailure("submit")
		m.IncCancel("Cancelled")
		m.IncAlert("set")
		m.IncExit("alert")
		m.ObserveTick("profit-watchdog", "ok", 0.1)
		m.IncFeedMessage("signals")
		m.IncFeedReconnect()
		m.SetProfitPercent("AAPL", 1)
	})
	families, err := m.Gatherer().Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestMetricsAreGathered(t *testing.T) {
	m := New()
	m.IncSignal("entry", "executed")
	m.IncSignal("entry", "executed")
	m.ObserveTick("alert-watchdog", "panic", 0.01)
	m.SetProfitPercent("AAPL  210917C00150000", 19.94)

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)

	byName := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				byName[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				byName[f.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, byName["signal_pilot_signals_total"])
	assert.Equal(t, 1.0, byName["signal_pilot_task_ticks_total"])
	assert.InDelta(t, 19.94, byName["signal_pilot_position_profit_percent"], 1e-9)
}
