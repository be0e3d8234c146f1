// Package metrics defines the Prometheus collectors the bot updates while it
// runs. They are served by the dashboard at /metrics.
//
//   - signal_pilot_signals_total{kind,outcome}         signals handled
//   - signal_pilot_orders_total{type,effect}           orders submitted
//   - signal_pilot_order_failures_total{op}            failed gateway mutations
//   - signal_pilot_cancels_total{status}               cancels by final status
//   - signal_pilot_alerts_total{action}                alerts set/deleted
//   - signal_pilot_exits_total{reason}                 watchdog exits by reason
//   - signal_pilot_task_ticks_total{task,result}       scheduler ticks (ok|error|panic)
//   - signal_pilot_task_tick_seconds{task}             tick duration
//   - signal_pilot_feed_messages_total{channel}        inbound feed messages
//   - signal_pilot_feed_reconnects_total               feed reconnect attempts
//   - signal_pilot_position_profit_percent{symbol}     last computed profit %
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "signal_pilot"

// Metrics groups the bot's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	signals        *prometheus.CounterVec
	orders         *prometheus.CounterVec
	orderFailures  *prometheus.CounterVec
	cancels        *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	exits          *prometheus.CounterVec
	taskTicks      *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	feedMessages   *prometheus.CounterVec
	feedReconnects prometheus.Counter
	profitPercent  *prometheus.GaugeVec
}

// New builds the collectors and registers them on a fresh registry, along
// with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_total",
			Help: "Signals handled, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_total",
			Help: "Orders submitted, by order type and price effect.",
		}, []string{"type", "effect"}),
		orderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_failures_total",
			Help: "Failed gateway mutations, by operation.",
		}, []string{"op"}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cancels_total",
			Help: "Order cancellations, by final observed status.",
		}, []string{"status"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_total",
			Help: "Price alerts set or deleted.",
		}, []string{"action"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "exits_total",
			Help: "Exit orders placed by the watchdogs, by reason.",
		}, []string{"reason"}),
		taskTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_ticks_total",
			Help: "Scheduler task ticks, by task and result (ok|error|panic).",
		}, []string{"task", "result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_tick_seconds",
			Help:    "Duration of scheduler task ticks.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		feedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_messages_total",
			Help: "Inbound feed messages, by channel.",
		}, []string{"channel"}),
		feedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_reconnects_total",
			Help: "Signal feed reconnect attempts.",
		}),
		profitPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "position_profit_percent",
			Help: "Last computed profit percentage per open position.",
		}, []string{"symbol"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.signals, m.orders, m.orderFailures, m.cancels, m.alerts, m.exits,
		m.taskTicks, m.taskDuration, m.feedMessages, m.feedReconnects, m.profitPercent,
	)
	return m
}

// Gatherer exposes the registry for promhttp.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// IncSignal counts a handled signal.
func (m *Metrics) IncSignal(kind, outcome string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(kind, outcome).Inc()
}

// IncOrder counts a submitted order.
func (m *Metrics) IncOrder(typ, effect string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(typ, effect).Inc()
}

// IncOrderFailure counts a failed gateway mutation.
func (m *Metrics) IncOrderFailure(op string) {
	if m == nil {
		return
	}
	m.orderFailures.WithLabelValues(op).Inc()
}

// IncCancel counts a cancel by its final status.
func (m *Metrics) IncCancel(status string) {
	if m == nil {
		return
	}
	m.cancels.WithLabelValues(status).Inc()
}

// IncAlert counts an alert action ("set" or "delete").
func (m *Metrics) IncAlert(action string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(action).Inc()
}

// IncExit counts a watchdog exit.
func (m *Metrics) IncExit(reason string) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(reason).Inc()
}

// ObserveTick records one scheduler tick.
func (m *Metrics) ObserveTick(task, result string, seconds float64) {
	if m == nil {
		return
	}
	m.taskTicks.WithLabelValues(task, result).Inc()
	m.taskDuration.WithLabelValues(task).Observe(seconds)
}

// IncFeedMessage counts an inbound feed message.
func (m *Metrics) IncFeedMessage(channel string) {
	if m == nil {
		return
	}
	m.feedMessages.WithLabelValues(channel).Inc()
}

// IncFeedReconnect counts a feed reconnect attempt.
func (m *Metrics) IncFeedReconnect() {
	if m == nil {
		return
	}
	m.feedReconnects.Inc()
}

// SetProfitPercent records the last profit % computed for symbol.
func (m *Metrics) SetProfitPercent(symbol string, pct float64) {
	if m == nil {
		return
	}
	m.profitPercent.WithLabelValues(symbol).Set(pct)
}
