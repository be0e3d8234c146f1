// Package watchdog holds the background exit loops: one that closes
// positions whose protective alert has fired, and one that manages
// profit-taking stops and loss exits. Each exposes a Tick that performs a
// single pass; scheduling and fault isolation live in internal/scheduler.
package watchdog

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_pilot/internal/metrics"
	"github.com/eddiefleurent/signal_pilot/internal/orders"
)

// Task names used for scheduling and metrics.
const (
	AlertTaskName  = "alert-exit"
	ProfitTaskName = "profit-exit"
)

// Exit reasons recorded in metrics.
const (
	ExitAlert           = "alert"
	ExitTakeProfitStop  = "take_profit_stop"
	ExitTakeProfitLimit = "take_profit_limit"
	ExitStopLoss        = "stop_loss"
	ExitLiquidate       = "liquidate"
)

// AlertWatchdog market-exits positions whose stop alert has triggered.
type AlertWatchdog struct {
	orders  *orders.Manager
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewAlertWatchdog creates an alert watchdog acting through om.
func NewAlertWatchdog(om *orders.Manager, logger logrus.FieldLogger, m *metrics.Metrics) *AlertWatchdog {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AlertWatchdog{
		orders:  om,
		logger:  logger.WithField("task", AlertTaskName),
		metrics: m,
	}
}

// Tick runs one pass over the triggered alerts. A failure on one alert does
// not stop the others; all failures are returned joined.
func (w *AlertWatchdog) Tick(ctx context.Context) error {
	alerts, err := w.orders.TriggeredAlerts(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, a := range alerts {
		log := w.logger.WithFields(logrus.Fields{"ticker": a.Symbol, "threshold": a.Threshold})
		log.Info("Alert has triggered, checking for open positions")

		positions, err := w.orders.PositionsFor(ctx, a.Symbol)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(positions) == 0 {
			log.Info("No open positions, removing the alert")
			if err := w.orders.DeleteAlertsFor(ctx, a.Symbol); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		for _, p := range positions {
			log.WithFields(logrus.Fields{"symbol": p.Symbol, "quantity": p.Quantity}).
				Info("Closing position at market")
			if err := w.orders.CancelByTicker(ctx, a.Symbol, orders.All); err != nil {
				log.WithError(err).Warn("Failed to cancel open orders before exit")
			}
			if _, err := w.orders.MarketExit(ctx, p); err != nil {
				errs = append(errs, fmt.Errorf("exiting %s: %w", p.Symbol, err))
				continue
			}
			w.metrics.IncExit(ExitAlert)
			log.Info("Removing the alert")
			if err := w.orders.DeleteAlertsFor(ctx, a.Symbol); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
