package watchdog

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_pilot/internal/broker"
	"github.com/eddiefleurent/signal_pilot/internal/metrics"
	"github.com/eddiefleurent/signal_pilot/internal/orders"
	"github.com/eddiefleurent/signal_pilot/internal/util"
)

var (
	hundred      = decimal.NewFromInt(100)
	entryFeeCap  = decimal.NewFromInt(10)
	perContract  = decimal.NewFromInt(1)
	stopFloorGap = decimal.RequireFromString("0.01")
)

// ProfitConfig holds the profit/loss exit thresholds. Percentages are in
// percent units (25 means 25%); zero disables that side.
type ProfitConfig struct {
	TakeProfitPct     decimal.Decimal
	StopLossPct       decimal.Decimal
	UseStopMarketExit bool
	StopTriggerDelta  decimal.Decimal
}

// Enabled reports whether either threshold is set.
func (c ProfitConfig) Enabled() bool {
	return c.TakeProfitPct.IsPositive() || c.StopLossPct.IsPositive()
}

// ProfitWatchdog takes profit and cuts losses on open positions.
type ProfitWatchdog struct {
	orders  *orders.Manager
	config  ProfitConfig
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewProfitWatchdog creates a profit/loss watchdog acting through om.
func NewProfitWatchdog(om *orders.Manager, cfg ProfitConfig, logger logrus.FieldLogger, m *metrics.Metrics) *ProfitWatchdog {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ProfitWatchdog{
		orders:  om,
		config:  cfg,
		logger:  logger.WithField("task", ProfitTaskName),
		metrics: m,
	}
}

// ProfitPercent returns the position's return net of an entry fee estimate
// of $1 per contract capped at $10:
//
//	(mark-avg)*mult / (avg*mult + min(10, qty)) * 100
func ProfitPercent(p broker.Position) decimal.Decimal {
	mult := decimal.NewFromInt(int64(p.Multiplier))
	fee := perContract.Mul(decimal.NewFromInt(int64(p.Quantity)))
	if fee.GreaterThan(entryFeeCap) {
		fee = entryFeeCap
	}
	basis := p.AverageOpenPrice.Mul(mult).Add(fee)
	if basis.IsZero() {
		return decimal.Zero
	}
	pl := p.MarkPrice.Sub(p.AverageOpenPrice).Mul(mult)
	return pl.Div(basis).Mul(hundred)
}

// NextStopTrigger places the stop at least delta below mark, rounded down to
// the penny, but never at or below the cost basis; such triggers are lifted
// to one cent above it.
func NextStopTrigger(mark, avgOpen, delta decimal.Decimal) decimal.Decimal {
	trigger := util.FloorToTick(mark.Sub(delta), util.PennyTick)
	if trigger.LessThanOrEqual(avgOpen) {
		trigger = avgOpen.Add(stopFloorGap)
	}
	return trigger
}

// Tick evaluates every open position once.
func (w *ProfitWatchdog) Tick(ctx context.Context) error {
	if !w.config.Enabled() {
		return nil
	}
	positions, err := w.orders.Gateway().ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("listing positions: %w", err)
	}

	var errs []error
	for _, p := range positions {
		if err := w.checkPosition(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Symbol, err))
		}
	}
	return errors.Join(errs...)
}

func (w *ProfitWatchdog) checkPosition(ctx context.Context, p broker.Position) error {
	pct := ProfitPercent(p)
	w.metrics.SetProfitPercent(p.Symbol, pct.InexactFloat64())
	log := w.logger.WithFields(logrus.Fields{
		"ticker":   p.Ticker,
		"symbol":   p.Symbol,
		"profit":   pct.StringFixed(3),
		"mark":     p.MarkPrice,
		"quantity": p.Quantity,
		"avg_open": p.AverageOpenPrice,
	})
	log.Debug("Current profit")

	switch {
	case w.config.TakeProfitPct.IsPositive() && pct.GreaterThanOrEqual(w.config.TakeProfitPct):
		if w.config.UseStopMarketExit {
			return w.ratchetStop(ctx, log, p)
		}
		return w.limitExit(ctx, log, p)
	case w.config.StopLossPct.IsPositive() && pct.Neg().GreaterThanOrEqual(w.config.StopLossPct):
		log.WithField("threshold", w.config.StopLossPct).Info("Loss threshold reached, closing with market order")
		if err := w.orders.CancelByTicker(ctx, p.Ticker, orders.Credit); err != nil {
			log.WithError(err).Warn("Failed to cancel sell orders before loss exit")
		}
		if _, err := w.orders.MarketExit(ctx, p); err != nil {
			return err
		}
		w.metrics.IncExit(ExitStopLoss)
	}
	return nil
}

// ratchetStop keeps one protective stop on the position and only ever moves
// its trigger up.
func (w *ProfitWatchdog) ratchetStop(ctx context.Context, log logrus.FieldLogger, p broker.Position) error {
	trigger := NextStopTrigger(p.MarkPrice, p.AverageOpenPrice, w.config.StopTriggerDelta)

	sells, err := w.orders.LiveOrdersFor(ctx, p.Ticker, orders.Credit)
	if err != nil {
		return err
	}

	existing, replace, unsettled := false, false, false
	for _, o := range sells {
		if !o.IsStop() || !coversSymbol(o, p.Symbol) {
			continue
		}
		existing = true
		if !StopNeedsRaise(o.StopTrigger, trigger) {
			continue
		}
		log.WithFields(logrus.Fields{"from": o.StopTrigger, "to": trigger}).Info("Increasing the stop trigger")
		status, err := w.orders.Cancel(ctx, o.ID)
		if err != nil {
			return err
		}
		if status != broker.StatusCancelled {
			log.WithFields(logrus.Fields{"order_id": o.ID, "status": status}).
				Warn("Old stop did not cancel, leaving replacement to the next check")
			unsettled = true
			continue
		}
		replace = true
	}
	if unsettled || (existing && !replace) {
		return nil
	}
	if !existing {
		log.WithField("trigger", trigger).Info("Creating initial stop order")
	}
	if _, err := w.orders.Submit(ctx, broker.ClosingOrder(p, broker.Stop, decimal.Zero, trigger)); err != nil {
		return err
	}
	w.metrics.IncExit(ExitTakeProfitStop)
	return nil
}

func (w *ProfitWatchdog) limitExit(ctx context.Context, log logrus.FieldLogger, p broker.Position) error {
	log.Info("Profit target reached, cancelling open orders")
	if err := w.orders.CancelByTicker(ctx, p.Ticker, orders.All); err != nil {
		log.WithError(err).Warn("Failed to cancel orders before limit exit")
	}
	log.Info("Creating exit limit order at mark")
	price := util.RoundToTick(p.MarkPrice, util.PennyTick)
	if _, err := w.orders.Submit(ctx, broker.ClosingOrder(p, broker.Limit, price, decimal.Zero)); err != nil {
		return err
	}
	w.metrics.IncExit(ExitTakeProfitLimit)
	return nil
}

// StopNeedsRaise reports whether a stop at current should be replaced by
// one at next. Stops never move down.
func StopNeedsRaise(current, next decimal.Decimal) bool {
	return current.LessThan(next)
}

func coversSymbol(o broker.Order, symbol string) bool {
	for _, leg := range o.Legs {
		if leg.Symbol == symbol {
			return true
		}
	}
	return false
}
