// Package reconciler turns trade signals into broker side effects. Each
// handler re-reads positions, orders and alerts from the broker before it
// acts and converges through delete-then-create and cancel-then-submit
// sequences; nothing is cached between calls.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_pilot/internal/broker"
	"github.com/eddiefleurent/signal_pilot/internal/metrics"
	"github.com/eddiefleurent/signal_pilot/internal/orders"
	"github.com/eddiefleurent/signal_pilot/internal/signal"
	"github.com/eddiefleurent/signal_pilot/internal/util"
)

// Config holds the trading parameters the reconciler applies.
type Config struct {
	AvoidTickers           []string
	MaxBet                 decimal.Decimal
	MaxContracts           int
	EntryMarkup            decimal.Decimal
	StockStopBuffer        decimal.Decimal
	EntryPriceDriftLimit   decimal.Decimal
	EnterWithMarketOrder   bool
	MarketSellOnDeactivate bool
	// FillConfirmation polls the entry order until it is terminal before
	// placing stops; otherwise SettleDelay is slept.
	FillConfirmation bool
	SettleDelay      time.Duration
}

// Reconciler handles Entry, Update and Deactivate signals.
type Reconciler struct {
	orders  *orders.Manager
	config  Config
	avoid   map[string]struct{}
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Reconciler acting through om.
func New(om *orders.Manager, cfg Config, logger logrus.FieldLogger, m *metrics.Metrics) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	avoid := make(map[string]struct{}, len(cfg.AvoidTickers))
	for _, t := range cfg.AvoidTickers {
		avoid[strings.ToUpper(strings.TrimSpace(t))] = struct{}{}
	}
	return &Reconciler{
		orders:  om,
		config:  cfg,
		avoid:   avoid,
		logger:  logger,
		metrics: m,
		sleep:   sleepCtx,
	}
}

// EntryQuantity is floor(maxBet / (limit*100)) clamped to [0, maxContracts].
func EntryQuantity(maxBet, limit decimal.Decimal, maxContracts int) int {
	if !limit.IsPositive() || !maxBet.IsPositive() {
		return 0
	}
	qty := maxBet.Div(limit.Mul(decimal.NewFromInt(100))).Floor().IntPart()
	if qty > int64(maxContracts) {
		qty = int64(maxContracts)
	}
	if qty < 0 {
		qty = 0
	}
	return int(qty)
}

// Handle dispatches sig to the handler for its kind.
func (r *Reconciler) Handle(ctx context.Context, sig signal.Signal) error {
	switch sig.Kind {
	case signal.Entry:
		return r.HandleEntry(ctx, sig)
	case signal.Update:
		return r.HandleUpdate(ctx, sig)
	case signal.Deactivate:
		return r.HandleDeactivate(ctx, sig)
	default:
		return fmt.Errorf("unsupported signal kind %s", sig.Kind)
	}
}

// HandleEntry opens a position for an Entry signal and then places its
// initial protective alert through HandleUpdate.
func (r *Reconciler) HandleEntry(ctx context.Context, sig signal.Signal) (err error) {
	outcome := "executed"
	defer func() { r.record(sig, &outcome, err) }()
	log := r.logFor(sig)

	entry, ok := sig.EntryPrice()
	if !ok {
		return fmt.Errorf("%s signal has no entry price", sig.Kind)
	}
	if sig.Class == "" {
		return fmt.Errorf("entry signal for %s has no option class", sig.Ticker)
	}

	limit := util.RoundToTick(entry.Add(r.config.EntryMarkup), util.PennyTick)
	qty := EntryQuantity(r.config.MaxBet, limit, r.config.MaxContracts)
	log = log.WithFields(logrus.Fields{"limit": limit, "quantity": qty})
	log.Info("Entry signal received")

	if qty <= 0 {
		outcome = "skipped"
		log.Info("Quantity is 0 due to max bet, no action taken")
		return nil
	}
	if _, avoided := r.avoid[sig.Ticker]; avoided {
		outcome = "skipped"
		log.Info("Ticker is in the avoid list, skipping")
		return nil
	}

	if err := r.orders.CancelByTicker(ctx, sig.Ticker, orders.All); err != nil {
		log.WithError(err).Warn("Failed to cancel existing orders, continuing")
	}
	if err := r.orders.DeleteAlertsFor(ctx, sig.Ticker); err != nil {
		log.WithError(err).Warn("Failed to remove existing alerts, continuing")
	}

	price := limit
	if r.config.EnterWithMarketOrder {
		price = decimal.Zero
	}
	req := broker.NewEntryOrder(sig.Ticker, sig.Expiry, sig.Strike, sig.Class, qty, price, orders.NewTag())
	order, err := r.orders.Submit(ctx, req)
	if err != nil {
		return err
	}

	if err := r.awaitFill(ctx, log, order); err != nil {
		return err
	}

	update, _ := sig.AsUpdate()
	log.Info("Placing initial stop alert")
	return r.HandleUpdate(ctx, update)
}

// awaitFill returns only context errors; an unconfirmed fill is logged and
// the stop alert is placed anyway.
func (r *Reconciler) awaitFill(ctx context.Context, log logrus.FieldLogger, order *broker.Order) error {
	if r.config.FillConfirmation && order.ID != "" {
		status, err := r.orders.WaitForFill(ctx, order.ID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			log.WithError(err).Warn("Entry fill not confirmed")
			return nil
		}
		log.WithField("status", status).Info("Entry order settled")
		return nil
	}
	return r.sleep(ctx, r.config.SettleDelay)
}

// HandleUpdate re-derives the protective alert when the ticker has open
// positions, or abandons drifted entries when it only has working orders.
func (r *Reconciler) HandleUpdate(ctx context.Context, sig signal.Signal) (err error) {
	outcome := "executed"
	defer func() { r.record(sig, &outcome, err) }()
	log := r.logFor(sig)

	stops, ok := sig.Stops()
	if !ok {
		return fmt.Errorf("%s signal carries no stops", sig.Kind)
	}
	log.WithFields(logrus.Fields{
		"mark":        stops.Mark,
		"stock_stop":  stops.StockStop,
		"option_stop": stops.OptionStop,
	}).Info("Update received")

	positions, err := r.orders.PositionsFor(ctx, sig.Ticker)
	if err != nil {
		return err
	}
	if len(positions) > 0 {
		log.WithField("count", len(positions)).Info("Found open positions")
		var errs []error
		for _, p := range positions {
			class := p.Class
			if class == "" {
				class = sig.Class
			}
			if class == "" {
				log.WithField("symbol", p.Symbol).Warn("Cannot tell call from put, skipping alert")
				continue
			}
			trigger := StopTrigger(stops.StockStop, r.config.StockStopBuffer, class)
			log.WithFields(logrus.Fields{"symbol": p.Symbol, "trigger": trigger}).
				Info("Setting alert at adjusted stock price")
			if _, err := r.orders.ReplaceAlert(ctx, broker.StopAlert(sig.Ticker, class, trigger)); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	working, err := r.orders.LiveOrdersFor(ctx, sig.Ticker, orders.All)
	if err != nil {
		return err
	}
	if len(working) == 0 {
		outcome = "noop"
		log.Info("No orders or positions found, no action taken")
		return nil
	}

	log.WithField("count", len(working)).Info("Found open orders")
	var stale []broker.Order
	for _, o := range working {
		if Drifted(stops.Mark, o, r.config.EntryPriceDriftLimit) {
			log.WithFields(logrus.Fields{"order_id": o.ID, "price": o.Price, "limit": r.config.EntryPriceDriftLimit}).
				Info("Price drifted past limit without a fill, cancelling order")
			stale = append(stale, o)
		}
	}
	return r.orders.CancelOrders(ctx, stale)
}

// HandleDeactivate exits open positions, or cleans up stray orders and
// alerts when the position is already gone.
func (r *Reconciler) HandleDeactivate(ctx context.Context, sig signal.Signal) (err error) {
	outcome := "executed"
	defer func() { r.record(sig, &outcome, err) }()
	log := r.logFor(sig)
	log.Info("Deactivate received")

	positions, err := r.orders.PositionsFor(ctx, sig.Ticker)
	if err != nil {
		return err
	}

	if len(positions) == 0 {
		outcome = "cleanup"
		log.Info("No open positions, cancelling any orders and removing alerts")
		return errors.Join(
			r.orders.CancelByTicker(ctx, sig.Ticker, orders.All),
			r.orders.DeleteAlertsFor(ctx, sig.Ticker),
		)
	}

	var errs []error
	log.Info("Position found, cancelling buy orders")
	if err := r.orders.CancelByTicker(ctx, sig.Ticker, orders.Debit); err != nil {
		errs = append(errs, err)
	}
	if !r.config.MarketSellOnDeactivate {
		return errors.Join(errs...)
	}
	for _, p := range positions {
		log.WithFields(logrus.Fields{"symbol": p.Symbol, "quantity": p.Quantity}).Info("Closing position at market")
		if _, err := r.orders.MarketExit(ctx, p); err != nil {
			log.WithError(err).Error("Error creating a market sell order, leaving state for a later signal")
			errs = append(errs, err)
			continue
		}
		log.Info("Removing alerts")
		if err := r.orders.DeleteAlertsFor(ctx, sig.Ticker); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopTrigger moves the stock stop away from the money by at least buffer:
// down for calls, up for puts, rounded outward to the penny.
func StopTrigger(stockStop, buffer decimal.Decimal, class broker.OptionClass) decimal.Decimal {
	if class == broker.Put {
		return util.CeilToTick(stockStop.Add(buffer), util.PennyTick)
	}
	return util.FloorToTick(stockStop.Sub(buffer), util.PennyTick)
}

// Drifted reports whether mark has run more than limit past the order's
// limit price. Orders without a limit price never drift.
func Drifted(mark decimal.Decimal, o broker.Order, limit decimal.Decimal) bool {
	if !o.HasLimitPrice() {
		return false
	}
	return mark.Sub(o.Price).GreaterThan(limit)
}

func (r *Reconciler) logFor(sig signal.Signal) logrus.FieldLogger {
	return r.logger.WithFields(logrus.Fields{
		"signal": sig.ID,
		"kind":   sig.Kind.String(),
		"ticker": sig.Ticker,
	})
}

func (r *Reconciler) record(sig signal.Signal, outcome *string, err error) {
	if err != nil {
		r.metrics.IncSignal(sig.Kind.String(), "error")
		return
	}
	r.metrics.IncSignal(sig.Kind.String(), *outcome)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
