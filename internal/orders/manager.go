// Package orders provides the order and alert primitives shared by the
// reconciler and the watchdogs: cancel-and-confirm, per-ticker queries,
// single-alert replacement and the fill-confirmation wait.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_pilot/internal/broker"
	"github.com/eddiefleurent/signal_pilot/internal/metrics"
)

// Filter selects live orders by price effect.
type Filter int

const (
	// All matches every order.
	All Filter = iota
	// Debit matches buy orders.
	Debit
	// Credit matches sell orders.
	Credit
)

func (f Filter) String() string {
	switch f {
	case Debit:
		return "debit"
	case Credit:
		return "credit"
	default:
		return "all"
	}
}

// Match reports whether o passes the filter.
func (f Filter) Match(o broker.Order) bool {
	switch f {
	case Debit:
		return o.PriceEffect == broker.Debit
	case Credit:
		return o.PriceEffect == broker.Credit
	default:
		return true
	}
}

// Config contains configuration for the order manager.
type Config struct {
	CancelPollInterval time.Duration
	CancelPollAttempts int
	FillPollInterval   time.Duration
	FillTimeout        time.Duration
}

// DefaultConfig is the default configuration for the order manager.
var DefaultConfig = Config{
	CancelPollInterval: 1 * time.Second,
	CancelPollAttempts: 10,
	FillPollInterval:   1 * time.Second,
	FillTimeout:        30 * time.Second,
}

// ErrFillTimeout is returned by WaitForFill when the order is still working
// after the configured timeout.
var ErrFillTimeout = errors.New("order not filled before timeout")

// Manager executes order and alert operations against a gateway. It keeps
// no state between calls; every method reads the broker fresh.
type Manager struct {
	gateway broker.Gateway
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	config  Config
}

// NewManager creates a new order manager instance.
func NewManager(gateway broker.Gateway, logger logrus.FieldLogger, m *metrics.Metrics, config ...Config) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	// Validate and clamp config values
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = DefaultConfig.CancelPollInterval
	}
	if cfg.CancelPollAttempts <= 0 {
		cfg.CancelPollAttempts = DefaultConfig.CancelPollAttempts
	}
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = DefaultConfig.FillPollInterval
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = DefaultConfig.FillTimeout
	}

	if gateway == nil {
		panic("orders.NewManager: gateway must not be nil")
	}

	return &Manager{
		gateway: gateway,
		logger:  logger,
		metrics: m,
		config:  cfg,
	}
}

// Gateway returns the gateway the manager acts on.
func (m *Manager) Gateway() broker.Gateway {
	return m.gateway
}

// Cancel requests cancellation of an order and, while the broker answers
// StatusCancelRequested, polls GetOrder until the status moves on or the
// attempt budget runs out. It returns the last status observed.
func (m *Manager) Cancel(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	log := m.logger.WithField("order_id", orderID)

	status, err := m.gateway.CancelOrder(ctx, orderID)
	if err != nil {
		m.metrics.IncOrderFailure("cancel")
		return "", fmt.Errorf("cancelling order %s: %w", orderID, err)
	}
	log.WithField("status", status).Info("Cancel requested")

	for attempt := 0; status == broker.StatusCancelRequested && attempt < m.config.CancelPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(m.config.CancelPollInterval):
		}
		order, err := m.gateway.GetOrder(ctx, orderID)
		if err != nil {
			log.WithError(err).Warn("Failed to poll cancel status")
			continue
		}
		status = order.Status
	}

	if status == broker.StatusCancelRequested {
		log.Warn("Order still cancel-requested after polling")
	}
	m.metrics.IncCancel(string(status))
	log.WithField("status", status).Info("Cancel final result")
	return status, nil
}

// CancelOrders cancels each order, continuing past failures. The returned
// error joins every individual failure.
func (m *Manager) CancelOrders(ctx context.Context, orders []broker.Order) error {
	var errs []error
	for _, o := range orders {
		if _, err := m.Cancel(ctx, o.ID); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{"ticker": o.Ticker, "order_id": o.ID}).
				Warn("Failed to cancel order")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CancelByTicker cancels every live order for ticker matching filter.
func (m *Manager) CancelByTicker(ctx context.Context, ticker string, filter Filter) error {
	orders, err := m.LiveOrdersFor(ctx, ticker, filter)
	if err != nil {
		return err
	}
	if len(orders) > 0 {
		m.logger.WithFields(logrus.Fields{"ticker": ticker, "filter": filter, "count": len(orders)}).
			Info("Cancelling orders")
	}
	return m.CancelOrders(ctx, orders)
}

// LiveOrdersFor lists working orders for ticker that match filter.
func (m *Manager) LiveOrdersFor(ctx context.Context, ticker string, filter Filter) ([]broker.Order, error) {
	all, err := m.gateway.ListLiveOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing live orders: %w", err)
	}
	var out []broker.Order
	for _, o := range all {
		if strings.EqualFold(o.Ticker, ticker) && filter.Match(o) {
			out = append(out, o)
		}
	}
	return out, nil
}

// PositionsFor lists open positions on ticker.
func (m *Manager) PositionsFor(ctx context.Context, ticker string) ([]broker.Position, error) {
	all, err := m.gateway.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	var out []broker.Position
	for _, p := range all {
		if strings.EqualFold(p.Ticker, ticker) {
			out = append(out, p)
		}
	}
	return out, nil
}

// DeleteAlertsFor removes every alert on ticker.
func (m *Manager) DeleteAlertsFor(ctx context.Context, ticker string) error {
	alerts, err := m.gateway.GetAlerts(ctx)
	if err != nil {
		return fmt.Errorf("listing alerts: %w", err)
	}
	var errs []error
	for _, a := range alerts {
		if !strings.EqualFold(a.Symbol, ticker) {
			continue
		}
		if err := m.gateway.DeleteAlert(ctx, a); err != nil {
			m.metrics.IncOrderFailure("delete_alert")
			errs = append(errs, fmt.Errorf("deleting alert %s: %w", a.ID, err))
			continue
		}
		m.metrics.IncAlert("delete")
		m.logger.WithFields(logrus.Fields{"ticker": ticker, "alert_id": a.ID, "threshold": a.Threshold}).
			Info("Deleted alert")
	}
	return errors.Join(errs...)
}

// ReplaceAlert deletes any alert on the alert's symbol and then sets alert,
// so at most one alert exists per ticker. The broker has no update call.
func (m *Manager) ReplaceAlert(ctx context.Context, alert broker.Alert) (*broker.Alert, error) {
	if err := m.DeleteAlertsFor(ctx, alert.Symbol); err != nil {
		return nil, err
	}
	created, err := m.gateway.SetAlert(ctx, alert)
	if err != nil {
		m.metrics.IncOrderFailure("set_alert")
		return nil, fmt.Errorf("setting alert on %s: %w", alert.Symbol, err)
	}
	m.metrics.IncAlert("set")
	m.logger.WithFields(logrus.Fields{
		"ticker":    created.Symbol,
		"operator":  created.Operator,
		"threshold": created.Threshold,
	}).Info("Set alert")
	return created, nil
}

// TriggeredAlerts lists alerts that have fired.
func (m *Manager) TriggeredAlerts(ctx context.Context) ([]broker.Alert, error) {
	alerts, err := m.gateway.GetAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}
	var out []broker.Alert
	for _, a := range alerts {
		if a.Triggered {
			out = append(out, a)
		}
	}
	return out, nil
}

// Submit places req, tagging it with a fresh client tag when it has none.
func (m *Manager) Submit(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	if req.Tag == "" {
		req.Tag = NewTag()
	}
	log := m.logger.WithFields(logrus.Fields{
		"ticker": req.Ticker,
		"type":   req.Type,
		"effect": req.PriceEffect,
		"tag":    req.Tag,
	})
	order, err := m.gateway.SubmitOrder(ctx, req)
	if err != nil {
		m.metrics.IncOrderFailure("submit")
		log.WithError(err).Error("Order submission failed")
		return nil, fmt.Errorf("submitting %s order for %s: %w", req.Type, req.Ticker, err)
	}
	m.metrics.IncOrder(string(req.Type), string(req.PriceEffect))
	log.WithFields(logrus.Fields{"order_id": order.ID, "status": order.Status}).Info("Order submitted")
	return order, nil
}

// MarketExit closes p with a market order.
func (m *Manager) MarketExit(ctx context.Context, p broker.Position) (*broker.Order, error) {
	return m.Submit(ctx, broker.ClosingOrder(p, broker.Market, decimal.Zero, decimal.Zero))
}

// WaitForFill polls the order until it is filled or otherwise terminal,
// bounded by the configured fill timeout. A terminal non-filled status is
// returned without error; a timeout returns ErrFillTimeout.
func (m *Manager) WaitForFill(ctx context.Context, orderID string) (broker.OrderStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.FillTimeout)
	defer cancel()

	ticker := time.NewTicker(m.config.FillPollInterval)
	defer ticker.Stop()

	log := m.logger.WithField("order_id", orderID)
	var last broker.OrderStatus
	for {
		order, err := m.gateway.GetOrder(ctx, orderID)
		switch {
		case err != nil && ctx.Err() == nil:
			log.WithError(err).Debug("Order status poll failed")
		case err == nil:
			last = order.Status
			if last.IsTerminal() {
				log.WithField("status", last).Info("Order reached terminal status")
				return last, nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return last, fmt.Errorf("order %s (last status %q): %w", orderID, last, ErrFillTimeout)
			}
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// NewTag returns a client order tag.
func NewTag() string {
	return "sp-" + uuid.NewString()[:8]
}
