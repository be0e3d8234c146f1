package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/eddiefleurent/signal_pilot/internal/broker"
	"github.com/eddiefleurent/signal_pilot/internal/orders"
	"github.com/eddiefleurent/signal_pilot/internal/retry"
	"github.com/eddiefleurent/signal_pilot/internal/watchdog"
)

// errNotConfirmed is returned when liquidate runs without --yes.
var errNotConfirmed = errors.New("refusing to liquidate without --yes")

func (a *app) liquidateCmd() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "liquidate",
		Short: "Cancel every live order, market-exit every position and delete all alerts",
		Long: `liquidate flattens the account:

  1. cancels all live orders
  2. closes every open position with a market order
  3. deletes all price alerts

It keeps going past individual failures and reports them at the end.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				return errNotConfirmed
			}
			gw, err := a.newGateway(cmd.Context())
			if err != nil {
				return err
			}
			return a.liquidate(cmd.Context(), gw, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm liquidation")
	return cmd
}

func (a *app) liquidate(ctx context.Context, gw broker.Gateway, out io.Writer) error {
	om := orders.NewManager(gw, a.logger, a.metrics, ordersConfig(a.cfg))
	rc := retry.NewClient(a.logger)
	var errs []error

	fmt.Fprintln(out, "LIQUIDATE ALL POSITIONS - MARKET ORDERS")

	var live []broker.Order
	err := rc.Do(ctx, "list live orders", func(ctx context.Context) error {
		var err error
		live, err = gw.ListLiveOrders(ctx)
		return err
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("list orders: %w", err))
	} else {
		fmt.Fprintf(out, "Cancelling %d live order(s)\n", len(live))
		if err := om.CancelOrders(ctx, live); err != nil {
			errs = append(errs, err)
		}
	}

	var positions []broker.Position
	err = rc.Do(ctx, "list positions", func(ctx context.Context) error {
		var err error
		positions, err = gw.ListPositions(ctx)
		return err
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("list positions: %w", err))
	}
	fmt.Fprintf(out, "Closing %d position(s)\n", len(positions))
	for _, p := range positions {
		order, err := om.MarketExit(ctx, p)
		if err != nil {
			fmt.Fprintf(out, "  FAILED %s: %v\n", p.Symbol, err)
			errs = append(errs, fmt.Errorf("close %s: %w", p.Symbol, err))
			continue
		}
		a.metrics.IncExit(watchdog.ExitLiquidate)
		fmt.Fprintf(out, "  %s x%d: order %s %s\n", p.Symbol, p.Quantity, shortID(order.ID), order.Status)
	}

	var alerts []broker.Alert
	err = rc.Do(ctx, "list alerts", func(ctx context.Context) error {
		var err error
		alerts, err = gw.GetAlerts(ctx)
		return err
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("list alerts: %w", err))
	}
	fmt.Fprintf(out, "Deleting %d alert(s)\n", len(alerts))
	for _, al := range alerts {
		if err := gw.DeleteAlert(ctx, al); err != nil {
			errs = append(errs, fmt.Errorf("delete alert %s: %w", al.ID, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		fmt.Fprintf(out, "Liquidation finished with %d error(s)\n", len(errs))
		return err
	}
	fmt.Fprintln(out, "All close orders submitted")
	return nil
}
