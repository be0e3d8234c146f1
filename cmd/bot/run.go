package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/signal_pilot/internal/config"
	"github.com/eddiefleurent/signal_pilot/internal/dashboard"
	"github.com/eddiefleurent/signal_pilot/internal/feed"
	"github.com/eddiefleurent/signal_pilot/internal/orders"
	"github.com/eddiefleurent/signal_pilot/internal/reconciler"
	"github.com/eddiefleurent/signal_pilot/internal/retry"
	"github.com/eddiefleurent/signal_pilot/internal/scheduler"
	sig "github.com/eddiefleurent/signal_pilot/internal/signal"
	"github.com/eddiefleurent/signal_pilot/internal/watchdog"
)

// liveModeDelay gives the operator a chance to abort a live start.
const liveModeDelay = 10 * time.Second

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Listen for signals and manage positions until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
	}
}

func (a *app) run(ctx context.Context) error {
	cfg := a.cfg
	log := a.logger

	log.Infof("Starting signal_pilot in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		log.Info("PAPER TRADING MODE - No real money at risk")
	} else {
		log.Warnf("LIVE TRADING MODE - Real money at risk! Starting in %s", liveModeDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(liveModeDelay):
		}
	}

	gw, err := a.newGateway(ctx)
	if err != nil {
		return err
	}
	om := orders.NewManager(gw, log, a.metrics, ordersConfig(cfg))
	rec := reconciler.New(om, reconcilerConfig(cfg), log, a.metrics)

	sched := scheduler.New(log, a.metrics)
	if err := a.addWatchdogs(sched, om); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	runners := 0

	if len(sched.Tasks()) > 0 {
		runners++
		g.Go(func() error { return sched.Run(gctx) })
	}

	if cfg.Feed.URL != "" {
		parser, err := sig.NewParser(cfg.Signals)
		if err != nil {
			return err
		}
		rc := retry.NewClient(log, retry.Config{
			Forever:        true,
			InitialBackoff: config.Duration(cfg.Feed.Reconnect.InitialBackoff),
			MaxBackoff:     config.Duration(cfg.Feed.Reconnect.MaxBackoff),
		})
		fc := feed.New(feedConfig(cfg), parser, rec, rc, log, a.metrics)
		runners++
		g.Go(func() error { return fc.Run(gctx) })
	} else {
		log.Warn("No feed.url configured, signals will not be received")
	}

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			Listen:    cfg.Dashboard.Listen,
			AuthToken: cfg.Dashboard.AuthToken,
		}, gw, a.metrics, log)
		runners++
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if runners == 0 {
		return errors.New("nothing to run: configure feed.url, a watchdog or the dashboard")
	}

	err = g.Wait()
	if err != nil {
		return err
	}
	log.Info("signal_pilot stopped")
	return nil
}

func (a *app) addWatchdogs(sched *scheduler.Scheduler, om *orders.Manager) error {
	cfg := a.cfg.Watchdog
	if cfg.AlertExit.Enabled {
		w := watchdog.NewAlertWatchdog(om, a.logger, a.metrics)
		if err := sched.Add(scheduler.Task{
			Name:         watchdog.AlertTaskName,
			Interval:     config.Duration(cfg.AlertExit.PollInterval),
			InitialDelay: config.Duration(cfg.AlertExit.InitialDelay),
			Run:          w.Tick,
		}); err != nil {
			return fmt.Errorf("alert watchdog: %w", err)
		}
	}
	if a.cfg.ProfitExitEnabled() {
		w := watchdog.NewProfitWatchdog(om, profitConfig(a.cfg), a.logger, a.metrics)
		if err := sched.Add(scheduler.Task{
			Name:         watchdog.ProfitTaskName,
			Interval:     config.Duration(cfg.ProfitExit.PollInterval),
			InitialDelay: config.Duration(cfg.ProfitExit.InitialDelay),
			Run:          w.Tick,
		}); err != nil {
			return fmt.Errorf("profit watchdog: %w", err)
		}
	}
	return nil
}

func ordersConfig(cfg *config.Config) orders.Config {
	return orders.Config{
		CancelPollInterval: config.Duration(cfg.Broker.CancelPollInterval),
		CancelPollAttempts: cfg.Broker.CancelPollAttempts,
		FillPollInterval:   config.Duration(cfg.Trading.FillPollInterval),
		FillTimeout:        config.Duration(cfg.Trading.FillWaitTimeout),
	}
}

func reconcilerConfig(cfg *config.Config) reconciler.Config {
	t := cfg.Trading
	return reconciler.Config{
		AvoidTickers:           t.AvoidTickers,
		MaxBet:                 config.Decimal(t.MaxBet),
		MaxContracts:           t.MaxContracts,
		EntryMarkup:            config.Decimal(t.EntryMarkup),
		StockStopBuffer:        config.Decimal(t.StockStopBuffer),
		EntryPriceDriftLimit:   config.Decimal(t.EntryPriceDriftLimit),
		EnterWithMarketOrder:   t.EnterWithMarketOrder,
		MarketSellOnDeactivate: t.MarketSellOnDeactivate,
		FillConfirmation:       cfg.FillConfirmationEnabled(),
		SettleDelay:            config.Duration(t.EntrySettleDelay),
	}
}

func profitConfig(cfg *config.Config) watchdog.ProfitConfig {
	p := cfg.Watchdog.ProfitExit
	return watchdog.ProfitConfig{
		TakeProfitPct:     config.Decimal(p.TakeProfitPct),
		StopLossPct:       config.Decimal(p.StopLossPct),
		UseStopMarketExit: p.UseStopMarketExit,
		StopTriggerDelta:  config.Decimal(p.StopTriggerDelta),
	}
}

func feedConfig(cfg *config.Config) feed.Config {
	f := cfg.Feed
	return feed.Config{
		URL:                    f.URL,
		Token:                  f.Token,
		AlertChannel:           f.AlertChannel,
		TestChannel:            f.TestChannel,
		ChatChannel:            f.ChatChannel,
		SelfName:               f.SelfName,
		ExecuteFromTestChannel: f.ExecuteFromTestChannel,
		ReadTimeout:            config.Duration(f.ReadTimeout),
	}
}
