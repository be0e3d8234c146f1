package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/signal_pilot/internal/broker"
	"github.com/eddiefleurent/signal_pilot/internal/config"
	"github.com/eddiefleurent/signal_pilot/internal/logging"
	"github.com/eddiefleurent/signal_pilot/internal/metrics"
	"github.com/eddiefleurent/signal_pilot/internal/retry"
)

// app carries what every subcommand shares.
type app struct {
	configPath string
	logLevel   string
	out        io.Writer

	cfg     *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics

	// gateway, when set, replaces the broker built from config.
	gateway broker.Gateway
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	return a.rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bot",
		Short: "Signal-driven options trading engine",
		Long: `bot listens to a trade-signal channel and keeps the brokerage account
in line with it: entries are bought, stop alerts follow updates, and
positions are closed on deactivation, on a triggered alert, or when the
profit and loss thresholds are crossed.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(a.out)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "config.yaml", "path to config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override environment.log_level")

	root.AddCommand(a.runCmd(), a.parseCmd(), a.auditCmd(), a.liquidateCmd())
	return root
}

// setup loads config and builds the logger. parse may run without a
// config file and falls back to the built-in patterns.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		if cmd.Name() != "parse" || !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load config: %w", err)
		}
		cfg, err = config.Parse([]byte("trading: {max_bet: 1, max_contracts: 1}"))
		if err != nil {
			return err
		}
	}
	a.cfg = cfg

	level := cfg.Environment.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	logger, err := logging.New(level, cfg.Environment.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.logger = logger
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	return nil
}

// newGateway returns the in-memory broker in paper mode and the REST client
// otherwise, logging in unless a session token is configured.
func (a *app) newGateway(ctx context.Context) (broker.Gateway, error) {
	if a.gateway != nil {
		return a.gateway, nil
	}
	if a.cfg.IsPaperTrading() {
		a.logger.Info("Paper trading: using the in-memory broker. It has no market data, so orders rest and alerts stay armed")
		return broker.NewPaperBroker(), nil
	}

	bc := a.cfg.Broker
	api := broker.NewTastyAPI(broker.TastyConfig{
		BaseURL:       bc.BaseURL,
		Username:      bc.Username,
		Password:      bc.Password,
		AccountNumber: bc.AccountNumber,
		Sandbox:       bc.Sandbox,
		Timeout:       config.Duration(bc.Timeout),
	}, a.logger)

	if bc.SessionToken != "" {
		api.WithSessionToken(bc.SessionToken)
	} else {
		rc := retry.NewClient(a.logger)
		if err := rc.Do(ctx, "broker login", api.Login); err != nil {
			return nil, fmt.Errorf("broker login: %w", err)
		}
	}
	a.logger.WithField("account", maskAccountID(api.AccountNumber())).Info("Connected to broker")

	if !bc.CircuitBreaker {
		return api, nil
	}
	return broker.NewCircuitBreakerGateway(api, a.logger), nil
}
