package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/signal_pilot/internal/broker"
	"github.com/eddiefleurent/signal_pilot/internal/watchdog"
)

// AuditReport is the broker-side state the bot acts on.
type AuditReport struct {
	Account   string          `json:"account"`
	Mode      string          `json:"mode"`
	Positions []AuditPosition `json:"positions"`
	Orders    []broker.Order  `json:"orders"`
	Alerts    []broker.Alert  `json:"alerts"`
	Issues    []string        `json:"issues"`
}

// AuditPosition is a position with its profit percentage.
type AuditPosition struct {
	broker.Position
	ProfitPercent decimal.Decimal `json:"profit_percent"`
}

func (a *app) auditCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print live orders, positions and alerts with basic sanity checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			gw, err := a.newGateway(cmd.Context())
			if err != nil {
				return err
			}
			report, err := a.audit(cmd.Context(), gw)
			if err != nil {
				return err
			}
			if jsonOutput {
				output, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal report: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return err
			}
			report.Print(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output results as JSON")
	return cmd
}

func (a *app) audit(ctx context.Context, gw broker.Gateway) (*AuditReport, error) {
	positions, err := gw.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	orders, err := gw.ListLiveOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	alerts, err := gw.GetAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}

	report := &AuditReport{
		Account:   maskAccountID(a.cfg.Broker.AccountNumber),
		Mode:      a.cfg.Environment.Mode,
		Positions: make([]AuditPosition, 0, len(positions)),
		Orders:    orders,
		Alerts:    alerts,
	}
	for _, p := range positions {
		report.Positions = append(report.Positions, AuditPosition{
			Position:      p,
			ProfitPercent: watchdog.ProfitPercent(p).Round(2),
		})
	}
	report.Issues = analyzeAudit(positions, orders, alerts)
	return report, nil
}

// analyzeAudit flags states the engine would not leave behind on its own.
func analyzeAudit(positions []broker.Position, orders []broker.Order, alerts []broker.Alert) []string {
	issues := []string{}

	alerted := make(map[string]int)
	for _, al := range alerts {
		sym := strings.ToUpper(al.Symbol)
		alerted[sym]++
		if alerted[sym] == 2 {
			issues = append(issues, fmt.Sprintf("%s has more than one alert", sym))
		}
		if al.Triggered {
			issues = append(issues, fmt.Sprintf("%s alert %s %s has triggered, exit pending", al.Symbol, al.Operator, al.Threshold))
		}
	}

	held := make(map[string]bool)
	for _, p := range positions {
		ticker := strings.ToUpper(p.Ticker)
		held[ticker] = true
		if alerted[ticker] == 0 {
			issues = append(issues, fmt.Sprintf("%s position has no stock stop alert", p.Symbol))
		}
	}
	for _, o := range orders {
		if o.PriceEffect == broker.Credit && !held[strings.ToUpper(o.Ticker)] {
			issues = append(issues, fmt.Sprintf("%s sell order %s has no position to close", o.Ticker, shortID(o.ID)))
		}
	}
	return issues
}

// Print writes a human-readable report.
func (r *AuditReport) Print(w io.Writer) {
	fmt.Fprintf(w, "=== AUDIT (%s) ===\n", r.Mode)
	if r.Account != "" {
		fmt.Fprintf(w, "Account: %s\n", r.Account)
	}

	fmt.Fprintf(w, "\nPositions (%d):\n", len(r.Positions))
	for _, p := range r.Positions {
		fmt.Fprintf(w, "  %-22s %s x%d avg %s mark %s (%s%%)\n",
			p.Symbol, p.Direction, p.Quantity, p.AverageOpenPrice, p.MarkPrice, p.ProfitPercent.StringFixed(2))
	}

	fmt.Fprintf(w, "\nLive orders (%d):\n", len(r.Orders))
	for _, o := range r.Orders {
		price := o.Price.String()
		if o.IsStop() {
			price = "stop " + o.StopTrigger.String()
		}
		fmt.Fprintf(w, "  %-8s %-6s %-10s %-6s x%d %s [%s]\n", shortID(o.ID), o.Ticker, o.Type, o.PriceEffect, o.Quantity(), price, o.Status)
	}

	fmt.Fprintf(w, "\nAlerts (%d):\n", len(r.Alerts))
	for _, al := range r.Alerts {
		state := "armed"
		if al.Triggered {
			state = "triggered"
		}
		fmt.Fprintf(w, "  %-6s %s %s %s (%s)\n", al.Symbol, al.Field, al.Operator, al.Threshold, state)
	}

	fmt.Fprintf(w, "\n=== ANALYSIS ===\n")
	if len(r.Issues) == 0 {
		fmt.Fprintf(w, "No obvious issues detected.\n")
		return
	}
	fmt.Fprintf(w, "POTENTIAL ISSUES FOUND:\n")
	for i, issue := range r.Issues {
		fmt.Fprintf(w, "  %d. %s\n", i+1, issue)
	}
}
