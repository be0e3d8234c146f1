package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	sig "github.com/eddiefleurent/signal_pilot/internal/signal"
)

type parsedSignal struct {
	Kind       string `json:"kind"`
	Ticker     string `json:"ticker"`
	Expiry     string `json:"expiry"`
	Strike     string `json:"strike"`
	Class      string `json:"class,omitempty"`
	Entry      string `json:"entry,omitempty"`
	Mark       string `json:"mark,omitempty"`
	StockStop  string `json:"stock_stop,omitempty"`
	OptionStop string `json:"option_stop,omitempty"`
}

func (a *app) parseCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "parse <message>",
		Short: "Show how a message would be interpreted, without trading",
		Long: `parse runs a message through the configured signal patterns and prints
the resulting signal. Nothing is sent to the broker.

Example:
  bot parse "NEW ENTRY: AAPL 9/17 150 CALL ENTRY: 4.50 MARK: 4.60 STOCK STOP: 145 OPTION STOP: 3.00"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parser, err := sig.NewParser(a.cfg.Signals)
			if err != nil {
				return err
			}
			s, ok := parser.Parse(strings.Join(args, " "))
			if !ok {
				return fmt.Errorf("not a recognized signal")
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(describeSignal(s))
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), s.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func describeSignal(s sig.Signal) parsedSignal {
	out := parsedSignal{
		Kind:   s.Kind.String(),
		Ticker: s.Ticker,
		Expiry: s.Expiry.Format("2006-01-02"),
		Strike: s.Strike.String(),
		Class:  string(s.Class),
	}
	if e, ok := s.EntryPrice(); ok {
		out.Entry = e.String()
	}
	if st, ok := s.Stops(); ok {
		out.Mark = st.Mark.String()
		out.StockStop = st.StockStop.String()
		out.OptionStop = st.OptionStop.String()
	}
	return out
}
