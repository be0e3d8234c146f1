package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/signal_pilot/internal/broker"
	"github.com/eddiefleurent/signal_pilot/internal/metrics"
	"github.com/eddiefleurent/signal_pilot/internal/orders"
)

const (
	aaplCall = "AAPL  210917C00150000"
	msftPut  = "MSFT  210917P00300000"
)

var expiry = time.Date(2021, 9, 17, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newManager(gw broker.Gateway) *orders.Manager {
	logger, _ := test.NewNullLogger()
	return orders.NewManager(gw, logger, nil, orders.Config{
		CancelPollInterval: time.Millisecond,
		CancelPollAttempts: 3,
		FillPollInterval:   time.Millisecond,
		FillTimeout:        10 * time.Millisecond,
	})
}

func newProfitWatchdog(gw broker.Gateway, cfg ProfitConfig) *ProfitWatchdog {
	logger, _ := test.NewNullLogger()
	return NewProfitWatchdog(newManager(gw), cfg, logger, metrics.New())
}

// fillingCancel fills the order just before the cancel reaches the broker.
type fillingCancel struct{ *broker.PaperBroker }

func (f fillingCancel) CancelOrder(ctx context.Context, id string) (broker.OrderStatus, error) {
	f.SetOrderStatus(id, broker.StatusFilled)
	return f.PaperBroker.CancelOrder(ctx, id)
}

// stuckCancel never gets past cancel-requested.
type stuckCancel struct{ *broker.PaperBroker }

func (s stuckCancel) CancelOrder(context.Context, string) (broker.OrderStatus, error) {
	return broker.StatusCancelRequested, nil
}

func (s stuckCancel) GetOrder(ctx context.Context, id string) (*broker.Order, error) {
	o, err := s.PaperBroker.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Status = broker.StatusCancelRequested
	return o, nil
}

func newAlertWatchdog(pb *broker.PaperBroker) *AlertWatchdog {
	logger, _ := test.NewNullLogger()
	return NewAlertWatchdog(newManager(pb), logger, metrics.New())
}

func stopConfig() ProfitConfig {
	return ProfitConfig{
		TakeProfitPct:     d("10"),
		StopLossPct:       d("25"),
		UseStopMarketExit: true,
		StopTriggerDelta:  d("0.50"),
	}
}

func liveStops(t *testing.T, pb *broker.PaperBroker) []broker.Order {
	t.Helper()
	live, err := pb.ListLiveOrders(context.Background())
	require.NoError(t, err)
	var out []broker.Order
	for _, o := range live {
		if o.IsStop() {
			out = append(out, o)
		}
	}
	return out
}

func TestProfitPercent(t *testing.T) {
	tests := []struct {
		name string
		pos  broker.Position
		want string
	}{
		{
			name: "fee below cap",
			pos:  broker.Position{Quantity: 3, Multiplier: 100, AverageOpenPrice: d("10"), MarkPrice: d("12")},
			want: "19.94",
		},
		{
			name: "fee capped at ten dollars",
			pos:  broker.Position{Quantity: 20, Multiplier: 100, AverageOpenPrice: d("1"), MarkPrice: d("1.5")},
			want: "45.45",
		},
		{
			name: "loss",
			pos:  broker.Position{Quantity: 1, Multiplier: 100, AverageOpenPrice: d("10"), MarkPrice: d("7")},
			want: "-29.97",
		},
		{
			name: "zero basis",
			pos:  broker.Position{Quantity: 0, Multiplier: 100},
			want: "0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ProfitPercent(tt.pos).Round(2)
			assert.True(t, got.Equal(d(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestNextStopTrigger(t *testing.T) {
	tests := []struct {
		name        string
		mark, avg   string
		delta, want string
	}{
		{"below mark by delta", "10.00", "8.00", "0.50", "9.50"},
		{"floored above cost basis", "10.30", "10.00", "0.50", "10.01"},
		{"exactly at cost basis is lifted", "10.50", "10.00", "0.50", "10.01"},
		{"sub-penny delta rounds down", "10.00", "8.00", "0.505", "9.49"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextStopTrigger(d(tt.mark), d(tt.avg), d(tt.delta))
			assert.True(t, got.Equal(d(tt.want)), "got %s", got)
		})
	}
}

func TestStopNeedsRaise(t *testing.T) {
	assert.True(t, StopNeedsRaise(d("9.00"), d("9.50")))
	assert.False(t, StopNeedsRaise(d("9.00"), d("8.80")))
	assert.False(t, StopNeedsRaise(d("9.00"), d("9.00")))
}

func TestProfitConfig_Enabled(t *testing.T) {
	assert.False(t, ProfitConfig{}.Enabled())
	assert.True(t, ProfitConfig{StopLossPct: d("20")}.Enabled())
	assert.True(t, ProfitConfig{TakeProfitPct: d("20")}.Enabled())
}

func TestProfitWatchdog_CreatesInitialStop(t *testing.T) {
	pb := broker.NewPaperBroker()
	pb.AddPosition(broker.Position{Symbol: aaplCall, Quantity: 1, AverageOpenPrice: d("8"), MarkPrice: d("10")})
	w := newProfitWatchdog(pb, stopConfig())

	require.NoError(t, w.Tick(context.Background()))

	stops := liveStops(t, pb)
	require.Len(t, stops, 1)
	assert.True(t, stops[0].StopTrigger.Equal(d("9.50")))
	assert.Equal(t, broker.Credit, stops[0].PriceEffect)
	assert.Equal(t, "GTC", stops[0].TimeInForce)
}

func TestProfitWatchdog_RaisesLowerStop(t *testing.T) {
	ctx := context.Background()
	pb := broker.NewPaperBroker()
	pb.AddPosition(broker.Position{Symbol: aaplCall, Quantity: 1, AverageOpenPrice: d("8"), MarkPrice: d("10")})
	positions, _ := pb.ListPositions(ctx)
	old, err := pb.SubmitOrder(ctx, broker.ClosingOrder(positions[0], broker.Stop, decimal.Zero, d("9.00")))
	require.NoError(t, err)
	w := newProfitWatchdog(pb, stopConfig())

	require.NoError(t, w.Tick(ctx))

	got, _ := pb.GetOrder(ctx, old.ID)
	assert.Equal(t, broker.StatusCancelled, got.Status)
	stops := liveStops(t, pb)
	require.Len(t, stops, 1)
	assert.True(t, stops[0].StopTrigger.Equal(d("9.50")))
}

func TestProfitWatchdog_NoReplacementWhenOldStopFilled(t *testing.T) {
	ctx := context.Background()
	pb := broker.NewPaperBroker()
	pb.AddPosition(broker.Position{Symbol: aaplCall, Quantity: 1, AverageOpenPrice: d("8"), MarkPrice: d("10")})
	positions, _ := pb.ListPositions(ctx)
	old, err := pb.SubmitOrder(ctx, broker.ClosingOrder(positions[0], broker.Stop, decimal.Zero, d("9.00")))
	require.NoError(t, err)
	w := newProfitWatchdog(fillingCancel{pb}, stopConfig())

	require.NoError(t, w.Tick(ctx))

	got, _ := pb.GetOrder(ctx, old.ID)
	assert.Equal(t, broker.StatusFilled, got.Status)
	assert.Equal(t, 1, pb.Calls(broker.OpSubmitOrder), "a filled stop must not be replaced")
	assert.Empty(t, liveStops(t, pb))
}

func TestProfitWatchdog_NoReplacementWhileCancelPending(t *testing.T) {
	ctx := context.Background()
	pb := broker.NewPaperBroker()
	pb.AddPosition(broker.Position{Symbol: aaplCall, Quantity: 1, AverageOpenPrice: d("8"), MarkPrice: d("10")})
	positions, _ := pb.ListPositions(ctx)
	old, err := pb.SubmitOrder(ctx, broker.ClosingOrder(positions[0], broker.Stop, decimal.Zero, d("9.00")))
	require.NoError(t, err)
	w := newProfitWatchdog(stuckCancel{pb}, stopConfig())

	require.NoError(t, w.Tick(ctx))

	assert.Equal(t, 3, pb.Calls(broker.OpGetOrder), "cancel is polled up to the attempt budget")
	assert.Equal(t, 1, pb.Calls(broker.OpSubmitOrder), "no second stop while the first may still work")
	stops := liveStops(t, pb)
	require.Len(t, stops, 1)
	assert.Equal(t, old.ID, stops[0].ID)
}

func TestProfitWatchdog_NeverLowersStop(t *testing.T) {
	ctx := context.Background()
	pb := broker.NewPaperBroker()
	pb.AddPosition(broker.Position{Symbol: aaplCall, Quantity: 1, AverageOpenPrice: d("8"), MarkPrice: d("9.30")})
	positions, _ := pb.ListPositions(ctx)
	old, err := pb.SubmitOrder(ctx, broker.ClosingOrder(positions[0], broker.Stop, decimal.Zero, d("9.00")))
	require.NoError(t, err)
	w := newProfitWatchdog(pb, stopConfig())

	require.NoError(t, w.Tick(ctx))

	stops := liveStops(t, pb)
	require.Len(t, stops, 1)
	assert.Equal(t, old.ID, stops[0].ID)
	assert.Equal(t, 1, pb.Calls(broker.OpSubmitOrder), "8.80 must not replace 9.00")
	assert.Zero(t, pb.Calls(broker.OpCancelOrder))
}

func TestProfitWatchdog_TriggerIsMonotonicAcrossTicks(t *testing.T) {
	ctx := context.Background()
	pb := broker.NewPaperBroker()
	pb.AddPosition(broker.Position{Symbol: aaplCall, Quantity: 1, AverageOpenPrice: d("8"), MarkPrice: d("10")})
	w := newProfitWatchdog(pb, stopConfig())

	last := decimal.Zero
	for _, mark := range []string{"10.00", "10.50", "10.20", "11.00", "10.90"} {
		pb.SetMark(aaplCall, d(mark))
		require.NoError(t, w.Tick(ctx))

		stops := liveStops(t, pb)
		require.Len(t, stops, 1, "mark %s", mark)
		assert.True(t, stops[0].StopTrigger.GreaterThanOrEqual(last), "mark %s lowered the stop", mark)
		last = stops[0].StopTrigger
	}
	assert.True(t, last.Equal(d("10.50")))
}

func TestProfitWatchdog_IgnoresStopsOnOtherContracts(t *testing.T) {
	ctx := context.Background()
	pb := broker.NewPaperBroker()
	pb.AddPosition(broker.Position{Symbol: aaplCall, Quantity: 1, AverageOpenPrice: d("8"), MarkPrice: d("10")})
	other := broker.Position{Symbol: "AAPL  210917C00160000", Ticker: "AAPL", Quantity: 1, Direction: broker.Long}
	_, err := pb.SubmitOrder(ctx, broker.ClosingOrder(other, broker.Stop, decimal.Zero, d("20")))
	require.NoError(t, err)
	w := newProfitWatchdog(pb, stopConfig())

	require.NoError(t, w.Tick(ctx))

	assert.Len(t, liveStops(t, pb), 2)
	assert.Zero(t, pb.Calls(broker.OpCancelOrder))
}

func TestProfitWatchdog_LimitExitAtMark(t *testing.T) {
	ctx := context.Background()
	pb := broker.NewPaperBroker()
	pb.AddPosition(broker.Position{Symbol: aaplCall, Quantity: 2, AverageOpenPrice: d("8"), MarkPrice: d("10")})
	positions, _ := pb.ListPositions(ctx)
	stop, _ := pb.SubmitOrder(ctx, broker.ClosingOrder(positions[0], broker.Stop, decimal.Zero, d("7")))
	cfg := stopConfig()
	cfg.UseStopMarketExit = false
	w := newProfitWatchdog(pb, cfg)

	require.NoError(t, w.Tick(ctx))

	got, _ := pb.GetOrder(ctx, stop.ID)
	assert.Equal(t, broker.StatusCancelled, got.Status)
	all := pb.Orders()
	exit := all[len(all)-1]
	assert.Equal(t, broker.Limit, exit.Type)
	assert.True(t, exit.Price.Equal(d("10")))
	assert.Equal(t, broker.StatusFilled, exit.Status)
	remaining, _ := pb.ListPositions(ctx)
	assert.Empty(t, remaining)
}

func TestProfitWatchdog_StopLossExitsAtMarket(t *testing.T) {
	ctx := context.Background()
	pb := broker.NewPaperBroker()
	pb.AddPosition(broker.Position{Symbol: aaplCall, Quantity: 1, AverageOpenPrice: d("10"), MarkPrice: d("7")})
	positions, _ := pb.ListPositions(ctx)
	sell, _ := pb.SubmitOrder(ctx, broker.ClosingOrder(positions[0], broker.Limit, d("12"), decimal.Zero))
	buy, _ := pb.SubmitOrder(ctx, broker.NewEntryOrder("AAPL", expiry, d("150"), broker.Call, 1, d("5"), ""))
	w := newProfitWatchdog(pb, stopConfig())

	require.NoError(t, w.Tick(ctx))

	got, _ := pb.GetOrder(ctx, sell.ID)
	assert.Equal(t, broker.StatusCancelled, got.Status)
	got, _ = pb.GetOrder(ctx, buy.ID)
	assert.Equal(t, broker.StatusLive, got.Status, "loss exit cancels sell orders only")
	all := pb.Orders()
	assert.Equal(t, broker.Market, all[len(all)-1].Type)
	remaining, _ := pb.ListPositions(ctx)
	assert.Empty(t, remaining)
}

func TestProfitWatchdog_HoldsBetweenThresholds(t *testing.T) {
	pb := broker.NewPaperBroker()
	pb.AddPosition(broker.Position{Symbol: aaplCall, Quantity: 1, AverageOpenPrice: d("10"), MarkPrice: d("10.40")})
	pb.AddPosition(broker.Position{Symbol: msftPut, Quantity: 1, AverageOpenPrice: d("10"), MarkPrice: d("8")})
	w := newProfitWatchdog(pb, stopConfig())

	require.NoError(t, w.Tick(context.Background()))
	assert.Zero(t, pb.Calls(broker.OpSubmitOrder))
	assert.Zero(t, pb.Calls(broker.OpCancelOrder))
}

func TestProfitWatchdog_DisabledDoesNothing(t *testing.T) {
	pb := broker.NewPaperBroker()
	w := newProfitWatchdog(pb, ProfitConfig{})

	require.NoError(t, w.Tick(context.Background()))
	assert.Zero(t, pb.TotalCalls())
}

func TestProfitWatchdog_FailureDoesNotStickAcrossTicks(t *testing.T) {
	ctx := context.Background()
	pb := broker.NewPaperBroker()
	pb.AddPosition(broker.Position{Symbol: aaplCall, Quantity: 1, AverageOpenPrice: d("8"), MarkPrice: d("10")})
	pb.Fail(broker.OpListPositions, 1, nil)
	w := newProfitWatchdog(pb, stopConfig())

	assert.ErrorIs(t, w.Tick(ctx), broker.ErrInjected)
	require.NoError(t, w.Tick(ctx))
	assert.Len(t, liveStops(t, pb), 1)
}

func TestProfitWatchdog_ContinuesPastFailingPosition(t *testing.T) {
	ctx := context.Background()
	pb := broker.NewPaperBroker()
	pb.AddPosition(broker.Position{Symbol: aaplCall, Quantity: 1, AverageOpenPrice: d("10"), MarkPrice: d("7")})
	pb.AddPosition(broker.Position{Symbol: msftPut, Quantity: 1, AverageOpenPrice: d("10"), MarkPrice: d("6")})
	pb.Fail(broker.OpSubmitOrder, 1, nil)
	w := newProfitWatchdog(pb, stopConfig())

	err := w.Tick(ctx)
	assert.ErrorIs(t, err, broker.ErrInjected)
	assert.ErrorContains(t, err, aaplCall)

	remaining, _ := pb.ListPositions(ctx)
	require.Len(t, remaining, 1)
	assert.Equal(t, aaplCall, remaining[0].Symbol)
}

func TestAlertWatchdog_ExitsTriggeredPosition(t *testing.T) {
	ctx := context.Background()
	pb := broker.NewPaperBroker()
	pb.AddPosition(broker.Position{Symbol: aaplCall, Quantity: 2, AverageOpenPrice: d("4.5"), MarkPrice: d("3.9")})
	positions, _ := pb.ListPositions(ctx)
	stop, _ := pb.SubmitOrder(ctx, broker.ClosingOrder(positions[0], broker.Stop, decimal.Zero, d("2")))
	_, _ = pb.SetAlert(ctx, broker.StopAlert("AAPL", broker.Call, d("144.5")))
	_, _ = pb.SetAlert(ctx, broker.StopAlert("MSFT", broker.Put, d("310")))
	pb.SetUnderlyingPrice("AAPL", d("144"))
	w := newAlertWatchdog(pb)

	require.NoError(t, w.Tick(ctx))

	got, _ := pb.GetOrder(ctx, stop.ID)
	assert.Equal(t, broker.StatusCancelled, got.Status)
	remaining, _ := pb.ListPositions(ctx)
	assert.Empty(t, remaining)

	alerts, _ := pb.GetAlerts(ctx)
	require.Len(t, alerts, 1)
	assert.Equal(t, "MSFT", alerts[0].Symbol)
}

func TestAlertWatchdog_RemovesStaleTrigger(t *testing.T) {
	ctx := context.Background()
	pb := broker.NewPaperBroker()
	_, _ = pb.SetAlert(ctx, broker.StopAlert("MSFT", broker.Put, d("310")))
	pb.SetUnderlyingPrice("MSFT", d("311"))
	w := newAlertWatchdog(pb)

	require.NoError(t, w.Tick(ctx))

	alerts, _ := pb.GetAlerts(ctx)
	assert.Empty(t, alerts)
	assert.Zero(t, pb.Calls(broker.OpSubmitOrder))
}

func TestAlertWatchdog_IgnoresUntriggered(t *testing.T) {
	ctx := context.Background()
	pb := broker.NewPaperBroker()
	pb.AddPosition(broker.Position{Symbol: aaplCall, Quantity: 2, AverageOpenPrice: d("4.5"), MarkPrice: d("3.9")})
	_, _ = pb.SetAlert(ctx, broker.StopAlert("AAPL", broker.Call, d("144.5")))
	pb.SetUnderlyingPrice("AAPL", d("144.5"))
	w := newAlertWatchdog(pb)

	require.NoError(t, w.Tick(ctx))
	assert.Zero(t, pb.Calls(broker.OpListPositions))
	alerts, _ := pb.GetAlerts(ctx)
	assert.Len(t, alerts, 1)
}

func TestAlertWatchdog_ExitFailureKeepsAlertForNextTick(t *testing.T) {
	ctx := context.Background()
	pb := broker.NewPaperBroker()
	pb.AddPosition(broker.Position{Symbol: aaplCall, Quantity: 2, AverageOpenPrice: d("4.5"), MarkPrice: d("3.9")})
	_, _ = pb.SetAlert(ctx, broker.StopAlert("AAPL", broker.Call, d("144.5")))
	pb.SetUnderlyingPrice("AAPL", d("140"))
	pb.Fail(broker.OpSubmitOrder, 1, nil)
	w := newAlertWatchdog(pb)

	assert.ErrorIs(t, w.Tick(ctx), broker.ErrInjected)
	alerts, _ := pb.GetAlerts(ctx)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Triggered)

	require.NoError(t, w.Tick(ctx))
	alerts, _ = pb.GetAlerts(ctx)
	assert.Empty(t, alerts)
	remaining, _ := pb.ListPositions(ctx)
	assert.Empty(t, remaining)
}

func TestAlertWatchdog_AlertReadFailure(t *testing.T) {
	pb := broker.NewPaperBroker()
	pb.Fail(broker.OpGetAlerts, -1, nil)
	w := newAlertWatchdog(pb)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, w.Tick(context.Background()), broker.ErrInjected)
	}
	assert.Equal(t, 3, pb.Calls(broker.OpGetAlerts))
}
