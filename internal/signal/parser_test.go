package signal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/signal_pilot/internal/broker"
)

func fixedClock(y int, m time.Month, d int) func() time.Time {
	return func() time.Time { return time.Date(y, m, d, 14, 30, 0, 0, time.UTC) }
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParse_Entry(t *testing.T) {
	p := MustParser(Patterns{}).WithClock(fixedClock(2021, time.September, 1))

	sig, ok := p.Parse("New Entry: aapl 9/17 150 Call Entry: 4.50 Mark: 4.60 Stock Stop: 145 Option Stop: 3.00")
	require.True(t, ok)
	assert.Equal(t, Entry, sig.Kind)
	assert.Equal(t, "AAPL", sig.Ticker)
	assert.Equal(t, time.Date(2021, time.September, 17, 0, 0, 0, 0, time.UTC), sig.Expiry)
	assert.True(t, sig.Strike.Equal(dec("150")))
	assert.Equal(t, broker.Call, sig.Class)
	assert.NotEmpty(t, sig.ID)

	entry, ok := sig.EntryPrice()
	require.True(t, ok)
	assert.True(t, entry.Equal(dec("4.50")))

	stops, ok := sig.Stops()
	require.True(t, ok)
	assert.True(t, stops.Mark.Equal(dec("4.60")))
	assert.True(t, stops.StockStop.Equal(dec("145")))
	assert.True(t, stops.OptionStop.Equal(dec("3.00")))
}

func TestParse_EntryMultilineWithDollarSigns(t *testing.T) {
	p := MustParser(Patterns{}).WithClock(fixedClock(2021, time.September, 1))
	text := "NEW ENTRY: TSLA 10/1 $700 PUTS\nENTRY: $.85\nMARK: $0.90\nSTOCK STOP: $712.5\nOPTION STOP: $.40"

	sig, ok := p.Parse(text)
	require.True(t, ok)
	assert.Equal(t, broker.Put, sig.Class)
	assert.Equal(t, text, sig.Raw)
	entry, _ := sig.EntryPrice()
	assert.True(t, entry.Equal(dec("0.85")))
	stops, _ := sig.Stops()
	assert.True(t, stops.StockStop.Equal(dec("712.5")))
	assert.True(t, stops.OptionStop.Equal(dec("0.40")))
}

func TestParse_Update(t *testing.T) {
	p := MustParser(Patterns{}).WithClock(fixedClock(2021, time.September, 1))

	sig, ok := p.Parse("UPDATE: AAPL 9/17 150 CALL MARK: 5.10 STOCK STOP: 147 OPTION STOP: 3.80")
	require.True(t, ok)
	assert.Equal(t, Update, sig.Kind)
	assert.Equal(t, broker.Call, sig.Class)
	_, hasEntry := sig.EntryPrice()
	assert.False(t, hasEntry)
	stops, ok := sig.Stops()
	require.True(t, ok)
	assert.True(t, stops.Mark.Equal(dec("5.10")))
	assert.True(t, stops.StockStop.Equal(dec("147")))

	noClass, ok := p.Parse("UPDATE: AAPL 9/17 150 MARK: 5.10 STOCK STOP: 147 OPTION STOP: 3.80")
	require.True(t, ok)
	assert.Equal(t, broker.OptionClass(""), noClass.Class)
}

func TestParse_Deactivate(t *testing.T) {
	p := MustParser(Patterns{}).WithClock(fixedClock(2021, time.September, 1))

	sig, ok := p.Parse("deactivate: AAPL 9/17 150 call")
	require.True(t, ok)
	assert.Equal(t, Deactivate, sig.Kind)
	assert.Equal(t, "AAPL", sig.Ticker)
	assert.Equal(t, broker.Call, sig.Class)
	_, ok = sig.Stops()
	assert.False(t, ok)
	_, ok = sig.EntryPrice()
	assert.False(t, ok)
}

func TestParse_Unrecognized(t *testing.T) {
	p := MustParser(Patterns{}).WithClock(fixedClock(2021, time.September, 1))

	tests := []struct {
		name string
		text string
	}{
		{"chatter", "good morning traders"},
		{"entry missing stops", "NEW ENTRY: AAPL 9/17 150 CALL ENTRY: 4.50"},
		{"invalid date", "DEACTIVATE: AAPL 2/30 150 CALL"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := p.Parse(tt.text)
			assert.False(t, ok)
		})
	}
}

func TestParse_EntryTakesPrecedence(t *testing.T) {
	p := MustParser(Patterns{}).WithClock(fixedClock(2021, time.September, 1))
	sig, ok := p.Parse("NEW ENTRY: AAPL 9/17 150 CALL ENTRY: 4.50 MARK: 4.60 STOCK STOP: 145 OPTION STOP: 3.00 " +
		"DEACTIVATE: MSFT 9/17 300 PUT")
	require.True(t, ok)
	assert.Equal(t, Entry, sig.Kind)
	assert.Equal(t, "AAPL", sig.Ticker)
}

func TestNewParser_CustomPatterns(t *testing.T) {
	_, err := NewParser(Patterns{Deactivate: `CLOSE (?P<Ticker>\w+)`})
	assert.ErrorContains(t, err, `missing named group "Exp"`)

	_, err = NewParser(Patterns{Entry: `(`})
	assert.Error(t, err)

	p, err := NewParser(Patterns{Deactivate: `CLOSE (?P<Ticker>[A-Z]+) (?P<Exp>\d+/\d+) (?P<Strike>\d+)`})
	require.NoError(t, err)
	p.WithClock(fixedClock(2021, time.September, 1))
	sig, ok := p.Parse("close spy 12/17 450")
	require.True(t, ok)
	assert.Equal(t, Deactivate, sig.Kind)
	assert.Equal(t, "SPY", sig.Ticker)
}

func TestResolveExpiry(t *testing.T) {
	today := time.Date(2021, time.September, 17, 15, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{"today stays this year", "9/17", time.Date(2021, 9, 17, 0, 0, 0, 0, time.UTC), false},
		{"later this year", "12/31", time.Date(2021, 12, 31, 0, 0, 0, 0, time.UTC), false},
		{"earlier rolls to next year", "9/16", time.Date(2022, 9, 16, 0, 0, 0, 0, time.UTC), false},
		{"january rolls", "1/21", time.Date(2022, 1, 21, 0, 0, 0, 0, time.UTC), false},
		{"impossible day", "2/30", time.Time{}, true},
		{"garbage", "sept", time.Time{}, true},
		{"non-numeric", "a/b", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveExpiry(tt.in, today)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveExpiry_LeapDay(t *testing.T) {
	got, err := ResolveExpiry("2/29", time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC), got)
}

func TestSignal_AsUpdate(t *testing.T) {
	c := Contract{Ticker: "aapl", Expiry: time.Date(2021, 9, 17, 0, 0, 0, 0, time.UTC), Strike: dec("150"), Class: broker.Call}
	entry := NewEntry(c, dec("4.50"), Stops{Mark: dec("4.6"), StockStop: dec("145"), OptionStop: dec("3")})

	up, ok := entry.AsUpdate()
	require.True(t, ok)
	assert.Equal(t, Update, up.Kind)
	assert.Equal(t, entry.ID, up.ID)
	assert.Equal(t, "AAPL", up.Ticker)
	stops, _ := up.Stops()
	assert.True(t, stops.StockStop.Equal(dec("145")))

	_, ok = NewDeactivate(c).AsUpdate()
	assert.False(t, ok)

	assert.Contains(t, entry.String(), "entry AAPL 2021-09-17 150 Call entry=4.5")
	assert.Equal(t, "kind(9)", Kind(9).String())
}
