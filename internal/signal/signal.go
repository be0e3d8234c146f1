// Package signal holds the typed trade signal consumed by the reconciler and
// the parser that turns chat text into one.
package signal

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/signal_pilot/internal/broker"
)

// Kind identifies the instruction a signal carries.
type Kind int

const (
	// Entry opens a new position.
	Entry Kind = iota + 1
	// Update moves the protective stops of a position or stale entry.
	Update
	// Deactivate closes out a position or cleans up after one.
	Deactivate
)

func (k Kind) String() string {
	switch k {
	case Entry:
		return "entry"
	case Update:
		return "update"
	case Deactivate:
		return "deactivate"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Signal is an immutable, parsed trade instruction. Build one with NewEntry,
// NewUpdate or NewDeactivate; price fields a kind does not carry report
// ok=false from their accessors.
type Signal struct {
	ID     string
	Kind   Kind
	Ticker string
	Expiry time.Time
	Strike decimal.Decimal
	// Class is empty when an Update or Deactivate omitted it.
	Class broker.OptionClass
	Raw   string

	entry      decimal.Decimal
	mark       decimal.Decimal
	stockStop  decimal.Decimal
	optionStop decimal.Decimal
}

// Contract identifies the option a signal refers to.
type Contract struct {
	Ticker string
	Expiry time.Time
	Strike decimal.Decimal
	Class  broker.OptionClass
}

// Stops are the protective levels published with Entry and Update signals.
type Stops struct {
	Mark       decimal.Decimal
	StockStop  decimal.Decimal
	OptionStop decimal.Decimal
}

func newSignal(kind Kind, c Contract) Signal {
	return Signal{
		ID:     uuid.NewString(),
		Kind:   kind,
		Ticker: strings.ToUpper(strings.TrimSpace(c.Ticker)),
		Expiry: c.Expiry,
		Strike: c.Strike,
		Class:  c.Class,
	}
}

// NewEntry builds an Entry signal.
func NewEntry(c Contract, entry decimal.Decimal, s Stops) Signal {
	sig := newSignal(Entry, c)
	sig.entry = entry
	sig.mark, sig.stockStop, sig.optionStop = s.Mark, s.StockStop, s.OptionStop
	return sig
}

// NewUpdate builds an Update signal.
func NewUpdate(c Contract, s Stops) Signal {
	sig := newSignal(Update, c)
	sig.mark, sig.stockStop, sig.optionStop = s.Mark, s.StockStop, s.OptionStop
	return sig
}

// NewDeactivate builds a Deactivate signal.
func NewDeactivate(c Contract) Signal {
	return newSignal(Deactivate, c)
}

// Contract returns the option the signal refers to.
func (s Signal) Contract() Contract {
	return Contract{Ticker: s.Ticker, Expiry: s.Expiry, Strike: s.Strike, Class: s.Class}
}

// EntryPrice is the published entry price; Entry signals only.
func (s Signal) EntryPrice() (decimal.Decimal, bool) {
	return s.entry, s.Kind == Entry
}

// Stops returns the mark and stop levels; Entry and Update signals only.
func (s Signal) Stops() (Stops, bool) {
	if s.Kind != Entry && s.Kind != Update {
		return Stops{}, false
	}
	return Stops{Mark: s.mark, StockStop: s.stockStop, OptionStop: s.optionStop}, true
}

// AsUpdate re-expresses an Entry as the Update that places its initial
// protective alert. The correlation id is kept.
func (s Signal) AsUpdate() (Signal, bool) {
	stops, ok := s.Stops()
	if !ok {
		return Signal{}, false
	}
	up := NewUpdate(s.Contract(), stops)
	up.ID = s.ID
	up.Raw = s.Raw
	return up, true
}

func (s Signal) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %s", s.Kind, s.Ticker, s.Expiry.Format("2006-01-02"), s.Strike)
	if s.Class != "" {
		fmt.Fprintf(&b, " %s", s.Class)
	}
	if e, ok := s.EntryPrice(); ok {
		fmt.Fprintf(&b, " entry=%s", e)
	}
	if st, ok := s.Stops(); ok {
		fmt.Fprintf(&b, " mark=%s stock_stop=%s option_stop=%s", st.Mark, st.StockStop, st.OptionStop)
	}
	return b.String()
}
