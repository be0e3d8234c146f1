package signal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/signal_pilot/internal/broker"
)

const (
	num    = `\d+(?:\.\d+)?|\.\d+`
	head   = `(?P<Ticker>[A-Z][A-Z.]{0,5})\s+(?P<Exp>\d{1,2}/\d{1,2})\s+\$?(?P<Strike>` + num + `)`
	optCls = `(?:\s*(?P<Type>CALL|PUT)S?\b)?`
)

// Patterns are the regular expressions recognizing each signal shape. They
// run against the upper-cased message and must expose named groups:
// Ticker, Exp (M/D) and Strike always; Type (CALL|PUT) for entries; Entry
// for entries; Mark, StockStop and OptionStop for entries and updates.
type Patterns struct {
	Entry      string `yaml:"entry"`
	Update     string `yaml:"update"`
	Deactivate string `yaml:"deactivate"`
}

// DefaultPatterns match messages such as
//
//	NEW ENTRY: AAPL 9/17 150 CALL ENTRY: 4.50 MARK: 4.60 STOCK STOP: 145 OPTION STOP: 3.00
//	UPDATE: AAPL 9/17 150 CALL MARK: 5.10 STOCK STOP: 147 OPTION STOP: 3.80
//	DEACTIVATE: AAPL 9/17 150 CALL
var DefaultPatterns = Patterns{
	Entry: `(?s)NEW ENTRY:\s*` + head + `\s*(?P<Type>CALL|PUT)S?\b` +
		`.*?\bENTRY:\s*\$?(?P<Entry>` + num + `)` +
		`.*?MARK:\s*\$?(?P<Mark>` + num + `)` +
		`.*?STOCK STOP:\s*\$?(?P<StockStop>` + num + `)` +
		`.*?OPTION STOP:\s*\$?(?P<OptionStop>` + num + `)`,
	Update: `(?s)UPDATE:\s*` + head + optCls +
		`.*?MARK:\s*\$?(?P<Mark>` + num + `)` +
		`.*?STOCK STOP:\s*\$?(?P<StockStop>` + num + `)` +
		`.*?OPTION STOP:\s*\$?(?P<OptionStop>` + num + `)`,
	Deactivate: `(?s)DEACTIVATE:\s*` + head + optCls,
}

var requiredGroups = map[Kind][]string{
	Entry:      {"Ticker", "Exp", "Strike", "Type", "Entry", "Mark", "StockStop", "OptionStop"},
	Update:     {"Ticker", "Exp", "Strike", "Mark", "StockStop", "OptionStop"},
	Deactivate: {"Ticker", "Exp", "Strike"},
}

// Parser recognizes Entry, Update and Deactivate messages.
type Parser struct {
	entry      *regexp.Regexp
	update     *regexp.Regexp
	deactivate *regexp.Regexp
	now        func() time.Time
}

// NewParser compiles patterns; empty fields fall back to DefaultPatterns.
func NewParser(p Patterns) (*Parser, error) {
	if p.Entry == "" {
		p.Entry = DefaultPatterns.Entry
	}
	if p.Update == "" {
		p.Update = DefaultPatterns.Update
	}
	if p.Deactivate == "" {
		p.Deactivate = DefaultPatterns.Deactivate
	}
	entry, err := compile(Entry, p.Entry)
	if err != nil {
		return nil, err
	}
	update, err := compile(Update, p.Update)
	if err != nil {
		return nil, err
	}
	deactivate, err := compile(Deactivate, p.Deactivate)
	if err != nil {
		return nil, err
	}
	return &Parser{entry: entry, update: update, deactivate: deactivate, now: time.Now}, nil
}

// MustParser is NewParser for patterns known to be valid.
func MustParser(p Patterns) *Parser {
	parser, err := NewParser(p)
	if err != nil {
		panic(err)
	}
	return parser
}

func compile(kind Kind, expr string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%s pattern: %w", kind, err)
	}
	for _, g := range requiredGroups[kind] {
		if re.SubexpIndex(g) < 0 {
			return nil, fmt.Errorf("%s pattern: missing named group %q", kind, g)
		}
	}
	return re, nil
}

// WithClock sets the clock used to resolve expiries.
func (p *Parser) WithClock(now func() time.Time) *Parser {
	p.now = now
	return p
}

// Parse returns the signal in text. Entry wins over Update, Update over
// Deactivate. Unrecognized or malformed text yields ok=false.
func (p *Parser) Parse(text string) (Signal, bool) {
	upper := strings.ToUpper(text)
	for _, try := range []struct {
		kind Kind
		re   *regexp.Regexp
	}{{Entry, p.entry}, {Update, p.update}, {Deactivate, p.deactivate}} {
		m := try.re.FindStringSubmatch(upper)
		if m == nil {
			continue
		}
		sig, err := p.build(try.kind, try.re, m)
		if err != nil {
			return Signal{}, false
		}
		sig.Raw = text
		return sig, true
	}
	return Signal{}, false
}

func (p *Parser) build(kind Kind, re *regexp.Regexp, m []string) (Signal, error) {
	group := func(name string) string {
		if i := re.SubexpIndex(name); i >= 0 && i < len(m) {
			return strings.TrimSpace(m[i])
		}
		return ""
	}
	price := func(name string) (decimal.Decimal, error) {
		v, err := decimal.NewFromString(group(name))
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w", name, err)
		}
		return v, nil
	}

	expiry, err := ResolveExpiry(group("Exp"), p.now())
	if err != nil {
		return Signal{}, err
	}
	strike, err := price("Strike")
	if err != nil {
		return Signal{}, err
	}
	c := Contract{Ticker: group("Ticker"), Expiry: expiry, Strike: strike}
	switch group("Type") {
	case "CALL":
		c.Class = broker.Call
	case "PUT":
		c.Class = broker.Put
	}

	if kind == Deactivate {
		return NewDeactivate(c), nil
	}
	var s Stops
	if s.Mark, err = price("Mark"); err != nil {
		return Signal{}, err
	}
	if s.StockStop, err = price("StockStop"); err != nil {
		return Signal{}, err
	}
	if s.OptionStop, err = price("OptionStop"); err != nil {
		return Signal{}, err
	}
	if kind == Update {
		return NewUpdate(c, s), nil
	}
	entry, err := price("Entry")
	if err != nil {
		return Signal{}, err
	}
	return NewEntry(c, entry, s), nil
}

// ResolveExpiry turns "M/D" into a date: this year if that date is not
// before today, otherwise next year.
func ResolveExpiry(md string, today time.Time) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(md), "/")
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("invalid expiry %q: want M/D", md)
	}
	month, err := strconv.Atoi(parts[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry month %q: %w", parts[0], err)
	}
	day, err := strconv.Atoi(parts[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry day %q: %w", parts[1], err)
	}

	loc := today.Location()
	midnight := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc)
	for _, year := range []int{today.Year(), today.Year() + 1} {
		candidate := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
		// time.Date normalizes 2/30 into March; reject instead.
		if candidate.Month() != time.Month(month) || candidate.Day() != day {
			continue
		}
		if !candidate.Before(midnight) {
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid expiry %q", md)
}
