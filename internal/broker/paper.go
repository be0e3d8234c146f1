package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInjected is the default failure returned by PaperBroker.Fail.
var ErrInjected = errors.New("paper broker: injected failure")

// Operation names accepted by PaperBroker.Fail and PaperBroker.Calls.
const (
	OpSubmitOrder    = "SubmitOrder"
	OpCancelOrder    = "CancelOrder"
	OpGetOrder       = "GetOrder"
	OpListLiveOrders = "ListLiveOrders"
	OpListPositions  = "ListPositions"
	OpGetAlerts      = "GetAlerts"
	OpSetAlert       = "SetAlert"
	OpDeleteAlert    = "DeleteAlert"
)

// PaperBroker is an in-memory Gateway. It simulates fills from the latest
// marks it has been given and never touches a real venue. Paper mode and the
// engine tests both run against it.
//
// Fill rules: market orders fill at the option mark; debit limits fill when
// limit >= mark; credit limits fill when limit <= mark; credit stops fill
// once SetMark moves the mark to or below the trigger. Cancels answer
// StatusCancelRequested and settle to StatusCancelled on the next GetOrder.
type PaperBroker struct {
	mu sync.Mutex

	nextID    int
	orders    map[string]*Order
	orderSeq  []string
	positions map[string]*Position
	marks     map[string]decimal.Decimal
	alerts    []Alert

	failures map[string]failure
	calls    map[string]int

	// InstantCancel skips the intermediate StatusCancelRequested.
	InstantCancel bool
}

type failure struct {
	err       error
	remaining int // <0 fails forever
}

// NewPaperBroker returns an empty paper account.
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		nextID:    1000,
		orders:    make(map[string]*Order),
		positions: make(map[string]*Position),
		marks:     make(map[string]decimal.Decimal),
		failures:  make(map[string]failure),
		calls:     make(map[string]int),
	}
}

// Fail makes the next n calls of op return err (ErrInjected if nil).
// n < 0 fails every call until Recover.
func (p *PaperBroker) Fail(op string, n int, err error) {
	if n == 0 {
		return
	}
	if err == nil {
		err = ErrInjected
	}
	p.mu.Lock()
	p.failures[op] = failure{err: err, remaining: n}
	p.mu.Unlock()
}

// Recover clears injected failures for op.
func (p *PaperBroker) Recover(op string) {
	p.mu.Lock()
	delete(p.failures, op)
	p.mu.Unlock()
}

// Calls returns how many times op has been invoked.
func (p *PaperBroker) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// TotalCalls returns the number of gateway calls made so far.
func (p *PaperBroker) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

// enter records a call and returns any injected failure. Callers hold p.mu.
func (p *PaperBroker) enter(op string) error {
	p.calls[op]++
	f, ok := p.failures[op]
	if !ok {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(p.failures, op)
		} else {
			p.failures[op] = f
		}
	}
	return f.err
}

// AddPosition seeds an open position, e.g. one opened outside the bot.
func (p *PaperBroker) AddPosition(pos Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos.Multiplier == 0 {
		pos.Multiplier = 100
	}
	if pos.Direction == "" {
		pos.Direction = Long
	}
	if pos.Ticker == "" {
		pos.Ticker = UnderlyingFromOCC(pos.Symbol)
	}
	if pos.Class == "" {
		pos.Class, _ = ClassFromOCC(pos.Symbol)
	}
	pos.Ticker = strings.ToUpper(pos.Ticker)
	if pos.MarkPrice.IsZero() {
		if m, ok := p.marks[pos.Symbol]; ok {
			pos.MarkPrice = m
		}
	} else {
		p.marks[pos.Symbol] = pos.MarkPrice
	}
	cp := pos
	p.positions[pos.Symbol] = &cp
}

// SetMark moves the option mark for symbol and fills any order it crosses.
func (p *PaperBroker) SetMark(symbol string, mark decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = mark
	if pos, ok := p.positions[symbol]; ok {
		pos.MarkPrice = mark
	}
	for _, id := range p.orderSeq {
		o := p.orders[id]
		if o.Status.IsTerminal() || len(o.Legs) == 0 || o.Legs[0].Symbol != symbol {
			continue
		}
		p.tryFill(o)
	}
}

// SetUnderlyingPrice trades the underlying at price and triggers the alerts it crosses.
func (p *PaperBroker) SetUnderlyingPrice(ticker string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.alerts {
		a := &p.alerts[i]
		if !strings.EqualFold(a.Symbol, ticker) {
			continue
		}
		switch a.Operator {
		case Below:
			a.Triggered = a.Triggered || price.LessThan(a.Threshold)
		case Above:
			a.Triggered = a.Triggered || price.GreaterThan(a.Threshold)
		}
	}
}

// Orders returns every order ever submitted, terminal ones included.
func (p *PaperBroker) Orders() []Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Order, 0, len(p.orderSeq))
	for _, id := range p.orderSeq {
		out = append(out, copyOrder(p.orders[id]))
	}
	return out
}

// SetOrderStatus forces an order into status, simulating an external change.
func (p *PaperBroker) SetOrderStatus(id string, status OrderStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[id]; ok {
		o.Status = status
	}
}

// SubmitOrder places an order and applies any immediate fill.
func (p *PaperBroker) SubmitOrder(_ context.Context, req OrderRequest) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpSubmitOrder); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p.nextID++
	id := strconv.Itoa(p.nextID)
	o := &Order{
		ID:          id,
		Ticker:      strings.ToUpper(req.Ticker),
		Type:        req.Type,
		PriceEffect: req.PriceEffect,
		Price:       req.Price,
		StopTrigger: req.StopTrigger,
		Status:      StatusLive,
		TimeInForce: req.TimeInForce,
		Tag:         req.Tag,
		Legs:        append([]Leg(nil), req.Legs...),
	}
	if o.Tag == "" {
		o.Tag = uuid.NewString()
	}
	p.orders[id] = o
	p.orderSeq = append(p.orderSeq, id)
	p.tryFill(o)
	out := copyOrder(o)
	return &out, nil
}

// tryFill fills o if the current mark allows it. Without a mark nothing
// fills, market orders included. Callers hold p.mu.
func (p *PaperBroker) tryFill(o *Order) {
	leg := o.Legs[0]
	mark, known := p.marks[leg.Symbol]
	switch o.Type {
	case Market:
		if !known {
			return
		}
		p.fill(o, mark)
	case Limit:
		if !known {
			return
		}
		if (o.PriceEffect == Debit && o.Price.GreaterThanOrEqual(mark)) ||
			(o.PriceEffect == Credit && o.Price.LessThanOrEqual(mark)) {
			p.fill(o, mark)
		}
	case Stop, StopLimit:
		if !known {
			return
		}
		if (o.PriceEffect == Credit && mark.LessThanOrEqual(o.StopTrigger)) ||
			(o.PriceEffect == Debit && mark.GreaterThanOrEqual(o.StopTrigger)) {
			p.fill(o, mark)
		}
	}
}

// fill applies o to the positions book at price. Callers hold p.mu.
func (p *PaperBroker) fill(o *Order, price decimal.Decimal) {
	o.Status = StatusFilled
	for _, leg := range o.Legs {
		pos, ok := p.positions[leg.Symbol]
		switch leg.Action {
		case BuyToOpen, SellToOpen:
			dir := Long
			if leg.Action == SellToOpen {
				dir = Short
			}
			if !ok {
				class, _ := ClassFromOCC(leg.Symbol)
				p.positions[leg.Symbol] = &Position{
					Symbol:           leg.Symbol,
					Ticker:           o.Ticker,
					Class:            class,
					Quantity:         leg.Quantity,
					Direction:        dir,
					AverageOpenPrice: price,
					MarkPrice:        price,
					Multiplier:       100,
				}
				continue
			}
			total := pos.AverageOpenPrice.Mul(decimal.NewFromInt(int64(pos.Quantity))).
				Add(price.Mul(decimal.NewFromInt(int64(leg.Quantity))))
			pos.Quantity += leg.Quantity
			pos.AverageOpenPrice = total.Div(decimal.NewFromInt(int64(pos.Quantity)))
		case SellToClose, BuyToClose:
			if !ok {
				continue
			}
			pos.Quantity -= leg.Quantity
			if pos.Quantity <= 0 {
				delete(p.positions, leg.Symbol)
			}
		}
	}
}

// CancelOrder requests cancellation of a working order.
func (p *PaperBroker) CancelOrder(_ context.Context, orderID string) (OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpCancelOrder); err != nil {
		return "", err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return "", fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
	}
	if o.Status.IsTerminal() {
		return o.Status, nil
	}
	if p.InstantCancel {
		o.Status = StatusCancelled
	} else {
		o.Status = StatusCancelRequested
	}
	return o.Status, nil
}

// GetOrder returns an order snapshot; pending cancels settle here.
func (p *PaperBroker) GetOrder(_ context.Context, orderID string) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpGetOrder); err != nil {
		return nil, err
	}
	o, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
	}
	if o.Status == StatusCancelRequested {
		o.Status = StatusCancelled
	}
	out := copyOrder(o)
	return &out, nil
}

// ListLiveOrders returns working orders in submission order.
func (p *PaperBroker) ListLiveOrders(_ context.Context) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpListLiveOrders); err != nil {
		return nil, err
	}
	var out []Order
	for _, id := range p.orderSeq {
		o := p.orders[id]
		if o.Status.IsTerminal() {
			continue
		}
		out = append(out, copyOrder(o))
	}
	return out, nil
}

// ListPositions returns open positions sorted by symbol.
func (p *PaperBroker) ListPositions(_ context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpListPositions); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetAlerts returns all alerts.
func (p *PaperBroker) GetAlerts(_ context.Context) ([]Alert, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpGetAlerts); err != nil {
		return nil, err
	}
	return append([]Alert(nil), p.alerts...), nil
}

// SetAlert stores an alert under a fresh id.
func (p *PaperBroker) SetAlert(_ context.Context, alert Alert) (*Alert, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpSetAlert); err != nil {
		return nil, err
	}
	alert.ID = uuid.NewString()
	alert.Symbol = strings.ToUpper(alert.Symbol)
	alert.Triggered = false
	p.alerts = append(p.alerts, alert)
	out := alert
	return &out, nil
}

// DeleteAlert removes an alert by id.
func (p *PaperBroker) DeleteAlert(_ context.Context, alert Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpDeleteAlert); err != nil {
		return err
	}
	for i := range p.alerts {
		if p.alerts[i].ID == alert.ID {
			p.alerts = append(p.alerts[:i], p.alerts[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("alert %s not found", alert.ID)
}

func copyOrder(o *Order) Order {
	out := *o
	out.Legs = append([]Leg(nil), o.Legs...)
	return out
}
