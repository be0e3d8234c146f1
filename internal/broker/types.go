package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OptionClass is the right conveyed by an option contract.
type OptionClass string

const (
	// Call is a call option.
	Call OptionClass = "Call"
	// Put is a put option.
	Put OptionClass = "Put"
)

// OrderType is the execution style of an order.
type OrderType string

// Order types supported by the gateway.
const (
	Market    OrderType = "Market"
	Limit     OrderType = "Limit"
	Stop      OrderType = "Stop"
	StopLimit OrderType = "Stop Limit"
)

// PriceEffect tells whether an order pays (Debit) or receives (Credit) premium.
type PriceEffect string

const (
	// Debit orders buy premium (buy to open).
	Debit PriceEffect = "Debit"
	// Credit orders sell premium (sell to close).
	Credit PriceEffect = "Credit"
)

// OrderStatus is the broker-reported lifecycle state of an order.
type OrderStatus string

// Order statuses reported by the broker.
const (
	StatusReceived         OrderStatus = "Received"
	StatusRouted           OrderStatus = "Routed"
	StatusInFlight         OrderStatus = "In Flight"
	StatusLive             OrderStatus = "Live"
	StatusContingent       OrderStatus = "Contingent"
	StatusCancelRequested  OrderStatus = "Cancel Requested"
	StatusReplaceRequested OrderStatus = "Replace Requested"
	StatusCancelled        OrderStatus = "Cancelled"
	StatusFilled           OrderStatus = "Filled"
	StatusExpired          OrderStatus = "Expired"
	StatusRejected         OrderStatus = "Rejected"
	StatusRemoved          OrderStatus = "Removed"
	StatusPartiallyRemoved OrderStatus = "Partially Removed"
)

// IsTerminal reports whether the order can no longer change.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusCancelled, StatusFilled, StatusExpired, StatusRejected, StatusRemoved, StatusPartiallyRemoved:
		return true
	default:
		return false
	}
}

// Action is the leg instruction sent to the broker.
type Action string

// Leg actions.
const (
	BuyToOpen   Action = "Buy to Open"
	SellToOpen  Action = "Sell to Open"
	BuyToClose  Action = "Buy to Close"
	SellToClose Action = "Sell to Close"
)

// Direction is the side of an open position.
type Direction string

const (
	// Long positions were bought.
	Long Direction = "Long"
	// Short positions were sold.
	Short Direction = "Short"
)

// AlertOperator is the comparison a price alert applies to its threshold.
type AlertOperator string

const (
	// Below triggers when the price trades under the threshold.
	Below AlertOperator = "<"
	// Above triggers when the price trades over the threshold.
	Above AlertOperator = ">"
)

// InstrumentEquityOption is the instrument type of listed equity options.
const InstrumentEquityOption = "Equity Option"

// Leg is one instrument of a (possibly multi-leg) order.
type Leg struct {
	Symbol         string `json:"symbol"`
	InstrumentType string `json:"instrument_type"`
	Quantity       int    `json:"quantity"`
	Action         Action `json:"action"`
}

// Order is a read snapshot of a broker order.
type Order struct {
	ID          string          `json:"id"`
	Ticker      string          `json:"ticker"`
	Type        OrderType       `json:"type"`
	PriceEffect PriceEffect     `json:"price_effect"`
	Price       decimal.Decimal `json:"price"`
	StopTrigger decimal.Decimal `json:"stop_trigger"`
	Status      OrderStatus     `json:"status"`
	TimeInForce string          `json:"time_in_force"`
	Tag         string          `json:"tag,omitempty"`
	Legs        []Leg           `json:"legs"`
}

// IsStop reports whether the order waits on a stop trigger.
func (o Order) IsStop() bool {
	return o.Type == Stop || o.Type == StopLimit
}

// HasLimitPrice reports whether the order carries a positive limit price.
func (o Order) HasLimitPrice() bool {
	return (o.Type == Limit || o.Type == StopLimit) && o.Price.IsPositive()
}

// Quantity returns the contract count of the first leg.
func (o Order) Quantity() int {
	if len(o.Legs) == 0 {
		return 0
	}
	return o.Legs[0].Quantity
}

// OrderRequest describes an order to submit.
type OrderRequest struct {
	Ticker      string
	Type        OrderType
	PriceEffect PriceEffect
	Price       decimal.Decimal
	StopTrigger decimal.Decimal
	TimeInForce string
	Tag         string
	Legs        []Leg
}

// Validate checks the request is complete for its order type.
func (r OrderRequest) Validate() error {
	if r.Ticker == "" {
		return fmt.Errorf("order ticker is required")
	}
	if len(r.Legs) == 0 {
		return fmt.Errorf("order for %s has no legs", r.Ticker)
	}
	for i, leg := range r.Legs {
		if leg.Quantity <= 0 {
			return fmt.Errorf("invalid quantity for leg %d: %d (must be > 0)", i, leg.Quantity)
		}
		if leg.Symbol == "" {
			return fmt.Errorf("leg %d has no symbol", i)
		}
	}
	switch r.Type {
	case Market:
	case Limit:
		if !r.Price.IsPositive() {
			return fmt.Errorf("invalid limit price: %s (must be > 0)", r.Price)
		}
	case Stop:
		if !r.StopTrigger.IsPositive() {
			return fmt.Errorf("invalid stop trigger: %s (must be > 0)", r.StopTrigger)
		}
	case StopLimit:
		if !r.Price.IsPositive() || !r.StopTrigger.IsPositive() {
			return fmt.Errorf("stop limit needs positive price and trigger, got %s/%s", r.Price, r.StopTrigger)
		}
	default:
		return fmt.Errorf("unsupported order type %q", r.Type)
	}
	if r.PriceEffect != Debit && r.PriceEffect != Credit {
		return fmt.Errorf("unsupported price effect %q", r.PriceEffect)
	}
	return nil
}

// Position is a read snapshot of an open broker position.
type Position struct {
	Symbol           string          `json:"symbol"`
	Ticker           string          `json:"ticker"`
	Class            OptionClass     `json:"class"`
	Quantity         int             `json:"quantity"`
	Direction        Direction       `json:"direction"`
	AverageOpenPrice decimal.Decimal `json:"average_open_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	Multiplier       int             `json:"multiplier"`
}

// Alert is a broker-side price threshold watch on an underlying.
type Alert struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Field     string          `json:"field"`
	Operator  AlertOperator   `json:"operator"`
	Threshold decimal.Decimal `json:"threshold"`
	Triggered bool            `json:"triggered"`
}

// StopAlert builds the protective alert for a position of the given class.
// Calls lose value when the underlying falls, puts when it rises.
func StopAlert(ticker string, class OptionClass, threshold decimal.Decimal) Alert {
	op := Below
	if class == Put {
		op = Above
	}
	return Alert{
		Symbol:    strings.ToUpper(ticker),
		Field:     "Last",
		Operator:  op,
		Threshold: threshold,
	}
}

// NewEntryOrder builds a buy-to-open order for a single option contract.
// A zero or negative price yields a market order.
func NewEntryOrder(ticker string, expiry time.Time, strike decimal.Decimal, class OptionClass,
	quantity int, price decimal.Decimal, tag string) OrderRequest {
	req := OrderRequest{
		Ticker:      strings.ToUpper(ticker),
		Type:        Limit,
		PriceEffect: Debit,
		Price:       price,
		TimeInForce: "Day",
		Tag:         tag,
		Legs: []Leg{{
			Symbol:         FormatOCC(ticker, expiry, class, strike),
			InstrumentType: InstrumentEquityOption,
			Quantity:       quantity,
			Action:         BuyToOpen,
		}},
	}
	if !price.IsPositive() {
		req.Type = Market
		req.Price = decimal.Zero
	}
	return req
}

// ClosingOrder builds the order that flattens position p.
// price is used by limit types and trigger by stop types.
func ClosingOrder(p Position, typ OrderType, price, trigger decimal.Decimal) OrderRequest {
	action, effect := SellToClose, Credit
	if p.Direction == Short {
		action, effect = BuyToClose, Debit
	}
	req := OrderRequest{
		Ticker:      strings.ToUpper(p.Ticker),
		Type:        typ,
		PriceEffect: effect,
		TimeInForce: "Day",
		Legs: []Leg{{
			Symbol:         p.Symbol,
			InstrumentType: InstrumentEquityOption,
			Quantity:       p.Quantity,
			Action:         action,
		}},
	}
	switch typ {
	case Limit:
		req.Price = price
	case Stop:
		req.StopTrigger = trigger
	case StopLimit:
		req.Price = price
		req.StopTrigger = trigger
	}
	if typ == Stop || typ == StopLimit {
		req.TimeInForce = "GTC"
	}
	return req
}
