package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Gateway is the engine's only view of the trading venue. Every call may
// fail; callers treat an error as "state unknown" and re-read later.
type Gateway interface {
	// Orders
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) (OrderStatus, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	ListLiveOrders(ctx context.Context) ([]Order, error)

	// Positions
	ListPositions(ctx context.Context) ([]Position, error)

	// Price alerts
	GetAlerts(ctx context.Context) ([]Alert, error)
	SetAlert(ctx context.Context, alert Alert) (*Alert, error)
	DeleteAlert(ctx context.Context, alert Alert) error
}

// ErrOrderNotFound is returned when the broker has no order with the given id.
var ErrOrderNotFound = errors.New("order not found")

// Ensure the wrappers implement Gateway at compile time.
var (
	_ Gateway = (*CircuitBreakerGateway)(nil)
	_ Gateway = (*TastyAPI)(nil)
	_ Gateway = (*PaperBroker)(nil)
)

// CircuitBreakerGateway wraps a Gateway with circuit breaker functionality
type CircuitBreakerGateway struct {
	gateway Gateway
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips at 60% failures over at least 5 calls.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerGateway creates a CircuitBreakerGateway with default settings
func NewCircuitBreakerGateway(gw Gateway, logger logrus.FieldLogger) *CircuitBreakerGateway {
	return NewCircuitBreakerGatewayWithSettings(gw, DefaultCircuitBreakerSettings, logger)
}

// NewCircuitBreakerGatewayWithSettings creates a CircuitBreakerGateway with custom settings
func NewCircuitBreakerGatewayWithSettings(gw Gateway, settings CircuitBreakerSettings,
	logger logrus.FieldLogger) *CircuitBreakerGateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("Circuit breaker state changed")
		},
	}
	return &CircuitBreakerGateway{
		gateway: gw,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State exposes the breaker state for status reporting.
func (c *CircuitBreakerGateway) State() gobreaker.State {
	return c.breaker.State()
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](breaker *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// SubmitOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return execCircuitBreaker(c.breaker, func() (*Order, error) { return c.gateway.SubmitOrder(ctx, req) })
}

// CancelOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) CancelOrder(ctx context.Context, orderID string) (OrderStatus, error) {
	return execCircuitBreaker(c.breaker, func() (OrderStatus, error) { return c.gateway.CancelOrder(ctx, orderID) })
}

// GetOrder wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return execCircuitBreaker(c.breaker, func() (*Order, error) { return c.gateway.GetOrder(ctx, orderID) })
}

// ListLiveOrders wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) ListLiveOrders(ctx context.Context) ([]Order, error) {
	return execCircuitBreaker(c.breaker, func() ([]Order, error) { return c.gateway.ListLiveOrders(ctx) })
}

// ListPositions wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) ListPositions(ctx context.Context) ([]Position, error) {
	return execCircuitBreaker(c.breaker, func() ([]Position, error) { return c.gateway.ListPositions(ctx) })
}

// GetAlerts wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) GetAlerts(ctx context.Context) ([]Alert, error) {
	return execCircuitBreaker(c.breaker, func() ([]Alert, error) { return c.gateway.GetAlerts(ctx) })
}

// SetAlert wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) SetAlert(ctx context.Context, alert Alert) (*Alert, error) {
	return execCircuitBreaker(c.breaker, func() (*Alert, error) { return c.gateway.SetAlert(ctx, alert) })
}

// DeleteAlert wraps the underlying gateway call with circuit breaker
func (c *CircuitBreakerGateway) DeleteAlert(ctx context.Context, alert Alert) error {
	_, err := execCircuitBreaker(c.breaker, func() (struct{}, error) {
		return struct{}{}, c.gateway.DeleteAlert(ctx, alert)
	})
	return err
}
