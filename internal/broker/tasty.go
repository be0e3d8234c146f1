// Package broker provides the gateway to the trading venue used by the
// signal engine: the Gateway interface and its value types, a REST client
// for a tastytrade-style brokerage API, an in-memory paper broker and a
// circuit breaker wrapper.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrNoSession is returned when a request is made before Login succeeded.
var ErrNoSession = errors.New("no broker session: call Login first")

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// TastyConfig holds connection settings for TastyAPI.
type TastyConfig struct {
	BaseURL       string
	Username      string
	Password      string
	AccountNumber string
	Sandbox       bool
	Timeout       time.Duration
}

// TastyAPI is a REST client for a tastytrade-style brokerage API. The
// session token and account are bound once at construction/login and the
// handle is passed to every component that needs the broker.
type TastyAPI struct {
	client        *http.Client
	baseURL       string
	username      string
	password      string
	accountNumber string
	sandbox       bool
	logger        logrus.FieldLogger

	mu           sync.RWMutex
	sessionToken string
}

// NewTastyAPI creates a new TastyAPI client with default settings.
func NewTastyAPI(cfg TastyConfig, logger logrus.FieldLogger) *TastyAPI {
	return NewTastyAPIWithClient(cfg, nil, logger)
}

// NewTastyAPIWithClient creates a new TastyAPI client with a custom HTTP client.
func NewTastyAPIWithClient(cfg TastyConfig, client *http.Client, logger logrus.FieldLogger) *TastyAPI {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Sandbox {
			baseURL = "https://api.cert.tastyworks.com"
		} else {
			baseURL = "https://api.tastyworks.com"
		}
	}
	// Normalize once
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &TastyAPI{
		client:        client,
		baseURL:       baseURL,
		username:      cfg.Username,
		password:      cfg.Password,
		accountNumber: cfg.AccountNumber,
		sandbox:       cfg.Sandbox,
		logger:        logger,
	}
}

// WithSessionToken installs an existing session token, skipping Login.
func (t *TastyAPI) WithSessionToken(token string) *TastyAPI {
	t.mu.Lock()
	t.sessionToken = token
	t.mu.Unlock()
	return t
}

// AccountNumber returns the account every request is scoped to.
func (t *TastyAPI) AccountNumber() string {
	return t.accountNumber
}

// ============ API Wire Structures ============

type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

type itemsEnvelope[T any] struct {
	Data struct {
		Items []T `json:"items"`
	} `json:"data"`
}

// flexInt accepts both 3 and "3".
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", s, err)
	}
	*f = flexInt(d.IntPart())
	return nil
}

type sessionRequest struct {
	Login      string `json:"login"`
	Password   string `json:"password"`
	RememberMe bool   `json:"remember-me"`
}

type sessionResponse struct {
	SessionToken string `json:"session-token"`
}

type apiLeg struct {
	InstrumentType string  `json:"instrument-type"`
	Symbol         string  `json:"symbol"`
	Quantity       flexInt `json:"quantity"`
	Action         string  `json:"action"`
}

type apiOrder struct {
	ID               int64            `json:"id,omitempty"`
	UnderlyingSymbol string           `json:"underlying-symbol,omitempty"`
	OrderType        string           `json:"order-type"`
	TimeInForce      string           `json:"time-in-force"`
	Price            *decimal.Decimal `json:"price,omitempty"`
	PriceEffect      string           `json:"price-effect,omitempty"`
	StopTrigger      *decimal.Decimal `json:"stop-trigger,omitempty"`
	Status           string           `json:"status,omitempty"`
	Source           string           `json:"source,omitempty"`
	Legs             []apiLeg         `json:"legs"`
}

type apiOrderPlacement struct {
	Order apiOrder `json:"order"`
}

type apiPosition struct {
	Symbol            string          `json:"symbol"`
	InstrumentType    string          `json:"instrument-type"`
	UnderlyingSymbol  string          `json:"underlying-symbol"`
	Quantity          flexInt         `json:"quantity"`
	QuantityDirection string          `json:"quantity-direction"`
	AverageOpenPrice  decimal.Decimal `json:"average-open-price"`
	MarkPrice         decimal.Decimal `json:"mark-price"`
	Multiplier        flexInt         `json:"multiplier"`
}

type apiAlert struct {
	AlertExternalID string          `json:"alert-external-id,omitempty"`
	Symbol          string          `json:"symbol"`
	Field           string          `json:"field"`
	Operator        string          `json:"operator"`
	Threshold       decimal.Decimal `json:"threshold"`
	TriggeredAt     string          `json:"triggered-at,omitempty"`
}

func (o apiOrder) toOrder() Order {
	out := Order{
		ID:          strconv.FormatInt(o.ID, 10),
		Ticker:      strings.ToUpper(o.UnderlyingSymbol),
		Type:        OrderType(o.OrderType),
		PriceEffect: PriceEffect(o.PriceEffect),
		Status:      OrderStatus(o.Status),
		TimeInForce: o.TimeInForce,
		Tag:         o.Source,
	}
	if o.Price != nil {
		out.Price = *o.Price
	}
	if o.StopTrigger != nil {
		out.StopTrigger = *o.StopTrigger
	}
	for _, l := range o.Legs {
		out.Legs = append(out.Legs, Leg{
			Symbol:         l.Symbol,
			InstrumentType: l.InstrumentType,
			Quantity:       int(l.Quantity),
			Action:         Action(l.Action),
		})
	}
	if out.Ticker == "" && len(out.Legs) > 0 {
		out.Ticker = UnderlyingFromOCC(out.Legs[0].Symbol)
	}
	if out.PriceEffect == "" && len(out.Legs) > 0 {
		out.PriceEffect = effectFromAction(out.Legs[0].Action)
	}
	return out
}

// effectFromAction infers the price effect of market-style orders, which the
// API may report without one.
func effectFromAction(a Action) PriceEffect {
	if a == BuyToOpen || a == BuyToClose {
		return Debit
	}
	return Credit
}

func fromOrderRequest(req OrderRequest) apiOrder {
	o := apiOrder{
		UnderlyingSymbol: req.Ticker,
		OrderType:        string(req.Type),
		TimeInForce:      req.TimeInForce,
		PriceEffect:      string(req.PriceEffect),
		Source:           req.Tag,
	}
	if req.Type == Limit || req.Type == StopLimit {
		p := req.Price.Round(2)
		o.Price = &p
	}
	if req.Type == Stop || req.Type == StopLimit {
		st := req.StopTrigger.Round(2)
		o.StopTrigger = &st
	}
	for _, l := range req.Legs {
		o.Legs = append(o.Legs, apiLeg{
			InstrumentType: l.InstrumentType,
			Symbol:         l.Symbol,
			Quantity:       flexInt(l.Quantity),
			Action:         string(l.Action),
		})
	}
	return o
}

func (p apiPosition) toPosition() Position {
	pos := Position{
		Symbol:           p.Symbol,
		Ticker:           strings.ToUpper(p.UnderlyingSymbol),
		Quantity:         int(p.Quantity),
		Direction:        Direction(p.QuantityDirection),
		AverageOpenPrice: p.AverageOpenPrice,
		MarkPrice:        p.MarkPrice,
		Multiplier:       int(p.Multiplier),
	}
	if class, ok := ClassFromOCC(p.Symbol); ok {
		pos.Class = class
	}
	if pos.Ticker == "" {
		pos.Ticker = UnderlyingFromOCC(p.Symbol)
	}
	if pos.Multiplier == 0 {
		pos.Multiplier = 100
	}
	if pos.Direction == "" {
		pos.Direction = Long
	}
	return pos
}

func (a apiAlert) toAlert() Alert {
	return Alert{
		ID:        a.AlertExternalID,
		Symbol:    strings.ToUpper(a.Symbol),
		Field:     a.Field,
		Operator:  AlertOperator(a.Operator),
		Threshold: a.Threshold,
		Triggered: a.TriggeredAt != "",
	}
}

// ============ API Methods ============

// Login opens a session and stores its token for subsequent requests.
func (t *TastyAPI) Login(ctx context.Context) error {
	body := sessionRequest{Login: t.username, Password: t.password, RememberMe: true}
	var resp dataEnvelope[sessionResponse]
	if err := t.makeRequestCtx(ctx, http.MethodPost, t.baseURL+"/sessions", body, &resp, false); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	if resp.Data.SessionToken == "" {
		return fmt.Errorf("creating session: empty session token")
	}
	t.mu.Lock()
	t.sessionToken = resp.Data.SessionToken
	t.mu.Unlock()
	return nil
}

// SubmitOrder places an order and returns the broker's view of it.
func (t *TastyAPI) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, url.PathEscape(t.accountNumber))

	var response dataEnvelope[apiOrderPlacement]
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, fromOrderRequest(req), &response, true); err != nil {
		return nil, err
	}
	order := response.Data.Order.toOrder()
	return &order, nil
}

// CancelOrder requests cancellation and returns the status the broker reports
// immediately, which may be StatusCancelRequested.
func (t *TastyAPI) CancelOrder(ctx context.Context, orderID string) (OrderStatus, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL,
		url.PathEscape(t.accountNumber), url.PathEscape(orderID))

	var response dataEnvelope[apiOrder]
	if err := t.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, &response, true); err != nil {
		return "", err
	}
	return OrderStatus(response.Data.Status), nil
}

// GetOrder retrieves an order by id.
func (t *TastyAPI) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL,
		url.PathEscape(t.accountNumber), url.PathEscape(orderID))

	var response dataEnvelope[apiOrder]
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response, true); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
		}
		return nil, err
	}
	order := response.Data.toOrder()
	return &order, nil
}

// ListLiveOrders returns the account's orders that are still working.
// The endpoint also reports orders finished today; those are filtered out.
func (t *TastyAPI) ListLiveOrders(ctx context.Context) ([]Order, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/live", t.baseURL, url.PathEscape(t.accountNumber))

	var response itemsEnvelope[apiOrder]
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response, true); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(response.Data.Items))
	for _, o := range response.Data.Items {
		order := o.toOrder()
		if order.Status.IsTerminal() {
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// ListPositions retrieves current positions from the account.
func (t *TastyAPI) ListPositions(ctx context.Context) ([]Position, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, url.PathEscape(t.accountNumber))

	var response itemsEnvelope[apiPosition]
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response, true); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(response.Data.Items))
	for _, p := range response.Data.Items {
		if int(p.Quantity) == 0 {
			continue
		}
		positions = append(positions, p.toPosition())
	}
	return positions, nil
}

// GetAlerts lists the user's quote alerts.
func (t *TastyAPI) GetAlerts(ctx context.Context) ([]Alert, error) {
	var response itemsEnvelope[apiAlert]
	if err := t.makeRequestCtx(ctx, http.MethodGet, t.baseURL+"/quote-alerts", nil, &response, true); err != nil {
		return nil, err
	}
	alerts := make([]Alert, 0, len(response.Data.Items))
	for _, a := range response.Data.Items {
		alerts = append(alerts, a.toAlert())
	}
	return alerts, nil
}

// SetAlert creates a quote alert.
func (t *TastyAPI) SetAlert(ctx context.Context, alert Alert) (*Alert, error) {
	body := apiAlert{
		Symbol:    alert.Symbol,
		Field:     alert.Field,
		Operator:  string(alert.Operator),
		Threshold: alert.Threshold.Round(2),
	}
	if body.Field == "" {
		body.Field = "Last"
	}
	var response dataEnvelope[apiAlert]
	if err := t.makeRequestCtx(ctx, http.MethodPost, t.baseURL+"/quote-alerts", body, &response, true); err != nil {
		return nil, err
	}
	created := response.Data.toAlert()
	return &created, nil
}

// DeleteAlert removes a quote alert by its external id.
func (t *TastyAPI) DeleteAlert(ctx context.Context, alert Alert) error {
	if alert.ID == "" {
		return fmt.Errorf("alert for %s has no id", alert.Symbol)
	}
	endpoint := fmt.Sprintf("%s/quote-alerts/%s", t.baseURL, url.PathEscape(alert.ID))
	return t.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, nil, true)
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (t *TastyAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	body interface{}, response interface{}, authenticated bool) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "signal-pilot/1.0")

	if authenticated {
		t.mu.RLock()
		token := t.sessionToken
		t.mu.RUnlock()
		if token == "" {
			return ErrNoSession
		}
		req.Header.Add("Authorization", token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			// Log error but don't fail the operation
			t.logger.WithError(err).Debug("Failed to close response body")
		}
	}()

	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" && t.sandbox {
		t.logger.WithField("remaining", remaining).Debug("Rate limit remaining")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return fmt.Errorf("decoding %s %s: %w", method, endpoint, err)
	}
	return nil
}
