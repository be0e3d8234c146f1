// Package dashboard serves a read-only JSON view of broker state and the
// process metrics.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_pilot/internal/broker"
	"github.com/eddiefleurent/signal_pilot/internal/metrics"
	"github.com/eddiefleurent/signal_pilot/internal/watchdog"
)

// Server is the dashboard HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	gateway   broker.Gateway
	metrics   *metrics.Metrics
	logger    logrus.FieldLogger
	listen    string
	authToken string
	now       func() time.Time
}

// Config holds the listen address and optional shared token.
type Config struct {
	Listen    string
	AuthToken string
}

// PositionView is a position with its current profit percentage.
type PositionView struct {
	broker.Position
	ProfitPercent decimal.Decimal `json:"profit_percent"`
	IsProfit      bool            `json:"is_profit"`
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(cfg Config, gw broker.Gateway, m *metrics.Metrics, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		gateway:   gw,
		metrics:   m,
		logger:    logger.WithField("component", "dashboard"),
		listen:    cfg.Listen,
		authToken: cfg.AuthToken,
		now:       time.Now,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/positions", s.handleGetPositions)
		r.Get("/orders", s.handleGetOrders)
		r.Get("/orders/{id}", s.handleGetOrder)
		r.Get("/alerts", s.handleGetAlerts)
	})
	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on %s", s.listen)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().Unix(),
	}
	if cb, ok := s.gateway.(*broker.CircuitBreakerGateway); ok {
		health["broker_circuit"] = cb.State().String()
	}
	s.writeJSON(w, health)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.gateway.ListPositions(r.Context())
	if err != nil {
		s.brokerError(w, "positions", err)
		return
	}

	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		pct := watchdog.ProfitPercent(p).Round(2)
		views = append(views, PositionView{Position: p, ProfitPercent: pct, IsProfit: pct.IsPositive()})
	}
	s.writeJSON(w, views)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.gateway.ListLiveOrders(r.Context())
	if err != nil {
		s.brokerError(w, "orders", err)
		return
	}
	if ticker := r.URL.Query().Get("ticker"); ticker != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if o.Ticker == ticker {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	if orders == nil {
		orders = []broker.Order{}
	}
	s.writeJSON(w, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	order, err := s.gateway.GetOrder(r.Context(), id)
	if errors.Is(err, broker.ErrOrderNotFound) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.brokerError(w, "order", err)
		return
	}
	s.writeJSON(w, order)
}

func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.gateway.GetAlerts(r.Context())
	if err != nil {
		s.brokerError(w, "alerts", err)
		return
	}
	if alerts == nil {
		alerts = []broker.Alert{}
	}
	s.writeJSON(w, alerts)
}

func (s *Server) brokerError(w http.ResponseWriter, what string, err error) {
	s.logger.WithError(err).Errorf("Failed to get %s", what)
	http.Error(w, "Bad Gateway", http.StatusBadGateway)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
