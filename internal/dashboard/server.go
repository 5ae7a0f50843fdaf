// Package dashboard serves the fleet's read-only operator view (spec
// §4.13): worker statuses, open orders, and daily PnL summaries, plus a
// /metrics route for Prometheus scraping. It never mutates worker or order
// state; every write path belongs to the services it reads from.
package dashboard

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/bracketrun/equityfleet/internal/broker"
	"github.com/bracketrun/equityfleet/internal/clock"
	"github.com/bracketrun/equityfleet/internal/lifecycle"
	"github.com/bracketrun/equityfleet/internal/models"
	"github.com/bracketrun/equityfleet/internal/orders"
	"github.com/bracketrun/equityfleet/internal/pnl"
)

//go:embed web/templates/*
var templateFS embed.FS

//go:embed web/static/*
var staticFS embed.FS

// Server is the fleet dashboard HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server

	lifecycle *lifecycle.Service
	orders    *orders.Service
	summaries *pnl.DailySummaryService
	broker    broker.Broker
	clock     clock.Clock
	logger    *logrus.Logger

	accountID string
	port      int
	authToken string

	fleetTemplate  *template.Template
	workersTemplate *template.Template
	summaryTemplate *template.Template
}

// Config configures the dashboard server.
type Config struct {
	Port      int
	AuthToken string
	AccountID string
}

// FleetView is the top-level page model.
type FleetView struct {
	Workers        []WorkerView
	RecentSummaries []SummaryView
	AccountCash    decimal.Decimal
	MarketStatus   string
	LastUpdate     time.Time
}

// WorkerView flattens a WorkerProcess plus its live open-order count for
// template rendering.
type WorkerView struct {
	WorkerID        string
	Status          string
	CurrentSymbol   string
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	HeartbeatAgeSec float64
	OpenOrders      int
}

// OrderView flattens an Order for JSON/HTML rendering.
type OrderView struct {
	OrderID      string
	Symbol       string
	Side         string
	OrderType    string
	Qty          int64
	FilledQty    int64
	Status       string
	AvgFillPrice decimal.Decimal
	CreatedAt    time.Time
}

// SummaryView flattens a DailySummary for template rendering.
type SummaryView struct {
	WorkerID     string
	SummaryDate  string
	TotalTrades  int
	WinRate      float64
	NetPnL       decimal.Decimal
	ProfitFactor float64
	IsProfit     bool
}

// New constructs a dashboard Server wired to the fleet's core services.
func New(cfg Config, lc *lifecycle.Service, ord *orders.Service, sum *pnl.DailySummaryService, brk broker.Broker, clk clock.Clock, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:    chi.NewRouter(),
		lifecycle: lc,
		orders:    ord,
		summaries: sum,
		broker:    brk,
		clock:     clk,
		logger:    logger,
		accountID: cfg.AccountID,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}
	if err := s.parseTemplates(); err != nil {
		logger.WithError(err).Fatal("dashboard: failed to parse templates")
	}
	s.setupRoutes()
	return s
}

func (s *Server) parseTemplates() error {
	funcMap := template.FuncMap{
		"mul": func(a, b float64) float64 { return a * b },
		"div": func(a, b float64) float64 {
			if b == 0 {
				return 0
			}
			return a / b
		},
	}

	var err error
	s.fleetTemplate, err = template.New("fleet.html").Funcs(funcMap).ParseFS(templateFS, "web/templates/*.html")
	if err != nil {
		return fmt.Errorf("dashboard: parse fleet template: %w", err)
	}
	s.workersTemplate, err = template.New("workers.html").Funcs(funcMap).ParseFS(templateFS, "web/templates/workers.html")
	if err != nil {
		return fmt.Errorf("dashboard: parse workers template: %w", err)
	}
	s.summaryTemplate, err = template.New("summaries.html").Funcs(funcMap).ParseFS(templateFS, "web/templates/summaries.html")
	if err != nil {
		return fmt.Errorf("dashboard: parse summaries template: %w", err)
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLoggerMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(middleware.Compress(5))

	sub, err := fs.Sub(staticFS, "web/static")
	if err != nil {
		s.logger.WithError(err).Fatal("dashboard: failed to create static filesystem")
	}
	s.router.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(sub))))

	if s.authToken != "" {
		s.router.Route("/", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/", s.handleFleet)
			r.Get("/api/workers", s.handleGetWorkers)
			r.Get("/api/workers/{id}/orders", s.handleGetWorkerOrders)
			r.Get("/api/summaries/recent", s.handleGetRecentSummaries)
			r.Get("/partials/workers", s.handleWorkersPartial)
			r.Get("/partials/summaries", s.handleSummariesPartial)
		})
	} else {
		s.router.Get("/", s.handleFleet)
		s.router.Get("/api/workers", s.handleGetWorkers)
		s.router.Get("/api/workers/{id}/orders", s.handleGetWorkerOrders)
		s.router.Get("/api/summaries/recent", s.handleGetRecentSummaries)
		s.router.Get("/partials/workers", s.handleWorkersPartial)
		s.router.Get("/partials/summaries", s.handleSummariesPartial)
	}

	// Metrics and health are always public; the former feeds Prometheus
	// scraping, the latter is a liveness probe with no worker data in it.
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/health", s.handleHealth)
}

func (s *Server) requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loggedURL := s.redactTokenFromURL(r.URL)
		logEntry := s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"url":        loggedURL.String(),
			"user_agent": r.UserAgent(),
			"remote_ip":  r.RemoteAddr,
		})

		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)

		logEntry.WithFields(logrus.Fields{
			"status":   wrapped.Status(),
			"bytes":    wrapped.BytesWritten(),
			"duration": time.Since(start),
		}).Info("dashboard: request")
	})
}

func (s *Server) redactTokenFromURL(originalURL *url.URL) *url.URL {
	loggedURL := &url.URL{
		Scheme:   originalURL.Scheme,
		Host:     originalURL.Host,
		Path:     originalURL.Path,
		RawQuery: originalURL.RawQuery,
		Fragment: originalURL.Fragment,
	}
	if originalURL.RawQuery != "" {
		values := originalURL.Query()
		for _, k := range []string{"token", "auth_token"} {
			if values.Has(k) {
				values.Set(k, "[REDACTED]")
			}
		}
		loggedURL.RawQuery = values.Encode()
	}
	return loggedURL
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" || strings.HasPrefix(r.URL.Path, "/static/") {
			next.ServeHTTP(w, r)
			return
		}

		var token string
		token = r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			if cookie, err := r.Cookie("auth_token"); err == nil {
				token = cookie.Value
			}
		}

		if !s.isValidToken(token) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isValidToken(token string) bool {
	if len(token) != len(s.authToken) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

// Start runs the dashboard's HTTP listener. It blocks until Shutdown is
// called or the listener fails.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.WithField("port", s.port).Info("dashboard: starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	view, err := s.buildFleetView(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("dashboard: failed to build fleet view")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.fleetTemplate.Execute(w, view); err != nil {
		s.logger.WithError(err).Error("dashboard: failed to execute fleet template")
	}
}

func (s *Server) handleGetWorkers(w http.ResponseWriter, r *http.Request) {
	views, err := s.workerViews(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("dashboard: failed to list workers")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, views)
}

func (s *Server) handleGetWorkerOrders(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	ordersList, err := s.orders.ListNonTerminalOrdersForWorker(r.Context(), workerID)
	if err != nil {
		s.logger.WithError(err).WithField("worker_id", workerID).Error("dashboard: failed to list worker orders")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	views := make([]OrderView, 0, len(ordersList))
	for _, o := range ordersList {
		views = append(views, toOrderView(o))
	}
	s.writeJSON(w, views)
}

func (s *Server) handleGetRecentSummaries(w http.ResponseWriter, r *http.Request) {
	views, err := s.recentSummaryViews(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("dashboard: failed to list recent summaries")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, views)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleWorkersPartial(w http.ResponseWriter, r *http.Request) {
	views, err := s.workerViews(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("dashboard: failed to list workers")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.workersTemplate.ExecuteTemplate(w, "workers-content", views); err != nil {
		s.logger.WithError(err).Error("dashboard: failed to execute workers template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) handleSummariesPartial(w http.ResponseWriter, r *http.Request) {
	views, err := s.recentSummaryViews(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("dashboard: failed to list recent summaries")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.summaryTemplate.ExecuteTemplate(w, "summaries-content", views); err != nil {
		s.logger.WithError(err).Error("dashboard: failed to execute summaries template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("dashboard: failed to encode JSON response")
	}
}

func (s *Server) buildFleetView(ctx context.Context) (*FleetView, error) {
	workers, err := s.workerViews(ctx)
	if err != nil {
		return nil, err
	}
	summaries, err := s.recentSummaryViews(ctx)
	if err != nil {
		return nil, err
	}

	cash, err := s.broker.GetCash(ctx, s.accountID)
	if err != nil {
		s.logger.WithError(err).Warn("dashboard: failed to get account cash")
		cash = decimal.Zero
	}

	return &FleetView{
		Workers:         workers,
		RecentSummaries: summaries,
		AccountCash:     cash,
		MarketStatus:    marketStatus(s.clock.Now()),
		LastUpdate:      s.clock.Now(),
	}, nil
}

func (s *Server) workerViews(ctx context.Context) ([]WorkerView, error) {
	procs, err := s.lifecycle.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("dashboard: list workers: %w", err)
	}

	now := s.clock.Now()
	views := make([]WorkerView, 0, len(procs))
	for _, p := range procs {
		openOrders := 0
		if open, err := s.orders.ListOpenOrdersForWorker(ctx, p.WorkerID); err == nil {
			openOrders = len(open)
		}
		views = append(views, WorkerView{
			WorkerID:        p.WorkerID,
			Status:          string(p.Status),
			CurrentSymbol:   p.CurrentSymbol,
			StartedAt:       p.StartedAt,
			LastHeartbeatAt: p.LastHeartbeatAt,
			HeartbeatAgeSec: now.Sub(p.LastHeartbeatAt).Seconds(),
			OpenOrders:      openOrders,
		})
	}
	return views, nil
}

func (s *Server) recentSummaryViews(ctx context.Context) ([]SummaryView, error) {
	recents, err := s.summaries.ListRecentSummaries(ctx, 50)
	if err != nil {
		return nil, fmt.Errorf("dashboard: list recent summaries: %w", err)
	}
	views := make([]SummaryView, 0, len(recents))
	for _, d := range recents {
		views = append(views, SummaryView{
			WorkerID:     d.WorkerID,
			SummaryDate:  d.SummaryDate,
			TotalTrades:  d.TotalTrades,
			WinRate:      d.WinRate,
			NetPnL:       d.NetPnL,
			ProfitFactor: d.ProfitFactor,
			IsProfit:     d.NetPnL.IsPositive(),
		})
	}
	return views, nil
}

func toOrderView(o *models.Order) OrderView {
	return OrderView{
		OrderID:      o.OrderID,
		Symbol:       o.Symbol,
		Side:         string(o.Side),
		OrderType:    string(o.OrderType),
		Qty:          o.Qty,
		FilledQty:    o.FilledQty,
		Status:       string(o.Status),
		AvgFillPrice: o.AvgFillPrice,
		CreatedAt:    o.CreatedAt,
	}
}

func marketStatus(now time.Time) string {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	nyTime := now.In(loc)

	if nyTime.Weekday() == time.Saturday || nyTime.Weekday() == time.Sunday {
		return "Closed"
	}

	minutes := nyTime.Hour()*60 + nyTime.Minute()
	marketOpen := 9*60 + 30
	marketClose := 16 * 60
	if minutes >= marketOpen && minutes < marketClose {
		return "Open"
	}
	return "Closed"
}
