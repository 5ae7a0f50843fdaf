// Package main is the entry point for a single equityfleet worker process:
// one event-loop task that scans a symbol universe, holds one position at a
// time, and coordinates with the rest of the fleet solely through the store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bracketrun/equityfleet/internal/broker"
	"github.com/bracketrun/equityfleet/internal/clock"
	"github.com/bracketrun/equityfleet/internal/config"
	"github.com/bracketrun/equityfleet/internal/dashboard"
	"github.com/bracketrun/equityfleet/internal/lifecycle"
	"github.com/bracketrun/equityfleet/internal/lock"
	"github.com/bracketrun/equityfleet/internal/marketdata"
	"github.com/bracketrun/equityfleet/internal/models"
	"github.com/bracketrun/equityfleet/internal/notify"
	"github.com/bracketrun/equityfleet/internal/orders"
	"github.com/bracketrun/equityfleet/internal/pnl"
	"github.com/bracketrun/equityfleet/internal/recovery"
	"github.com/bracketrun/equityfleet/internal/store"
	"github.com/bracketrun/equityfleet/internal/store/postgres"
	"github.com/bracketrun/equityfleet/internal/strategy"
	_ "github.com/bracketrun/equityfleet/internal/strategy/momentum" // registers "momentum"
	"github.com/bracketrun/equityfleet/internal/worker"
)

// Exit codes per spec §6.
const (
	exitSuccess       = 0
	exitConfigError   = 1
	exitInfraError    = 2
	exitSIGINT      = 130
	streamAPISuffix = "/stream"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: worker <start|health> [flags]")
		return exitConfigError
	}

	cmd := args[0]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	workerID := fs.String("worker-id", "", "unique worker identifier (defaults to hostname-pid)")
	configPath := fs.String("config", "config.yaml", "path to YAML configuration file")
	logLevel := fs.String("log-level", "", "override configured log level")
	debug := fs.Bool("debug", false, "shorthand for --log-level=debug")
	if err := fs.Parse(args[1:]); err != nil {
		return exitConfigError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}
	if *debug {
		cfg.LogLevel = "debug"
	} else if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := newLogger(cfg)
	id := *workerID
	if id == "" {
		id = defaultWorkerID()
	}

	switch cmd {
	case "health":
		return runHealth(cfg, logger)
	case "start":
		return runStart(cfg, id, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q, expected start or health\n", cmd)
		return exitConfigError
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.IsLive() {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lvl, err := logrus.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// runHealth performs a quick infrastructure check without running the event
// loop: config already loaded successfully, so this only needs to verify the
// store is reachable.
func runHealth(cfg *config.Config, logger *logrus.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.WithError(err).Error("health: store unreachable")
		return exitInfraError
	}
	defer func() { _ = st.Close() }()

	logger.Info("health: ok")
	return exitSuccess
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	st, err := postgres.Open(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}

// runStart wires every service and runs the worker's event loop until a
// shutdown signal or an unrecoverable infrastructure error.
func runStart(cfg *config.Config, workerID string, logger *logrus.Logger) int {
	logger.WithFields(logrus.Fields{"worker_id": workerID, "mode": cfg.TradingMode}).Info("worker: starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sigReceived := make(chan os.Signal, 1)
	go func() {
		s := <-sigCh
		sigReceived <- s
		logger.WithField("signal", s).Info("worker: shutdown signal received")
		cancel()
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.WithError(err).Error("worker: failed to open store")
		return exitInfraError
	}
	defer func() { _ = st.Close() }()

	clk := clock.NewSystem()
	b := buildBroker(cfg, clk, logger)

	locks := lock.New(st, clk, logger)
	lifecycleSvc := lifecycle.New(st, locks, clk, logger)
	orderSvc := orders.New(b, st, clk, logger)
	summarySvc := pnl.NewDailySummaryService(st, logger)

	strat, ok := strategy.New(cfg.Strategy.Name)
	if !ok {
		logger.WithField("strategy", cfg.Strategy.Name).Error("worker: unknown strategy")
		return exitConfigError
	}
	executor := strategy.NewExecutor(strat, cfg.Strategy.MinBuyConfidence)

	universe, buyQty, maxCandidates, filters := parseTradingParams(cfg.Strategy.Params)
	poller := marketdata.New(b, clk, logger, defaultScoreFunc)

	var notifier worker.Notifier
	if cfg.NotificationsEnabled() {
		notifier = notify.New(cfg.Notifications.SlackToken, cfg.Notifications.SlackChannel, logger)
	}

	accountID := cfg.Credentials.AccountNumber
	w := worker.New(worker.Config{
		WorkerID:             workerID,
		AccountID:            accountID,
		Broker:               b,
		Lock:                 locks,
		Lifecycle:            lifecycleSvc,
		Orders:               orderSvc,
		Poller:               poller,
		Strategy:             executor,
		Summaries:            summarySvc,
		Clock:                clk,
		Logger:               logger,
		Notifier:             notifier,
		Universe:             universe,
		Filters:              filters,
		MaxCandidates:        maxCandidates,
		BuyQty:               buyQty,
		LockTTL:              cfg.Runtime.LockTTL(),
		PollInterval:         cfg.Runtime.PollInterval(),
		HeartbeatInterval:    cfg.Runtime.HeartbeatInterval(),
		LockRenewalThreshold: cfg.Runtime.LockRenewThreshold(),
		ShutdownDeadline:     cfg.Runtime.ShutdownDeadline(),
		ForcedExitWindow:     forcedExitWindow(cfg.Risk.SessionLiquidationOffsetMin),
	})

	reconciler := recovery.NewReconciler(b, orderSvc, clk, logger, 2*cfg.Runtime.RPCTimeout())
	sweeper := recovery.NewSweeper(locks, lifecycleSvc, cfg.Runtime.HeartbeatInterval()*4, logger)

	if _, positions, err := reconciler.Reconcile(ctx, workerID, accountID); err != nil {
		logger.WithError(err).Warn("worker: startup reconciliation failed, continuing with local state")
	} else {
		logger.WithField("positions", len(positions)).Info("worker: startup reconciliation complete")
	}

	bg, bgCtx := errgroup.WithContext(ctx)
	bg.Go(func() error {
		sweeper.Run(bgCtx, cfg.Runtime.HeartbeatInterval()*2)
		return nil
	})

	var dashServer *dashboard.Server
	if cfg.Dashboard.Enabled {
		dashServer = dashboard.New(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
			AccountID: accountID,
		}, lifecycleSvc, orderSvc, summarySvc, b, clk, logger)

		bg.Go(func() error {
			if err := dashServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dashboard server: %w", err)
			}
			return nil
		})
	}

	runErr := w.Run(ctx)
	cancel()

	if dashServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := dashServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("worker: dashboard shutdown error")
		}
		shutdownCancel()
	}

	if err := bg.Wait(); err != nil {
		logger.WithError(err).Warn("worker: background service exited with error")
	}

	select {
	case <-sigReceived:
		if runErr != nil {
			logger.WithError(runErr).Error("worker: exited with error after signal")
		}
		return exitSIGINT
	default:
	}

	if runErr != nil {
		logger.WithError(runErr).Error("worker: run failed")
		return exitInfraError
	}
	logger.Info("worker: stopped cleanly")
	return exitSuccess
}

// buildBroker selects and decorates the Broker Port implementation per the
// configured trading mode: paper simulation, or a live adapter wrapped in
// rate limiting and a circuit breaker.
func buildBroker(cfg *config.Config, clk clock.Clock, logger *logrus.Logger) broker.Broker {
	if !cfg.IsLive() {
		return broker.NewPaperBroker(clk, decimal.NewFromInt(100000))
	}

	baseURL := os.Getenv("BROKER_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.broker.example.com/v1"
	}
	streamURL := os.Getenv("BROKER_STREAM_URL")
	if streamURL == "" {
		streamURL = strings.Replace(baseURL, "https://", "wss://", 1) + streamAPISuffix
	}

	live := broker.NewLiveBroker(cfg.Credentials.AppKey, baseURL, streamURL, clk, logger)
	rateLimited := broker.NewRateLimitedBroker(live, cfg.Runtime.RateLimitPerSec)
	return broker.NewCircuitBreakerBroker(rateLimited)
}

// parseTradingParams reads the universe/buy-quantity/candidate-limit/filter
// knobs out of the strategy's opaque Params map. The worker orchestrator
// needs these independent of whichever strategy is registered, so they live
// here rather than inside a concrete strategy's own config parsing.
func parseTradingParams(params map[string]string) (universe []string, buyQty int64, maxCandidates int, filters marketdata.Filters) {
	universe = splitAndTrim(params["universe"])
	if len(universe) == 0 {
		universe = []string{"SPY", "QQQ", "AAPL", "MSFT", "NVDA"}
	}

	buyQty = parseInt64(params["buy_qty"], 10)
	maxCandidates = int(parseInt64(params["max_candidates"], 10))

	filters = marketdata.Filters{
		MinVolume:  parseInt64(params["min_volume"], 100000),
		MinPrice:   parseDecimal(params["min_price"], decimal.NewFromInt(1)),
		StaleAfter: parseDuration(params["stale_after"], 2*time.Minute),
	}
	return universe, buyQty, maxCandidates, filters
}

func splitAndTrim(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, strings.ToUpper(t))
		}
	}
	return out
}

func parseInt64(raw string, fallback int64) int64 {
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func parseDecimal(raw string, fallback decimal.Decimal) decimal.Decimal {
	if raw == "" {
		return fallback
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fallback
	}
	return d
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// defaultScoreFunc ranks candidates by traded volume; a registered strategy
// with stronger opinions can still veto or reorder by never emitting a buy
// signal for a low-ranked candidate.
func defaultScoreFunc(c models.Candidate) float64 {
	return float64(c.Volume)
}

// forcedExitWindow reports whether now falls inside the end-of-day
// liquidation window: within offsetMin minutes of the 4:00pm America/New_York
// close, with an EST fallback if the timezone database is unavailable.
func forcedExitWindow(offsetMin int) func(time.Time) bool {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	return func(now time.Time) bool {
		local := now.In(loc)
		closeAt := time.Date(local.Year(), local.Month(), local.Day(), 16, 0, 0, 0, loc)
		windowStart := closeAt.Add(-time.Duration(offsetMin) * time.Minute)
		return !local.Before(windowStart) && local.Before(closeAt.Add(time.Minute))
	}
}
