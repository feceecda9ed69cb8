// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/artpar/runmeter/adapters/clock"
	apihttp "github.com/artpar/runmeter/adapters/http"
	"github.com/artpar/runmeter/adapters/idgen"
	"github.com/artpar/runmeter/adapters/metrics"
	"github.com/artpar/runmeter/adapters/payment"
	"github.com/artpar/runmeter/adapters/sqlite"
	"github.com/artpar/runmeter/app"
	"github.com/artpar/runmeter/config"
	"github.com/artpar/runmeter/domain/pricing"
	"github.com/artpar/runmeter/ports"
	"github.com/rs/zerolog"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	DB         *sqlite.DB
	HTTPServer *http.Server
	Metrics    *metrics.Collector
	Holder     *config.Holder

	// Services
	Ledger    *app.Ledger
	Lifecycle *app.Lifecycle
	Guard     *app.Guard
	Sweeper   *app.Sweeper

	// Stores (exposed for CLI commands)
	Accounts ports.AccountStore
	Plans    ports.PlanStore
	Periods  ports.PeriodStore

	paymentProvider ports.PaymentProvider
	sweepCancel     context.CancelFunc
	sweepDone       chan struct{}
}

// New creates and initializes the application from a loaded config.
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)
	holder := config.NewStaticHolder(cfg, logger)
	return build(holder, logger)
}

// NewWithHotReload creates the application with a file-watching config
// holder. Pricing and log level changes apply without restart.
func NewWithHotReload(path string) (*App, error) {
	bootLogger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	holder, err := config.NewHolder(path, bootLogger)
	if err != nil {
		return nil, err
	}

	logger := setupLogger(holder.Get().Logging)

	a, err := build(holder, logger)
	if err != nil {
		return nil, err
	}

	holder.OnChange(func(cfg *config.Config) {
		setupLogger(cfg.Logging)
		if a.Metrics != nil {
			a.Metrics.ConfigReloads.Inc()
			a.Metrics.ConfigLastReload.SetToCurrentTime()
		}
	})
	holder.OnReloadError(func(error) {
		if a.Metrics != nil {
			a.Metrics.ConfigReloadErrors.Inc()
		}
	})
	if err := holder.WatchFile(); err != nil {
		logger.Warn().Err(err).Msg("config file watch disabled")
	}
	holder.WatchSignals()

	return a, nil
}

func build(holder *config.Holder, logger zerolog.Logger) (*App, error) {
	cfg := holder.Get()

	logger.Info().Msg("initializing runmeter")

	a := &App{
		Logger: logger,
		Holder: holder,
	}

	// Database
	db, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.DB = db
	logger.Info().Str("dsn", cfg.Database.DSN).Msg("database initialized")

	// Metrics
	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
		logger.Info().Msg("prometheus metrics enabled")
	}

	// Stores
	accounts := sqlite.NewAccountStore(db)
	plans := sqlite.NewPlanStore(db)
	periods := sqlite.NewPeriodStore(db)
	invoices := sqlite.NewInvoiceStore(db)
	records := sqlite.NewUsageRecordStore(db)
	lifecycleTx := sqlite.NewLifecycleTx(db)

	a.Accounts = accounts
	a.Plans = plans
	a.Periods = periods

	// Payment provider
	provider, err := payment.NewProvider(payment.Config{
		Provider:      cfg.Payment.Provider,
		SecretKey:     cfg.Payment.SecretKey,
		WebhookSecret: cfg.Payment.WebhookSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("create payment provider: %w", err)
	}
	a.paymentProvider = provider
	logger.Info().Str("provider", provider.Name()).Msg("payment provider configured")

	realClock := clock.Real{}
	ids := idgen.UUID{}

	// A nil *Collector must stay a nil interface for the services' nil
	// checks to work.
	var meterMetrics ports.MeterMetrics
	if a.Metrics != nil {
		meterMetrics = a.Metrics
	}

	// Services
	a.Lifecycle = app.NewLifecycle(app.LifecycleDeps{
		Accounts: accounts,
		Plans:    plans,
		Periods:  periods,
		Invoices: invoices,
		Tx:       lifecycleTx,
		Payment:  provider,
		Clock:    realClock,
		IDGen:    ids,
		Logger:   logger,
		Metrics:  meterMetrics,
	})
	a.Guard = app.NewGuard(periods, plans, a.Lifecycle, logger, meterMetrics)
	a.Ledger = app.NewLedger(app.LedgerDeps{
		Guard:   a.Guard,
		Records: records,
		Table:   func() pricing.Table { return holder.Get().Table() },
		Clock:   realClock,
		IDGen:   ids,
		Logger:  logger,
		Metrics: meterMetrics,
	})
	a.Sweeper = app.NewSweeper(a.Lifecycle, periods, realClock, logger, app.SweeperConfig{
		Interval:  cfg.Sweep.Interval,
		Workers:   cfg.Sweep.Workers,
		BatchSize: cfg.Sweep.BatchSize,
		Metrics:   meterMetrics,
	})

	// HTTP server
	webhookService := app.NewPaymentWebhookService(accounts, invoices, plans, realClock, logger)
	webhookHandler := apihttp.NewWebhookHandler(provider, webhookService, logger)

	var meterHandler *apihttp.MeterHandler
	if a.Metrics != nil {
		meterHandler = apihttp.NewMeterHandlerWithMetrics(a.Ledger, a.Lifecycle, logger, a.Metrics)
	} else {
		meterHandler = apihttp.NewMeterHandler(a.Ledger, a.Lifecycle, logger)
	}
	healthHandler := apihttp.NewHealthHandler(db)

	router := apihttp.NewRouter(meterHandler, healthHandler, logger, apihttp.RouterConfig{
		Metrics:        a.Metrics,
		WebhookHandler: webhookHandler,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	a.HTTPServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info().Str("addr", addr).Msg("http server configured")
	return a, nil
}

// Run starts the HTTP server and the renewal sweep, blocking until shutdown.
func (a *App) Run() error {
	// Start background sweep
	sweepCtx, cancel := context.WithCancel(context.Background())
	a.sweepCancel = cancel
	a.sweepDone = make(chan struct{})
	go func() {
		defer close(a.sweepDone)
		a.Sweeper.Run(sweepCtx)
	}()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop the sweep and wait for in-flight renewals
	if a.sweepCancel != nil {
		a.sweepCancel()
		select {
		case <-a.sweepDone:
		case <-ctx.Done():
			a.Logger.Warn().Msg("sweep did not stop in time")
		}
	}

	// Shutdown HTTP server
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	// Stop config watching
	if a.Holder != nil {
		a.Holder.Stop()
	}

	// Close database
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
