// Package bootstrap wires the engine together: config, telemetry, venues,
// per-account loops, the replicator, and the operator surfaces.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"autotrader/pkg/concurrency"
	"autotrader/pkg/telemetry"

	"autotrader/internal/alert"
	"autotrader/internal/config"
	"autotrader/internal/core"
	"autotrader/internal/infrastructure/health"
	"autotrader/internal/infrastructure/metrics"
	"autotrader/internal/killswitch"
	"autotrader/internal/logging"
	"autotrader/internal/marketdata"
	"autotrader/internal/nonce"
	"autotrader/internal/replicator"
	"autotrader/internal/risk"
	"autotrader/internal/store/sqlite"
	"autotrader/internal/trading/loop"
	"autotrader/internal/trading/position"
	"autotrader/internal/trading/supervisor"
	"autotrader/internal/venue"
	"autotrader/internal/venue/krakenx"
	"autotrader/internal/webhook"
)

// App holds the assembled engine and its shutdown hooks
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	store        *sqlite.Store
	tel          *telemetry.Telemetry
	kill         *killswitch.Switch
	supervisor   *supervisor.Supervisor
	replicator   *replicator.Replicator
	pool         *concurrency.WorkerPool
	notifier     *alert.Notifier
	webhookSrv   *webhook.Server
	metricsSrv   *metrics.Server
	masterMarket *marketdata.Cache
	streamer     core.IVenueStreamer
}

// NewApp loads config and builds every component. Accounts with missing
// or disabled credentials are skipped with a log line, never fatally.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tel, err := telemetry.Setup(telemetry.Options{
		ServiceName: "autotrader",
		DebugExport: cfg.Telemetry.DebugExport,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := sqlite.NewStore(cfg.App.StatePath)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	app := &App{
		Cfg:    cfg,
		Logger: logger,
		store:  store,
		tel:    tel,
		kill:   killswitch.New(),
	}
	if err := app.build(); err != nil {
		return nil, err
	}
	return app, nil
}

// build assembles venues, loops, the replicator and operator surfaces
func (a *App) build() error {
	cfg, logger := a.Cfg, a.Logger
	nonces := nonce.NewRegistry(a.store)
	archiver := &sqliteArchiver{store: a.store}

	a.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "replication",
		MaxWorkers: 8,
	}, logger)

	// Master account first; without it there is no fill stream
	if !cfg.HasCredentials(cfg.Master) {
		return fmt.Errorf("master account %s has no usable credentials", cfg.Master.ID)
	}
	masterVenue, err := venue.New(cfg.Master.Venue, cfg.Master.ID, cfg, nonces, logger)
	if err != nil {
		return fmt.Errorf("master venue: %w", err)
	}

	// Dependents: skip, never crash, when credentials are missing
	var targets []replicator.Target
	var dependents []dependentRig
	for _, acct := range cfg.Accounts {
		if !acct.Enabled {
			logger.Info("Account disabled, skipping", "account", acct.ID)
			continue
		}
		if !cfg.HasCredentials(acct) {
			logger.Warn("Account has no usable credentials, excluded from startup", "account", acct.ID)
			continue
		}
		v, err := venue.New(acct.Venue, acct.ID, cfg, nonces, logger)
		if err != nil {
			logger.Error("Venue construction failed, account excluded", "account", acct.ID, "error", err)
			continue
		}
		targets = append(targets, replicator.Target{Account: acct, Venue: v})
		dependents = append(dependents, dependentRig{account: acct, venue: v})
	}

	a.replicator = replicator.New(masterVenue, targets, a.pool, logger)

	a.masterMarket = marketdata.NewCache(masterVenue, cfg.Market, logger)
	if strings.ToLower(cfg.Master.Venue) == "kraken" {
		a.streamer = krakenx.NewStreamer(cfg.Venues[cfg.Master.Venue].WSURL, logger)
	}

	masterLoop := a.buildLoop(cfg.Master, core.RoleMaster, masterVenue, a.masterMarket, archiver, a.replicator)
	loops := []*loop.Loop{masterLoop}
	for _, dep := range dependents {
		market := marketdata.NewCache(dep.venue, cfg.Market, logger)
		loops = append(loops, a.buildLoop(dep.account, core.RoleDependent, dep.venue, market, archiver, nil))
	}

	runners := make([]supervisor.Runner, 0, len(loops))
	for _, l := range loops {
		runners = append(runners, l)
	}
	restartDelay := time.Duration(cfg.System.RestartDelay) * time.Second
	drainGrace := time.Duration(cfg.System.DrainGracePeriod) * time.Second
	a.supervisor = supervisor.New(runners, restartDelay, drainGrace, logger)

	healthMgr := health.NewHealthManager(logger)
	for _, l := range loops {
		healthMgr.RegisterAccount(l.AccountID(), l.Status)
	}
	if cfg.Telemetry.EnableMetrics {
		a.metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, healthMgr, logger)
	}

	alertMgr := alert.NewAlertManager(logger)
	if cfg.Alerts.TelegramBotToken != "" {
		alertMgr.AddChannel(alert.NewTelegramChannel(cfg.Alerts.TelegramBotToken.Reveal(), cfg.Alerts.TelegramChatID))
	}
	metricsHolder := telemetry.GetGlobalMetrics()
	a.notifier = alert.NewNotifier(alertMgr, a.supervisor, metricsHolder, metricsHolder,
		a.kill, cfg.Alerts.BalanceThreshold, 30*time.Second, logger)

	a.webhookSrv = webhook.NewServer(cfg.Webhook, masterLoop, logger)
	return nil
}

type dependentRig struct {
	account config.AccountConfig
	venue   core.IVenue
}

// buildLoop assembles one account's loop with its own cache, ledger,
// sizer and circuit breaker
func (a *App) buildLoop(acct config.AccountConfig, role core.AccountRole, v core.IVenue, market core.IMarketData, archiver position.Archiver, pub core.FillPublisher) *loop.Loop {
	ledger := position.NewLedger(acct.ID, acct.Exit, archiver, a.Logger)
	return loop.New(acct, role, loop.Deps{
		Venue:   v,
		Market:  market,
		Ledger:  ledger,
		Sizer:   risk.NewSizer(acct.Risk),
		Breaker: risk.NewCircuitBreaker(acct.ID, acct.Risk),
		Kill:    a.kill,
		Pub:     pub,
		Logger:  a.Logger,
	})
}

// Run starts everything and blocks until a termination signal or a fatal
// component error, then drains.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Logger.Info("Starting trading engine")

	if a.metricsSrv != nil {
		a.metricsSrv.Start()
	}
	a.webhookSrv.Start()
	a.supervisor.Start(ctx)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.replicator.Run(runCtx) })
	g.Go(func() error { return a.notifier.Run(runCtx) })
	if a.streamer != nil {
		g.Go(func() error {
			a.attachStream(runCtx)
			return nil
		})
	}

	<-runCtx.Done()
	a.shutdown()

	if err := g.Wait(); err != nil && err != context.Canceled {
		a.Logger.Error("Engine stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Engine shut down gracefully")
	return nil
}

// KillSwitch exposes the process-wide halt flag for operator tooling
func (a *App) KillSwitch() *killswitch.Switch {
	return a.kill
}

func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.supervisor.Stop()
	a.pool.Stop()

	if err := a.webhookSrv.Stop(shutdownCtx); err != nil {
		a.Logger.Warn("Webhook shutdown failed", "error", err)
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Stop(shutdownCtx); err != nil {
			a.Logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	if err := a.tel.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("Telemetry shutdown failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.Logger.Warn("State store close failed", "error", err)
	}
}

// attachStream subscribes the master's market cache to the venue price
// stream so the fast tier refreshes on push instead of polling. Polling
// still works when the stream cannot start, so failures only log.
func (a *App) attachStream(ctx context.Context) {
	universe, err := a.masterMarket.Universe(ctx)
	if err != nil {
		a.Logger.Warn("Price stream skipped, universe unavailable", "error", err)
		return
	}
	if err := a.masterMarket.AttachStream(ctx, a.streamer, universe); err != nil {
		a.Logger.Warn("Price stream failed to start", "error", err)
	}
}

// sqliteArchiver adapts the sqlite store to the ledger's archive interface
type sqliteArchiver struct {
	store *sqlite.Store
}

func (s *sqliteArchiver) ArchivePosition(ctx context.Context, rec position.ArchiveRecord) error {
	return s.store.ArchivePosition(ctx, sqlite.ArchivedPosition{
		ID:          rec.ID,
		Account:     rec.Account,
		Symbol:      rec.Symbol,
		Side:        rec.Side,
		EntryPrice:  rec.EntryPrice.String(),
		ExitPrice:   rec.ExitPrice.String(),
		Quantity:    rec.Quantity.String(),
		RealizedPnL: rec.RealizedPnL.String(),
		ExitReason:  rec.Reason,
		OpenedAt:    rec.OpenedAt,
		ClosedAt:    rec.ClosedAt,
	})
}
