package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"wheel-screener/internal/artifact"
	"wheel-screener/internal/config"
	"wheel-screener/internal/evaluator"
	"wheel-screener/internal/notify"
	"wheel-screener/internal/provider"
	"wheel-screener/internal/scheduler"
	"wheel-screener/internal/scoring"
	"wheel-screener/internal/service"
	"wheel-screener/internal/snapshot"
	"wheel-screener/internal/storage"
	"wheel-screener/internal/telemetry"
	"wheel-screener/internal/universe"
	"wheel-screener/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newProvider() *provider.Client {
	cfg := a.Config.Provider
	return provider.NewClient(provider.Options{
		BaseURL:   cfg.BaseURL,
		APIToken:  cfg.APIToken,
		Timeout:   cfg.RequestTimeout,
		UserAgent: cfg.UserAgent,
		Retry: provider.RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
		},
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		BreakerThreshold:  cfg.BreakerThreshold,
		BreakerCooldown:   cfg.BreakerCooldown,
	}, a.Logger)
}

func (a *App) newResolver() *snapshot.Resolver {
	// Config validation already rejected unparseable overrides.
	overrides, _ := a.Config.Universe.ParsedOverrides()
	return snapshot.NewResolver(snapshot.Options{
		StaleAfter: a.Config.Evaluator.StaleAfter,
	}, snapshot.NewClassifier(overrides), a.Logger)
}

func (a *App) newEvaluator(md provider.MarketData, health provider.Health) *evaluator.Evaluator {
	strategies, _ := a.Config.Universe.ParsedStrategies()
	scorer := scoring.New(scoring.Options{Weights: a.Config.Scoring.Weights}, a.Logger)

	return evaluator.New(evaluator.Options{
		Strategies:            strategies,
		Rules:                 a.Config.Selection.Rules(),
		Regime:                a.Config.Scoring.ParsedRegime(),
		AccountEquity:         decimal.NewFromFloat(a.Config.Scoring.AccountEquity),
		MinCompleteness:       a.Config.Evaluator.MinCompleteness,
		MinScore:              a.Config.Scoring.MinScore,
		Stage1Concurrency:     a.Config.Evaluator.Stage1Concurrency,
		Stage2Concurrency:     a.Config.Evaluator.ConcurrencyLimit,
		MaxExpirations:        a.Config.Selection.MaxExpirations,
		MaxSymbols:            a.Config.Budget.MaxSymbols,
		MaxRequests:           a.Config.Budget.MaxRequests,
		MaxWallTime:           a.Config.Budget.MaxWallTime,
		DegradedDispatchDelay: a.Config.Evaluator.DegradedDispatchDelay,
		Debug:                 a.Config.Evaluator.Debug,
	}, md, health, a.newResolver(), scorer, a.Logger)
}

func (a *App) newNotifier() notify.Notifier {
	if a.Config.Notify.Enabled {
		return notify.NewWebhookNotifier(a.Config.Notify.WebhookURL, a.Config.Notify.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openLedger(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openArtifacts() (*artifact.Store, error) {
	return artifact.NewStore(artifact.StoreOptions{
		Dir:          a.Config.Artifact.Dir,
		LatestName:   a.Config.Artifact.LatestName,
		HistoryLimit: a.Config.Artifact.HistoryLimit,
	}, a.Logger)
}

func (a *App) buildService(ctx context.Context, sched *scheduler.Scheduler, metrics *telemetry.Metrics) (*service.Service, func(), error) {
	ledger, closeLedger, err := a.openLedger(ctx)
	if err != nil {
		return nil, nil, err
	}
	if ledger == nil {
		a.Logger.Warn().Msg("database.dsn not configured; run ledger disabled")
	}

	artifacts, err := a.openArtifacts()
	if err != nil {
		if closeLedger != nil {
			closeLedger()
		}
		return nil, nil, err
	}

	client := a.newProvider()

	var runStore storage.RunStore
	if ledger != nil {
		runStore = ledger
	}

	svc := service.New(a.Config, sched, a.newEvaluator(client, client), artifacts, runStore, a.newNotifier(), metrics, a.Logger)
	cleanup := func() {
		if closeLedger != nil {
			closeLedger()
		}
	}
	return svc, cleanup, nil
}

// Watch runs the periodic screening service until interrupted.
func (a *App) Watch(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var metrics *telemetry.Metrics
	if a.Config.Telemetry.Enabled {
		metrics = telemetry.NewMetrics()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		Immediate:    true,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc, cleanup, err := a.buildService(ctx, sched, metrics)
	if err != nil {
		return err
	}
	defer cleanup()

	g, gctx := errgroup.WithContext(ctx)
	if metrics != nil {
		srv := telemetry.NewServer(a.Config.Telemetry.ListenAddr, metrics, a.Logger)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error { return svc.Run(gctx) })

	a.Logger.Info().Str("version", version.Version).Msg("starting screening service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("screening service stopped")
	return nil
}

// RunCycle executes one evaluation cycle and exits. A dry run evaluates
// without committing anything and prints the verdict table instead.
func (a *App) RunCycle(ctx context.Context, opts RunCycleOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if opts.DryRun {
		return a.dryRunCycle(ctx, opts.Symbols)
	}

	svc, cleanup, err := a.buildService(ctx, nil, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	if len(opts.Symbols) > 0 {
		strategies, _ := a.Config.Universe.ParsedStrategies()
		u, err := universe.FromSymbols(opts.Symbols, strategies)
		if err != nil {
			return err
		}
		svc.UseUniverse(u)
	}

	return svc.RunOnce(ctx)
}

func (a *App) dryRunCycle(ctx context.Context, symbols []string) error {
	strategies, _ := a.Config.Universe.ParsedStrategies()

	var (
		u   universe.Universe
		err error
	)
	if len(symbols) > 0 {
		u, err = universe.FromSymbols(symbols, strategies)
	} else {
		u, err = universe.Resolve(a.Config.Universe.Path, a.Config.Universe.Symbols, strategies)
	}
	if err != nil {
		return err
	}

	client := a.newProvider()
	art, runErr := a.newEvaluator(client, client).Run(ctx, u, time.Now().UTC())
	if art == nil {
		return runErr
	}

	renderArtifactTable(os.Stdout, art)
	return runErr
}

// RunCycleOptions configure a one-shot evaluation.
type RunCycleOptions struct {
	DryRun  bool
	Symbols []string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Symbol  string
	JSONOut bool
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	Symbol string
	RunID  string
}

// RunsOptions configure the runs listing.
type RunsOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting score history.
type ExportOptions struct {
	Symbol    string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// SimulateOptions configure the offline evaluation.
type SimulateOptions struct {
	InputPath  string
	Support    float64
	Resistance float64
	Equity     float64
}
