package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/marketbias/internal/bias"
	"github.com/quantfold/marketbias/internal/breaker"
	"github.com/quantfold/marketbias/internal/committee"
	"github.com/quantfold/marketbias/internal/config"
	"github.com/quantfold/marketbias/internal/dispatch"
	"github.com/quantfold/marketbias/internal/factors"
	"github.com/quantfold/marketbias/internal/factors/ingest"
	"github.com/quantfold/marketbias/internal/infrastructure/db"
	httpiface "github.com/quantfold/marketbias/internal/interfaces/http"
	"github.com/quantfold/marketbias/internal/kv"
	"github.com/quantfold/marketbias/internal/market"
	"github.com/quantfold/marketbias/internal/persistence"
	"github.com/quantfold/marketbias/internal/scanner"
	"github.com/quantfold/marketbias/internal/scheduler"
	"github.com/quantfold/marketbias/internal/stream"
)

// App is the composed system: every component wired against its seams,
// owned here so shutdown can unwind them in order.
type App struct {
	cfg config.Config
	log zerolog.Logger

	KV        kv.Store
	DB        *db.Manager
	Factors   *factors.Store
	Registry  *ingest.Registry
	Breaker   *breaker.Manager
	Bias      *bias.Engine
	Hub       *stream.Hub
	Scanner   *scanner.Scanner
	Dispatch  *dispatch.Dispatcher
	Tracker   *dispatch.Tracker
	Committee *committee.Assembler
	Scheduler *scheduler.Scheduler
	Server    *httpiface.Server

	metrics *httpiface.Metrics
}

// New composes the application. Nothing starts running until Start.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	// KV backend: Redis in production, in-process for development.
	if cfg.Redis.Enabled {
		store, err := kv.NewRedis(kv.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.KV = store
	} else {
		log.Warn().Msg("redis disabled, using in-process KV store")
		a.KV = kv.NewMemory()
	}

	dbm, err := db.NewManager(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	a.DB = dbm

	var repos persistence.Repository
	if r := dbm.Repository(); r != nil {
		repos = *r
	}

	table, err := factors.LoadTable(cfg.Bias.FactorTablePath)
	if err != nil {
		return nil, err
	}
	a.Factors = factors.NewStore(a.KV, repos.Factors, table, log)

	ohlcv := market.NewChartProvider(a.KV, log)
	econ := market.NewFREDProvider(cfg.Providers.FREDAPIKey, log)
	a.Registry = ingest.NewRegistry(a.Factors, a.KV, ohlcv, econ, cfg.Bias.Manual, log)

	a.Hub = stream.NewHub(a.KV, log)

	a.Breaker = breaker.NewManager(a.KV, ohlcv, a.Hub, log)
	if err := a.Breaker.Restore(ctx); err != nil {
		return nil, err
	}

	a.Bias = bias.NewEngine(a.Factors, a.KV, a.Breaker, repos.Composite, a.Hub, log)

	a.Committee = committee.New(a.KV, a.Bias, repos.Health, a.Hub, log)
	a.Scanner = scanner.New(ohlcv, repos.Watchlist, a.Bias, cfg.Scanner.Cooldown, log)
	a.Dispatch = dispatch.New(repos.Signals, a.Bias, a.Hub, a.Committee, cfg.Scanner.Cooldown, log)
	a.Tracker = dispatch.NewTracker(repos.Signals, repos.Outcomes, repos.Health, ohlcv, log)

	a.metrics = httpiface.NewMetrics()

	a.Scheduler = scheduler.New(log)
	if err := a.registerJobs(repos); err != nil {
		return nil, err
	}

	a.Server = httpiface.NewServer(httpiface.Config{
		Addr:           cfg.Server.Addr,
		BearerToken:    cfg.Server.BearerToken,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, httpiface.Deps{
		KV:        a.KV,
		Factors:   a.Factors,
		Bias:      a.Bias,
		Breaker:   a.Breaker,
		Scheduler: a.Scheduler,
		Hub:       a.Hub,
		Signals:   repos.Signals,
		Watchlist: repos.Watchlist,
		Committee: a.Committee,
		Metrics:   a.metrics,
	}, log)

	return a, nil
}

// registerJobs installs the periodic work. All cron specs run in
// Eastern time.
func (a *App) registerJobs(repos persistence.Repository) error {
	s := a.Scheduler
	sched := a.cfg.Schedule

	type job struct {
		name string
		spec string
		gate func(time.Time) bool
		fn   scheduler.JobFunc
	}

	jobs := []job{
		{"factors_intraday", sched.IntradayFactors, scheduler.MarketHoursGate, func(ctx context.Context) error {
			a.Registry.RefreshGroup(ctx, factors.TimeframeIntraday)
			_, err := a.Bias.Compute(ctx)
			return err
		}},
		{"factors_swing", sched.SwingFactors, nil, func(ctx context.Context) error {
			a.Registry.RefreshGroup(ctx, factors.TimeframeSwing)
			return nil
		}},
		{"factors_macro", sched.MacroFactors, nil, func(ctx context.Context) error {
			a.Registry.RefreshGroup(ctx, factors.TimeframeMacro)
			return nil
		}},
		{"heartbeat", sched.Heartbeat, nil, func(ctx context.Context) error {
			return a.heartbeat(ctx, repos.Health)
		}},
	}

	// The scan and outcome loops need the watchlist and signal tables.
	if repos.Watchlist != nil {
		jobs = append(jobs, job{"scan_equity", sched.Scan, scheduler.ScannerGate, func(ctx context.Context) error {
			return a.runScan(ctx, "equity")
		}})
		if a.cfg.Scanner.CryptoEnabled {
			jobs = append(jobs, job{"scan_crypto", sched.CryptoScan, nil, func(ctx context.Context) error {
				return a.runScan(ctx, "crypto")
			}})
		}
	}
	if repos.Signals != nil && repos.Outcomes != nil {
		jobs = append(jobs, job{"track_outcomes", sched.Outcomes, nil, a.Tracker.Run})
	}

	for _, j := range jobs {
		var err error
		if j.gate != nil {
			err = s.AddGated(j.name, j.spec, j.gate, j.fn)
		} else {
			err = s.Add(j.name, j.spec, j.fn)
		}
		if err != nil {
			return fmt.Errorf("job %s: %w", j.name, err)
		}
	}
	return nil
}

// runScan walks the watchlist and dispatches whatever fires.
func (a *App) runScan(ctx context.Context, assetClass string) error {
	signals, err := a.Scanner.Scan(ctx, assetClass)
	if err != nil {
		return err
	}
	for _, sig := range signals {
		dispatched, err := a.Dispatch.Dispatch(ctx, sig)
		if err != nil {
			a.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("dispatch failed")
			continue
		}
		if dispatched {
			a.metrics.SignalDispatched()
		}
	}
	return nil
}

// heartbeat verifies the backing stores, refreshes the engine gauges,
// and records degradation.
func (a *App) heartbeat(ctx context.Context, health persistence.HealthRepo) error {
	if err := a.DB.Ping(ctx); err != nil {
		a.log.Error().Err(err).Msg("database heartbeat failed")
		if health != nil {
			_ = health.InsertHealthAlert(ctx, persistence.HealthAlert{
				Kind:      "db_unreachable",
				Detail:    err.Error(),
				CreatedAt: time.Now().UTC(),
			})
		}
		return err
	}

	// A breaker decay tick also rides the heartbeat so pending resets
	// fade even when no composite is requested.
	state := a.Breaker.DecayCheck(ctx)
	severity := 0
	if state.Active {
		severity = state.Severity
	}
	a.metrics.SetBreakerSeverity(severity)

	if res, err := a.Bias.Cached(ctx); err == nil && res != nil {
		a.metrics.SetComposite(res.CompositeScore, len(res.StaleFactors))
		if len(res.StaleFactors) >= 5 && market.IsMarketOpen(time.Now()) && health != nil {
			_ = health.InsertHealthAlert(ctx, persistence.HealthAlert{
				Kind:      "stale_factors",
				Detail:    fmt.Sprintf("%d factors stale during market session", len(res.StaleFactors)),
				CreatedAt: time.Now().UTC(),
			})
		}
	}
	return nil
}

// Start runs the scheduler and the HTTP listener. Blocks until the
// listener exits.
func (a *App) Start() error {
	a.Scheduler.Start()
	return a.Server.Start()
}

// Shutdown unwinds in reverse dependency order.
func (a *App) Shutdown(ctx context.Context) {
	if err := a.Server.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("http shutdown")
	}
	a.Scheduler.Stop()
	if err := a.DB.Close(); err != nil {
		a.log.Warn().Err(err).Msg("database close")
	}
	if err := a.KV.Close(); err != nil {
		a.log.Warn().Err(err).Msg("kv close")
	}
}
