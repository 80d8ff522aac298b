// Command tradewind launches the trading engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/windmark/tradewind/internal/analytics"
	"github.com/windmark/tradewind/internal/bus"
	"github.com/windmark/tradewind/internal/config"
	"github.com/windmark/tradewind/internal/decision"
	"github.com/windmark/tradewind/internal/exchange"
	binanceex "github.com/windmark/tradewind/internal/exchange/binance"
	"github.com/windmark/tradewind/internal/exchange/paper"
	"github.com/windmark/tradewind/internal/execution"
	"github.com/windmark/tradewind/internal/lifecycle"
	"github.com/windmark/tradewind/internal/notify"
	"github.com/windmark/tradewind/internal/order"
	"github.com/windmark/tradewind/internal/position"
	"github.com/windmark/tradewind/internal/storage"
	"github.com/windmark/tradewind/internal/storage/memory"
	"github.com/windmark/tradewind/internal/storage/postgres"
	binancestream "github.com/windmark/tradewind/internal/stream/binance"
	"github.com/windmark/tradewind/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	engineLoggerPrefix       = "tradewind "
	shutdownTimeout          = 30 * time.Second
	componentStopTimeout     = 10 * time.Second
	busDrainTimeout          = 2 * time.Second
	adapterShutdownTimeout   = 5 * time.Second
	storageShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newEngineLogger()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, exchange=%s, symbols=%d",
		cfg.Environment, cfg.Exchange.Name, len(cfg.Stream.Symbols))

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	broker := bus.New(bus.Config{QueueSize: cfg.Bus.QueueSize, Logger: logger})

	pgPool, backend, err := buildStorageBackend(ctx, cfg.Storage)
	if err != nil {
		logger.Fatalf("initialise storage backend: %v", err)
	}
	pool := storage.NewPool(storage.PoolConfig{MaxOpen: cfg.Storage.MaxOpenPairs, Logger: logger}, backend)

	factory := exchange.NewFactory(logger)
	registerAdapters(factory, cfg.Exchange)
	adapter, err := factory.Acquire(ctx, exchange.Key{
		Name:   cfg.Exchange.Name,
		Market: exchange.MarketSpot,
	})
	if err != nil {
		logger.Fatalf("acquire exchange adapter: %v", err)
	}

	components := buildComponents(cfg, broker, pool, adapter, logger)

	started := make([]lifecycle.Component, 0, len(components))
	for _, component := range components {
		if err := component.Start(ctx); err != nil {
			stopComponents(logger, started)
			logger.Fatalf("start %s: %v", component.Name(), err)
		}
		started = append(started, component)
		logger.Printf("component started: %s", component.Name())
	}

	logger.Print("engine started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		components: started,
		factory:    factory,
		pool:       pool,
		broker:     broker,
		pgPool:     pgPool,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	if *cfgPath != "" {
		return *cfgPath
	}
	return filepath.Clean(defaultConfigPath)
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newEngineLogger() *log.Logger {
	return log.New(os.Stdout, engineLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.EnableMetrics,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  string(cfg.Environment),
	})
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if cfg.Telemetry.EnableMetrics {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return provider, nil
}

func buildStorageBackend(ctx context.Context, cfg config.StorageConfig) (*pgxpool.Pool, storage.Backend, error) {
	if cfg.Backend != "postgres" {
		return nil, memory.NewBackend(), nil
	}
	pgPool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pgPool.Ping(ctx); err != nil {
		pgPool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pgPool, postgres.NewBackend(pgPool), nil
}

func registerAdapters(factory *exchange.Factory, cfg config.ExchangeConfig) {
	factory.Register("paper", func(exchange.Key) (exchange.Adapter, error) {
		return paper.New(paper.Options{
			Name:     "paper",
			Balances: map[string]decimal.Decimal{"USDT": decimal.NewFromFloat(cfg.InitialBalance)},
		}), nil
	})
	factory.Register("binance", func(exchange.Key) (exchange.Adapter, error) {
		return binanceex.New(binanceex.Options{
			BaseURL:   cfg.RESTURL,
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		}), nil
	})
}

// buildComponents assembles the engine in startup order: storage and
// analytics before decision, decision before execution, the market data
// stream last so every consumer is subscribed before ticks flow.
func buildComponents(cfg config.AppConfig, broker *bus.Bus, pool *storage.Pool, adapter exchange.Adapter, logger *log.Logger) []lifecycle.Component {
	recorder := storage.NewRecorder(storage.RecorderConfig{
		Market:     cfg.Storage.Market,
		FlowWindow: cfg.Storage.FlowWindow.Std(),
	}, pool, broker, logger)
	sweeper := storage.NewSweeper(storage.SweeperConfig{
		Interval: cfg.Storage.SweepInterval.Std(),
		Retention: storage.Retention{
			TickWindow:      cfg.Storage.Retention.TickWindow.Std(),
			CandleWindow:    cfg.Storage.Retention.CandleWindow.Std(),
			StructureWindow: cfg.Storage.Retention.StructureWindow.Std(),
		},
	}, pool, logger)

	cache := analytics.NewCache()
	builder := analytics.NewBuilder(analytics.BuilderConfig{}, cache, broker, logger)

	decisionEngine := decision.NewEngine(buildDecisionPipeline(cfg.Decision, logger), cache, broker, logger)

	orders := order.NewManager(0, logger)
	executionEngine := execution.NewEngine(execution.EngineConfig{
		ExchangeName:     cfg.Exchange.Name,
		OrderThrottle:    cfg.Exchange.OrderThrottle,
		BreakerThreshold: cfg.Execution.BreakerThreshold,
		BreakerCooldown:  cfg.Execution.BreakerCooldown.Std(),
	}, buildExecutionPipeline(cfg, adapter, logger), adapter, orders, broker, logger)

	monitor := position.NewMonitor(position.MonitorConfig{
		MaxHoldTime:          cfg.Monitor.MaxHoldTime.Std(),
		CheckInterval:        cfg.Monitor.CheckInterval.Std(),
		DumpWindow:           cfg.Monitor.DumpWindow.Std(),
		DumpThresholdPercent: decimal.NewFromFloat(cfg.Monitor.DumpThresholdPercent),
		ExitOnDump:           cfg.Monitor.ExitOnDump,
		CorrelationWindow:    cfg.Monitor.CorrelationWindow.Std(),
		TrailingStopPercent:  decimal.NewFromFloat(cfg.Monitor.TrailingStopPercent),
		Logger:               logger,
	}, broker, logger)

	components := []lifecycle.Component{recorder, sweeper, builder, decisionEngine, executionEngine, monitor}

	if cfg.Notify.Enabled {
		sender := notify.NewEmailSender(notify.SMTPConfig{
			Host:     cfg.Notify.SMTP.Host,
			Port:     cfg.Notify.SMTP.Port,
			Username: cfg.Notify.SMTP.Username,
			Password: cfg.Notify.SMTP.Password,
			From:     cfg.Notify.SMTP.From,
		})
		components = append(components, notify.NewRouter(notify.RouterConfig{
			Recipients:      cfg.Notify.Recipients,
			WarningInterval: cfg.Notify.WarningInterval.Std(),
			InfoInterval:    cfg.Notify.InfoInterval.Std(),
			RatePerHour:     cfg.Notify.RatePerHour,
			Logger:          logger,
		}, broker, sender, logger))
	}

	components = append(components, binancestream.NewStream(binancestream.StreamConfig{
		URL:           cfg.Stream.URL,
		Symbols:       cfg.Stream.Symbols,
		Intervals:     cfg.Stream.Intervals,
		MaxReconnects: cfg.Stream.MaxReconnects,
		Logger:        logger,
	}, broker, logger))
	return components
}

func buildDecisionPipeline(cfg config.DecisionConfig, logger *log.Logger) *decision.Pipeline {
	analyzers := make([]decision.AnalyzerSpec, 0, len(cfg.Analyzers))
	for _, a := range cfg.Analyzers {
		analyzers = append(analyzers, decision.AnalyzerSpec{Name: a.Name, Params: a.Params})
	}
	filters := make([]decision.FilterSpec, 0, len(cfg.Filters))
	for _, f := range cfg.Filters {
		filters = append(filters, decision.FilterSpec{
			Name:   f.Name,
			Weight: decimal.NewFromFloat(f.Weight),
			Params: f.Params,
			Script: f.Script,
		})
	}
	primaries, secondaries, err := decision.Build(analyzers, filters)
	if err != nil {
		logger.Fatalf("build decision pipeline: %v", err)
	}
	return decision.NewPipeline(decision.Config{
		Threshold:         decimal.NewFromFloat(cfg.Threshold),
		PositionPercent:   decimal.NewFromFloat(cfg.PositionPercent),
		StopLossPercent:   decimal.NewFromFloat(cfg.StopLossPercent),
		TakeProfitPercent: decimal.NewFromFloat(cfg.TakeProfitPercent),
	}, primaries, secondaries, logger)
}

func buildExecutionPipeline(cfg config.AppConfig, adapter exchange.Adapter, logger *log.Logger) *execution.Pipeline {
	providers := execution.AdapterProviders{Adapter: adapter}
	return execution.NewPipeline(logger,
		execution.NewValidationHandler(execution.ValidationConfig{
			MinConfluence:     decimal.NewFromFloat(cfg.Execution.MinConfluence),
			ExchangeWhitelist: cfg.Exchange.Whitelist,
		}),
		execution.NewRiskHandler(execution.RiskConfig{
			MaxConcurrentPositions: cfg.Execution.MaxConcurrentPositions,
			MaxPositionPercent:     decimal.NewFromFloat(cfg.Execution.MaxPositionPercent),
			MinRiskReward:          decimal.NewFromFloat(cfg.Execution.MinRiskReward),
			MaxStopDistancePercent: decimal.NewFromFloat(cfg.Execution.MaxStopDistancePercent),
		}, providers, providers),
		execution.NewPlacementHandler(execution.RetryConfig{
			MaxRetries:   cfg.Execution.MaxRetries,
			BaseInterval: cfg.Execution.RetryBaseDelay.Std(),
			Multiplier:   cfg.Execution.RetryMultiplier,
			Jitter:       true,
		}, adapter),
		execution.NewReconcileHandler(execution.ReconcileConfig{
			Enabled:      cfg.Execution.ReconcileEnabled,
			PollInterval: cfg.Execution.ReconcileInterval.Std(),
			Timeout:      cfg.Execution.ReconcileTimeout.Std(),
			MinFillRatio: decimal.NewFromFloat(cfg.Execution.MinFillRatio),
		}, adapter),
	)
}

func stopComponents(logger *log.Logger, components []lifecycle.Component) {
	ctx, cancel := context.WithTimeout(context.Background(), componentStopTimeout)
	defer cancel()
	for i := len(components) - 1; i >= 0; i-- {
		if err := components[i].Stop(ctx); err != nil {
			logger.Printf("stop %s: %v", components[i].Name(), err)
		}
	}
}

type gracefulShutdownConfig struct {
	components []lifecycle.Component
	factory    *exchange.Factory
	pool       *storage.Pool
	broker     *bus.Bus
	pgPool     *pgxpool.Pool
	telemetry  *telemetry.Provider
}

// performGracefulShutdown stops consumers in reverse startup order, drains
// the bus, then releases venue connections and storage.
func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	for i := len(cfg.components) - 1; i >= 0; i-- {
		component := cfg.components[i]
		shutdownStep("stopping "+component.Name(), componentStopTimeout, component.Stop)
	}

	shutdownStep("draining event bus", busDrainTimeout+time.Second, func(context.Context) error {
		cfg.broker.Stop(busDrainTimeout)
		var published, dropped uint64
		for _, kind := range cfg.broker.Stats().Kinds {
			published += kind.Published
			dropped += kind.Dropped
		}
		logger.Printf("bus drained: published=%d dropped=%d", published, dropped)
		return nil
	})

	shutdownStep("disconnecting exchange adapters", adapterShutdownTimeout, func(stepCtx context.Context) error {
		cfg.factory.CloseAll(stepCtx)
		return nil
	})

	shutdownStep("closing storage pool", storageShutdownTimeout, func(stepCtx context.Context) error {
		return cfg.pool.Close(stepCtx)
	})
	if cfg.pgPool != nil {
		cfg.pgPool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}
