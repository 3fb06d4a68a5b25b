// Command engine runs the live trading engine: broker connection, strategy
// runner loop, execution service, and the optional metrics endpoint.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quantfoundry/tradeengine/pkg/broker"
	"github.com/quantfoundry/tradeengine/pkg/bus"
	"github.com/quantfoundry/tradeengine/pkg/config"
	"github.com/quantfoundry/tradeengine/pkg/execution"
	"github.com/quantfoundry/tradeengine/pkg/logging"
	"github.com/quantfoundry/tradeengine/pkg/marketdata"
	"github.com/quantfoundry/tradeengine/pkg/risk"
	"github.com/quantfoundry/tradeengine/pkg/runner"
	"github.com/quantfoundry/tradeengine/pkg/screener"
	"github.com/quantfoundry/tradeengine/pkg/storage"
	"github.com/quantfoundry/tradeengine/pkg/strategy"
)

var configFile = flag.String("config", "config.yaml", "configuration file path")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("engine failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	b, err := buildBroker(cfg, log)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN, log)
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, err := bus.Connect(cfg.Bus.NATSURL, cfg.Bus.SubjectPrefix, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	var riskMgr *risk.Manager
	if cfg.Risk.Enabled {
		riskMgr = risk.NewManager(&risk.Profile{
			MaxPositionSize:           cfg.Risk.MaxPositionSize,
			DailyLossLimit:            cfg.Risk.DailyLossLimit,
			MaxDrawdownPct:            cfg.Risk.MaxDrawdownPct,
			MaxPortfolioExposure:      cfg.Risk.MaxPortfolioExposure,
			MaxOpenPositions:          cfg.Risk.MaxOpenPositions,
			MaxSymbolConcentrationPct: cfg.Risk.MaxSymbolConcentrationPct,
			MaxConsecutiveLosses:      cfg.Risk.MaxConsecutiveLosses,
		}, log)
	}

	var budget *risk.BudgetTracker
	if cfg.Budget.Enabled {
		budgetOpts := []risk.BudgetOption{}
		if cfg.Budget.Persist {
			budgetOpts = append(budgetOpts, risk.WithBudgetStore(store.Configs))
		}
		budget = risk.NewBudgetTracker(cfg.Budget.WeeklyBudget, log, budgetOpts...)
	}

	execOpts := []execution.Option{}
	if riskMgr != nil {
		execOpts = append(execOpts, execution.WithRiskManager(riskMgr))
	}
	if budget != nil {
		execOpts = append(execOpts, execution.WithBudgetTracker(budget))
	}
	if publisher != nil {
		execOpts = append(execOpts, execution.WithPublisher(publisher))
	}
	exec := execution.NewService(b, store, execution.Config{
		OrderThrottlePerMinute: cfg.Execution.OrderThrottlePerMinute,
		MaxPositionValue:       cfg.Execution.MaxPositionValue,
		MaxDailyRisk:           cfg.Execution.MaxDailyRisk,
	}, log, execOpts...)

	md := marketdata.New(b, log)

	runnerOpts := []runner.Option{}
	if riskMgr != nil {
		runnerOpts = append(runnerOpts, runner.WithRiskManager(riskMgr))
	}
	// The loop owns a dedicated storage session for its lifetime; request-time
	// callers keep using the shared store.
	r := runner.New(b, store.NewSession(), exec, md, runner.Config{
		TickInterval:     time.Duration(cfg.Engine.TickIntervalSec) * time.Second,
		OffHoursPoll:     time.Duration(cfg.Engine.OffHoursPollIntervalSec) * time.Second,
		StreamingEnabled: cfg.Engine.StreamingEnabled,
	}, log, runnerOpts...)

	if err := loadStrategies(cfg, b, r, md, store, log); err != nil {
		return err
	}

	if cfg.Metrics.ListenAddr != "" {
		go serveMetrics(cfg.Metrics.ListenAddr, log)
	}

	if err := r.Start(); err != nil {
		return err
	}

	waitForShutdown(r, log)
	return r.Stop()
}

func buildBroker(cfg *config.Config, log *zap.Logger) (broker.Broker, error) {
	if cfg.Broker.Kind != "paper" {
		return nil, fmt.Errorf("broker kind %q has no adapter wired", cfg.Broker.Kind)
	}

	opts := []broker.PaperOption{
		broker.WithInitialCash(cfg.Broker.Paper.InitialCash),
		broker.WithPinnedPrices(cfg.Broker.Paper.PinnedPrices),
		broker.WithSlippageBps(cfg.Broker.Paper.SlippageBps),
		broker.WithSeed(cfg.Broker.Paper.Seed),
	}
	if cfg.Broker.Paper.FollowSession {
		cal, err := broker.NewCalendar(
			cfg.Broker.Paper.Session.StartTime,
			cfg.Broker.Paper.Session.EndTime,
			cfg.Broker.Paper.Session.Timezone,
		)
		if err != nil {
			return nil, err
		}
		opts = append(opts, broker.WithCalendar(cal))
	} else {
		opts = append(opts, broker.WithMarketOpen(true))
	}

	var b broker.Broker = broker.NewPaperBroker(opts...)
	if cfg.Broker.Resilience.Enabled {
		b = broker.NewResilientBroker(b, broker.ResilienceConfig{
			MaxConsecutiveFailures: cfg.Broker.Resilience.MaxConsecutiveFailures,
			OpenTimeout:            time.Duration(cfg.Broker.Resilience.OpenTimeoutSec) * time.Second,
		}, log)
	}
	return b, nil
}

// loadStrategies builds each enabled strategy and registers its storage row
// so fills can be attributed to it. Strategies without static symbols trade
// the screened universe.
func loadStrategies(cfg *config.Config, b broker.Broker, r *runner.Runner, md *marketdata.Service, store *storage.Store, log *zap.Logger) error {
	var screened []string
	for _, section := range cfg.Strategies {
		if !section.Enabled {
			continue
		}
		if len(section.Symbols) == 0 {
			if screened == nil {
				var err error
				screened, err = screenUniverse(cfg, b, r, store, log)
				if err != nil {
					return err
				}
			}
			section.Symbols = screened
		}
		s, err := strategy.New(section, md, log)
		if err != nil {
			return err
		}
		id, err := registerStrategy(store, section)
		if err != nil {
			return err
		}
		if err := r.AddStrategy(s, id); err != nil {
			return err
		}
		log.Info("strategy loaded",
			zap.String("name", section.Name),
			zap.String("type", section.Type),
			zap.Strings("symbols", section.Symbols))
	}
	return nil
}

// screenUniverse runs the screener over the configured universe, seeding it
// from the operator's preset preferences and marking held symbols for the
// continuity bonus.
func screenUniverse(cfg *config.Config, b broker.Broker, r *runner.Runner, store *storage.Store, log *zap.Logger) ([]string, error) {
	if len(cfg.Screener.Universe) == 0 {
		return nil, fmt.Errorf("screener universe is empty; set screener.universe or static strategy symbols")
	}
	if !b.IsConnected() {
		if err := b.Connect(); err != nil {
			return nil, err
		}
	}

	prefs := r.LoadPreferences()
	preset := prefs.StockPreset
	if prefs.AssetType == "etf" {
		preset = prefs.ETFPreset
	}
	seeds := screener.SeedPreset(prefs.AssetType, preset)

	held := make(map[string]bool)
	if open, err := store.Positions.ListOpen(); err == nil {
		for _, p := range open {
			held[p.Symbol] = true
		}
	}

	symbols := screener.New(b, log).SelectUniverse(cfg.Screener, seeds, held)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("screener selected no symbols from a universe of %d", len(cfg.Screener.Universe))
	}
	log.Info("universe screened",
		zap.String("mode", cfg.Screener.Mode),
		zap.String("asset_type", prefs.AssetType),
		zap.Strings("symbols", symbols))
	return symbols, nil
}

func registerStrategy(store *storage.Store, section config.StrategySection) (string, error) {
	existing, err := store.Strategies.GetByName(section.Name)
	if err != nil {
		return "", err
	}
	cfgJSON, _ := json.Marshal(section)
	if existing != nil {
		existing.StrategyType = section.Type
		existing.ConfigJSON = string(cfgJSON)
		existing.IsEnabled = true
		existing.IsActive = true
		if err := store.Strategies.Update(existing); err != nil {
			return "", err
		}
		return existing.ID, nil
	}
	rec := &storage.StrategyRecord{
		ID:           uuid.NewString(),
		Name:         section.Name,
		StrategyType: section.Type,
		ConfigJSON:   string(cfgJSON),
		IsEnabled:    true,
		IsActive:     true,
	}
	if err := store.Strategies.Create(rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func serveMetrics(addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics endpoint failed", zap.Error(err))
	}
}

// waitForShutdown blocks until SIGINT/SIGTERM. SIGUSR1 dumps the runner
// status to the log without stopping.
func waitForShutdown(r *runner.Runner, log *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	for sig := range sigCh {
		if sig == syscall.SIGUSR1 {
			dump, err := json.Marshal(r.Status())
			if err != nil {
				log.Error("status dump failed", zap.Error(err))
				continue
			}
			log.Info("runner status", zap.ByteString("status", dump))
			continue
		}
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		return
	}
}
