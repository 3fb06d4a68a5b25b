// Command optimize searches the strategy parameter space against historical
// bars and reports the winning parameter set.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/quantfoundry/tradeengine/pkg/backtest"
	"github.com/quantfoundry/tradeengine/pkg/broker"
	"github.com/quantfoundry/tradeengine/pkg/logging"
	"github.com/quantfoundry/tradeengine/pkg/optimize"
	"github.com/quantfoundry/tradeengine/pkg/storage"
)

var (
	configFile = flag.String("config", "optimize.yaml", "optimizer configuration file")
	paramsOut  = flag.String("out", "", "write the best parameter set as YAML to this path")
	jsonOut    = flag.String("json", "", "write the full result as JSON to this path")
)

// fileConfig is the optimizer CLI's YAML schema.
type fileConfig struct {
	StrategyID     string             `yaml:"strategy_id"`
	Start          string             `yaml:"start"` // YYYY-MM-DD
	End            string             `yaml:"end"`
	InitialCapital float64            `yaml:"initial_capital"`
	Symbols        []string           `yaml:"symbols"`
	BaseOverrides  map[string]float64 `yaml:"base_overrides"`

	Iterations       int     `yaml:"iterations"`
	Objective        string  `yaml:"objective"` // balanced, sharpe, return
	MinTrades        int     `yaml:"min_trades"`
	StrictMinTrades  bool    `yaml:"strict_min_trades"`
	WalkForwardFolds int     `yaml:"walk_forward_folds"`
	Seed             int64   `yaml:"seed"`
	RiskFreeRate     float64 `yaml:"risk_free_rate"`

	PinnedPrices map[string]float64 `yaml:"pinned_prices"`
	Storage      struct {
		Driver   string `yaml:"driver"`
		DSN      string `yaml:"dsn"`
		KeepRuns int    `yaml:"keep_runs"`
	} `yaml:"storage"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "optimize: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	start, err := time.Parse("2006-01-02", cfg.Start)
	if err != nil {
		return fmt.Errorf("bad start date %q: %w", cfg.Start, err)
	}
	end, err := time.Parse("2006-01-02", cfg.End)
	if err != nil {
		return fmt.Errorf("bad end date %q: %w", cfg.End, err)
	}

	data := broker.NewPaperBroker(broker.WithPinnedPrices(cfg.PinnedPrices))
	engine := backtest.NewEngine(data, log)

	opts := []optimize.Option{}
	if cfg.Storage.DSN != "" {
		store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN, log)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, optimize.WithRunHistory(store, cfg.Storage.KeepRuns))
	}
	opt := optimize.NewOptimizer(engine, log, opts...)

	result, err := opt.Run(optimize.Request{
		StrategyID:       cfg.StrategyID,
		Start:            start,
		End:              end,
		InitialCapital:   cfg.InitialCapital,
		Symbols:          cfg.Symbols,
		BaseOverrides:    cfg.BaseOverrides,
		Iterations:       cfg.Iterations,
		Objective:        optimize.Objective(cfg.Objective),
		MinTrades:        cfg.MinTrades,
		StrictMinTrades:  cfg.StrictMinTrades,
		WalkForwardFolds: cfg.WalkForwardFolds,
		Seed:             cfg.Seed,
		RiskFreeRate:     cfg.RiskFreeRate,
	})
	if err != nil {
		return err
	}

	printSummary(result)

	if *paramsOut != "" {
		data, err := yaml.Marshal(result.BestParams)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*paramsOut, data, 0644); err != nil {
			return err
		}
		log.Info("best parameters written", zap.String("path", *paramsOut))
	}
	if *jsonOut != "" {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(*jsonOut, data, 0644); err != nil {
			return err
		}
		log.Info("result written", zap.String("path", *jsonOut))
	}
	return nil
}

func printSummary(r *optimize.Result) {
	line := strings.Repeat("=", 60)
	fmt.Println(line)
	fmt.Println("OPTIMIZATION SUMMARY")
	fmt.Println(line)

	fmt.Printf("\nRun ID:     %s\n", r.RunID)
	fmt.Printf("Objective:  %s\n", r.Objective)
	fmt.Printf("Candidates: %d\n", len(r.Candidates))
	fmt.Printf("Best Score: %.4f\n", r.BestScore)
	fmt.Printf("Symbols:    %s\n", strings.Join(r.BestSymbols, ", "))

	m := r.BestMetrics
	fmt.Printf("\nBest Run Metrics:\n")
	fmt.Printf("  Total Return:  %.2f%%\n", m.TotalReturnPct)
	fmt.Printf("  Sharpe Ratio:  %.2f\n", m.SharpeRatio)
	fmt.Printf("  Win Rate:      %.1f%%\n", m.WinRatePct)
	fmt.Printf("  Max Drawdown:  %.2f%%\n", m.MaxDrawdownPct)
	fmt.Printf("  Total Trades:  %d\n", m.TotalTrades)

	fmt.Printf("\nBest Parameters:\n")
	for _, t := range backtest.Tunables() {
		fmt.Printf("  %-24s %.4g\n", t.Key+":", r.BestParams[t.Key])
	}

	if r.WalkForward != nil {
		fmt.Printf("\nWalk-Forward:\n")
		fmt.Printf("  Folds:      %d\n", len(r.WalkForward.Folds))
		fmt.Printf("  Pass Rate:  %.0f%%\n", r.WalkForward.PassRatePct)
		fmt.Printf("  Avg Score:  %.4f\n", r.WalkForward.AvgScore)
		fmt.Printf("  Worst Fold: %.4f\n", r.WalkForward.WorstScore)
	}
	fmt.Println(line)
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.StrategyID == "" {
		cfg.StrategyID = "optimize"
	}
	if cfg.InitialCapital == 0 {
		cfg.InitialCapital = 100000
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	return &cfg, nil
}
