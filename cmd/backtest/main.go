// Command backtest replays daily bars through the strategy rules and prints
// the performance report.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/quantfoundry/tradeengine/pkg/backtest"
	"github.com/quantfoundry/tradeengine/pkg/broker"
	"github.com/quantfoundry/tradeengine/pkg/logging"
)

var (
	configFile = flag.String("config", "backtest.yaml", "backtest configuration file")
	jsonOut    = flag.String("json", "", "write the full result as JSON to this path")
)

// fileConfig is the backtest CLI's YAML schema.
type fileConfig struct {
	StrategyID     string             `yaml:"strategy_id"`
	Start          string             `yaml:"start"` // YYYY-MM-DD
	End            string             `yaml:"end"`
	InitialCapital float64            `yaml:"initial_capital"`
	Symbols        []string           `yaml:"symbols"`
	Overrides      map[string]float64 `yaml:"overrides"`
	RiskFreeRate   float64            `yaml:"risk_free_rate"`
	PinnedPrices   map[string]float64 `yaml:"pinned_prices"`
	Logging        struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
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

	// The paper broker doubles as the deterministic bar source.
	data := broker.NewPaperBroker(broker.WithPinnedPrices(cfg.PinnedPrices))
	engine := backtest.NewEngine(data, log)

	result, err := engine.Run(backtest.Request{
		StrategyID:     cfg.StrategyID,
		Start:          start,
		End:            end,
		InitialCapital: cfg.InitialCapital,
		Symbols:        cfg.Symbols,
		Overrides:      cfg.Overrides,
		RiskFreeRate:   cfg.RiskFreeRate,
	})
	if err != nil {
		return err
	}

	fmt.Print(backtest.RenderReport(result))

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
		cfg.StrategyID = "backtest"
	}
	if cfg.InitialCapital == 0 {
		cfg.InitialCapital = 100000
	}
	return &cfg, nil
}
