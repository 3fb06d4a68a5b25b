// Package strategy defines the strategy contract the runner dispatches and
// the metrics-driven implementation.
package strategy

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/quantfoundry/tradeengine/pkg/config"
	"github.com/quantfoundry/tradeengine/pkg/types"
)

// Signal is one order request emitted by a strategy tick.
type Signal struct {
	Symbol     string
	Side       types.OrderSide
	Type       types.OrderType
	Quantity   float64
	Price      *float64 // nil for market orders
	Reason     string
	StrategyID string // filled by the runner before submission
}

// Strategy is the contract the runner drives. OnTick receives the quotes for
// the strategy's symbols and returns zero or more signals; it is never
// invoked concurrently with itself.
type Strategy interface {
	Name() string
	Symbols() []string
	OnStart() error
	OnTick(quotes map[string]types.Quote) ([]Signal, error)
	OnStop()
}

// BarSource supplies daily-bar history. Satisfied by the market-data service
// and by test fakes.
type BarSource interface {
	GetDailyBars(symbol string, days int) ([]types.Bar, error)
}

// New builds a strategy from its config section. The one real implementation
// is metrics_driven; unknown types are an error.
func New(section config.StrategySection, bars BarSource, log *zap.Logger) (Strategy, error) {
	switch section.Type {
	case "metrics_driven":
		return NewMetricsDriven(section, bars, log), nil
	default:
		return nil, fmt.Errorf("unknown strategy type %q", section.Type)
	}
}
