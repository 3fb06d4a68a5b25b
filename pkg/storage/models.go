// Package storage provides the durable state of the engine as repository
// interfaces per aggregate, backed by gorm.
package storage

import (
	"time"

	"github.com/quantfoundry/tradeengine/pkg/types"
)

// Position is an aggregated holding per (symbol, side). At most one open row
// per pair; cost basis tracks |quantity| * avg entry except inside the
// atomic update step.
type Position struct {
	ID            uint               `gorm:"primaryKey"`
	Symbol        string             `gorm:"size:16;index:idx_positions_symbol_open"`
	Side          types.PositionSide `gorm:"size:8"`
	Quantity      float64
	AvgEntryPrice float64
	CostBasis     float64
	RealizedPnL   float64
	IsOpen        bool `gorm:"index:idx_positions_symbol_open"`
	OpenedAt      time.Time
	ClosedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Order is a persisted order row. ExternalID stays nil until the broker
// acknowledges the submission.
type Order struct {
	ID             string  `gorm:"primaryKey;size:36"`
	ExternalID     *string `gorm:"size:64;uniqueIndex"`
	Symbol         string  `gorm:"size:16;index"`
	Side           types.OrderSide   `gorm:"size:8"`
	Type           types.OrderType   `gorm:"size:16"`
	Status         types.OrderStatus `gorm:"size:24;index"`
	Quantity       float64
	Price          *float64
	FilledQuantity float64
	AvgFillPrice   *float64
	StrategyID     *string `gorm:"size:36;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FilledAt       *time.Time
}

// Trade is an append-only execution record. One order may produce many.
type Trade struct {
	ID          string `gorm:"primaryKey;size:36"`
	OrderID     string `gorm:"size:36;index"`
	Symbol      string `gorm:"size:16;index"`
	Side        types.OrderSide `gorm:"size:8"`
	Type        types.TradeType `gorm:"size:16"`
	Quantity    float64
	Price       float64
	Commission  float64
	Fees        float64
	RealizedPnL *float64
	StrategyID  *string   `gorm:"size:36"`
	ExecutedAt  time.Time `gorm:"index"`
}

// StrategyRecord is the stored strategy registration. IsActive gates runner
// loading; disabling an enabled strategy stops it.
type StrategyRecord struct {
	ID           string `gorm:"primaryKey;size:36"`
	Name         string `gorm:"size:64;uniqueIndex"`
	StrategyType string `gorm:"size:32"`
	ConfigJSON   string `gorm:"type:text"`
	IsEnabled    bool
	IsActive     bool
	TotalTrades  int
	WinRate      float64
	TotalPnL     float64
	LastRunAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ConfigEntry is a key/value row with upsert semantics. Runner checkpoints
// persist here as JSON blobs.
type ConfigEntry struct {
	Key         string `gorm:"primaryKey;size:64"`
	Value       string `gorm:"type:text"`
	ValueType   string `gorm:"size:16"` // string, int, float, bool, json
	Description string
	UpdatedAt   time.Time
}

// AuditLog is an append-only audit row with a closed event-type set.
type AuditLog struct {
	ID          string           `gorm:"primaryKey;size:36"`
	EventType   types.AuditEvent `gorm:"size:32;index"`
	Description string
	Details     string  `gorm:"type:text"`
	UserID      *string `gorm:"size:36"`
	StrategyID  *string `gorm:"size:36"`
	OrderID     *string `gorm:"size:36"`
	Timestamp   time.Time `gorm:"index"`
}

// PortfolioSnapshot is one equity observation per successful tick.
type PortfolioSnapshot struct {
	ID               uint      `gorm:"primaryKey"`
	Timestamp        time.Time `gorm:"index"`
	Equity           float64
	Cash             float64
	BuyingPower      float64
	MarketValue      float64
	UnrealizedPnL    float64
	RealizedPnLTotal float64
	OpenPositions    int
}

// OptimizationRun is the upserted history of optimizer executions.
type OptimizationRun struct {
	ID             uint   `gorm:"primaryKey"`
	RunID          string `gorm:"size:36;uniqueIndex"`
	StrategyID     string `gorm:"size:36;index"`
	Source         string `gorm:"size:8"`  // sync, async
	Status         string `gorm:"size:16"` // queued, running, succeeded, failed, cancelled
	RequestJSON    string `gorm:"type:text"`
	ResultJSON     string `gorm:"type:text"`
	Score          float64
	TotalReturnPct float64
	SharpeRatio    float64
	TotalTrades    int
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
