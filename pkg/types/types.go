// Package types provides canonical domain types shared across the engine.
package types

import "time"

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// RequiresPrice reports whether the order type needs an explicit price.
func (t OrderType) RequiresPrice() bool {
	return t != OrderTypeMarket
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// IsWorking reports whether the order still belongs to the reconciliation set.
func (s OrderStatus) IsWorking() bool {
	switch s {
	case OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

// TradeType classifies a trade row relative to its position.
type TradeType string

const (
	TradeTypeOpen       TradeType = "open"
	TradeTypeClose      TradeType = "close"
	TradeTypeAdjustment TradeType = "adjustment"
)

// AuditEvent is the closed set of audit log event types.
type AuditEvent string

const (
	AuditOrderCreated    AuditEvent = "order_created"
	AuditOrderFilled     AuditEvent = "order_filled"
	AuditOrderCancelled  AuditEvent = "order_cancelled"
	AuditStrategyStarted AuditEvent = "strategy_started"
	AuditStrategyStopped AuditEvent = "strategy_stopped"
	AuditPositionOpened  AuditEvent = "position_opened"
	AuditPositionClosed  AuditEvent = "position_closed"
	AuditConfigUpdated   AuditEvent = "config_updated"
	AuditRunnerStarted   AuditEvent = "runner_started"
	AuditRunnerStopped   AuditEvent = "runner_stopped"
	AuditError           AuditEvent = "error"
)

// Regime is the coarse market-state label derived from index closes.
type Regime string

const (
	RegimeTrendingUp    Regime = "trending_up"
	RegimeTrendingDown  Regime = "trending_down"
	RegimeRangeBound    Regime = "range_bound"
	RegimeHighVolRange  Regime = "high_volatility_range"
	RegimeUnknown       Regime = "unknown"
)

// Quote is the latest bid/ask snapshot for a symbol. Price is the bid/ask mid.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Bar is one OHLCV record over a single timeframe (daily unless stated).
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// AccountInfo is the broker account snapshot.
type AccountInfo struct {
	Cash           float64 `json:"cash"`
	Equity         float64 `json:"equity"`
	PortfolioValue float64 `json:"portfolio_value"`
	BuyingPower    float64 `json:"buying_power"`
	Status         string  `json:"status"`
	TradingBlocked bool    `json:"trading_blocked"`
	Currency       string  `json:"currency"`
}

// BrokerPosition is a position as reported by the broker. Quantity is signed:
// negative for short.
type BrokerPosition struct {
	Symbol               string       `json:"symbol"`
	Quantity             float64      `json:"quantity"`
	Side                 PositionSide `json:"side"`
	AvgEntryPrice        float64      `json:"avg_entry_price"`
	CurrentPrice         float64      `json:"current_price"`
	MarketValue          float64      `json:"market_value"`
	CostBasis            float64      `json:"cost_basis"`
	UnrealizedPnL        float64      `json:"unrealized_pnl"`
	UnrealizedPnLPercent float64      `json:"unrealized_pnl_percent"`
}

// BrokerOrder is an order as reported by the broker.
type BrokerOrder struct {
	ID             string      `json:"id"`
	Symbol         string      `json:"symbol"`
	Side           OrderSide   `json:"side"`
	Type           OrderType   `json:"type"`
	Quantity       float64     `json:"quantity"`
	FilledQuantity float64     `json:"filled_quantity"`
	Price          *float64    `json:"price,omitempty"`
	AvgFillPrice   *float64    `json:"avg_fill_price,omitempty"`
	Status         OrderStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// SymbolCapabilities describes what the broker permits for a symbol.
type SymbolCapabilities struct {
	Symbol       string `json:"symbol"`
	Tradable     bool   `json:"tradable"`
	Fractionable bool   `json:"fractionable"`
	Shortable    bool   `json:"shortable"`
}

// TradeUpdate is a trade-stream event delivered to the runner wake callback.
type TradeUpdate struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// TradeUpdateHandler consumes stream events. Implementations must not block.
type TradeUpdateHandler func(TradeUpdate)
