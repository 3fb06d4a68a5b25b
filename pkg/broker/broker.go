// Package broker defines the brokerage port and its implementations.
package broker

import (
	"time"

	"github.com/quantfoundry/tradeengine/pkg/types"
)

// Broker is the brokerage abstraction the engine trades through. A paper
// implementation simulates deterministic prices and immediate market-order
// fills; a live implementation wraps a vendor adapter.
//
// SubmitOrder carries a single optional price: stop_limit uses it for both
// legs. Implementations impose their own network timeouts; callers observe
// cancellation between calls, never mid-call.
type Broker interface {
	Connect() error
	Disconnect() error
	IsConnected() bool

	GetAccountInfo() (*types.AccountInfo, error)
	GetPositions() ([]types.BrokerPosition, error)

	SubmitOrder(symbol string, side types.OrderSide, orderType types.OrderType, quantity float64, price *float64) (*types.BrokerOrder, error)
	CancelOrder(id string) error
	GetOrder(id string) (*types.BrokerOrder, error)
	GetOrders(status *types.OrderStatus) ([]types.BrokerOrder, error)

	GetMarketData(symbol string) (*types.Quote, error)
	GetHistoricalBars(symbol string, start, end time.Time, limit int) ([]types.Bar, error)

	IsMarketOpen() (bool, error)
	GetNextMarketOpen() (*time.Time, error)

	IsSymbolTradable(symbol string) (bool, error)
	IsSymbolFractionable(symbol string) (bool, error)
	GetSymbolCapabilities(symbol string) (*types.SymbolCapabilities, error)

	// StartTradeUpdateStream registers cb for trade events and reports
	// whether streaming is available. The default answer is false; the
	// engine must function on pure polling.
	StartTradeUpdateStream(cb types.TradeUpdateHandler) (bool, error)
	StopTradeUpdateStream() error
}
