package broker

import (
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/quantfoundry/tradeengine/pkg/types"
)

// ResilientBroker wraps a Broker with a circuit breaker. Consecutive
// transport failures open the circuit; while open every call fails fast and
// IsConnected reports false, which makes the runner fall into its reconnect
// path instead of hammering a dead vendor.
type ResilientBroker struct {
	inner Broker
	cb    *gobreaker.CircuitBreaker
	log   *zap.Logger
}

// ResilienceConfig tunes the breaker.
type ResilienceConfig struct {
	MaxConsecutiveFailures uint32
	OpenTimeout            time.Duration
}

// NewResilientBroker decorates inner with a circuit breaker.
func NewResilientBroker(inner Broker, cfg ResilienceConfig, log *zap.Logger) *ResilientBroker {
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	r := &ResilientBroker{inner: inner, log: log}
	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("broker circuit state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return r
}

func (r *ResilientBroker) do(op string, fn func() (interface{}, error)) (interface{}, error) {
	v, err := r.cb.Execute(fn)
	if err != nil {
		return nil, types.NewBrokerError(op, err)
	}
	return v, nil
}

func (r *ResilientBroker) Connect() error {
	_, err := r.do("connect", func() (interface{}, error) {
		return nil, r.inner.Connect()
	})
	return err
}

func (r *ResilientBroker) Disconnect() error {
	// Disconnect always reaches the vendor, even with the circuit open.
	return r.inner.Disconnect()
}

// IsConnected reports false while the circuit is open.
func (r *ResilientBroker) IsConnected() bool {
	if r.cb.State() == gobreaker.StateOpen {
		return false
	}
	return r.inner.IsConnected()
}

func (r *ResilientBroker) GetAccountInfo() (*types.AccountInfo, error) {
	v, err := r.do("get_account_info", func() (interface{}, error) {
		return r.inner.GetAccountInfo()
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.AccountInfo), nil
}

func (r *ResilientBroker) GetPositions() ([]types.BrokerPosition, error) {
	v, err := r.do("get_positions", func() (interface{}, error) {
		return r.inner.GetPositions()
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.BrokerPosition), nil
}

func (r *ResilientBroker) SubmitOrder(symbol string, side types.OrderSide, orderType types.OrderType, quantity float64, price *float64) (*types.BrokerOrder, error) {
	v, err := r.do("submit_order", func() (interface{}, error) {
		return r.inner.SubmitOrder(symbol, side, orderType, quantity, price)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.BrokerOrder), nil
}

func (r *ResilientBroker) CancelOrder(id string) error {
	_, err := r.do("cancel_order", func() (interface{}, error) {
		return nil, r.inner.CancelOrder(id)
	})
	return err
}

func (r *ResilientBroker) GetOrder(id string) (*types.BrokerOrder, error) {
	v, err := r.do("get_order", func() (interface{}, error) {
		return r.inner.GetOrder(id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.BrokerOrder), nil
}

func (r *ResilientBroker) GetOrders(status *types.OrderStatus) ([]types.BrokerOrder, error) {
	v, err := r.do("get_orders", func() (interface{}, error) {
		return r.inner.GetOrders(status)
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.BrokerOrder), nil
}

func (r *ResilientBroker) GetMarketData(symbol string) (*types.Quote, error) {
	v, err := r.do("get_market_data", func() (interface{}, error) {
		return r.inner.GetMarketData(symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Quote), nil
}

func (r *ResilientBroker) GetHistoricalBars(symbol string, start, end time.Time, limit int) ([]types.Bar, error) {
	v, err := r.do("get_historical_bars", func() (interface{}, error) {
		return r.inner.GetHistoricalBars(symbol, start, end, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.Bar), nil
}

func (r *ResilientBroker) IsMarketOpen() (bool, error) {
	v, err := r.do("is_market_open", func() (interface{}, error) {
		return r.inner.IsMarketOpen()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (r *ResilientBroker) GetNextMarketOpen() (*time.Time, error) {
	v, err := r.do("get_next_market_open", func() (interface{}, error) {
		return r.inner.GetNextMarketOpen()
	})
	if err != nil {
		return nil, err
	}
	return v.(*time.Time), nil
}

func (r *ResilientBroker) IsSymbolTradable(symbol string) (bool, error) {
	v, err := r.do("is_symbol_tradable", func() (interface{}, error) {
		return r.inner.IsSymbolTradable(symbol)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (r *ResilientBroker) IsSymbolFractionable(symbol string) (bool, error) {
	v, err := r.do("is_symbol_fractionable", func() (interface{}, error) {
		return r.inner.IsSymbolFractionable(symbol)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (r *ResilientBroker) GetSymbolCapabilities(symbol string) (*types.SymbolCapabilities, error) {
	v, err := r.do("get_symbol_capabilities", func() (interface{}, error) {
		return r.inner.GetSymbolCapabilities(symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.SymbolCapabilities), nil
}

// StartTradeUpdateStream registers the callback directly; stream setup is
// not breaker-protected.
func (r *ResilientBroker) StartTradeUpdateStream(cb types.TradeUpdateHandler) (bool, error) {
	return r.inner.StartTradeUpdateStream(cb)
}

func (r *ResilientBroker) StopTradeUpdateStream() error {
	return r.inner.StopTradeUpdateStream()
}
