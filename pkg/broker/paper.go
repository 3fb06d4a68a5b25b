package broker

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfoundry/tradeengine/pkg/types"
)

// ErrNotConnected is returned by every call that needs a live session.
var ErrNotConnected = errors.New("broker not connected")

// PaperBroker simulates a brokerage with deterministic prices. Quotes come
// from pinned values or a stable per-symbol base price; market orders fill
// immediately at the quote; historical bars are a pure function of
// (symbol, date). Two paper brokers built with the same options always
// return identical data.
type PaperBroker struct {
	mu sync.Mutex

	connected  bool
	cash       float64
	initial    float64
	pinned     map[string]float64
	notTradable map[string]bool
	slippageBps float64
	seed        int64

	marketOpen    bool
	followSession bool
	calendar      *Calendar

	positions map[string]*paperPosition
	orders    map[string]*types.BrokerOrder
	orderIDs  []string

	streamCb  types.TradeUpdateHandler
	streaming bool

	nowFn func() time.Time
}

type paperPosition struct {
	symbol   string
	quantity float64 // signed, negative for short
	avgEntry float64
}

// PaperOption configures a PaperBroker.
type PaperOption func(*PaperBroker)

// WithInitialCash sets the starting cash balance.
func WithInitialCash(v float64) PaperOption {
	return func(p *PaperBroker) { p.cash, p.initial = v, v }
}

// WithPinnedPrice fixes the quote for one symbol.
func WithPinnedPrice(symbol string, price float64) PaperOption {
	return func(p *PaperBroker) { p.pinned[symbol] = price }
}

// WithPinnedPrices fixes quotes for a set of symbols.
func WithPinnedPrices(prices map[string]float64) PaperOption {
	return func(p *PaperBroker) {
		for s, px := range prices {
			p.pinned[s] = px
		}
	}
}

// WithSlippageBps applies a fixed adverse slippage to simulated fills.
func WithSlippageBps(bps float64) PaperOption {
	return func(p *PaperBroker) { p.slippageBps = bps }
}

// WithSeed shifts the derived price surface so separate simulations see
// distinct synthetic markets. Zero keeps the default surface; pinned prices
// are unaffected.
func WithSeed(seed int64) PaperOption {
	return func(p *PaperBroker) { p.seed = seed }
}

// WithMarketOpen sets the manual market-open flag.
func WithMarketOpen(open bool) PaperOption {
	return func(p *PaperBroker) { p.marketOpen = open }
}

// WithCalendar derives the market-open flag from a session calendar instead
// of the manual flag.
func WithCalendar(c *Calendar) PaperOption {
	return func(p *PaperBroker) { p.calendar, p.followSession = c, true }
}

// WithClock overrides the wall clock. Tests use this to pin time.
func WithClock(now func() time.Time) PaperOption {
	return func(p *PaperBroker) { p.nowFn = now }
}

// WithUntradable marks symbols the broker refuses to trade.
func WithUntradable(symbols ...string) PaperOption {
	return func(p *PaperBroker) {
		for _, s := range symbols {
			p.notTradable[s] = true
		}
	}
}

// NewPaperBroker builds a paper broker with 100k starting cash and the
// market open unless options say otherwise.
func NewPaperBroker(opts ...PaperOption) *PaperBroker {
	p := &PaperBroker{
		cash:        100000,
		initial:     100000,
		pinned:      make(map[string]float64),
		notTradable: make(map[string]bool),
		marketOpen:  true,
		positions:   make(map[string]*paperPosition),
		orders:      make(map[string]*types.BrokerOrder),
		nowFn:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect opens the simulated session.
func (p *PaperBroker) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

// Disconnect closes the simulated session.
func (p *PaperBroker) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// IsConnected reports the session state.
func (p *PaperBroker) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SetMarketOpen flips the manual market-open flag.
func (p *PaperBroker) SetMarketOpen(open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marketOpen = open
}

// PinPrice fixes the quote for symbol from now on.
func (p *PaperBroker) PinPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinned[symbol] = price
}

// GetAccountInfo reports cash, equity and buying power. Equity marks open
// positions at the current quote.
func (p *PaperBroker) GetAccountInfo() (*types.AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}

	equity := p.cash
	for _, pos := range p.positions {
		equity += pos.quantity * p.quotePrice(pos.symbol)
	}
	return &types.AccountInfo{
		Cash:           p.cash,
		Equity:         equity,
		PortfolioValue: equity,
		BuyingPower:    p.cash,
		Status:         "ACTIVE",
		Currency:       "USD",
	}, nil
}

// GetPositions returns the open simulated positions.
func (p *PaperBroker) GetPositions() ([]types.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}

	symbols := make([]string, 0, len(p.positions))
	for s := range p.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	out := make([]types.BrokerPosition, 0, len(symbols))
	for _, s := range symbols {
		pos := p.positions[s]
		if pos.quantity == 0 {
			continue
		}
		px := p.quotePrice(s)
		side := types.PositionSideLong
		if pos.quantity < 0 {
			side = types.PositionSideShort
		}
		mv := pos.quantity * px
		cost := pos.quantity * pos.avgEntry
		upl := mv - cost
		uplPct := 0.0
		if cost != 0 {
			uplPct = upl / math.Abs(cost) * 100
		}
		out = append(out, types.BrokerPosition{
			Symbol:               s,
			Quantity:             pos.quantity,
			Side:                 side,
			AvgEntryPrice:        pos.avgEntry,
			CurrentPrice:         px,
			MarketValue:          mv,
			CostBasis:            cost,
			UnrealizedPnL:        upl,
			UnrealizedPnLPercent: uplPct,
		})
	}
	return out, nil
}

// SubmitOrder accepts an order. Market orders and marketable limits fill
// immediately at the quote with slippage applied against the taker;
// everything else rests open. stop_limit carries a single price used for
// both legs.
func (p *PaperBroker) SubmitOrder(symbol string, side types.OrderSide, orderType types.OrderType, quantity float64, price *float64) (*types.BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	if quantity <= 0 || math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return nil, fmt.Errorf("invalid quantity %v", quantity)
	}
	if orderType.RequiresPrice() && price == nil {
		return nil, fmt.Errorf("%s order requires a price", orderType)
	}
	if p.notTradable[symbol] {
		return nil, fmt.Errorf("symbol %s is not tradable", symbol)
	}

	now := p.nowFn()
	order := &types.BrokerOrder{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Type:      orderType,
		Quantity:  quantity,
		Status:    types.OrderStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if price != nil {
		v := *price
		order.Price = &v
	}

	if p.isOpenLocked() {
		quote := p.quotePrice(symbol)
		switch {
		case orderType == types.OrderTypeMarket:
			p.fillLocked(order, quote)
		case orderType == types.OrderTypeLimit && side == types.OrderSideBuy && *price >= quote:
			p.fillLocked(order, quote)
		case orderType == types.OrderTypeLimit && side == types.OrderSideSell && *price <= quote:
			p.fillLocked(order, quote)
		}
	}

	p.orders[order.ID] = order
	p.orderIDs = append(p.orderIDs, order.ID)

	out := *order
	return &out, nil
}

// fillLocked executes the order at base price with slippage and updates the
// book. Caller holds the mutex.
func (p *PaperBroker) fillLocked(order *types.BrokerOrder, base float64) {
	fill := base
	if p.slippageBps > 0 {
		adj := p.slippageBps / 10000
		if order.Side == types.OrderSideBuy {
			fill = base * (1 + adj)
		} else {
			fill = base * (1 - adj)
		}
	}

	order.Status = types.OrderStatusFilled
	order.FilledQuantity = order.Quantity
	order.AvgFillPrice = &fill
	order.UpdatedAt = p.nowFn()

	delta := order.Quantity
	if order.Side == types.OrderSideSell {
		delta = -delta
	}
	p.cash -= delta * fill

	pos, ok := p.positions[order.Symbol]
	if !ok {
		p.positions[order.Symbol] = &paperPosition{symbol: order.Symbol, quantity: delta, avgEntry: fill}
	} else {
		newQty := pos.quantity + delta
		switch {
		case newQty == 0:
			delete(p.positions, order.Symbol)
		case (pos.quantity > 0) == (newQty > 0) && math.Abs(newQty) > math.Abs(pos.quantity):
			// addition on the same side reweights the average entry
			pos.avgEntry = (math.Abs(pos.quantity)*pos.avgEntry + math.Abs(delta)*fill) / math.Abs(newQty)
			pos.quantity = newQty
		default:
			pos.quantity = newQty
		}
	}

	if p.streaming && p.streamCb != nil {
		cb := p.streamCb
		update := types.TradeUpdate{
			OrderID:   order.ID,
			Symbol:    order.Symbol,
			Event:     "fill",
			Timestamp: order.UpdatedAt,
		}
		go cb(update)
	}
}

// CancelOrder cancels a resting order.
func (p *PaperBroker) CancelOrder(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return ErrNotConnected
	}
	order, ok := p.orders[id]
	if !ok {
		return fmt.Errorf("unknown order %s", id)
	}
	if order.Status.IsTerminal() {
		return fmt.Errorf("order %s already %s", id, order.Status)
	}
	order.Status = types.OrderStatusCancelled
	order.UpdatedAt = p.nowFn()
	return nil
}

// GetOrder returns a copy of one order.
func (p *PaperBroker) GetOrder(id string) (*types.BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	order, ok := p.orders[id]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", id)
	}
	out := *order
	return &out, nil
}

// GetOrders returns orders, optionally filtered by status, oldest first.
func (p *PaperBroker) GetOrders(status *types.OrderStatus) ([]types.BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	out := make([]types.BrokerOrder, 0, len(p.orderIDs))
	for _, id := range p.orderIDs {
		order := p.orders[id]
		if status != nil && order.Status != *status {
			continue
		}
		out = append(out, *order)
	}
	return out, nil
}

// GetMarketData returns the deterministic quote for symbol. Price is the
// bid/ask mid.
func (p *PaperBroker) GetMarketData(symbol string) (*types.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}

	px := p.quotePrice(symbol)
	bid := px * (1 - 0.0001)
	ask := px * (1 + 0.0001)
	return &types.Quote{
		Symbol:    symbol,
		Price:     (bid + ask) / 2,
		Bid:       bid,
		Ask:       ask,
		Volume:    p.baseVolume(symbol),
		Timestamp: p.nowFn(),
	}, nil
}

// GetHistoricalBars synthesizes daily bars for every weekday in [start, end].
// The series is a pure function of (symbol, date); limit keeps the trailing
// bars when positive.
func (p *PaperBroker) GetHistoricalBars(symbol string, start, end time.Time, limit int) ([]types.Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end %s before start %s", end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	base := p.quotePrice(symbol)
	var bars []types.Bar
	for d := start.UTC().Truncate(24 * time.Hour); !d.After(end.UTC()); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		bars = append(bars, p.syntheticBar(symbol, base, d))
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// IsMarketOpen reports the simulated market state.
func (p *PaperBroker) IsMarketOpen() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return false, ErrNotConnected
	}
	return p.isOpenLocked(), nil
}

func (p *PaperBroker) isOpenLocked() bool {
	if p.followSession && p.calendar != nil {
		return p.calendar.IsOpen(p.nowFn())
	}
	return p.marketOpen
}

// GetNextMarketOpen returns the next session start, or nil when the market
// is already open.
func (p *PaperBroker) GetNextMarketOpen() (*time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	if p.isOpenLocked() {
		return nil, nil
	}
	if p.followSession && p.calendar != nil {
		next := p.calendar.NextOpen(p.nowFn())
		return &next, nil
	}
	// Manual flag with no calendar: assume the next weekday 09:30 ET.
	cal, err := NewCalendar("09:30", "16:00", "America/New_York")
	if err != nil {
		return nil, err
	}
	next := cal.NextOpen(p.nowFn())
	return &next, nil
}

// IsSymbolTradable reports broker permission for symbol.
func (p *PaperBroker) IsSymbolTradable(symbol string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return false, ErrNotConnected
	}
	return !p.notTradable[symbol], nil
}

// IsSymbolFractionable reports fractional-share permission. The paper broker
// allows fractionals everywhere it allows trading.
func (p *PaperBroker) IsSymbolFractionable(symbol string) (bool, error) {
	return p.IsSymbolTradable(symbol)
}

// GetSymbolCapabilities bundles the per-symbol permissions.
func (p *PaperBroker) GetSymbolCapabilities(symbol string) (*types.SymbolCapabilities, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, ErrNotConnected
	}
	tradable := !p.notTradable[symbol]
	return &types.SymbolCapabilities{
		Symbol:       symbol,
		Tradable:     tradable,
		Fractionable: tradable,
		Shortable:    tradable,
	}, nil
}

// StartTradeUpdateStream registers cb and enables in-process fill events.
func (p *PaperBroker) StartTradeUpdateStream(cb types.TradeUpdateHandler) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamCb = cb
	p.streaming = true
	return true, nil
}

// StopTradeUpdateStream disables fill events.
func (p *PaperBroker) StopTradeUpdateStream() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streaming = false
	p.streamCb = nil
	return nil
}

func (p *PaperBroker) quotePrice(symbol string) float64 {
	if px, ok := p.pinned[symbol]; ok {
		return px
	}
	return p.basePrice(symbol)
}

func (p *PaperBroker) symbolHash(symbol, salt string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	h.Write([]byte(salt))
	if p.seed != 0 {
		fmt.Fprintf(h, "|%d", p.seed)
	}
	return h.Sum32()
}

// basePrice derives a stable price in [20, 1000) from the symbol name and
// the seed.
func (p *PaperBroker) basePrice(symbol string) float64 {
	return 20 + float64(p.symbolHash(symbol, "")%98000)/100
}

func (p *PaperBroker) baseVolume(symbol string) float64 {
	return 1_000_000 + float64(p.symbolHash(symbol, "vol")%9_000_000)
}

// syntheticBar builds one deterministic daily bar. The close oscillates
// around base with a slow 40-day cycle and a faster weekly wobble keyed to
// the absolute day number, so any [start, end] slice of the series is
// identical across calls.
func (p *PaperBroker) syntheticBar(symbol string, base float64, day time.Time) types.Bar {
	n := float64(day.Unix() / 86400)
	phase := float64(int(p.basePrice(symbol)) % 17)

	cls := base * (1 + 0.06*math.Sin((n+phase)/40*2*math.Pi) + 0.015*math.Sin((n+phase)/7*2*math.Pi))
	opn := base * (1 + 0.06*math.Sin((n-1+phase)/40*2*math.Pi) + 0.015*math.Sin((n-1+phase)/7*2*math.Pi))
	hi := math.Max(opn, cls) * 1.008
	lo := math.Min(opn, cls) * 0.992

	return types.Bar{
		Symbol:    symbol,
		Timestamp: day,
		Open:      opn,
		High:      hi,
		Low:       lo,
		Close:     cls,
		Volume:    p.baseVolume(symbol),
	}
}
