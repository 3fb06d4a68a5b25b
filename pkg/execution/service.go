// Package execution orchestrates the order path: pre-trade validation,
// persistence, broker submission, and fill processing into positions and
// trades.
package execution

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfoundry/tradeengine/pkg/broker"
	"github.com/quantfoundry/tradeengine/pkg/logging"
	"github.com/quantfoundry/tradeengine/pkg/metrics"
	"github.com/quantfoundry/tradeengine/pkg/risk"
	"github.com/quantfoundry/tradeengine/pkg/storage"
	"github.com/quantfoundry/tradeengine/pkg/types"
)

// EventPublisher mirrors audit events to an external bus. Optional; the
// no-op implementation is the default.
type EventPublisher interface {
	PublishAudit(event types.AuditEvent, description string, details map[string]interface{})
	PublishOrder(symbol string, order *storage.Order)
}

// OrderRequest is one submission.
type OrderRequest struct {
	Symbol     string
	Side       types.OrderSide
	Type       types.OrderType
	Quantity   float64
	Price      *float64
	StrategyID *string
}

// Config tunes the execution service.
type Config struct {
	OrderThrottlePerMinute int
	MaxPositionValue       float64
	MaxDailyRisk           float64
}

// Service is the order execution service. Risk manager and budget tracker
// are optional gates; a nil value disables that gate.
type Service struct {
	broker   broker.Broker
	store    *storage.Store
	riskMgr  *risk.Manager
	budget   *risk.BudgetTracker
	throttle *Throttle
	pub      EventPublisher
	log      *zap.Logger
	cfg      Config

	flagsMu         sync.Mutex
	killSwitch      bool
	tradingDisabled bool
}

// Option configures a Service.
type Option func(*Service)

// WithRiskManager attaches the pre-trade risk gate.
func WithRiskManager(m *risk.Manager) Option {
	return func(s *Service) { s.riskMgr = m }
}

// WithBudgetTracker attaches the weekly budget gate.
func WithBudgetTracker(b *risk.BudgetTracker) Option {
	return func(s *Service) { s.budget = b }
}

// WithPublisher mirrors audit events to a bus.
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) { s.pub = p }
}

// NewService builds the execution service.
func NewService(b broker.Broker, store *storage.Store, cfg Config, log *zap.Logger, opts ...Option) *Service {
	if cfg.OrderThrottlePerMinute <= 0 {
		cfg.OrderThrottlePerMinute = 60
	}
	if cfg.MaxPositionValue <= 0 {
		cfg.MaxPositionValue = 10000
	}
	if cfg.MaxDailyRisk <= 0 {
		cfg.MaxDailyRisk = 1000
	}
	s := &Service{
		broker:   b,
		store:    store,
		throttle: NewThrottle(cfg.OrderThrottlePerMinute),
		log:      logging.OrNop(log),
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Throttle exposes the rolling window for tests and status reporting.
func (s *Service) Throttle() *Throttle { return s.throttle }

// SetKillSwitch flips the global kill switch. While set every validation
// fails.
func (s *Service) SetKillSwitch(on bool) {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	s.killSwitch = on
}

// SetTradingEnabled flips the global trading flag.
func (s *Service) SetTradingEnabled(enabled bool) {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	s.tradingDisabled = !enabled
}

func (s *Service) tradingBlocked() (killSwitch, disabled bool) {
	s.flagsMu.Lock()
	defer s.flagsMu.Unlock()
	return s.killSwitch, s.tradingDisabled
}

// ValidateOrder runs the pre-trade gates in order and returns the first
// failure. The returned symbol is normalized; the returned price is the one
// the order value was computed from (the live quote for market orders).
func (s *Service) ValidateOrder(req OrderRequest) (symbol string, refPrice float64, err error) {
	// 1. Shape checks.
	if !(req.Quantity > 0) || math.IsInf(req.Quantity, 0) || math.IsNaN(req.Quantity) {
		return "", 0, types.NewValidationError("Quantity must be positive and finite")
	}
	if req.Type.RequiresPrice() {
		if req.Price == nil {
			return "", 0, types.NewValidationError("%s order requires a price", req.Type)
		}
		if !(*req.Price > 0) || math.IsInf(*req.Price, 0) || math.IsNaN(*req.Price) {
			return "", 0, types.NewValidationError("Price must be positive and finite")
		}
	}
	symbol, err = types.NormalizeSymbol(req.Symbol)
	if err != nil {
		return "", 0, err
	}

	// 2. Global flags.
	killSwitch, disabled := s.tradingBlocked()
	if killSwitch {
		return "", 0, types.NewValidationError("Kill switch is active")
	}
	if disabled {
		return "", 0, types.NewValidationError("Trading is disabled")
	}

	// 3. Broker state.
	if !s.broker.IsConnected() {
		return "", 0, types.NewValidationError("Broker is not connected")
	}
	tradable, err := s.broker.IsSymbolTradable(symbol)
	if err != nil {
		return "", 0, types.NewBrokerError("is_symbol_tradable", err)
	}
	if !tradable {
		return "", 0, types.NewValidationError("Symbol %s is not tradable", symbol)
	}
	open, err := s.broker.IsMarketOpen()
	if err != nil {
		return "", 0, types.NewBrokerError("is_market_open", err)
	}
	if !open {
		return "", 0, types.NewValidationError("Market is closed")
	}

	// Market orders price off the live quote.
	refPrice = 0
	if req.Price != nil {
		refPrice = *req.Price
	}
	if req.Type == types.OrderTypeMarket {
		quote, qerr := s.broker.GetMarketData(symbol)
		if qerr != nil {
			return "", 0, types.NewBrokerError("get_market_data", qerr)
		}
		refPrice = quote.Price
	}
	if !(refPrice > 0) {
		return "", 0, types.NewValidationError("No valid price for %s", symbol)
	}
	orderValue := req.Quantity * refPrice

	account, err := s.broker.GetAccountInfo()
	if err != nil {
		return "", 0, types.NewBrokerError("get_account_info", err)
	}

	// 4. Buying power for buys.
	if req.Side == types.OrderSideBuy && orderValue > account.BuyingPower {
		return "", 0, types.NewValidationError(
			"Order value %.2f exceeds buying power %.2f", orderValue, account.BuyingPower)
	}

	// 5. Dynamic position cap.
	positionCap := math.Min(s.cfg.MaxPositionValue, math.Max(100, 0.25*account.Equity))
	if orderValue > positionCap {
		return "", 0, types.NewValidationError(
			"Order value %.2f exceeds position cap %.2f", orderValue, positionCap)
	}

	// 6. Dynamic daily risk, informational only.
	dailyRisk := math.Min(s.cfg.MaxDailyRisk, math.Max(50, 0.05*account.Equity))
	s.log.Debug("pre-trade risk snapshot",
		zap.String("symbol", symbol),
		zap.Float64("order_value", orderValue),
		zap.Float64("daily_risk_cap", dailyRisk))

	// 7. Weekly budget.
	if s.budget != nil && req.Side == types.OrderSideBuy && !s.budget.CanTrade(orderValue) {
		return "", 0, types.NewValidationError(
			"Weekly budget exhausted: %.2f over remaining %.2f", orderValue, s.budget.Remaining())
	}

	// 8. Risk profile.
	if s.riskMgr != nil {
		exposure, eerr := s.openExposure()
		if eerr != nil {
			return "", 0, eerr
		}
		if rerr := s.riskMgr.ValidateOrder(risk.OrderContext{
			Symbol:   symbol,
			Side:     req.Side,
			Quantity: req.Quantity,
			Price:    refPrice,
			Exposure: exposure,
		}); rerr != nil {
			return "", 0, rerr
		}
	}

	return symbol, refPrice, nil
}

// openExposure snapshots open market value per symbol from storage.
func (s *Service) openExposure() (map[string]float64, error) {
	positions, err := s.store.Positions.ListOpen()
	if err != nil {
		return nil, types.NewIntegrityError("list open positions", err)
	}
	exposure := make(map[string]float64, len(positions))
	for _, p := range positions {
		exposure[p.Symbol] += math.Abs(p.Quantity) * p.AvgEntryPrice
	}
	return exposure, nil
}

// SubmitOrder runs the full order path. The returned row reflects broker
// truth at submission time; later transitions arrive via reconciliation.
func (s *Service) SubmitOrder(req OrderRequest) (*storage.Order, error) {
	if !s.throttle.Acquire() {
		metrics.OrdersSubmitted.WithLabelValues("throttled").Inc()
		return nil, types.NewValidationError(
			"Order throttle exceeded: %d per minute", s.cfg.OrderThrottlePerMinute)
	}

	symbol, refPrice, err := s.ValidateOrder(req)
	if err != nil {
		metrics.OrdersSubmitted.WithLabelValues("rejected").Inc()
		return nil, err
	}

	now := time.Now().UTC()
	order := &storage.Order{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       req.Side,
		Type:       req.Type,
		Status:     types.OrderStatusPending,
		Quantity:   req.Quantity,
		Price:      req.Price,
		StrategyID: req.StrategyID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Orders.Create(order); err != nil {
		return nil, types.NewIntegrityError("persist pending order", err)
	}

	brokerOrder, err := s.broker.SubmitOrder(symbol, req.Side, req.Type, req.Quantity, req.Price)
	if err != nil {
		order.Status = types.OrderStatusRejected
		order.UpdatedAt = time.Now().UTC()
		if uerr := s.store.Orders.Update(order); uerr != nil {
			s.log.Error("failed to mark order rejected", zap.String("order_id", order.ID), zap.Error(uerr))
		}
		metrics.OrdersSubmitted.WithLabelValues("rejected").Inc()
		return nil, types.NewBrokerError("submit_order", err)
	}

	order.ExternalID = &brokerOrder.ID
	order.Status = brokerOrder.Status
	order.FilledQuantity = brokerOrder.FilledQuantity
	order.AvgFillPrice = brokerOrder.AvgFillPrice
	order.UpdatedAt = time.Now().UTC()
	if order.Status == types.OrderStatusFilled {
		ts := order.UpdatedAt
		order.FilledAt = &ts
	}
	if err := s.store.Orders.Update(order); err != nil {
		return nil, types.NewIntegrityError("persist submitted order", err)
	}
	metrics.OrdersSubmitted.WithLabelValues("accepted").Inc()

	if order.Status == types.OrderStatusFilled && req.Side == types.OrderSideBuy && s.budget != nil {
		notional := order.FilledQuantity * fillPrice(order, refPrice)
		if !s.budget.RecordTrade(notional, true, nil) {
			s.log.Warn("filled buy exceeded weekly budget post-validation",
				zap.String("order_id", order.ID), zap.Float64("notional", notional))
		}
	}

	s.audit(types.AuditOrderCreated,
		fmt.Sprintf("%s %s %.4f %s", req.Side, req.Type, req.Quantity, symbol),
		map[string]interface{}{
			"order_id":    order.ID,
			"external_id": brokerOrder.ID,
			"status":      string(order.Status),
			"ref_price":   refPrice,
		}, order)

	if order.Status == types.OrderStatusFilled && order.FilledQuantity > 0 {
		if perr := s.processFill(order); perr != nil {
			// Swallowed: reconciliation re-drives the fill.
			s.log.Error("fill processing failed", zap.String("order_id", order.ID), zap.Error(perr))
		}
	}
	return order, nil
}

// UpdateOrderStatus reconciles one stored order against the broker. On a
// transition to filled the fill is processed before the new status persists,
// so a processing failure leaves the order in the reconciliation set.
func (s *Service) UpdateOrderStatus(order *storage.Order) error {
	if order.ExternalID == nil {
		s.log.Warn("order missing external id, skipping", zap.String("order_id", order.ID))
		return nil
	}
	brokerOrder, err := s.broker.GetOrder(*order.ExternalID)
	if err != nil {
		return types.NewBrokerError("get_order", err)
	}

	statusChanged := brokerOrder.Status != order.Status
	fillChanged := brokerOrder.FilledQuantity != order.FilledQuantity
	if !statusChanged && !fillChanged {
		return nil
	}

	wasFilled := order.Status == types.OrderStatusFilled
	order.Status = brokerOrder.Status
	order.FilledQuantity = brokerOrder.FilledQuantity
	order.AvgFillPrice = brokerOrder.AvgFillPrice
	order.UpdatedAt = time.Now().UTC()

	if order.Status == types.OrderStatusFilled && !wasFilled && order.FilledQuantity > 0 {
		ts := order.UpdatedAt
		order.FilledAt = &ts
		if err := s.processFill(order); err != nil {
			return err
		}
	}

	if err := s.store.Orders.Update(order); err != nil {
		return types.NewIntegrityError("persist order transition", err)
	}
	return nil
}

// processFill appends the trade row and folds the fill into the position
// book: weighted-average entries on additions, realized P&L on reductions,
// close at zero, with the risk manager and budget tracker informed.
func (s *Service) processFill(order *storage.Order) error {
	price := fillPrice(order, 0)
	if !(price > 0) {
		return types.NewIntegrityError(
			fmt.Sprintf("order %s filled without a fill price", order.ID), nil)
	}
	qty := order.FilledQuantity
	now := time.Now().UTC()

	side := types.PositionSideLong
	if order.Side == types.OrderSideSell {
		side = types.PositionSideShort
	}

	trade := &storage.Trade{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Type:       types.TradeTypeOpen,
		Quantity:   qty,
		Price:      price,
		StrategyID: order.StrategyID,
		ExecutedAt: now,
	}

	// A buy reduces a short before it opens a long, and vice versa.
	opposite := types.PositionSideShort
	if order.Side == types.OrderSideSell {
		opposite = types.PositionSideLong
	}
	existing, err := s.store.Positions.GetOpenBySymbolSide(order.Symbol, opposite)
	if err != nil {
		return types.NewIntegrityError("load position", err)
	}

	if existing != nil {
		pnl, err := s.reducePosition(existing, qty, price, now)
		if err != nil {
			return err
		}
		trade.Type = types.TradeTypeClose
		trade.RealizedPnL = &pnl
	} else {
		if err := s.extendPosition(order.Symbol, side, qty, price, now); err != nil {
			return err
		}
	}

	if err := s.store.Trades.Append(trade); err != nil {
		return types.NewIntegrityError("append trade", err)
	}

	metrics.OrdersFilled.Inc()
	details := map[string]interface{}{
		"order_id": order.ID,
		"quantity": qty,
		"price":    price,
	}
	if trade.RealizedPnL != nil {
		details["realized_pnl"] = *trade.RealizedPnL
	}
	s.audit(types.AuditOrderFilled,
		fmt.Sprintf("Filled %s %.4f %s @ %.4f", order.Side, qty, order.Symbol, price),
		details, order)
	return nil
}

// extendPosition opens or adds to the position on the fill's own side.
func (s *Service) extendPosition(symbol string, side types.PositionSide, qty, price float64, now time.Time) error {
	pos, err := s.store.Positions.GetOpenBySymbolSide(symbol, side)
	if err != nil {
		return types.NewIntegrityError("load position", err)
	}
	if pos == nil {
		pos = &storage.Position{
			Symbol:        symbol,
			Side:          side,
			Quantity:      qty,
			AvgEntryPrice: price,
			CostBasis:     qty * price,
			IsOpen:        true,
			OpenedAt:      now,
		}
		if err := s.store.Positions.Create(pos); err != nil {
			return types.NewIntegrityError("open position", err)
		}
		s.audit(types.AuditPositionOpened,
			fmt.Sprintf("Opened %s %s %.4f @ %.4f", side, symbol, qty, price), nil, nil)
		return nil
	}

	newQty := pos.Quantity + qty
	pos.AvgEntryPrice = (pos.Quantity*pos.AvgEntryPrice + qty*price) / newQty
	pos.Quantity = newQty
	pos.CostBasis = newQty * pos.AvgEntryPrice
	if err := s.store.Positions.Update(pos); err != nil {
		return types.NewIntegrityError("extend position", err)
	}
	return nil
}

// reducePosition applies a reducing fill and returns its realized P&L.
// Reductions never cross zero; the overshoot is clamped and logged.
func (s *Service) reducePosition(pos *storage.Position, qty, price float64, now time.Time) (float64, error) {
	if qty > pos.Quantity {
		s.log.Warn("reduction exceeds open quantity, clamping",
			zap.String("symbol", pos.Symbol),
			zap.Float64("fill_qty", qty),
			zap.Float64("open_qty", pos.Quantity))
		qty = pos.Quantity
	}

	var pnl float64
	if pos.Side == types.PositionSideLong {
		pnl = qty * (price - pos.AvgEntryPrice)
	} else {
		pnl = qty * (pos.AvgEntryPrice - price)
	}

	pos.Quantity -= qty
	pos.CostBasis = pos.Quantity * pos.AvgEntryPrice
	pos.RealizedPnL += pnl

	closed := pos.Quantity <= 1e-9
	if closed {
		pos.Quantity = 0
		pos.CostBasis = 0
		pos.IsOpen = false
		ts := now
		pos.ClosedAt = &ts
	}
	if err := s.store.Positions.Update(pos); err != nil {
		return 0, types.NewIntegrityError("reduce position", err)
	}

	if s.riskMgr != nil {
		s.riskMgr.RecordTradeResult(pnl)
		s.riskMgr.UpdateDailyPnL(pnl)
	}
	if s.budget != nil {
		s.budget.RecordTrade(0, false, &pnl)
	}
	if closed {
		s.audit(types.AuditPositionClosed,
			fmt.Sprintf("Closed %s %s, realized %.2f", pos.Side, pos.Symbol, pos.RealizedPnL), nil, nil)
	}
	return pnl, nil
}

func (s *Service) audit(event types.AuditEvent, description string, details map[string]interface{}, order *storage.Order) {
	row := &storage.AuditLog{EventType: event, Description: description}
	if order != nil {
		row.OrderID = &order.ID
		row.StrategyID = order.StrategyID
	}
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			row.Details = string(data)
		}
	}
	if err := s.store.Audits.Append(row); err != nil {
		s.log.Error("audit append failed", zap.Error(err))
	}
	if s.pub != nil {
		s.pub.PublishAudit(event, description, details)
		if order != nil {
			s.pub.PublishOrder(order.Symbol, order)
		}
	}
}

// fillPrice picks the broker-reported average fill, falling back to the
// reference price.
func fillPrice(order *storage.Order, fallback float64) float64 {
	if order.AvgFillPrice != nil && *order.AvgFillPrice > 0 {
		return *order.AvgFillPrice
	}
	return fallback
}
