// Package runner hosts the scheduled control loop that drives strategies,
// reconciles broker state, and persists snapshots and checkpoints.
package runner

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quantfoundry/tradeengine/pkg/broker"
	"github.com/quantfoundry/tradeengine/pkg/execution"
	"github.com/quantfoundry/tradeengine/pkg/logging"
	"github.com/quantfoundry/tradeengine/pkg/marketdata"
	"github.com/quantfoundry/tradeengine/pkg/metrics"
	"github.com/quantfoundry/tradeengine/pkg/risk"
	"github.com/quantfoundry/tradeengine/pkg/storage"
	"github.com/quantfoundry/tradeengine/pkg/strategy"
	"github.com/quantfoundry/tradeengine/pkg/types"
)

// State is the runner lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateSleeping State = "sleeping"
	// StateError is transient: the loop keeps running and retries.
	StateError State = "error"
)

const (
	positionSyncInterval = 5 * time.Minute
	positionDriftEps     = 1e-6
	sleepSlice           = 500 * time.Millisecond
	stopJoinTimeout      = 5 * time.Second
	strategyHistoryDays  = 120
)

// Config tunes the runner loop.
type Config struct {
	TickInterval     time.Duration
	OffHoursPoll     time.Duration
	StreamingEnabled bool
}

// Status is a point-in-time snapshot of the runner for checkpointing, the
// signal-dump handler, and tests.
type Status struct {
	State            State      `json:"status"`
	Strategies       []string   `json:"strategies"`
	PollCount        int64      `json:"poll_count"`
	PollErrors       int64      `json:"poll_errors"`
	StrategyErrors   int64      `json:"strategy_errors"`
	ResumeCount      int64      `json:"resume_count"`
	LastPollAt       time.Time  `json:"last_poll_at"`
	LastPositionSync time.Time  `json:"last_position_sync_at"`
	LastError        string     `json:"last_error,omitempty"`
	SleepSince       *time.Time `json:"sleep_since,omitempty"`
	NextMarketOpenAt *time.Time `json:"next_market_open_at,omitempty"`
	MarketSessionOpen bool      `json:"market_session_open"`
	BrokerConnected  bool       `json:"broker_connected"`
	LoopAlive        bool       `json:"runner_thread_alive"`
}

// Runner owns the background loop and the in-memory strategy map. One loop
// goroutine exists at most; all lifecycle transitions take the runner mutex.
type Runner struct {
	mu sync.Mutex

	broker  broker.Broker
	store   *storage.Store
	exec    *execution.Service
	md      *marketdata.Service
	riskMgr *risk.Manager
	log     *zap.Logger
	cfg     Config

	strategies  map[string]strategy.Strategy
	strategyIDs map[string]string

	state   State
	stopCh  chan struct{}
	wakeCh  chan struct{}
	doneCh  chan struct{}

	// errorAudits throttles audit rows for loop errors to one per 30s.
	errorAudits *rate.Limiter

	pollCount      int64
	pollErrors     int64
	strategyErrors int64
	resumeCount    int64
	lastPollAt     time.Time
	lastPosSync    time.Time
	lastError      string
	sleepSince     *time.Time
	nextOpenAt     *time.Time
	lastResumeAt   *time.Time
	marketOpen     bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithRiskManager lets the loop feed equity updates into the risk gate.
func WithRiskManager(m *risk.Manager) Option {
	return func(r *Runner) { r.riskMgr = m }
}

// New builds a stopped runner.
func New(b broker.Broker, store *storage.Store, exec *execution.Service, md *marketdata.Service, cfg Config, log *zap.Logger, opts ...Option) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.OffHoursPoll < 15*time.Second {
		cfg.OffHoursPoll = 15 * time.Second
	}
	if cfg.OffHoursPoll < cfg.TickInterval {
		cfg.OffHoursPoll = cfg.TickInterval
	}

	r := &Runner{
		broker:      b,
		store:       store,
		exec:        exec,
		md:          md,
		log:         logging.OrNop(log),
		cfg:         cfg,
		strategies:  make(map[string]strategy.Strategy),
		strategyIDs: make(map[string]string),
		state:       StateStopped,
		wakeCh:      make(chan struct{}, 1),
		errorAudits: rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddStrategy registers a strategy under its name. strategyID is the stored
// strategy row id signals are attributed to; empty is allowed.
func (r *Runner) AddStrategy(s strategy.Strategy, strategyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[s.Name()]; exists {
		return fmt.Errorf("strategy %q already loaded", s.Name())
	}
	r.strategies[s.Name()] = s
	if strategyID != "" {
		r.strategyIDs[s.Name()] = strategyID
	}
	return nil
}

// RemoveStrategyByName unloads a strategy. A loaded strategy is stopped
// first.
func (r *Runner) RemoveStrategyByName(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strategies[name]
	if !ok {
		return false
	}
	s.OnStop()
	delete(r.strategies, name)
	delete(r.strategyIDs, name)
	return true
}

// SetTickInterval changes the loop cadence. Takes effect on the next tick.
func (r *Runner) SetTickInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.TickInterval = d
	if r.cfg.OffHoursPoll < d {
		r.cfg.OffHoursPoll = d
	}
}

// SetStreamingEnabled toggles use of the broker trade-update stream on the
// next Start.
func (r *Runner) SetStreamingEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.StreamingEnabled = enabled
}

// Start connects the broker and launches the loop. Idempotent: starting a
// running runner is an error the caller can ignore.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateStopped {
		return fmt.Errorf("runner already %s", r.state)
	}
	if len(r.strategies) == 0 {
		return fmt.Errorf("no strategies loaded")
	}
	if !r.broker.IsConnected() {
		if err := r.broker.Connect(); err != nil {
			return types.NewBrokerError("connect", err)
		}
	}

	r.restoreCheckpoint()

	for name, s := range r.strategies {
		if err := s.OnStart(); err != nil {
			return fmt.Errorf("strategy %s failed to start: %w", name, err)
		}
		r.auditQuiet(types.AuditStrategyStarted, fmt.Sprintf("Strategy %s started", name))
	}

	if r.cfg.StreamingEnabled {
		ok, err := r.broker.StartTradeUpdateStream(r.onTradeUpdate)
		if err != nil || !ok {
			r.log.Info("trade-update stream unavailable, polling only", zap.Error(err))
		}
	}

	r.state = StateRunning
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.loop(r.stopCh, r.doneCh)

	r.auditQuiet(types.AuditRunnerStarted, "Runner started")
	r.log.Info("runner started",
		zap.Duration("tick_interval", r.cfg.TickInterval),
		zap.Int("strategies", len(r.strategies)))
	return nil
}

// Stop signals the loop, joins it with a bounded wait, stops strategies and
// the stream, and disconnects the broker.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return nil
	}
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(stopJoinTimeout):
		r.log.Warn("loop did not exit within join timeout")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, s := range r.strategies {
		s.OnStop()
		r.auditQuiet(types.AuditStrategyStopped, fmt.Sprintf("Strategy %s stopped", name))
	}
	if r.cfg.StreamingEnabled {
		if err := r.broker.StopTradeUpdateStream(); err != nil {
			r.log.Warn("stream stop failed", zap.Error(err))
		}
	}
	if err := r.broker.Disconnect(); err != nil {
		r.log.Warn("broker disconnect failed", zap.Error(err))
	}

	r.state = StateStopped
	r.writeRuntimeCheckpointLocked(false)
	r.auditQuiet(types.AuditRunnerStopped, "Runner stopped")
	r.log.Info("runner stopped")
	return nil
}

// Status snapshots the runner.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Runner) statusLocked() Status {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	return Status{
		State:             r.state,
		Strategies:        names,
		PollCount:         r.pollCount,
		PollErrors:        r.pollErrors,
		StrategyErrors:    r.strategyErrors,
		ResumeCount:       r.resumeCount,
		LastPollAt:        r.lastPollAt,
		LastPositionSync:  r.lastPosSync,
		LastError:         r.lastError,
		SleepSince:        r.sleepSince,
		NextMarketOpenAt:  r.nextOpenAt,
		MarketSessionOpen: r.marketOpen,
		BrokerConnected:   r.broker.IsConnected(),
		LoopAlive:         r.state != StateStopped,
	}
}

// onTradeUpdate is the broker stream callback. It only signals the wake
// event; reconciliation happens on the loop.
func (r *Runner) onTradeUpdate(types.TradeUpdate) {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// loop is the single background goroutine.
func (r *Runner) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		interval := r.tick()

		if !r.sleepWait(interval, stopCh) {
			return
		}
	}
}

// tick runs one loop iteration and returns how long to wait before the next.
func (r *Runner) tick() time.Duration {
	r.mu.Lock()
	r.pollCount++
	r.lastPollAt = time.Now().UTC()
	tickInterval := r.cfg.TickInterval
	offHours := r.cfg.OffHoursPoll
	r.mu.Unlock()

	// Broker connectivity.
	if !r.broker.IsConnected() {
		if err := r.broker.Connect(); err != nil {
			r.recordLoopError("connect", err)
			return tickInterval
		}
	}

	open, err := r.broker.IsMarketOpen()
	if err != nil {
		r.recordLoopError("is_market_open", err)
		return tickInterval
	}

	r.mu.Lock()
	r.marketOpen = open
	wasSleeping := r.state == StateSleeping
	r.mu.Unlock()

	if !open {
		if !wasSleeping {
			r.enterSleep()
		}
		return offHours
	}
	if wasSleeping {
		r.resume()
	}

	r.dispatchStrategies()

	if err := r.reconcileOrders(); err != nil {
		r.recordLoopError("reconcile_orders", err)
	}

	r.mu.Lock()
	positionsDue := time.Since(r.lastPosSync) >= positionSyncInterval
	r.mu.Unlock()
	if positionsDue {
		if err := r.reconcilePositions(); err != nil {
			r.recordLoopError("reconcile_positions", err)
		}
	}

	if err := r.persistSnapshot(); err != nil {
		r.recordLoopError("snapshot", err)
	}

	r.mu.Lock()
	r.writeRuntimeCheckpointLocked(true)
	if r.state == StateError {
		r.state = StateRunning
	}
	r.mu.Unlock()

	metrics.RunnerTicks.Inc()
	return tickInterval
}

// enterSleep transitions RUNNING -> SLEEPING once, with one audit row.
func (r *Runner) enterSleep() {
	now := time.Now().UTC()
	var next *time.Time
	if n, err := r.broker.GetNextMarketOpen(); err == nil {
		next = n
	}

	r.mu.Lock()
	r.state = StateSleeping
	r.sleepSince = &now
	r.nextOpenAt = next
	r.writeSleepCheckpointLocked()
	r.mu.Unlock()

	r.auditQuiet(types.AuditConfigUpdated, "Runner sleeping until market open")
	r.log.Info("market closed, runner sleeping", zap.Timep("next_open", next))
}

// resume transitions SLEEPING -> RUNNING, warms the data cache, and writes
// one audit row.
func (r *Runner) resume() {
	now := time.Now().UTC()

	r.mu.Lock()
	r.state = StateRunning
	r.resumeCount++
	r.lastResumeAt = &now
	r.sleepSince = nil
	r.nextOpenAt = nil
	symbols := r.allSymbolsLocked()
	r.writeSleepCheckpointLocked()
	r.mu.Unlock()

	r.md.Warm(symbols, strategyHistoryDays)

	r.auditQuiet(types.AuditConfigUpdated, "Runner resumed after market open")
	r.log.Info("runner resumed", zap.Time("at", now))
}

func (r *Runner) allSymbolsLocked() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range r.strategies {
		for _, symbol := range s.Symbols() {
			if !seen[symbol] {
				seen[symbol] = true
				out = append(out, symbol)
			}
		}
	}
	return out
}

// dispatchStrategies fetches quotes once for the deduplicated symbol set and
// ticks every strategy. Per-strategy failures are isolated.
func (r *Runner) dispatchStrategies() {
	r.mu.Lock()
	loaded := make(map[string]strategy.Strategy, len(r.strategies))
	for name, s := range r.strategies {
		loaded[name] = s
	}
	ids := make(map[string]string, len(r.strategyIDs))
	for k, v := range r.strategyIDs {
		ids[k] = v
	}
	symbols := r.allSymbolsLocked()
	r.mu.Unlock()

	quotes := r.md.GetQuotes(symbols)

	for name, s := range loaded {
		signals, err := r.tickStrategy(s, quotes)
		if err != nil {
			r.mu.Lock()
			r.strategyErrors++
			r.mu.Unlock()
			metrics.RunnerErrors.WithLabelValues("strategy").Inc()
			r.auditError(fmt.Sprintf("Strategy %s tick failed: %v", name, err))
			continue
		}
		for _, sig := range signals {
			r.submitSignal(name, ids[name], sig)
		}
	}
}

// tickStrategy isolates panics so one broken strategy cannot halt the loop.
func (r *Runner) tickStrategy(s strategy.Strategy, quotes map[string]types.Quote) (signals []strategy.Signal, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return s.OnTick(quotes)
}

func (r *Runner) submitSignal(name, strategyID string, sig strategy.Signal) {
	req := execution.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     sig.Side,
		Type:     sig.Type,
		Quantity: sig.Quantity,
		Price:    sig.Price,
	}
	if strategyID != "" {
		req.StrategyID = &strategyID
	}

	order, err := r.exec.SubmitOrder(req)
	if err != nil {
		if types.IsValidation(err) {
			r.log.Info("signal rejected",
				zap.String("strategy", name),
				zap.String("symbol", sig.Symbol),
				zap.String("reason", err.Error()))
		} else {
			r.log.Error("signal submission failed",
				zap.String("strategy", name),
				zap.String("symbol", sig.Symbol),
				zap.Error(err))
		}
		return
	}
	r.log.Info("signal submitted",
		zap.String("strategy", name),
		zap.String("symbol", sig.Symbol),
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.String("reason", sig.Reason))
}

// reconcileOrders walks the stored working set and pulls current broker
// state for each order.
func (r *Runner) reconcileOrders() error {
	working, err := r.store.Orders.ListWorking()
	if err != nil {
		return types.NewIntegrityError("list working orders", err)
	}
	for i := range working {
		order := &working[i]
		if order.ExternalID == nil {
			r.log.Warn("working order without external id", zap.String("order_id", order.ID))
			continue
		}
		if err := r.exec.UpdateOrderStatus(order); err != nil {
			r.log.Warn("order reconciliation failed",
				zap.String("order_id", order.ID), zap.Error(err))
		}
	}
	metrics.Reconciliations.WithLabelValues("orders").Inc()
	return nil
}

// reconcilePositions diffs summed broker quantity against local open
// quantity per symbol. Any drift over tolerance produces one audit row with
// the mismatch count.
func (r *Runner) reconcilePositions() error {
	brokerPositions, err := r.broker.GetPositions()
	if err != nil {
		return types.NewBrokerError("get_positions", err)
	}
	local, err := r.store.Positions.ListOpen()
	if err != nil {
		return types.NewIntegrityError("list open positions", err)
	}

	brokerQty := make(map[string]float64)
	for _, p := range brokerPositions {
		brokerQty[p.Symbol] += p.Quantity
	}
	localQty := make(map[string]float64)
	for _, p := range local {
		q := p.Quantity
		if p.Side == types.PositionSideShort {
			q = -q
		}
		localQty[p.Symbol] += q
	}

	mismatches := 0
	for symbol := range union(brokerQty, localQty) {
		if math.Abs(brokerQty[symbol]-localQty[symbol]) > positionDriftEps {
			mismatches++
			r.log.Warn("position drift",
				zap.String("symbol", symbol),
				zap.Float64("broker", brokerQty[symbol]),
				zap.Float64("local", localQty[symbol]))
		}
	}
	if mismatches > 0 {
		metrics.PositionDrift.Inc()
		if err := r.store.Audits.Record(types.AuditError,
			fmt.Sprintf("Position reconciliation found %d mismatches", mismatches),
			map[string]interface{}{"mismatches": mismatches}); err != nil {
			r.log.Error("audit append failed", zap.Error(err))
		}
	}

	r.mu.Lock()
	r.lastPosSync = time.Now().UTC()
	r.mu.Unlock()
	metrics.Reconciliations.WithLabelValues("positions").Inc()
	return nil
}

func union(a, b map[string]float64) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

// persistSnapshot appends one portfolio snapshot for this tick and feeds
// equity into the risk manager.
func (r *Runner) persistSnapshot() error {
	account, err := r.broker.GetAccountInfo()
	if err != nil {
		return types.NewBrokerError("get_account_info", err)
	}
	positions, err := r.broker.GetPositions()
	if err != nil {
		return types.NewBrokerError("get_positions", err)
	}

	var marketValue, unrealized float64
	for _, p := range positions {
		marketValue += math.Abs(p.MarketValue)
		unrealized += p.UnrealizedPnL
	}
	realizedTotal, err := r.store.Trades.SumRealizedPnL()
	if err != nil {
		return types.NewIntegrityError("sum realized pnl", err)
	}

	if r.riskMgr != nil {
		r.riskMgr.UpdateEquity(account.Equity)
	}

	snap := &storage.PortfolioSnapshot{
		Timestamp:        time.Now().UTC(),
		Equity:           account.Equity,
		Cash:             account.Cash,
		BuyingPower:      account.BuyingPower,
		MarketValue:      marketValue,
		UnrealizedPnL:    unrealized,
		RealizedPnLTotal: realizedTotal,
		OpenPositions:    len(positions),
	}
	if err := r.store.Snapshots.Append(snap); err != nil {
		return types.NewIntegrityError("append snapshot", err)
	}
	return nil
}

// recordLoopError counts a loop-scope failure, keeps the loop alive, and
// audits at most one error per 30 seconds.
func (r *Runner) recordLoopError(stage string, err error) {
	r.mu.Lock()
	r.pollErrors++
	r.lastError = fmt.Sprintf("%s: %v", stage, err)
	r.state = StateError
	r.mu.Unlock()

	metrics.RunnerErrors.WithLabelValues(stage).Inc()
	r.log.Error("loop error", zap.String("stage", stage), zap.Error(err))
	r.auditError(fmt.Sprintf("Runner %s failed: %v", stage, err))
}

// auditError writes an error audit row, throttled.
func (r *Runner) auditError(description string) {
	if !r.errorAudits.Allow() {
		return
	}
	if err := r.store.Audits.Record(types.AuditError, description, nil); err != nil {
		r.log.Error("audit append failed", zap.Error(err))
	}
}

// auditQuiet appends an audit row, logging failures only.
func (r *Runner) auditQuiet(event types.AuditEvent, description string) {
	if err := r.store.Audits.Record(event, description, nil); err != nil {
		r.log.Error("audit append failed", zap.Error(err))
	}
}

// sleepWait waits up to d, returning early (true) on a stream wake and
// immediately (false) on stop. The wait polls in small slices so stop stays
// responsive.
func (r *Runner) sleepWait(d time.Duration, stopCh <-chan struct{}) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		slice := remaining
		if slice > sleepSlice {
			slice = sleepSlice
		}
		select {
		case <-stopCh:
			return false
		case <-r.wakeCh:
			return true
		case <-time.After(slice):
		}
	}
}
