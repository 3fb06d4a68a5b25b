package runner

import (
	"time"

	"go.uber.org/zap"
)

// Config-store keys for the runner's persisted checkpoints.
const (
	sleepStateKey   = "runner_sleep_state"
	runtimeStateKey = "runner_runtime_state"
	preferencesKey  = "trading_preferences"
)

// sleepState is the persisted off-hours checkpoint.
type sleepState struct {
	Sleeping         bool       `json:"sleeping"`
	SleepSince       *time.Time `json:"sleep_since,omitempty"`
	NextMarketOpenAt *time.Time `json:"next_market_open_at,omitempty"`
	LastResumeAt     *time.Time `json:"last_resume_at,omitempty"`
	LastCatchupAt    *time.Time `json:"last_catchup_at,omitempty"`
	ResumeCount      int64      `json:"resume_count"`
}

// runtimeState is the persisted per-tick health checkpoint. Best-effort:
// write failures are logged and ignored.
type runtimeState struct {
	Status            string     `json:"status"`
	PollCount         int64      `json:"poll_count"`
	PollErrors        int64      `json:"poll_errors"`
	StrategyErrors    int64      `json:"strategy_errors"`
	ResumeCount       int64      `json:"resume_count"`
	LastPollAt        time.Time  `json:"last_poll_at"`
	LastPositionSync  time.Time  `json:"last_position_sync_at"`
	LastError         string     `json:"last_error,omitempty"`
	MarketSessionOpen bool       `json:"market_session_open"`
	BrokerConnected   bool       `json:"broker_connected"`
	LoopAlive         bool       `json:"runner_thread_alive"`
	PersistedAt       time.Time  `json:"persisted_at"`
}

// Preferences is the operator-facing trading preference blob stored under
// trading_preferences.
type Preferences struct {
	AssetType   string `json:"asset_type"`
	StockPreset string `json:"stock_preset"`
	ETFPreset   string `json:"etf_preset"`
}

// writeSleepCheckpointLocked persists the sleep/resume state. Caller holds
// the runner mutex.
func (r *Runner) writeSleepCheckpointLocked() {
	st := sleepState{
		Sleeping:         r.state == StateSleeping,
		SleepSince:       r.sleepSince,
		NextMarketOpenAt: r.nextOpenAt,
		LastResumeAt:     r.lastResumeAt,
		ResumeCount:      r.resumeCount,
	}
	if err := r.store.Configs.UpsertJSON(sleepStateKey, st); err != nil {
		r.log.Warn("sleep checkpoint write failed", zap.Error(err))
	}
}

// writeRuntimeCheckpointLocked persists the health checkpoint. Caller holds
// the runner mutex.
func (r *Runner) writeRuntimeCheckpointLocked(loopAlive bool) {
	st := runtimeState{
		Status:            string(r.state),
		PollCount:         r.pollCount,
		PollErrors:        r.pollErrors,
		StrategyErrors:    r.strategyErrors,
		ResumeCount:       r.resumeCount,
		LastPollAt:        r.lastPollAt,
		LastPositionSync:  r.lastPosSync,
		LastError:         r.lastError,
		MarketSessionOpen: r.marketOpen,
		BrokerConnected:   r.broker.IsConnected(),
		LoopAlive:         loopAlive,
		PersistedAt:       time.Now().UTC(),
	}
	if err := r.store.Configs.UpsertJSON(runtimeStateKey, st); err != nil {
		r.log.Warn("runtime checkpoint write failed", zap.Error(err))
	}
}

// restoreCheckpoint reloads operator-facing counters from the last run.
// Storage is authoritative across restarts; failures leave zeroed counters.
func (r *Runner) restoreCheckpoint() {
	var sleep sleepState
	if found, err := r.store.Configs.GetJSON(sleepStateKey, &sleep); err == nil && found {
		r.resumeCount = sleep.ResumeCount
		r.lastResumeAt = sleep.LastResumeAt
	}
	var rt runtimeState
	if found, err := r.store.Configs.GetJSON(runtimeStateKey, &rt); err == nil && found {
		r.pollCount = rt.PollCount
		r.pollErrors = rt.PollErrors
		r.strategyErrors = rt.StrategyErrors
	}
}

// LoadPreferences reads the trading_preferences blob, defaulting missing
// fields.
func (r *Runner) LoadPreferences() Preferences {
	prefs := Preferences{AssetType: "stock", StockPreset: "default", ETFPreset: "default"}
	if found, err := r.store.Configs.GetJSON(preferencesKey, &prefs); err != nil || !found {
		return prefs
	}
	return prefs
}

// SavePreferences persists the trading_preferences blob.
func (r *Runner) SavePreferences(p Preferences) error {
	return r.store.Configs.UpsertJSON(preferencesKey, p)
}
