package safety

import (
	"context"
	"time"
)

// Mode is the coarse authority the gate holds over trading.
type Mode string

const (
	ModeHalted Mode = "HALTED" // all trading blocked
	ModeArmed  Mode = "ARMED"  // halt released, simulated execution only
	ModeLive   Mode = "LIVE"   // halt released and real-money execution enabled
)

const stateVersion = "2"

// State is the single persisted record owned by the gate.
type State struct {
	HaltActive         bool      `json:"kill_switch_active"`
	LiveTradingEnabled bool      `json:"live_trading_enabled"`
	LastUpdated        time.Time `json:"last_updated"`
	Version            string    `json:"version,omitempty"`
}

func (s State) Mode() Mode {
	switch {
	case s.HaltActive:
		return ModeHalted
	case s.LiveTradingEnabled:
		return ModeLive
	default:
		return ModeArmed
	}
}

func (m Mode) gaugeValue() float64 {
	switch m {
	case ModeArmed:
		return 1
	case ModeLive:
		return 2
	default:
		return 0
	}
}

// Severity of emergency log entries and notifications.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Emergency log action types.
const (
	ActionInitialized          = "GATE_INITIALIZED"
	ActionActivated            = "KILL_SWITCH_ACTIVATED"
	ActionDeactivated          = "KILL_SWITCH_DEACTIVATED"
	ActionUnauthorizedDeactive = "UNAUTHORIZED_DEACTIVATION"
	ActionLiveEnabled          = "LIVE_TRADING_ENABLED"
	ActionLiveBlocked          = "LIVE_TRADING_BLOCKED"
	ActionUnauthorizedLive     = "UNAUTHORIZED_LIVE_ENABLE"
	ActionLiveFailed           = "LIVE_TRADING_FAILED"
	ActionConfigViolation      = "CONFIG_SAFETY_VIOLATION"
	ActionEmergencyShutdown    = "EMERGENCY_SHUTDOWN"
	ActionPersistFailed        = "STATE_PERSIST_FAILED"
	ActionLoadFailed           = "STATE_LOAD_FAILED"
)

// LogEntry is one append-only emergency log record.
type LogEntry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	ActionType string         `json:"action_type"`
	Severity   Severity       `json:"severity"`
	Details    map[string]any `json:"details,omitempty"`
}

// TradeIntent is what an execution path asks permission for.
type TradeIntent struct {
	Symbol   string  `json:"symbol"`
	Action   string  `json:"action"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Live     bool    `json:"live"` // false means simulated/demo execution
	Source   string  `json:"source,omitempty"`
}

// Status is the flat operator-facing view. SafetyLevel is for display only.
type Status struct {
	HaltActive         bool      `json:"kill_switch_active"`
	LiveTradingEnabled bool      `json:"live_trading_enabled"`
	TradingAllowed     bool      `json:"trading_allowed"`
	SafetyLevel        string    `json:"safety_level"`
	Mode               Mode      `json:"mode"`
	LastUpdated        time.Time `json:"last_updated"`
}

func statusOf(s State) Status {
	level := "LIVE"
	if s.HaltActive {
		level = "MAXIMUM"
	}
	return Status{
		HaltActive:         s.HaltActive,
		LiveTradingEnabled: s.LiveTradingEnabled,
		TradingAllowed:     s.LiveTradingEnabled && !s.HaltActive,
		SafetyLevel:        level,
		Mode:               s.Mode(),
		LastUpdated:        s.LastUpdated,
	}
}

// Notification is handed to the external notifier on emergency shutdown.
type Notification struct {
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Reason    string    `json:"reason"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// StateStore persists the current-state record, overwriting it on each transition.
// Load reports found=false when nothing was ever saved.
type StateStore interface {
	Load(ctx context.Context) (State, bool, error)
	Save(ctx context.Context, s State) error
}

// AuditLog is the append-only emergency log.
type AuditLog interface {
	Append(ctx context.Context, e LogEntry) error
}

// Notifier delivers high-visibility alerts (Slack, pager, ...).
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Notification) error { return nil }
