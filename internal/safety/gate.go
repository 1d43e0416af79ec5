package safety

import (
	"context"
	"crypto/subtle"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/tradegate/internal/observ"
)

// Gate is the kill switch. It exclusively owns State; everything else reads
// snapshots through Status, State or CanExecute.
type Gate struct {
	mu sync.RWMutex

	state State

	store    StateStore
	audit    AuditLog
	verifier Verifier
	notifier Notifier

	timeout   time.Duration
	now       func() time.Time
	recent    []LogEntry
	maxRecent int

	startupMode *TradingMode
	// violation is the rule behind the current config-forced halt, if any.
	violation string
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

func WithNotifier(n Notifier) Option {
	return func(g *Gate) {
		if n != nil {
			g.notifier = n
		}
	}
}

// WithWriteTimeout bounds each storage call made during a transition.
func WithWriteTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithTradingMode runs the trading-mode check before NewGate returns. A
// violation leaves the gate HALTED; construction still succeeds.
func WithTradingMode(tm TradingMode) Option { return func(g *Gate) { g.startupMode = &tm } }

// WithRecentEntries sizes the in-memory ring behind RecentEntries.
func WithRecentEntries(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.maxRecent = n
		}
	}
}

// NewGate restores the persisted state. Missing or unreadable state starts the
// gate HALTED; so does a persisted record claiming both halt and live.
func NewGate(store StateStore, audit AuditLog, verifier Verifier, opts ...Option) (*Gate, error) {
	if store == nil || audit == nil || verifier == nil {
		return nil, errors.New("safety: state store, audit log and verifier are required")
	}
	g := &Gate{
		store:     store,
		audit:     audit,
		verifier:  verifier,
		notifier:  noopNotifier{},
		timeout:   2 * time.Second,
		now:       time.Now,
		maxRecent: 256,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.mu.Lock()
	g.initLocked()
	g.mu.Unlock()

	if g.startupMode != nil {
		if err := g.ReloadConfig(*g.startupMode); err != nil {
			observ.Critical("gate_startup_config_rejected", map[string]any{"error": err.Error()})
		}
	}
	return g, nil
}

func (g *Gate) initLocked() {
	ctx, cancel := g.opContext()
	st, found, err := g.store.Load(ctx)
	cancel()

	dirty := true
	switch {
	case err != nil:
		observ.Critical("gate_state_load_failed", map[string]any{"error": err.Error()})
		g.appendLocked(ActionLoadFailed, SeverityCritical, map[string]any{
			"error":  err.Error(),
			"action": "force_halt",
		})
		g.state = State{HaltActive: true}
	case !found:
		g.state = State{HaltActive: true}
	case st.HaltActive && st.LiveTradingEnabled:
		st.LiveTradingEnabled = false
		g.state = st
	default:
		g.state = st
		dirty = false
	}

	if dirty {
		g.state.LastUpdated = g.now().UTC()
		g.state.Version = stateVersion
		if err := g.saveLocked(); err != nil {
			g.appendLocked(ActionPersistFailed, SeverityCritical, map[string]any{
				"op":    "initialize",
				"error": err.Error(),
			})
		}
	}

	observ.GateMode.Set(g.state.Mode().gaugeValue())
	g.appendLocked(ActionInitialized, SeverityInfo, map[string]any{
		"mode":            g.state.Mode(),
		"persisted_found": found,
	})
	observ.Log("gate_initialized", map[string]any{
		"mode":                 g.state.Mode(),
		"kill_switch_active":   g.state.HaltActive,
		"live_trading_enabled": g.state.LiveTradingEnabled,
	})
}

// Activate halts all trading. The gate is HALTED when Activate returns, even on
// error; an ErrPersistence error means the halt is in memory but not durable.
func (g *Gate) Activate(reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activateLocked(reason)
}

func (g *Gate) activateLocked(reason string) error {
	prev, saveErr := g.transitionLocked(State{HaltActive: true})

	auditErr := g.appendLocked(ActionActivated, SeverityCritical, map[string]any{
		"reason":        reason,
		"previous_mode": prev.Mode(),
	})
	observ.Critical("kill_switch_activated", map[string]any{
		"reason":        reason,
		"previous_mode": prev.Mode(),
	})

	if saveErr != nil {
		g.appendLocked(ActionPersistFailed, SeverityCritical, map[string]any{
			"op":             "activate",
			"error":          saveErr.Error(),
			"in_memory_mode": ModeHalted,
		})
		return &PersistError{Op: "activate", Err: saveErr}
	}
	if auditErr != nil {
		return &PersistError{Op: "activate", Err: auditErr}
	}
	return nil
}

// Deactivate releases the halt with the primary code. Live trading is never
// re-enabled here.
func (g *Gate) Deactivate(authCode, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.verifier.VerifyCode(RolePrimary, authCode) {
		observ.AuthFailures.WithLabelValues("deactivate").Inc()
		g.appendLocked(ActionUnauthorizedDeactive, SeverityCritical, map[string]any{
			"reason": reason,
			"mode":   g.state.Mode(),
		})
		observ.Critical("kill_switch_deactivate_unauthorized", map[string]any{"reason": reason})
		return ErrUnauthorized
	}

	next := g.state
	next.HaltActive = false
	prev, err := g.transitionLocked(next)
	if err != nil {
		g.restoreLocked(prev)
		g.appendLocked(ActionPersistFailed, SeverityCritical, map[string]any{
			"op":    "deactivate",
			"error": err.Error(),
			"mode":  prev.Mode(),
		})
		return &PersistError{Op: "deactivate", Err: err}
	}

	if err := g.appendLocked(ActionDeactivated, SeverityWarning, map[string]any{
		"reason":                 reason,
		"authorization_provided": true,
		"live_trading_enabled":   next.LiveTradingEnabled,
	}); err != nil {
		g.revertLocked(prev, "deactivate", err)
		return &PersistError{Op: "deactivate", Err: err}
	}

	observ.Warn("kill_switch_deactivated", map[string]any{
		"reason": reason,
		"note":   "live trading still requires separate authorization",
	})
	return nil
}

// EnableLiveTrading needs the halt released and two distinct codes that verify
// for the primary and override roles. Both the state and its audit entry must
// persist; otherwise the gate goes back to its previous mode.
func (g *Gate) EnableLiveTrading(authCode, overrideCode string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.HaltActive {
		g.appendLocked(ActionLiveBlocked, SeverityHigh, map[string]any{"mode": g.state.Mode()})
		observ.Warn("live_trading_blocked", map[string]any{"reason": "kill switch active"})
		return ErrHaltActive
	}

	if failed := g.failedRole(authCode, overrideCode); failed != "" {
		observ.AuthFailures.WithLabelValues("enable_live").Inc()
		g.appendLocked(ActionUnauthorizedLive, SeverityCritical, map[string]any{"failed_check": failed})
		observ.Critical("live_trading_unauthorized", map[string]any{"failed_check": failed})
		return ErrUnauthorized
	}

	prev, err := g.transitionLocked(State{LiveTradingEnabled: true})
	if err != nil {
		g.restoreLocked(prev)
		g.appendLocked(ActionLiveFailed, SeverityCritical, map[string]any{
			"error": err.Error(),
			"mode":  prev.Mode(),
		})
		return &PersistError{Op: "enable_live", Err: err}
	}

	if err := g.appendLocked(ActionLiveEnabled, SeverityCritical, map[string]any{
		"double_authorization": true,
		"warning":              "REAL FUNDS AT RISK",
	}); err != nil {
		g.revertLocked(prev, "enable_live", err)
		return &PersistError{Op: "enable_live", Err: err}
	}

	observ.Critical("live_trading_enabled", map[string]any{"warning": "REAL FUNDS AT RISK"})
	return nil
}

func (g *Gate) failedRole(authCode, overrideCode string) string {
	if !g.verifier.VerifyCode(RolePrimary, authCode) {
		return string(RolePrimary)
	}
	if subtle.ConstantTimeCompare([]byte(authCode), []byte(overrideCode)) == 1 {
		return "distinct_codes"
	}
	if !g.verifier.VerifyCode(RoleOverride, overrideCode) {
		return string(RoleOverride)
	}
	return ""
}

// CanExecute must be treated as an unconditional block when false. Simulated
// intents pass whenever the halt is released.
func (g *Gate) CanExecute(intent TradeIntent) bool {
	g.mu.RLock()
	s := g.state
	g.mu.RUnlock()

	allowed := !s.HaltActive && (!intent.Live || s.LiveTradingEnabled)

	kind := "simulated"
	if intent.Live {
		kind = "live"
	}
	observ.ExecutionChecks.WithLabelValues(kind, strconv.FormatBool(allowed)).Inc()
	if !allowed {
		observ.Warn("trade_blocked", map[string]any{
			"symbol": intent.Symbol,
			"action": intent.Action,
			"kind":   kind,
			"mode":   s.Mode(),
		})
	}
	return allowed
}

// EmergencyShutdown is Activate plus a distinct critical entry and a notifier
// call. Notifier failures are logged and never returned.
func (g *Gate) EmergencyShutdown(reason string) error {
	g.mu.Lock()
	err := g.activateLocked(reason)
	auditErr := g.appendLocked(ActionEmergencyShutdown, SeverityCritical, map[string]any{
		"reason":       reason,
		"notification": true,
	})
	status := statusOf(g.state)
	ts := g.now().UTC()
	g.mu.Unlock()

	observ.Critical("emergency_shutdown", map[string]any{"reason": reason})

	ctx, cancel := g.opContext()
	defer cancel()
	if nerr := g.notifier.Notify(ctx, Notification{
		Severity:  SeverityCritical,
		Title:     "EMERGENCY SHUTDOWN",
		Reason:    reason,
		Status:    status,
		Timestamp: ts,
	}); nerr != nil {
		observ.Critical("emergency_notification_failed", map[string]any{"error": nerr.Error()})
	}

	if err == nil && auditErr != nil {
		err = &PersistError{Op: "emergency_shutdown", Err: auditErr}
	}
	return err
}

// ReloadConfig re-runs the trading-mode safety check. A violation forces
// HALTED and returns ErrConfigViolation. While the same violation persists
// and the gate is still halted, repeats are logged but not re-audited.
func (g *Gate) ReloadConfig(tm TradingMode) error {
	violation, rule := CheckTradingMode(tm)

	g.mu.Lock()
	defer g.mu.Unlock()

	if !violation {
		g.violation = ""
		if rule != "" {
			observ.Warn("config_trading_mode_contradictory", map[string]any{"rule": rule})
		}
		return nil
	}

	if g.state.HaltActive && g.violation == rule {
		observ.Warn("config_safety_violation_repeat", map[string]any{
			"rule": rule,
			"mode": g.state.Mode(),
		})
		return ErrConfigViolation
	}

	g.appendLocked(ActionConfigViolation, SeverityCritical, map[string]any{
		"demo_mode": tm.demoLabel(),
		"live_mode": tm.LiveMode,
		"rule":      rule,
		"action":    "force_kill_switch_activation",
	})
	observ.Critical("config_safety_violation", map[string]any{"rule": rule})

	if err := g.activateLocked("config safety violation"); err != nil {
		// Not remembered, so the next reload retries the durable halt.
		g.violation = ""
		return errors.Join(ErrConfigViolation, err)
	}
	g.violation = rule
	return ErrConfigViolation
}

func (g *Gate) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return statusOf(g.state)
}

func (g *Gate) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

func (g *Gate) Mode() Mode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Mode()
}

// RecentEntries returns up to n entries written by this process, oldest first.
func (g *Gate) RecentEntries(n int) []LogEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n <= 0 || n > len(g.recent) {
		n = len(g.recent)
	}
	out := make([]LogEntry, n)
	copy(out, g.recent[len(g.recent)-n:])
	return out
}

// transitionLocked swaps in next, stamps it and persists it. The in-memory
// state is next even when the returned error is non-nil.
func (g *Gate) transitionLocked(next State) (State, error) {
	prev := g.state
	next.LastUpdated = g.now().UTC()
	next.Version = stateVersion
	g.state = next

	if prev.Mode() != next.Mode() {
		observ.GateTransitions.WithLabelValues(string(prev.Mode()), string(next.Mode())).Inc()
	}
	observ.GateMode.Set(next.Mode().gaugeValue())
	return prev, g.saveLocked()
}

// restoreLocked puts prev back after a failed write; the stored copy still holds prev.
func (g *Gate) restoreLocked(prev State) {
	g.state = prev
	observ.GateMode.Set(prev.Mode().gaugeValue())
}

// revertLocked undoes a loosening transition whose audit entry could not be written.
func (g *Gate) revertLocked(prev State, op string, cause error) {
	restored := State{HaltActive: prev.HaltActive, LiveTradingEnabled: prev.LiveTradingEnabled}
	if _, err := g.transitionLocked(restored); err != nil {
		observ.Critical("gate_revert_persist_failed", map[string]any{"op": op, "error": err.Error()})
	}
	observ.Critical("gate_transition_reverted", map[string]any{
		"op":    op,
		"cause": cause.Error(),
		"mode":  g.state.Mode(),
	})
	g.appendLocked(ActionPersistFailed, SeverityCritical, map[string]any{
		"op":    op,
		"error": cause.Error(),
		"mode":  g.state.Mode(),
	})
}

func (g *Gate) saveLocked() error {
	ctx, cancel := g.opContext()
	defer cancel()
	if err := g.store.Save(ctx, g.state); err != nil {
		observ.PersistFailures.WithLabelValues("gate_state").Inc()
		observ.Critical("gate_state_persist_failed", map[string]any{
			"error": err.Error(),
			"mode":  g.state.Mode(),
		})
		return err
	}
	return nil
}

func (g *Gate) appendLocked(action string, sev Severity, details map[string]any) error {
	e := LogEntry{
		ID:         uuid.NewString(),
		Timestamp:  g.now().UTC(),
		ActionType: action,
		Severity:   sev,
		Details:    details,
	}
	g.recent = append(g.recent, e)
	if len(g.recent) > g.maxRecent {
		g.recent = g.recent[len(g.recent)-g.maxRecent:]
	}
	observ.AuditEntries.WithLabelValues(action).Inc()

	ctx, cancel := g.opContext()
	defer cancel()
	if err := g.audit.Append(ctx, e); err != nil {
		observ.PersistFailures.WithLabelValues("audit_log").Inc()
		observ.Critical("audit_append_failed", map[string]any{
			"action": action,
			"error":  err.Error(),
		})
		return err
	}
	return nil
}

func (g *Gate) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.timeout)
}
