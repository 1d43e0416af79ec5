package policy

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/deviation"
	"github.com/Rajchodisetti/tradegate/internal/observ"
	"github.com/Rajchodisetti/tradegate/internal/safety"
)

type Gate interface {
	ReloadConfig(tm safety.TradingMode) error
	Status() safety.Status
}

type Engine interface {
	Prune() error
	Status() deviation.Status
}

// ReloadFunc re-reads the trading-mode configuration.
type ReloadFunc func() (safety.TradingMode, error)

// Monitor runs the periodic housekeeping: window pruning, config re-validation
// and a status heartbeat.
type Monitor struct {
	gate     Gate
	engine   Engine
	reload   ReloadFunc
	interval time.Duration

	busy  atomic.Bool
	ticks atomic.Int64
}

func NewMonitor(gate Gate, engine Engine, reload ReloadFunc, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{gate: gate, engine: engine, reload: reload, interval: interval}
}

// Run ticks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	observ.Log("safety_monitor_started", map[string]any{"interval": m.interval.String()})
	for {
		select {
		case <-ctx.Done():
			observ.Log("safety_monitor_stopped", map[string]any{"ticks": m.ticks.Load()})
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick performs one pass. An overlapping call returns immediately.
func (m *Monitor) Tick() bool {
	if !m.busy.CompareAndSwap(false, true) {
		return false
	}
	defer m.busy.Store(false)
	m.ticks.Add(1)

	if m.engine != nil {
		if err := m.engine.Prune(); err != nil {
			observ.Warn("deviation_prune_failed", map[string]any{"error": err.Error()})
		}
	}

	if m.reload != nil && m.gate != nil {
		tm, err := m.reload()
		if err != nil {
			// Keep the current gate state; an unreadable file grants nothing.
			observ.Warn("config_reload_failed", map[string]any{"error": err.Error()})
		} else if err := m.gate.ReloadConfig(tm); err != nil {
			observ.Critical("config_reload_rejected", map[string]any{"error": err.Error()})
		}
	}

	kv := map[string]any{}
	if m.gate != nil {
		s := m.gate.Status()
		kv["mode"] = s.Mode
		kv["trading_allowed"] = s.TradingAllowed
	}
	if m.engine != nil {
		ds := m.engine.Status()
		kv["trades"] = ds.TradeCount
		kv["baseline_established"] = ds.BaselineEstablished
		kv["consecutive_deviations"] = ds.ConsecutiveDeviations
	}
	observ.Log("safety_monitor_tick", kv)
	return true
}

func (m *Monitor) Ticks() int64 { return m.ticks.Load() }
