package deviation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/tradegate/internal/observ"
)

// Engine keeps the rolling trade window and its baseline, scores trades and
// manages alert cadence. All mutations are serialized by one lock; handlers
// registered with OnAlert/OnEscalation run after it is released.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	store   SnapshotStore
	now     func() time.Time
	timeout time.Duration

	trades      []TradeRecord
	baseline    *Baseline
	lastAlertAt time.Time
	consecutive int
	alerts      []Alert

	alertHandlers      []func(Alert)
	escalationHandlers []func(Escalation)
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// pending carries callbacks out of the critical section.
type pending struct {
	alert      *Alert
	escalation *Escalation
}

// NewEngine restores the last snapshot when store is non-nil. A snapshot that
// cannot be read is logged and the engine starts empty.
func NewEngine(cfg Config, store SnapshotStore, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("deviation: invalid config: %w", err)
	}
	e := &Engine{
		cfg:     cfg,
		store:   store,
		now:     time.Now,
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.restore()
	return e, nil
}

func (e *Engine) restore() {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	snap, found, err := e.store.LoadSnapshot(ctx)
	if err != nil {
		observ.Critical("deviation_snapshot_load_failed", map[string]any{"error": err.Error()})
		return
	}
	if !found {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.trades = snap.Trades
	// Keep a doubled window on load so the first recompute has context.
	e.evictLocked(e.now().Add(-2 * e.cfg.Lookback))
	e.recomputeLocked()
	if snap.LastAlertAt != nil {
		e.lastAlertAt = *snap.LastAlertAt
	}
	e.consecutive = snap.ConsecutiveDeviations
	e.alerts = snap.RecentAlerts
	if n := len(e.alerts); n > e.cfg.MaxAlerts {
		e.alerts = e.alerts[n-e.cfg.MaxAlerts:]
	}
	observ.ConsecutiveDeviations.Set(float64(e.consecutive))
	observ.Log("deviation_snapshot_restored", map[string]any{
		"trades":                 len(e.trades),
		"baseline_established":   e.baseline != nil,
		"consecutive_deviations": e.consecutive,
	})
}

// RecordTrade appends t to the window. A storage error is returned but the
// in-memory window stays updated.
func (e *Engine) RecordTrade(t TradeRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordLocked(t)
	return e.persistLocked()
}

// AnalyzeTrade scores t against the current baseline without adding it to the
// window. Cadence state changes are persisted.
func (e *Engine) AnalyzeTrade(t TradeRecord) (AnalysisResult, error) {
	e.mu.Lock()
	res, p, dirty := e.analyzeLocked(t)
	var err error
	if dirty {
		err = e.persistLocked()
	}
	e.mu.Unlock()

	e.dispatch(p)
	return res, err
}

// Process scores t against the baseline as it stood before t and then records
// it, as one atomic step. Orchestrators call this once per completed trade.
func (e *Engine) Process(t TradeRecord) (AnalysisResult, error) {
	e.mu.Lock()
	if t.Timestamp.IsZero() {
		t.Timestamp = e.now().UTC()
	}
	res, p, _ := e.analyzeLocked(t)
	e.recordLocked(t)
	err := e.persistLocked()
	e.mu.Unlock()

	e.dispatch(p)
	return res, err
}

// Prune evicts trades that fell out of the lookback window. Safe to call from
// a background loop.
func (e *Engine) Prune() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.expireLocked() {
		return nil
	}
	return e.persistLocked()
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		TradeCount:            len(e.trades),
		BaselineEstablished:   e.baseline != nil,
		ConsecutiveDeviations: e.consecutive,
		RecentAlerts:          len(e.alerts),
		Threshold:             e.cfg.Threshold,
		MinTrades:             e.cfg.MinTrades,
	}
	if e.baseline != nil {
		b := *e.baseline
		s.Baseline = &b
	}
	if !e.lastAlertAt.IsZero() {
		at := e.lastAlertAt
		s.LastAlertAt = &at
	}
	return s
}

// RecentAlerts returns up to limit alerts, oldest first. limit <= 0 means all.
func (e *Engine) RecentAlerts(limit int) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.alerts) {
		limit = len(e.alerts)
	}
	out := make([]Alert, limit)
	copy(out, e.alerts[len(e.alerts)-limit:])
	return out
}

func (e *Engine) Baseline() (Baseline, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.baseline == nil {
		return Baseline{}, false
	}
	return *e.baseline, true
}

func (e *Engine) OnAlert(fn func(Alert)) {
	e.mu.Lock()
	e.alertHandlers = append(e.alertHandlers, fn)
	e.mu.Unlock()
}

// OnEscalation subscribes fn to escalations. This is where a risk policy
// would translate an escalation into a halt.
func (e *Engine) OnEscalation(fn func(Escalation)) {
	e.mu.Lock()
	e.escalationHandlers = append(e.escalationHandlers, fn)
	e.mu.Unlock()
}

func (e *Engine) recordLocked(t TradeRecord) {
	now := e.now()
	if t.Timestamp.IsZero() {
		t.Timestamp = now.UTC()
	}
	e.trades = append(e.trades, t)
	e.evictLocked(now.Add(-e.cfg.Lookback))
	e.recomputeLocked()
	observ.TradesRecorded.Inc()
}

func (e *Engine) evictLocked(cutoff time.Time) {
	kept := e.trades[:0]
	for _, t := range e.trades {
		if !t.Timestamp.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	e.trades = kept
}

// recomputeLocked rebuilds the baseline, or clears it when the window is too
// small so a stale baseline is never used.
func (e *Engine) recomputeLocked() {
	observ.WindowSize.Set(float64(len(e.trades)))
	if len(e.trades) < e.cfg.MinTrades {
		if e.baseline != nil {
			e.baseline = nil
			observ.Log("deviation_baseline_cleared", map[string]any{
				"trades":   len(e.trades),
				"required": e.cfg.MinTrades,
			})
		}
		return
	}
	b := ComputeBaseline(e.trades)
	b.CalculatedAt = e.now().UTC()
	e.baseline = &b
	observ.BaselineValue.WithLabelValues(string(MetricWinRate)).Set(b.AvgWinRate)
	observ.BaselineValue.WithLabelValues(string(MetricPnL)).Set(b.AvgPnL)
	observ.BaselineValue.WithLabelValues(string(MetricRiskReward)).Set(b.AvgRiskReward)
}

func (e *Engine) analyzeLocked(t TradeRecord) (AnalysisResult, pending, bool) {
	// Expired trades must not back a score, even if nothing was recorded or
	// pruned since they expired.
	expired := e.expireLocked()

	res, p, dirty := e.scoreLocked(t)
	return res, p, dirty || expired
}

// expireLocked drops trades older than the lookback and rebuilds the baseline
// when the window shrank.
func (e *Engine) expireLocked() bool {
	before := len(e.trades)
	e.evictLocked(e.now().Add(-e.cfg.Lookback))
	if len(e.trades) == before {
		return false
	}
	e.recomputeLocked()
	return true
}

func (e *Engine) scoreLocked(t TradeRecord) (AnalysisResult, pending, bool) {
	res := AnalysisResult{
		TradeCount:            len(e.trades),
		Required:              e.cfg.MinTrades,
		ConsecutiveDeviations: e.consecutive,
	}
	if e.baseline == nil || len(e.trades) < e.cfg.MinTrades {
		res.Status = StatusInsufficientData
		return res, pending{}, false
	}

	b := *e.baseline
	res.Baseline = &b
	for _, m := range trackedMetrics {
		md := MetricDeviation{
			Metric:    m,
			Current:   t.value(m),
			Baseline:  b.avg(m),
			Threshold: e.cfg.Threshold,
		}
		md.Deviation = RelativeDeviation(md.Current, md.Baseline)
		res.Deviations = append(res.Deviations, md)
		if md.Deviation > e.cfg.Threshold {
			res.Significant = append(res.Significant, md)
		}
	}

	if len(res.Significant) == 0 {
		res.Status = StatusNormal
		dirty := e.consecutive != 0
		e.consecutive = 0
		res.ConsecutiveDeviations = 0
		observ.ConsecutiveDeviations.Set(0)
		return res, pending{}, dirty
	}

	res.Status = StatusDeviation
	now := e.now().UTC()
	if !e.lastAlertAt.IsZero() && now.Sub(e.lastAlertAt) < e.cfg.Cooldown {
		res.Suppressed = true
		observ.SuppressedAlerts.Inc()
		return res, pending{}, false
	}

	e.consecutive++
	alert := Alert{
		ID:               uuid.NewString(),
		Timestamp:        now,
		Trade:            t,
		Deviations:       res.Significant,
		ConsecutiveCount: e.consecutive,
	}
	e.lastAlertAt = now
	e.alerts = append(e.alerts, alert)
	if n := len(e.alerts); n > e.cfg.MaxAlerts {
		e.alerts = e.alerts[n-e.cfg.MaxAlerts:]
	}
	res.AlertTriggered = true
	res.Alert = &alert
	observ.DeviationAlerts.Inc()
	observ.Warn("trade_deviation_alert", map[string]any{
		"alert_id":          alert.ID,
		"symbol":            t.Symbol,
		"metrics":           metricNames(res.Significant),
		"consecutive_count": alert.ConsecutiveCount,
	})

	p := pending{alert: &alert}
	if e.consecutive >= e.cfg.EscalateAfter {
		p.escalation = &Escalation{Timestamp: now, ConsecutiveCount: e.consecutive, Alert: alert}
		res.Escalated = true
		observ.Escalations.Inc()
		observ.Critical("trade_deviation_escalation", map[string]any{
			"alert_id":          alert.ID,
			"consecutive_count": e.consecutive,
		})
		e.consecutive = 0
	}
	res.ConsecutiveDeviations = e.consecutive
	observ.ConsecutiveDeviations.Set(float64(e.consecutive))
	return res, p, true
}

func (e *Engine) persistLocked() error {
	if e.store == nil {
		return nil
	}
	snap := Snapshot{
		Trades:                append([]TradeRecord(nil), e.trades...),
		ConsecutiveDeviations: e.consecutive,
		RecentAlerts:          append([]Alert(nil), e.alerts...),
		SavedAt:               e.now().UTC(),
	}
	if e.baseline != nil {
		b := *e.baseline
		snap.Baseline = &b
	}
	if !e.lastAlertAt.IsZero() {
		at := e.lastAlertAt
		snap.LastAlertAt = &at
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		observ.PersistFailures.WithLabelValues("deviation_snapshot").Inc()
		observ.Critical("deviation_snapshot_persist_failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("deviation: save snapshot: %w", err)
	}
	return nil
}

func (e *Engine) dispatch(p pending) {
	if p.alert == nil && p.escalation == nil {
		return
	}
	e.mu.Lock()
	alertFns := slices.Clone(e.alertHandlers)
	escFns := slices.Clone(e.escalationHandlers)
	e.mu.Unlock()

	if p.alert != nil {
		for _, fn := range alertFns {
			fn(*p.alert)
		}
	}
	if p.escalation != nil {
		for _, fn := range escFns {
			fn(*p.escalation)
		}
	}
}

func metricNames(ds []MetricDeviation) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, string(d.Metric))
	}
	return out
}
