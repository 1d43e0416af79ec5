package deviation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memSnapshots struct {
	mu      sync.Mutex
	snap    Snapshot
	found   bool
	saveErr error
	saves   int
}

func (m *memSnapshots) LoadSnapshot(context.Context) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, m.found, nil
}

func (m *memSnapshots) SaveSnapshot(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.snap, m.found = s, true
	m.saves++
	return nil
}

func newTestEngine(t *testing.T, cfg Config, store SnapshotStore) (*Engine, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	e, err := NewEngine(cfg, store, WithClock(clock.Now))
	require.NoError(t, err)
	return e, clock
}

// seed records n steady trades one minute apart.
func seed(t *testing.T, e *Engine, clock *fakeClock, n int, tr TradeRecord) {
	t.Helper()
	for i := 0; i < n; i++ {
		tr.Symbol = "AAPL"
		tr.Timestamp = time.Time{}
		require.NoError(t, e.RecordTrade(tr))
		clock.Advance(time.Minute)
	}
}

var steady = TradeRecord{PnL: 10, WinRate: 0.6, RiskReward: 2}

func outlier() TradeRecord { return TradeRecord{Symbol: "AAPL", PnL: -50, WinRate: 0.6, RiskReward: 2} }

func TestTightWinRateClusterFlagsOutlier(t *testing.T) {
	e, clock := newTestEngine(t, Config{}, nil)
	rates := []float64{0.54, 0.55, 0.56, 0.55, 0.545, 0.555, 0.55, 0.56, 0.54, 0.55}
	for _, r := range rates {
		require.NoError(t, e.RecordTrade(TradeRecord{PnL: 10, WinRate: r, RiskReward: 2}))
		clock.Advance(time.Minute)
	}

	res, err := e.AnalyzeTrade(TradeRecord{PnL: 10, WinRate: 0.20, RiskReward: 2})
	require.NoError(t, err)

	assert.Equal(t, StatusDeviation, res.Status)
	require.Len(t, res.Significant, 1)
	assert.Equal(t, MetricWinRate, res.Significant[0].Metric)
	assert.True(t, res.AlertTriggered)
	assert.Len(t, res.Deviations, 3)
}

func TestInsufficientData(t *testing.T) {
	e, clock := newTestEngine(t, Config{}, nil)
	seed(t, e, clock, 9, steady)

	res, err := e.AnalyzeTrade(TradeRecord{PnL: -1e6, WinRate: 0, RiskReward: 100})
	require.NoError(t, err)

	assert.Equal(t, StatusInsufficientData, res.Status)
	assert.False(t, res.AlertTriggered)
	assert.Equal(t, 9, res.TradeCount)
	assert.Equal(t, 10, res.Required)
	assert.Nil(t, res.Baseline)
}

func TestPnLScenario(t *testing.T) {
	tests := []struct {
		name    string
		pnl     float64
		flagged bool
		wantDev float64
	}{
		{"loss is 150 percent off", -5, true, 1.5},
		{"small gain is within threshold", 10.5, false, 0.05},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, clock := newTestEngine(t, Config{}, nil)
			seed(t, e, clock, 10, TradeRecord{PnL: 10, WinRate: 0.6})

			res, err := e.AnalyzeTrade(TradeRecord{PnL: tt.pnl, WinRate: 0.6})
			require.NoError(t, err)

			var pnl MetricDeviation
			for _, d := range res.Deviations {
				if d.Metric == MetricPnL {
					pnl = d
				}
			}
			assert.InDelta(t, tt.wantDev, pnl.Deviation, 1e-9)
			assert.Equal(t, tt.flagged, res.Status == StatusDeviation)
		})
	}
}

func TestZeroBaselineMeanUsesMagnitude(t *testing.T) {
	e, clock := newTestEngine(t, Config{}, nil)
	seed(t, e, clock, 10, TradeRecord{PnL: 0, WinRate: 0.5, RiskReward: 1})

	res, err := e.AnalyzeTrade(TradeRecord{PnL: 0.2, WinRate: 0.5, RiskReward: 1})
	require.NoError(t, err)
	assert.Equal(t, StatusNormal, res.Status)

	res, err = e.AnalyzeTrade(TradeRecord{PnL: 0.5, WinRate: 0.5, RiskReward: 1})
	require.NoError(t, err)
	assert.Equal(t, StatusDeviation, res.Status)
}

func TestCooldownSuppressesSecondAlert(t *testing.T) {
	e, clock := newTestEngine(t, Config{}, nil)
	seed(t, e, clock, 10, steady)

	var alerts []Alert
	e.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	first, err := e.AnalyzeTrade(outlier())
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	second, err := e.AnalyzeTrade(outlier())
	require.NoError(t, err)

	assert.True(t, first.AlertTriggered)
	assert.False(t, second.AlertTriggered)
	assert.True(t, second.Suppressed)
	assert.Equal(t, StatusDeviation, second.Status)
	assert.Len(t, alerts, 1)
	assert.Len(t, e.RecentAlerts(0), 1)

	// Exactly one cooldown after the first alert is enough.
	clock.Advance(20 * time.Minute)
	third, err := e.AnalyzeTrade(outlier())
	require.NoError(t, err)
	assert.True(t, third.AlertTriggered)
	assert.Equal(t, 2, third.ConsecutiveDeviations)
}

func TestEscalationAfterThreeConsecutiveAlerts(t *testing.T) {
	e, clock := newTestEngine(t, Config{}, nil)
	seed(t, e, clock, 10, steady)

	var escalations []Escalation
	var alerts int
	e.OnAlert(func(Alert) { alerts++ })
	e.OnEscalation(func(esc Escalation) { escalations = append(escalations, esc) })

	var last AnalysisResult
	for i := 0; i < 3; i++ {
		var err error
		last, err = e.AnalyzeTrade(outlier())
		require.NoError(t, err)
		clock.Advance(31 * time.Minute)
	}

	assert.Equal(t, 3, alerts)
	require.Len(t, escalations, 1)
	assert.Equal(t, 3, escalations[0].ConsecutiveCount)
	assert.True(t, last.Escalated)
	assert.Equal(t, 0, last.ConsecutiveDeviations)

	res, err := e.AnalyzeTrade(steady)
	require.NoError(t, err)
	assert.Equal(t, StatusNormal, res.Status)
	assert.Equal(t, 0, e.Status().ConsecutiveDeviations)
	assert.Len(t, escalations, 1)
}

func TestNormalTradeResetsConsecutiveCount(t *testing.T) {
	e, clock := newTestEngine(t, Config{}, nil)
	seed(t, e, clock, 10, steady)

	escalated := 0
	e.OnEscalation(func(Escalation) { escalated++ })

	for _, tr := range []TradeRecord{outlier(), outlier(), steady, outlier()} {
		_, err := e.AnalyzeTrade(tr)
		require.NoError(t, err)
		clock.Advance(31 * time.Minute)
	}

	assert.Zero(t, escalated)
	assert.Equal(t, 1, e.Status().ConsecutiveDeviations)
}

func TestInsufficientDataLeavesCounter(t *testing.T) {
	e, clock := newTestEngine(t, Config{Lookback: time.Hour}, nil)
	seed(t, e, clock, 10, steady)

	_, err := e.AnalyzeTrade(outlier())
	require.NoError(t, err)
	require.Equal(t, 1, e.Status().ConsecutiveDeviations)

	clock.Advance(2 * time.Hour)
	require.NoError(t, e.Prune())

	res, err := e.AnalyzeTrade(steady)
	require.NoError(t, err)
	assert.Equal(t, StatusInsufficientData, res.Status)
	assert.Equal(t, 1, res.ConsecutiveDeviations)
}

func TestWindowBelowMinimumClearsBaseline(t *testing.T) {
	e, clock := newTestEngine(t, Config{}, nil)
	seed(t, e, clock, 10, steady)
	_, ok := e.Baseline()
	require.True(t, ok)

	clock.Advance(25 * time.Hour)
	require.NoError(t, e.Prune())

	_, ok = e.Baseline()
	assert.False(t, ok)
	assert.Equal(t, 0, e.Status().TradeCount)

	res, err := e.AnalyzeTrade(outlier())
	require.NoError(t, err)
	assert.Equal(t, StatusInsufficientData, res.Status)
}

func TestExpiredWindowScoresInsufficientWithoutPrune(t *testing.T) {
	tests := []struct {
		name  string
		score func(*Engine, TradeRecord) (AnalysisResult, error)
	}{
		{"analyze", (*Engine).AnalyzeTrade},
		{"process", (*Engine).Process},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memSnapshots{}
			e, clock := newTestEngine(t, Config{}, store)
			seed(t, e, clock, 10, steady)
			alerts := 0
			e.OnAlert(func(Alert) { alerts++ })

			clock.Advance(25 * time.Hour)
			res, err := tt.score(e, outlier())
			require.NoError(t, err)

			assert.Equal(t, StatusInsufficientData, res.Status)
			assert.Equal(t, 0, res.TradeCount)
			assert.False(t, res.AlertTriggered)
			assert.Zero(t, alerts)
			assert.Equal(t, 0, e.Status().ConsecutiveDeviations)
			_, ok := e.Baseline()
			assert.False(t, ok)
			assert.Nil(t, store.snap.Baseline)
		})
	}
}

func TestRestoredStaleBaselineIsNotUsed(t *testing.T) {
	clock := newFakeClock()
	var trades []TradeRecord
	for i := 0; i < 10; i++ {
		trades = append(trades, TradeRecord{Timestamp: clock.Now().Add(-30 * time.Hour), PnL: 10, WinRate: 0.6})
	}
	store := &memSnapshots{snap: Snapshot{Trades: trades}, found: true}

	e, err := NewEngine(Config{}, store, WithClock(clock.Now))
	require.NoError(t, err)

	res, err := e.AnalyzeTrade(TradeRecord{PnL: -50, WinRate: 0.6})
	require.NoError(t, err)
	assert.Equal(t, StatusInsufficientData, res.Status)
	assert.Empty(t, store.snap.Trades)
}

func TestRecordTradeEvictsOldTrades(t *testing.T) {
	e, clock := newTestEngine(t, Config{}, nil)
	seed(t, e, clock, 10, steady)
	clock.Advance(24 * time.Hour)

	require.NoError(t, e.RecordTrade(steady))

	s := e.Status()
	assert.Equal(t, 1, s.TradeCount)
	assert.False(t, s.BaselineEstablished)
}

func TestProcessScoresAgainstPreTradeBaseline(t *testing.T) {
	e, clock := newTestEngine(t, Config{}, nil)
	seed(t, e, clock, 10, TradeRecord{PnL: 10, WinRate: 0.6})

	res, err := e.Process(TradeRecord{Symbol: "TSLA", PnL: -5, WinRate: 0.6})
	require.NoError(t, err)

	assert.Equal(t, StatusDeviation, res.Status)
	assert.Equal(t, 10, res.TradeCount)
	assert.InDelta(t, 10, res.Baseline.AvgPnL, 1e-12)

	b, ok := e.Baseline()
	require.True(t, ok)
	assert.Equal(t, 11, b.TradeCount)
	assert.Less(t, b.AvgPnL, 10.0)
}

func TestProcessStampsZeroTimestamp(t *testing.T) {
	store := &memSnapshots{}
	e, clock := newTestEngine(t, Config{}, store)

	_, err := e.Process(TradeRecord{Symbol: "AAPL"})
	require.NoError(t, err)

	require.Len(t, store.snap.Trades, 1)
	assert.Equal(t, clock.Now(), store.snap.Trades[0].Timestamp)
}

func TestAlertRingIsBounded(t *testing.T) {
	e, clock := newTestEngine(t, Config{MaxAlerts: 2, Cooldown: time.Second, EscalateAfter: 100}, nil)
	seed(t, e, clock, 10, steady)

	for i := 0; i < 5; i++ {
		_, err := e.AnalyzeTrade(outlier())
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	alerts := e.RecentAlerts(0)
	require.Len(t, alerts, 2)
	assert.Equal(t, 4, alerts[0].ConsecutiveCount)
	assert.Equal(t, 5, alerts[1].ConsecutiveCount)
	assert.Len(t, e.RecentAlerts(1), 1)
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := &memSnapshots{}
	e, clock := newTestEngine(t, Config{}, store)
	seed(t, e, clock, 12, steady)
	_, err := e.AnalyzeTrade(outlier())
	require.NoError(t, err)

	want, ok := e.Baseline()
	require.True(t, ok)

	restored, err := NewEngine(Config{}, store, WithClock(clock.Now))
	require.NoError(t, err)

	got, ok := restored.Baseline()
	require.True(t, ok)
	assert.InDelta(t, want.AvgPnL, got.AvgPnL, 1e-12)
	assert.Equal(t, want.TradeCount, got.TradeCount)

	s := restored.Status()
	assert.Equal(t, 12, s.TradeCount)
	assert.Equal(t, 1, s.ConsecutiveDeviations)
	require.NotNil(t, s.LastAlertAt)
	assert.Len(t, restored.RecentAlerts(0), 1)

	// The cooldown survives the restart.
	res, err := restored.AnalyzeTrade(outlier())
	require.NoError(t, err)
	assert.True(t, res.Suppressed)
}

func TestRestoreKeepsDoubledLookback(t *testing.T) {
	clock := newFakeClock()
	now := clock.Now()
	var trades []TradeRecord
	for i := 0; i < 10; i++ {
		trades = append(trades, TradeRecord{Timestamp: now.Add(-30 * time.Hour), PnL: 10, WinRate: 0.6})
	}
	trades = append(trades, TradeRecord{Timestamp: now.Add(-50 * time.Hour), PnL: 10, WinRate: 0.6})
	store := &memSnapshots{snap: Snapshot{Trades: trades}, found: true}

	e, err := NewEngine(Config{}, store, WithClock(clock.Now))
	require.NoError(t, err)

	s := e.Status()
	assert.Equal(t, 10, s.TradeCount)
	assert.True(t, s.BaselineEstablished)
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	boom := errors.New("disk full")
	store := &memSnapshots{saveErr: boom}
	e, _ := newTestEngine(t, Config{}, store)

	err := e.RecordTrade(steady)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, e.Status().TradeCount)
}

func TestHandlersMayCallBackIntoEngine(t *testing.T) {
	e, clock := newTestEngine(t, Config{EscalateAfter: 1}, nil)
	seed(t, e, clock, 10, steady)

	var seen Status
	e.OnEscalation(func(Escalation) { seen = e.Status() })

	res, err := e.AnalyzeTrade(outlier())
	require.NoError(t, err)
	assert.True(t, res.Escalated)
	assert.Equal(t, 1, seen.RecentAlerts)
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative threshold", Config{Threshold: -0.1}},
		{"negative min trades", Config{MinTrades: -1}},
		{"negative cooldown", Config{Cooldown: -time.Minute}},
		{"negative max alerts", Config{MaxAlerts: -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestConcurrentProcess(t *testing.T) {
	e, clock := newTestEngine(t, Config{}, &memSnapshots{})
	seed(t, e, clock, 10, steady)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr := steady
			if i%4 == 0 {
				tr = outlier()
			}
			_, err := e.Process(tr)
			assert.NoError(t, err)
			_ = e.Status()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 26, e.Status().TradeCount)
}
