package deviation

import (
	"context"
	"errors"
	"time"
)

// TradeRecord is one completed trade as reported by the execution side.
type TradeRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	PnL        float64   `json:"pnl"`
	WinRate    float64   `json:"win_rate"`
	AvgWin     float64   `json:"avg_win"`
	AvgLoss    float64   `json:"avg_loss"`
	RiskReward float64   `json:"risk_reward"`

	ExpectedReturn *float64 `json:"expected_return,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
}

// Baseline is the rolling summary the engine scores trades against. It is
// replaced wholesale on every recompute.
type Baseline struct {
	AvgWinRate     float64   `json:"avg_win_rate"`
	StdWinRate     float64   `json:"std_win_rate"`
	AvgPnL         float64   `json:"avg_pnl"`
	StdPnL         float64   `json:"std_pnl"`
	AvgRiskReward  float64   `json:"avg_risk_reward"`
	StdRiskReward  float64   `json:"std_risk_reward"`
	ExpectedReturn float64   `json:"expected_return"`
	Confidence     float64   `json:"confidence"`
	TradeCount     int       `json:"trade_count"`
	CalculatedAt   time.Time `json:"calculated_at"`
}

type Metric string

const (
	MetricWinRate    Metric = "win_rate"
	MetricPnL        Metric = "pnl"
	MetricRiskReward Metric = "risk_reward"
)

var trackedMetrics = []Metric{MetricWinRate, MetricPnL, MetricRiskReward}

func (t TradeRecord) value(m Metric) float64 {
	switch m {
	case MetricWinRate:
		return t.WinRate
	case MetricPnL:
		return t.PnL
	default:
		return t.RiskReward
	}
}

func (b Baseline) avg(m Metric) float64 {
	switch m {
	case MetricWinRate:
		return b.AvgWinRate
	case MetricPnL:
		return b.AvgPnL
	default:
		return b.AvgRiskReward
	}
}

type MetricDeviation struct {
	Metric    Metric  `json:"metric"`
	Current   float64 `json:"current"`
	Baseline  float64 `json:"baseline"`
	Deviation float64 `json:"deviation"`
	Threshold float64 `json:"threshold"`
}

type AnalysisStatus string

const (
	StatusInsufficientData AnalysisStatus = "insufficient_data"
	StatusNormal           AnalysisStatus = "normal"
	StatusDeviation        AnalysisStatus = "deviation"
)

// AnalysisResult reports one scored trade. Insufficient data is a status, not
// an error: callers can tell "no anomaly" from "can't tell yet".
type AnalysisResult struct {
	Status                AnalysisStatus    `json:"status"`
	Deviations            []MetricDeviation `json:"deviations,omitempty"`
	Significant           []MetricDeviation `json:"significant,omitempty"`
	AlertTriggered        bool              `json:"alert_triggered"`
	Suppressed            bool              `json:"suppressed"` // deviated, but inside the cooldown
	Escalated             bool              `json:"escalated"`
	ConsecutiveDeviations int               `json:"consecutive_deviations"`
	TradeCount            int               `json:"trade_count"`
	Required              int               `json:"required"`
	Baseline              *Baseline         `json:"baseline,omitempty"`
	Alert                 *Alert            `json:"alert,omitempty"`
}

// Alert is an emitted deviation alert.
type Alert struct {
	ID               string            `json:"id"`
	Timestamp        time.Time         `json:"timestamp"`
	Trade            TradeRecord       `json:"trade"`
	Deviations       []MetricDeviation `json:"deviations"`
	ConsecutiveCount int               `json:"consecutive_count"`
}

// Escalation is the critical signal raised after repeated consecutive alerts.
type Escalation struct {
	Timestamp        time.Time `json:"timestamp"`
	ConsecutiveCount int       `json:"consecutive_count"`
	Alert            Alert     `json:"alert"`
}

type Config struct {
	Threshold     float64
	MinTrades     int
	Lookback      time.Duration
	Cooldown      time.Duration
	EscalateAfter int
	MaxAlerts     int
}

func DefaultConfig() Config {
	return Config{
		Threshold:     0.30,
		MinTrades:     10,
		Lookback:      24 * time.Hour,
		Cooldown:      30 * time.Minute,
		EscalateAfter: 3,
		MaxAlerts:     50,
	}
}

// withDefaults fills zero fields; negative values are left for validate.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold == 0 {
		c.Threshold = d.Threshold
	}
	if c.MinTrades == 0 {
		c.MinTrades = d.MinTrades
	}
	if c.Lookback == 0 {
		c.Lookback = d.Lookback
	}
	if c.Cooldown == 0 {
		c.Cooldown = d.Cooldown
	}
	if c.EscalateAfter == 0 {
		c.EscalateAfter = d.EscalateAfter
	}
	if c.MaxAlerts == 0 {
		c.MaxAlerts = d.MaxAlerts
	}
	return c
}

func (c Config) validate() error {
	var errs []error
	if c.Threshold <= 0 {
		errs = append(errs, errors.New("threshold must be positive"))
	}
	if c.MinTrades < 1 {
		errs = append(errs, errors.New("min trades must be at least 1"))
	}
	if c.Lookback <= 0 {
		errs = append(errs, errors.New("lookback must be positive"))
	}
	if c.Cooldown < 0 {
		errs = append(errs, errors.New("cooldown cannot be negative"))
	}
	if c.EscalateAfter < 1 {
		errs = append(errs, errors.New("escalation count must be at least 1"))
	}
	if c.MaxAlerts < 1 {
		errs = append(errs, errors.New("max alerts must be at least 1"))
	}
	return errors.Join(errs...)
}

// Snapshot is the single durable record of engine state.
type Snapshot struct {
	Trades                []TradeRecord `json:"trades"`
	Baseline              *Baseline     `json:"baseline,omitempty"`
	LastAlertAt           *time.Time    `json:"last_alert_at,omitempty"`
	ConsecutiveDeviations int           `json:"consecutive_deviations"`
	RecentAlerts          []Alert       `json:"recent_alerts,omitempty"`
	SavedAt               time.Time     `json:"saved_at"`
}

type SnapshotStore interface {
	LoadSnapshot(ctx context.Context) (Snapshot, bool, error)
	SaveSnapshot(ctx context.Context, s Snapshot) error
}

// Status is the monitoring view of the engine.
type Status struct {
	TradeCount            int        `json:"trade_count"`
	BaselineEstablished   bool       `json:"baseline_established"`
	ConsecutiveDeviations int        `json:"consecutive_deviations"`
	RecentAlerts          int        `json:"recent_alerts"`
	Threshold             float64    `json:"threshold"`
	MinTrades             int        `json:"min_trades"`
	Baseline              *Baseline  `json:"baseline_metrics,omitempty"`
	LastAlertAt           *time.Time `json:"last_alert_at,omitempty"`
}
