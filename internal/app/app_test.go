package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/tradegate/internal/config"
	"github.com/Rajchodisetti/tradegate/internal/deviation"
	"github.com/Rajchodisetti/tradegate/internal/safety"
)

var testSecrets = config.Secrets{PrimaryCode: "alpha-123", OverrideCode: "bravo-456"}

func writeConfig(t *testing.T, dir, tradingMode, extra string) string {
	t.Helper()
	body := fmt.Sprintf(`system:
  trading_mode:
%s
safety:
  state_path: %s
  audit_path: %s
deviation:
  min_trades_baseline: 5
  consecutive_deviations: 1
  snapshot_path: %s
  alert_log_path: %s
%s
`, tradingMode,
		filepath.Join(dir, "kill_switch.json"),
		filepath.Join(dir, "emergency.log"),
		filepath.Join(dir, "deviations.json"),
		filepath.Join(dir, "trade_anomaly.log"),
		extra)
	path := filepath.Join(dir, "safety.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func build(t *testing.T, path string, secrets config.Secrets) *App {
	t.Helper()
	cfg, err := config.Load(path)
	require.NoError(t, err)
	a, err := Build(context.Background(), cfg, secrets, path)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

// goLive releases the fresh (HALTED) gate and enables live trading.
func goLive(t *testing.T, a *App) {
	t.Helper()
	require.NoError(t, a.Gate.Deactivate(testSecrets.PrimaryCode, "test setup"))
	require.NoError(t, a.Gate.EnableLiveTrading(testSecrets.PrimaryCode, testSecrets.OverrideCode))
	require.Equal(t, safety.ModeLive, a.Gate.Mode())
}

const demoOnly = "    DEMO_MODE: true\n    LIVE_MODE: false"

func TestBuildStartsHalted(t *testing.T) {
	dir := t.TempDir()
	a := build(t, writeConfig(t, dir, demoOnly, ""), testSecrets)

	assert.Equal(t, safety.ModeHalted, a.Gate.Mode())
	assert.Nil(t, a.Server)
	assert.FileExists(t, filepath.Join(dir, "kill_switch.json"))

	entries, err := a.Audit.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, safety.ActionInitialized, entries[len(entries)-1].ActionType)
}

func TestBuildLiveWithoutDemoRecordsViolation(t *testing.T) {
	dir := t.TempDir()
	a := build(t, writeConfig(t, dir, "    LIVE_MODE: true", ""), testSecrets)

	assert.Equal(t, safety.ModeHalted, a.Gate.Mode())
	err := a.Gate.EnableLiveTrading(testSecrets.PrimaryCode, testSecrets.OverrideCode)
	assert.ErrorIs(t, err, safety.ErrHaltActive)

	var actions []string
	for _, e := range a.Gate.RecentEntries(0) {
		actions = append(actions, e.ActionType)
	}
	assert.Contains(t, actions, safety.ActionConfigViolation)
}

func TestStatePersistsAcrossBuilds(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, demoOnly, "")

	first := build(t, path, testSecrets)
	goLive(t, first)
	require.NoError(t, first.Close())

	second := build(t, path, testSecrets)
	assert.Equal(t, safety.ModeLive, second.Gate.Mode())
}

func TestEscalationPolicyWiring(t *testing.T) {
	tests := []struct {
		name     string
		policy   string
		wantMode safety.Mode
	}{
		{"default only alerts", "", safety.ModeLive},
		{"opt-in halts the gate", "policy:\n  halt_on_escalation: true", safety.ModeHalted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := build(t, writeConfig(t, t.TempDir(), demoOnly, tt.policy), testSecrets)
			goLive(t, a)

			for i := 0; i < 5; i++ {
				require.NoError(t, a.Engine.RecordTrade(deviation.TradeRecord{Symbol: "AAPL", PnL: 10, WinRate: 0.6, RiskReward: 2}))
			}
			res, err := a.Engine.Process(deviation.TradeRecord{Symbol: "AAPL", PnL: -50, WinRate: 0.6, RiskReward: 2})
			require.NoError(t, err)
			require.Equal(t, deviation.StatusDeviation, res.Status)

			assert.Equal(t, tt.wantMode, a.Gate.Mode())

			raw, err := os.ReadFile(a.Config.Deviation.AlertLogPath)
			require.NoError(t, err)
			assert.Contains(t, string(raw), "TRADE_DEVIATION_ALERT")
			assert.Contains(t, string(raw), "TRADE_DEVIATION_ESCALATION")
		})
	}
}

func TestMonitorReloadsConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, demoOnly, "")
	a := build(t, path, testSecrets)
	goLive(t, a)

	writeConfig(t, dir, "    DEMO_MODE: false\n    LIVE_MODE: true", "")
	a.Monitor.Tick()

	assert.Equal(t, safety.ModeHalted, a.Gate.Mode())
}

func TestRunStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	a := build(t, writeConfig(t, dir, demoOnly, "http:\n  enabled: true\n  addr: 127.0.0.1:0"), testSecrets)
	require.NotNil(t, a.Server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestVerifierFor(t *testing.T) {
	hashP, err := safety.HashCode("p")
	require.NoError(t, err)
	hashO, err := safety.HashCode("o")
	require.NoError(t, err)

	tests := []struct {
		name    string
		secrets config.Secrets
		code    string
		want    bool
	}{
		{"static", config.Secrets{PrimaryCode: "p", OverrideCode: "o"}, "p", true},
		{"hashes win over plain codes", config.Secrets{PrimaryCode: "x", PrimaryHash: hashP, OverrideHash: hashO}, "p", true},
		{"plain code ignored when hashed", config.Secrets{PrimaryCode: "x", PrimaryHash: hashP, OverrideHash: hashO}, "x", false},
		{"unset rejects everything", config.Secrets{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, verifierFor(tt.secrets).VerifyCode(safety.RolePrimary, tt.code))
		})
	}
}

func TestTradingModeOf(t *testing.T) {
	demo := true
	var cfg config.Root
	cfg.System.TradingMode = config.TradingMode{DemoMode: &demo, LiveMode: true}

	tm := TradingModeOf(cfg)
	require.NotNil(t, tm.DemoMode)
	assert.True(t, *tm.DemoMode)
	assert.True(t, tm.LiveMode)
}
