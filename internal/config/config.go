package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TradingMode mirrors the system.trading_mode block. DemoMode is a pointer so an
// absent key can be told apart from an explicit false.
type TradingMode struct {
	DemoMode *bool `yaml:"DEMO_MODE"`
	LiveMode bool  `yaml:"LIVE_MODE"`
}

type System struct {
	TradingMode TradingMode `yaml:"trading_mode"`
}

type Safety struct {
	StatePath      string `yaml:"state_path"`
	AuditPath      string `yaml:"audit_path"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
	RecentEntries  int    `yaml:"recent_entries"`
}

type Deviation struct {
	Threshold             float64 `yaml:"threshold"`
	MinTradesBaseline     int     `yaml:"min_trades_baseline"`
	LookbackHours         int     `yaml:"lookback_hours"`
	AlertCooldownMinutes  int     `yaml:"alert_cooldown_minutes"`
	ConsecutiveDeviations int     `yaml:"consecutive_deviations"`
	MaxAlerts             int     `yaml:"max_alerts"`
	SnapshotPath          string  `yaml:"snapshot_path"`
	AlertLogPath          string  `yaml:"alert_log_path"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Postgres struct {
	DSN       string `yaml:"dsn"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Storage picks the backends. Driver covers state and deviation snapshot
// (file | redis); AuditDriver covers the emergency log (jsonl | redis | postgres).
type Storage struct {
	Driver      string   `yaml:"driver"`
	AuditDriver string   `yaml:"audit_driver"`
	Redis       Redis    `yaml:"redis"`
	Postgres    Postgres `yaml:"postgres"`
}

type Policy struct {
	HaltOnEscalation       bool `yaml:"halt_on_escalation"`
	MonitorIntervalSeconds int  `yaml:"monitor_interval_seconds"`
}

type Slack struct {
	Enabled       bool   `yaml:"enabled"`
	WebhookURL    string `yaml:"webhook_url"`
	Channel       string `yaml:"channel"`
	RatePerMinute int    `yaml:"rate_per_minute"`
	TimeoutMs     int    `yaml:"timeout_ms"`
}

type HTTP struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type Logging struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type Root struct {
	System    System    `yaml:"system"`
	Safety    Safety    `yaml:"safety"`
	Deviation Deviation `yaml:"deviation"`
	Storage   Storage   `yaml:"storage"`
	Policy    Policy    `yaml:"policy"`
	Slack     Slack     `yaml:"slack"`
	HTTP      HTTP      `yaml:"http"`
	Logging   Logging   `yaml:"logging"`
}

// Load reads a YAML file and applies defaults. A missing file is not an error:
// defaults describe a demo-only deployment.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return c, err
	}
	if err == nil {
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Parse is Load for in-memory YAML.
func Parse(b []byte) (Root, error) {
	var c Root
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.applyDefaults()
	return c, c.Validate()
}

func (c *Root) applyDefaults() {
	if c.Safety.StatePath == "" {
		c.Safety.StatePath = "data/safety/kill_switch.json"
	}
	if c.Safety.AuditPath == "" {
		c.Safety.AuditPath = "logs/emergency_shutdown.log"
	}
	if c.Safety.WriteTimeoutMs == 0 {
		c.Safety.WriteTimeoutMs = 2000
	}
	if c.Safety.RecentEntries == 0 {
		c.Safety.RecentEntries = 256
	}

	if c.Deviation.Threshold == 0 {
		c.Deviation.Threshold = 0.30
	}
	if c.Deviation.MinTradesBaseline == 0 {
		c.Deviation.MinTradesBaseline = 10
	}
	if c.Deviation.LookbackHours == 0 {
		c.Deviation.LookbackHours = 24
	}
	if c.Deviation.AlertCooldownMinutes == 0 {
		c.Deviation.AlertCooldownMinutes = 30
	}
	if c.Deviation.ConsecutiveDeviations == 0 {
		c.Deviation.ConsecutiveDeviations = 3
	}
	if c.Deviation.MaxAlerts == 0 {
		c.Deviation.MaxAlerts = 50
	}
	if c.Deviation.SnapshotPath == "" {
		c.Deviation.SnapshotPath = "data/safety/trade_deviations.json"
	}
	if c.Deviation.AlertLogPath == "" {
		c.Deviation.AlertLogPath = "alerts/trade_anomaly.log"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.AuditDriver == "" {
		c.Storage.AuditDriver = "jsonl"
	}
	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = "localhost:6379"
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "tradegate:"
	}
	if c.Storage.Postgres.TimeoutMs == 0 {
		c.Storage.Postgres.TimeoutMs = 3000
	}

	if c.Policy.MonitorIntervalSeconds == 0 {
		c.Policy.MonitorIntervalSeconds = 60
	}

	if c.Slack.RatePerMinute == 0 {
		c.Slack.RatePerMinute = 6
	}
	if c.Slack.TimeoutMs == 0 {
		c.Slack.TimeoutMs = 5000
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8093"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects values that would make the deviation engine or storage misbehave.
func (c Root) Validate() error {
	var errs []error
	if c.Deviation.Threshold < 0 {
		errs = append(errs, fmt.Errorf("deviation.threshold must be positive, got %v", c.Deviation.Threshold))
	}
	if c.Deviation.MinTradesBaseline < 2 {
		errs = append(errs, fmt.Errorf("deviation.min_trades_baseline must be >= 2, got %d", c.Deviation.MinTradesBaseline))
	}
	if c.Deviation.LookbackHours < 0 || c.Deviation.AlertCooldownMinutes < 0 {
		errs = append(errs, errors.New("deviation windows must not be negative"))
	}
	if c.Deviation.ConsecutiveDeviations < 1 {
		errs = append(errs, fmt.Errorf("deviation.consecutive_deviations must be >= 1, got %d", c.Deviation.ConsecutiveDeviations))
	}
	switch c.Storage.Driver {
	case "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q not supported", c.Storage.Driver))
	}
	switch c.Storage.AuditDriver {
	case "jsonl", "redis":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn required for postgres audit driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.audit_driver %q not supported", c.Storage.AuditDriver))
	}
	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		errs = append(errs, errors.New("slack.webhook_url required when slack is enabled"))
	}
	return errors.Join(errs...)
}

func (d Deviation) Lookback() time.Duration {
	return time.Duration(d.LookbackHours) * time.Hour
}

func (d Deviation) Cooldown() time.Duration {
	return time.Duration(d.AlertCooldownMinutes) * time.Minute
}

func (s Safety) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMs) * time.Millisecond
}

// Secrets are never read from YAML.
type Secrets struct {
	PrimaryCode  string
	OverrideCode string
	BypassCodes  []string
	PrimaryHash  string
	OverrideHash string
}

const (
	EnvPrimaryCode  = "KILL_SWITCH_AUTH_CODE"
	EnvOverrideCode = "KILL_SWITCH_OVERRIDE_CODE"
	EnvBypassCodes  = "KILL_SWITCH_BYPASS_CODES"
	EnvPrimaryHash  = "KILL_SWITCH_AUTH_HASH"
	EnvOverrideHash = "KILL_SWITCH_OVERRIDE_HASH"
)

// LoadSecrets loads envFile (if present) into the process environment without
// overriding variables that are already set, then reads the auth secrets.
func LoadSecrets(envFile string) (Secrets, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Secrets{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	s := Secrets{
		PrimaryCode:  os.Getenv(EnvPrimaryCode),
		OverrideCode: os.Getenv(EnvOverrideCode),
		PrimaryHash:  os.Getenv(EnvPrimaryHash),
		OverrideHash: os.Getenv(EnvOverrideHash),
	}
	for _, code := range strings.Split(os.Getenv(EnvBypassCodes), ",") {
		if code = strings.TrimSpace(code); code != "" {
			s.BypassCodes = append(s.BypassCodes, code)
		}
	}
	return s, nil
}

// UseHashes reports whether bcrypt hashes are configured for both roles.
func (s Secrets) UseHashes() bool {
	return s.PrimaryHash != "" && s.OverrideHash != ""
}
