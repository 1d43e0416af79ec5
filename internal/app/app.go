package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/alerts"
	"github.com/Rajchodisetti/tradegate/internal/config"
	"github.com/Rajchodisetti/tradegate/internal/deviation"
	"github.com/Rajchodisetti/tradegate/internal/observ"
	"github.com/Rajchodisetti/tradegate/internal/policy"
	"github.com/Rajchodisetti/tradegate/internal/safety"
	"github.com/Rajchodisetti/tradegate/internal/store"
	"github.com/Rajchodisetti/tradegate/internal/transport"
)

// App is the fully wired safety subsystem.
type App struct {
	Config  config.Root
	Gate    *safety.Gate
	Engine  *deviation.Engine
	Monitor *policy.Monitor
	Server  *transport.Server // nil when http is disabled
	Audit   store.AuditReader

	notifier *alerts.SlackNotifier
	closers  []func() error
}

// TradingModeOf converts the config block into the gate's view of it.
func TradingModeOf(cfg config.Root) safety.TradingMode {
	tm := cfg.System.TradingMode
	return safety.TradingMode{DemoMode: tm.DemoMode, LiveMode: tm.LiveMode}
}

// Build constructs stores, gate, engine, notifier, policy and server from
// cfg. configPath, when set, is re-read by the monitor on every tick.
func Build(ctx context.Context, cfg config.Root, secrets config.Secrets, configPath string) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	state, snapshots, audit, err := a.buildStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.notifier = alerts.NewSlackNotifier(cfg.Slack)

	timeout := cfg.Safety.WriteTimeout()
	a.Gate, err = safety.NewGate(state, audit, verifierFor(secrets),
		safety.WithNotifier(a.notifier),
		safety.WithWriteTimeout(timeout),
		safety.WithRecentEntries(cfg.Safety.RecentEntries),
		safety.WithTradingMode(TradingModeOf(cfg)),
	)
	if err != nil {
		return nil, fmt.Errorf("build gate: %w", err)
	}

	a.Engine, err = deviation.NewEngine(deviation.Config{
		Threshold:     cfg.Deviation.Threshold,
		MinTrades:     cfg.Deviation.MinTradesBaseline,
		Lookback:      cfg.Deviation.Lookback(),
		Cooldown:      cfg.Deviation.Cooldown(),
		EscalateAfter: cfg.Deviation.ConsecutiveDeviations,
		MaxAlerts:     cfg.Deviation.MaxAlerts,
	}, snapshots, deviation.WithStoreTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("build deviation engine: %w", err)
	}
	anomalies := store.NewAlertLog(cfg.Deviation.AlertLogPath)
	a.Engine.OnAlert(anomalies.AlertHandler())
	a.Engine.OnEscalation(anomalies.EscalationHandler())
	a.Engine.OnAlert(a.notifier.AlertHandler())
	a.Engine.OnEscalation(a.notifier.EscalationHandler())
	if cfg.Policy.HaltOnEscalation {
		a.Engine.OnEscalation(policy.HaltOnEscalation(a.Gate))
	}

	var reload policy.ReloadFunc
	if configPath != "" {
		reload = func() (safety.TradingMode, error) {
			c, err := config.Load(configPath)
			if err != nil {
				return safety.TradingMode{}, err
			}
			return TradingModeOf(c), nil
		}
	}
	a.Monitor = policy.NewMonitor(a.Gate, a.Engine, reload,
		time.Duration(cfg.Policy.MonitorIntervalSeconds)*time.Second)

	if cfg.HTTP.Enabled {
		a.Server = transport.NewServer(cfg.HTTP.Addr, a.Gate, a.Engine, a.Audit)
	}

	observ.Log("app_built", map[string]any{
		"mode":               a.Gate.Mode(),
		"storage_driver":     cfg.Storage.Driver,
		"audit_driver":       cfg.Storage.AuditDriver,
		"halt_on_escalation": cfg.Policy.HaltOnEscalation,
		"http":               cfg.HTTP.Enabled,
	})
	ok = true
	return a, nil
}

func (a *App) buildStores(ctx context.Context, cfg config.Root) (safety.StateStore, deviation.SnapshotStore, safety.AuditLog, error) {
	var (
		state     safety.StateStore
		snapshots deviation.SnapshotStore
		audit     safety.AuditLog
		rs        *store.RedisStore
	)

	redisStore := func() (*store.RedisStore, error) {
		if rs != nil {
			return rs, nil
		}
		r := cfg.Storage.Redis
		client, err := store.NewRedisClient(ctx, r.Addr, r.Password, r.DB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		rs = store.NewRedisStore(client, r.Prefix)
		return rs, nil
	}

	switch cfg.Storage.Driver {
	case "redis":
		r, err := redisStore()
		if err != nil {
			return nil, nil, nil, err
		}
		state, snapshots = r, r
	default:
		state = store.NewStateFile(cfg.Safety.StatePath)
		snapshots = store.NewSnapshotFile(cfg.Deviation.SnapshotPath)
	}

	switch cfg.Storage.AuditDriver {
	case "redis":
		r, err := redisStore()
		if err != nil {
			return nil, nil, nil, err
		}
		audit, a.Audit = r, r
	case "postgres":
		db, err := store.OpenPostgres(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, db.Close)
		pg := store.NewPostgresAudit(db, time.Duration(cfg.Storage.Postgres.TimeoutMs)*time.Millisecond)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, nil, nil, err
		}
		audit, a.Audit = pg, pg
	default:
		f := store.NewAuditFile(cfg.Safety.AuditPath)
		audit, a.Audit = f, f
	}
	return state, snapshots, audit, nil
}

func verifierFor(s config.Secrets) safety.Verifier {
	if s.UseHashes() {
		return safety.NewBcryptVerifier(s.PrimaryHash, s.OverrideHash)
	}
	if s.PrimaryCode == "" || s.OverrideCode == "" {
		observ.Warn("auth_secrets_incomplete", map[string]any{
			"primary_set":  s.PrimaryCode != "",
			"override_set": s.OverrideCode != "",
			"note":         "gate can be halted but not released to live",
		})
	}
	return safety.NewStaticVerifier(s.PrimaryCode, s.OverrideCode, s.BypassCodes)
}

// Run drives the monitor and, when enabled, the HTTP server until ctx ends.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.Monitor.Run(ctx)
		close(done)
	}()

	serverErr := make(chan error, 1)
	if a.Server != nil {
		go func() { serverErr <- a.Server.Start() }()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-serverErr:
		if err != nil {
			err = fmt.Errorf("http server: %w", err)
		}
	}

	if a.Server != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := a.Server.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, context.Canceled) {
			err = errors.Join(err, serr)
		}
		stop()
	}
	cancel()
	<-done
	return err
}

// Close releases the notifier and any storage connections.
func (a *App) Close() error {
	if a.notifier != nil {
		a.notifier.Close()
		a.notifier = nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
