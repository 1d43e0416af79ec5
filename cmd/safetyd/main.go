package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Rajchodisetti/tradegate/internal/app"
	"github.com/Rajchodisetti/tradegate/internal/config"
	"github.com/Rajchodisetti/tradegate/internal/observ"
)

func main() {
	var cfgPath, envFile, logLevel string
	flag.StringVar(&cfgPath, "config", "config/safety.yaml", "config path")
	flag.StringVar(&envFile, "env", ".env", "dotenv file with authorization codes (optional)")
	flag.StringVar(&logLevel, "log-level", "", "override logging.level")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	observ.Configure(cfg.Logging.Level, cfg.Logging.Console)

	secrets, err := config.LoadSecrets(envFile)
	if err != nil {
		log.Fatalf("load secrets: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, secrets, cfgPath)
	if err != nil {
		log.Fatalf("build: %v", err)
	}
	defer a.Close()

	observ.Log("safetyd_started", map[string]any{
		"config": cfgPath,
		"mode":   a.Gate.Mode(),
	})
	if err := a.Run(ctx); err != nil {
		observ.Critical("safetyd_exit", map[string]any{"error": err.Error()})
		a.Close()
		os.Exit(1)
	}
	observ.Log("safetyd_stopped", map[string]any{"mode": a.Gate.Mode()})
}
