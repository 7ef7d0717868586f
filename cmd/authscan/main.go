package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"secureauth/internal/harness"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	target := flag.String("target", "", "base URL of the gateway (overrides TARGET)")
	outDir := flag.String("out", "", "evidence output directory (overrides OUT_DIR)")
	hardTimeout := flag.Duration("timeout", 0, "hard timeout per probe")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := harness.LoadConfig(*configPath, os.Getenv)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if *target != "" {
		cfg.Target = *target
	}
	if *outDir != "" {
		cfg.OutDir = *outDir
	}
	if *hardTimeout > 0 {
		cfg.HardTimeout = *hardTimeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("scan starting", "target", cfg.Target, "out_dir", cfg.OutDir)
	run, err := harness.Scan(ctx, cfg, logger)
	if err != nil {
		if ferr := harness.AppendFatal(cfg.OutDir, err, time.Now()); ferr != nil {
			logger.Error("record fatal error", "error", ferr)
		}
		logger.Error("scan failed", "error", err)
		stop()
		os.Exit(1)
	}

	for _, f := range run.Findings {
		logger.Info("finding", "id", f.ID, "title", f.Title)
	}
	logger.Info("scan complete", "tests", len(run.Tests), "out_dir", cfg.OutDir)
}
