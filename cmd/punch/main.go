package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"punch/internal/app"
	punchcfg "punch/internal/config"
	"punch/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath := os.Getenv("PUNCH_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := punchcfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logFile, err := setupLogOutput(cfg.Log.File)
	if err != nil {
		log.Fatalf("init log file: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.Log.Level)
	logger.Infof("config loaded from %s", cfgPath)

	a, err := app.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("run: %v", err)
	}
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
