package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"tachyon-engine/internal/config"
	"tachyon-engine/internal/controlapi"
	"tachyon-engine/internal/engine"
	"tachyon-engine/internal/ingress"
	"tachyon-engine/internal/logger"
	"tachyon-engine/internal/progresspump"
	"tachyon-engine/internal/queue"
	"tachyon-engine/internal/scheduler"
	"tachyon-engine/internal/security"
	"tachyon-engine/internal/storage"
)

const appName = "tachyon-engine"

// app is the composition root: every long-lived component the CLI
// subcommands share, built once in initApp and torn down in app.Close.
type app struct {
	store  *storage.Storage
	cfg    *config.ConfigManager
	logger *slog.Logger
	events *logger.EventHandler
	audit  *security.AuditLogger

	engine *engine.Engine
	queue  *queue.Manager
	sched  *scheduler.Scheduler
	pump   *progresspump.Pump
	ctrl   *controlapi.Server
	bridge *ingress.Bridge

	cancel context.CancelFunc
}

func initApp() (*app, error) {
	store, err := storage.OpenDefault(appName)
	if err != nil {
		return nil, err
	}

	cfg := config.NewConfigManager(store)

	log, events, err := logger.New(os.Stderr)
	if err != nil {
		return nil, err
	}

	audit := security.NewAuditLogger(log)

	downloadRoot := cfg.GetDownloadRoot()
	if downloadRoot == "" {
		home, _ := os.UserHomeDir()
		downloadRoot = filepath.Join(home, "Downloads")
	}

	eng := engine.New(log, store, engine.Settings{
		DefaultThreads:  cfg.GetDefaultThreads(),
		GlobalLimitBps:  cfg.GetGlobalLimitBps(),
		DownloadRoot:    downloadRoot,
		UserAgent:       cfg.GetUserAgent(),
		AutoRetryFailed: true,
		MaxRetries:      3,
	})

	q := queue.New(eng, cfg.GetMaxConcurrent(), log)
	q.SetAutoRetry(true, 3)

	sched := scheduler.New(log, store, q, osShutdown{})
	pump := progresspump.New(progressSource{eng: eng})
	ctrl := controlapi.NewServer(controlEngine{eng: eng}, q, cfg, audit)

	socketPath := filepath.Join(os.TempDir(), appName+".sock")
	bridge := ingress.New(socketPath, ingressAdder{eng: eng}, q, audit, log)

	return &app{
		store: store, cfg: cfg, logger: log, events: events, audit: audit,
		engine: eng, queue: q, sched: sched, pump: pump, ctrl: ctrl, bridge: bridge,
	}, nil
}

// Run starts every background component against ctx and blocks until ctx
// is cancelled.
func (a *app) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	go a.queue.Run(ctx)
	if err := a.sched.Start(); err != nil {
		a.logger.Error("scheduler failed to start", "error", err)
	}
	go a.pump.Run(ctx)
	a.ctrl.Start(a.logger)
	go func() {
		if err := a.bridge.Serve(ctx); err != nil {
			a.logger.Error("ingress bridge stopped", "error", err)
		}
	}()
}

func (a *app) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.sched.Stop()
	a.audit.Close()
	_ = a.store.Checkpoint()
	_ = a.store.Close()
}
