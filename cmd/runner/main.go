package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"appfactory/internal/config"
	"appfactory/internal/queue"
	"appfactory/internal/runner"
	"appfactory/internal/store"
	"appfactory/internal/telemetry"
	applog "appfactory/pkg/log"
)

func main() {
	cfg := config.Load()
	logger := applog.InitLog(zap.NewAtomicLevelAt(zap.InfoLevel)).Sugar()
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalw("connect postgres", "error", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatalw("migrations", "error", err)
	}

	q := queue.New(cfg)
	r := runner.New(cfg, q, st, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warnw("metrics server stopped", "error", err)
		}
	}()

	logger.Infow("runner started",
		"visibility", cfg.VisibilityTimeout, "poll_interval", cfg.RunnerPollInterval)
	if err := r.Run(ctx); err != nil {
		logger.Infow("runner stopped", "reason", err)
	}
}
