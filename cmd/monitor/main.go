package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"appfactory/internal/autofix"
	"appfactory/internal/config"
	"appfactory/internal/monitor"
	"appfactory/internal/queue"
	"appfactory/internal/store"
	applog "appfactory/pkg/log"
)

// Headless monitor: the same loop the API embeds, run standalone when the
// control surface lives elsewhere.
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
	selector := autofix.NewSelector(autofix.NewRegistry(cfg))
	mon := monitor.New(cfg, st, q, selector, logger)
	mon.Start()

	<-ctx.Done()
	mon.Stop()
}
