package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"appfactory/internal/api"
	"appfactory/internal/autofix"
	"appfactory/internal/config"
	"appfactory/internal/monitor"
	"appfactory/internal/queue"
	"appfactory/internal/ratelimit"
	"appfactory/internal/store"
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
	limiterClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewLimiter(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	selector := autofix.NewSelector(autofix.NewRegistry(cfg))
	mon := monitor.New(cfg, st, q, selector, logger)
	mon.Start()
	defer mon.Stop()

	server := api.New(cfg, st, q, limiter, mon, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Infow("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
