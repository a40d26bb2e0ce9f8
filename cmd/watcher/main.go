package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"apollonia/internal/broker"
	"apollonia/internal/ops"
	"apollonia/internal/watcher"
	"apollonia/pkg/config"
	"apollonia/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		logger.Get().Error("Watcher exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateWatcher(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := logger.Init(cfg.Env, cfg.LogLevel); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	log := logger.Named("watcher")
	log.Info("Starting file watcher...")

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	publisher, err := broker.NewPublisher(cfg.AMQPURL, broker.TopologyFrom(cfg), log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	w := watcher.New(watcher.ConfigFrom(cfg), publisher, log)

	router := ops.NewRouter(ops.Component{
		Name: "watcher",
		Healthy: func(context.Context) bool {
			select {
			case <-w.Ready():
				return true
			default:
				return false
			}
		},
		Status: func() any {
			return gin.H{"watcher": w.Stats(), "broker_connected": publisher.Connected()}
		},
	}, log)
	srv := ops.NewServer(cfg.Port, router, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return publisher.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("Watcher exited")
	return nil
}
