package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"apollonia/internal/broker"
	"apollonia/internal/graph"
	"apollonia/internal/ops"
	"apollonia/internal/populator"
	"apollonia/pkg/config"
	"apollonia/pkg/logger"
)

const startupTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		logger.Get().Error("Populator exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateGraph(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if err := logger.Init(cfg.Env, cfg.LogLevel); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	log := logger.Named("populator")
	log.Info("Starting graph populator...")

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	repo, err := graph.Connect(startCtx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.Neo4jDatabase, log)
	if err != nil {
		return err
	}
	defer repo.Close(context.Background())

	if cfg.GraphEnsureSchema {
		if err := repo.EnsureSchema(startCtx); err != nil {
			return err
		}
	}

	conn, err := broker.Dial(cfg.AMQPURL, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	topology := broker.TopologyFrom(cfg)
	if err := declareTopology(conn, topology); err != nil {
		return err
	}

	consumer, err := broker.NewConsumer(conn, topology, cfg.Prefetch, log)
	if err != nil {
		return err
	}

	pop, err := populator.New(populator.ConfigFrom(cfg), repo, consumer, log)
	if err != nil {
		return err
	}

	router := ops.NewRouter(ops.Component{
		Name: "populator",
		Healthy: func(ctx context.Context) bool {
			return pop.Healthy(ctx) && !conn.IsClosed()
		},
		Status: func() any { return pop.Stats() },
	}, log)
	srv := ops.NewServer(cfg.Port, router, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pop.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("Populator exited")
	return nil
}

func declareTopology(conn *broker.Connection, topology broker.Topology) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return topology.Declare(ch)
}
