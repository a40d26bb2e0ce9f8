package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"apollonia/internal/graph"
	"apollonia/pkg/config"
	"apollonia/pkg/logger"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Print the schema statements without applying them")
	timeout := flag.Duration("timeout", time.Minute, "Overall time limit")
	flag.Parse()

	if *dryRun {
		for _, m := range graph.Migrations() {
			fmt.Printf("// %s: %s\n%s;\n\n", m.Name, m.Description, m.Query)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Env, cfg.LogLevel); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Named("graphschema")
	log.Info("Starting Neo4j schema setup...")

	if err := cfg.ValidateGraph(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	repo, err := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.Neo4jDatabase, log)
	if err != nil {
		log.Fatal("Failed to connect to Neo4j", zap.Error(err))
	}
	defer repo.Close(context.Background())

	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatal("Schema setup failed", zap.Error(err))
	}

	count, err := repo.CountFiles(ctx)
	if err != nil {
		log.Warn("Failed to count File nodes", zap.Error(err))
	} else {
		log.Info("Schema setup completed", zap.Int64("file_nodes", count))
	}
}
