package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fraudlab/ringtrace/internal/config"
	"github.com/fraudlab/ringtrace/internal/engine"
	"github.com/fraudlab/ringtrace/internal/graph"
	"github.com/fraudlab/ringtrace/internal/models"
	"github.com/fraudlab/ringtrace/internal/queue"
	"github.com/fraudlab/ringtrace/internal/reasoning"
	"github.com/fraudlab/ringtrace/internal/report"
	"github.com/fraudlab/ringtrace/internal/store"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	g, err := graph.New(graph.Config{
		URI:      cfg.Neo4j.URI,
		Username: cfg.Neo4j.User,
		Password: cfg.Neo4j.Password,
		Retries:  cfg.Engine.TraversalRetries,
	})
	if err != nil {
		log.Fatalf("Failed to connect to graph: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Close(ctx)
	}()

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer q.Close()

	reasoner := reasoning.New(reasoning.Config{
		BaseURL:     cfg.Reasoning.BaseURL,
		APIKey:      cfg.Reasoning.APIKey,
		Model:       cfg.Reasoning.Model,
		Timeout:     cfg.Reasoning.Timeout,
		MaxRetries:  cfg.Reasoning.MaxRetries,
		Temperature: cfg.Reasoning.Temperature,
	})
	reports := report.NewGenerator(reasoner, logger)

	eng := engine.New(g, reasoner, reports, cfg.Engine,
		engine.WithLogger(logger),
		engine.WithEventSink(func(c *models.Case, ev models.ProgressEvent) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := q.PublishEvent(ctx, c.ID, ev); err != nil {
				logger.Warn("publishing case event", "case_id", c.ID, "error", err)
			}
		}),
	)

	worker := queue.NewWorker(queue.WorkerConfig{
		Queue:  q,
		Store:  st,
		Engine: eng,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := worker.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	worker.Stop()
}
