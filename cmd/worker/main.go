package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/modelgraph/internal/bootstrap"
	"github.com/OFFIS-RIT/modelgraph/internal/config"
	"github.com/OFFIS-RIT/modelgraph/internal/queue"
	"github.com/OFFIS-RIT/modelgraph/internal/util"
	"github.com/OFFIS-RIT/modelgraph/pkg/leaselock"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger/console"
	pgdb "github.com/OFFIS-RIT/modelgraph/pkg/store/pgx"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	// Init pgx client, optional for the badger and neo4j sinks
	pgConn, err := bootstrap.OpenDatabase(ctx, cfg)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	if pgConn != nil {
		defer pgConn.Close()
	}

	sink, err := bootstrap.OpenSink(ctx, cfg, pgConn)
	if err != nil {
		logger.Fatal("Unable to open graph sink", "err", err)
	}
	defer sink.Close()

	runner, err := bootstrap.NewRunner(ctx, cfg, sink)
	if err != nil {
		logger.Fatal("Unable to create runner", "err", err)
	}

	proc := &queue.HarvestProcessor{
		Runner: runner,
		RunDir: cfg.RunDir,
	}
	if pgConn != nil {
		proc.Runs = pgdb.NewRunStore(pgConn)
		lock, err := leaselock.NewClient(leaselock.NewClientParams{
			DB:         pgConn,
			TTL:        2 * time.Minute,
			RenewEvery: 30 * time.Second,
			Wait:       true,
			PollEvery:  5 * time.Second,
			PollJitter: 2 * time.Second,
		})
		if err != nil {
			logger.Fatal("Unable to create lease client", "err", err)
		}
		proc.Lock = lock
		proc.LockKey = leaselock.NamespaceKey(cfg.Graph.Sink, cfg.Graph.Namespace)
	}
	if err := os.MkdirAll(cfg.RunDir, 0o755); err != nil {
		logger.Fatal("Unable to create run directory", "dir", cfg.RunDir, "err", err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("Serving metrics", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server stopped", "err", err)
			}
		}()
	}

	// Init rabbitmq
	conn, err := queue.Init(cfg.RabbitMQ.URL())
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, []string{queue.HarvestQueue}); err != nil {
		logger.Fatal("Failed to declare queues", "err", err)
	}

	// One message at a time, a run holds the namespace lease until it ends
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	if err := consumerCh.Qos(1, 0, true); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	logger.Info("Listening for messages", "queue", queue.HarvestQueue, "sink", cfg.Graph.Sink)
	if err := queue.Consume(ctx, consumerCh, ch, queue.HarvestQueue, proc.Process); err != nil {
		logger.Fatal("Consumer stopped", "err", err)
	}
	logger.Info("Shutdown signal received, exiting...")
}
