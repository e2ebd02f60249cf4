// Package bootstrap builds the harvest runner and its collaborators from a
// config.Config. Shared by the worker and the harvest CLI.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/modelgraph/internal/config"
	"github.com/OFFIS-RIT/modelgraph/internal/pipeline"
	"github.com/OFFIS-RIT/modelgraph/internal/storage"
	"github.com/OFFIS-RIT/modelgraph/pkg/frontier"
	"github.com/OFFIS-RIT/modelgraph/pkg/graph"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
	"github.com/OFFIS-RIT/modelgraph/pkg/reconcile"
	"github.com/OFFIS-RIT/modelgraph/pkg/source"
	"github.com/OFFIS-RIT/modelgraph/pkg/source/huggingface"
	"github.com/OFFIS-RIT/modelgraph/pkg/source/static"
	"github.com/OFFIS-RIT/modelgraph/pkg/store"
	"github.com/OFFIS-RIT/modelgraph/pkg/store/badger"
	"github.com/OFFIS-RIT/modelgraph/pkg/store/neo4j"
	pgdb "github.com/OFFIS-RIT/modelgraph/pkg/store/pgx"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenDatabase migrates and connects to the postgres database. It returns a
// nil pool when no DATABASE_URL is configured.
func OpenDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.Postgres.URL == "" {
		return nil, nil
	}
	if err := pgdb.Migrate(cfg.Postgres.URL); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// OpenSink opens the graph sink selected by GRAPH_SINK. The postgres sink
// shares pool, which must then be non-nil.
func OpenSink(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (store.GraphSink, error) {
	logger.Info("[Bootstrap] Opening graph sink", "sink", cfg.Graph.Sink)
	switch cfg.Graph.Sink {
	case config.SinkBadger:
		sink, err := badger.NewSink(badger.NewSinkParams{Path: cfg.Badger.Dir, SyncWrites: true})
		if err != nil {
			return nil, err
		}
		return sink, nil
	case config.SinkPostgres:
		if pool == nil {
			return nil, fmt.Errorf("postgres sink needs a database connection")
		}
		return pgdb.NewGraphDBStorageWithConnection(pool, pgdb.WithChunkSize(cfg.Graph.BatchSize)), nil
	case config.SinkNeo4j:
		sink, err := neo4j.NewGraphDBStorage(ctx, neo4j.NewGraphDBStorageParams{
			URI:      cfg.Neo4j.URI,
			User:     cfg.Neo4j.User,
			Password: cfg.Neo4j.Password,
			Database: cfg.Neo4j.Database,
			Timeout:  cfg.Graph.BatchTimeout,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown graph sink %q", cfg.Graph.Sink)
	}
}

// NewSource returns the metadata source: the static catalog when
// CATALOG_FILE is set, the Hugging Face Hub otherwise.
func NewSource(cfg *config.Config) (source.Client, pipeline.LatestFunc, error) {
	if cfg.Hub.CatalogFile != "" {
		catalog, err := static.Load(cfg.Hub.CatalogFile)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("[Bootstrap] Using static catalog", "file", cfg.Hub.CatalogFile)
		return catalog, func(limit int, _ string) source.Extractor { return catalog.Latest(limit) }, nil
	}

	client, err := huggingface.NewClient(huggingface.NewClientParams{
		BaseURL:           cfg.Hub.URL,
		Token:             cfg.Hub.Token,
		RequestsPerSecond: cfg.Hub.RateLimit,
		Burst:             cfg.Hub.Burst,
		MaxRetries:        cfg.Hub.Retries,
		Timeout:           cfg.Hub.Timeout,
	})
	if err != nil {
		return nil, nil, err
	}
	latest := func(limit int, author string) source.Extractor {
		return &huggingface.LatestModels{Client: client, Limit: limit, Author: author}
	}
	return client, latest, nil
}

// NewRunner wires a pipeline.Runner writing into sink. Run artifacts are
// mirrored to S3 when AWS_BUCKET is set.
func NewRunner(ctx context.Context, cfg *config.Config, sink store.GraphSink) (*pipeline.Runner, error) {
	client, latest, err := NewSource(cfg)
	if err != nil {
		return nil, err
	}

	g, err := graph.NewGraphClient(graph.NewGraphClientParams{
		Namespace:        cfg.Graph.Namespace,
		BatchSize:        cfg.Graph.BatchSize,
		MaxRetries:       cfg.Graph.BatchRetries,
		BatchTimeout:     cfg.Graph.BatchTimeout,
		UnresolvedPolicy: graph.UnresolvedPolicy(cfg.Graph.UnresolvedPolicy),
	})
	if err != nil {
		return nil, err
	}

	var mirror pipeline.Mirror
	if cfg.S3.Enabled() {
		s3Client, err := storage.NewS3Client(ctx, storage.NewS3ClientParams{
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		mirror = storage.NewMirror(s3Client, cfg.S3.Bucket, cfg.S3.Prefix)
	}

	return pipeline.NewRunner(pipeline.NewRunnerParams{
		Client: client,
		Latest: latest,
		Resolver: frontier.NewResolverParams{
			MaxIterations: cfg.Resolver.MaxIterations,
			Parallelism:   cfg.Resolver.FetchParallelism,
			MinConfidence: cfg.Resolver.MinConfidence,
			FetchTimeout:  cfg.Resolver.FetchTimeout,
		},
		Reconciler: reconcile.NewReconciler(reconcile.NewReconcilerParams{HubURL: cfg.Hub.URL}),
		Graph:      g,
		Sink:       sink,
		Mirror:     mirror,
	})
}
