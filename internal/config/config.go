package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/OFFIS-RIT/modelgraph/internal/util"

	"github.com/go-playground/validator"
)

const (
	SinkBadger   = "badger"
	SinkPostgres = "postgres"
	SinkNeo4j    = "neo4j"
)

type Graph struct {
	Sink             string `validate:"required,oneof=badger postgres neo4j"`
	Namespace        string `validate:"required,url"`
	BatchSize        int    `validate:"min=1"`
	BatchRetries     int    `validate:"min=0"`
	BatchTimeout     time.Duration
	UnresolvedPolicy string `validate:"oneof=drop literal"`
}

type Badger struct {
	Dir string
}

type Postgres struct {
	URL string
}

type Neo4j struct {
	URI      string
	User     string
	Password string
	Database string
}

type Hub struct {
	URL          string  `validate:"required,url"`
	Token        string
	RateLimit    float64 `validate:"min=0"`
	Burst        int     `validate:"min=0"`
	Retries      int     `validate:"min=0"`
	Timeout      time.Duration
	CatalogFile  string
	LatestLimit  int `validate:"min=0"`
	LatestAuthor string
}

type Resolver struct {
	MaxIterations    int     `validate:"min=0"`
	FetchParallelism int     `validate:"min=1"`
	MinConfidence    float64 `validate:"min=0,max=1"`
	FetchTimeout     time.Duration
}

type S3 struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// Enabled reports whether run artifacts are mirrored to object storage.
func (s S3) Enabled() bool { return s.Bucket != "" }

type RabbitMQ struct {
	User     string
	Password string
	Host     string
	Port     string
}

// URL returns the AMQP connection URL.
func (r RabbitMQ) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", r.User, r.Password, r.Host, r.Port)
}

// Config is the complete runtime configuration of the harvester binaries.
type Config struct {
	Graph    Graph
	Badger   Badger
	Postgres Postgres
	Neo4j    Neo4j
	Hub      Hub
	Resolver Resolver
	S3       S3
	RabbitMQ RabbitMQ

	RunDir      string `validate:"required"`
	Port        string `validate:"required,numeric"`
	MetricsAddr string
	Debug       bool
}

// Load reads the configuration from the environment. util.LoadEnv should be
// called first so that .env files are honored.
func Load() (*Config, error) {
	cfg := &Config{
		Graph: Graph{
			Sink:             strings.ToLower(util.GetEnvString("GRAPH_SINK", SinkBadger)),
			Namespace:        util.GetEnvString("GRAPH_NAMESPACE", "https://w3id.org/modelgraph"),
			BatchSize:        util.GetEnvInt("BATCH_SIZE", 500),
			BatchRetries:     util.GetEnvInt("BATCH_RETRIES", 3),
			BatchTimeout:     util.GetEnvDuration("BATCH_TIMEOUT", 30*time.Second),
			UnresolvedPolicy: strings.ToLower(util.GetEnvString("UNRESOLVED_POLICY", "drop")),
		},
		Badger: Badger{
			Dir: util.GetEnvString("BADGER_DIR", "data/graph"),
		},
		Postgres: Postgres{
			URL: util.GetEnv("DATABASE_URL"),
		},
		Neo4j: Neo4j{
			URI:      util.GetEnv("NEO4J_URI"),
			User:     util.GetEnvString("NEO4J_USER", "neo4j"),
			Password: util.GetEnv("NEO4J_PASSWORD"),
			Database: util.GetEnv("NEO4J_DATABASE"),
		},
		Hub: Hub{
			URL:          util.GetEnvString("HF_API_URL", "https://huggingface.co"),
			Token:        util.GetEnv("HF_TOKEN"),
			RateLimit:    util.GetEnvNumeric("HF_RATE_LIMIT", 5),
			Burst:        util.GetEnvInt("HF_BURST", 5),
			Retries:      util.GetEnvInt("HF_RETRIES", 3),
			Timeout:      util.GetEnvDuration("HF_TIMEOUT", 30*time.Second),
			CatalogFile:  util.GetEnv("CATALOG_FILE"),
			LatestLimit:  util.GetEnvInt("HARVEST_LATEST", 10),
			LatestAuthor: util.GetEnv("HARVEST_AUTHOR"),
		},
		Resolver: Resolver{
			MaxIterations:    util.GetEnvInt("MAX_ITERATIONS", 2),
			FetchParallelism: util.GetEnvInt("FETCH_PARALLELISM", 8),
			MinConfidence:    util.GetEnvNumeric("MIN_CONFIDENCE", 0),
			FetchTimeout:     util.GetEnvDuration("FETCH_TIMEOUT", time.Minute),
		},
		S3: S3{
			Bucket:    util.GetEnv("AWS_BUCKET"),
			Region:    util.GetEnvString("AWS_REGION", "us-east-1"),
			Endpoint:  util.GetEnv("AWS_ENDPOINT"),
			AccessKey: util.GetEnv("AWS_ACCESS_KEY"),
			SecretKey: util.GetEnv("AWS_SECRET_KEY"),
			Prefix:    util.GetEnvString("AWS_PREFIX", "runs"),
		},
		RabbitMQ: RabbitMQ{
			User:     util.GetEnvString("RABBITMQ_USER", "guest"),
			Password: util.GetEnvString("RABBITMQ_PASSWORD", "guest"),
			Host:     util.GetEnvString("RABBITMQ_HOST", "localhost"),
			Port:     util.GetEnvString("RABBITMQ_PORT", "5672"),
		},
		RunDir:      util.GetEnvString("RUN_DIR", "runs"),
		Port:        util.GetEnvString("PORT", "8080"),
		MetricsAddr: util.GetEnv("METRICS_ADDR"),
		Debug:       util.GetEnvBool("DEBUG", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the settings the selected sink needs.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var errs []error
	switch c.Graph.Sink {
	case SinkBadger:
		if c.Badger.Dir == "" {
			errs = append(errs, errors.New("BADGER_DIR is required for the badger sink"))
		}
	case SinkPostgres:
		if c.Postgres.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres sink"))
		}
	case SinkNeo4j:
		if c.Neo4j.URI == "" {
			errs = append(errs, errors.New("NEO4J_URI is required for the neo4j sink"))
		}
	}
	if c.S3.Enabled() && (c.S3.AccessKey == "" || c.S3.SecretKey == "") {
		errs = append(errs, errors.New("AWS_ACCESS_KEY and AWS_SECRET_KEY are required when AWS_BUCKET is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
