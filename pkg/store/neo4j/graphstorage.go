// Package neo4j stores graph triples in Neo4j. Every triple becomes a
// :Statement node keyed by its upsert key, which keeps exports lossless;
// triples with an IRI object are also mirrored as
// (:Resource)-[:LINK {predicate}]->(:Resource) so the graph can be
// traversed with Cypher.
package neo4j

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	neo4jv5 "github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
	"github.com/OFFIS-RIT/modelgraph/pkg/ntriples"
	"github.com/OFFIS-RIT/modelgraph/pkg/store"
)

// GraphDBStorage implements store.GraphSink on Neo4j.
type GraphDBStorage struct {
	driver   neo4jv5.DriverWithContext
	database string
	dbLock   sync.Mutex
	closed   bool
}

// NewGraphDBStorageParams configures the driver. User defaults to "neo4j".
type NewGraphDBStorageParams struct {
	URI         string
	User        string
	Password    string
	Database    string
	MaxPoolSize int
	Timeout     time.Duration
}

// NewGraphDBStorage connects, verifies connectivity and creates the
// constraints it relies on. Constraint creation is best-effort since
// restricted users may not be allowed to change the schema.
func NewGraphDBStorage(ctx context.Context, params NewGraphDBStorageParams) (*GraphDBStorage, error) {
	if params.URI == "" {
		return nil, errors.New("neo4j uri is required")
	}
	user := params.User
	if user == "" {
		user = "neo4j"
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxPool := params.MaxPoolSize
	if maxPool <= 0 {
		maxPool = 50
	}

	auth := neo4jv5.BasicAuth(user, params.Password, "")
	driver, err := neo4jv5.NewDriverWithContext(params.URI, auth, func(cfg *neo4jv5.Config) {
		cfg.MaxConnectionPoolSize = maxPool
		cfg.SocketConnectTimeout = timeout
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j: init driver: %w", err)
	}

	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j: verify connectivity: %w", err)
	}

	s := &GraphDBStorage{driver: driver, database: params.Database}
	s.initSchema(ctx)
	return s, nil
}

func (s *GraphDBStorage) session(ctx context.Context, mode neo4jv5.AccessMode) neo4jv5.SessionWithContext {
	return s.driver.NewSession(ctx, neo4jv5.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.database,
	})
}

func (s *GraphDBStorage) initSchema(ctx context.Context) {
	session := s.session(ctx, neo4jv5.AccessModeWrite)
	defer session.Close(ctx)

	for _, q := range schemaStatements {
		res, err := session.Run(ctx, q, nil)
		if err != nil {
			logger.Warn("[Neo4j] Schema init failed (continuing)", "err", err)
			continue
		}
		_, _ = res.Consume(ctx)
	}
}

// statementKey hashes the upsert key; raw keys contain NUL separators.
func statementKey(t common.Triple) string {
	sum := sha256.Sum256([]byte(t.Key()))
	return hex.EncodeToString(sum[:])
}

func toParams(triples []common.Triple) (statements, links []map[string]any) {
	statements = make([]map[string]any, 0, len(triples))
	for _, t := range triples {
		statements = append(statements, map[string]any{
			"key":          statementKey(t),
			"subject":      t.Subject,
			"predicate":    t.Predicate,
			"object_iri":   t.Object.IRI,
			"object_value": t.Object.Value,
			"datatype":     t.Object.Datatype,
			"multi_valued": t.MultiValued,
		})
		if t.Object.IsIRI() {
			links = append(links, map[string]any{
				"subject":   t.Subject,
				"predicate": t.Predicate,
				"object":    t.Object.IRI,
				"multi":     t.MultiValued,
			})
		}
	}
	return statements, links
}

// UpsertBatch writes the batch in one managed write transaction.
func (s *GraphDBStorage) UpsertBatch(ctx context.Context, triples []common.Triple) error {
	triples = store.DedupeTriples(triples)
	if len(triples) == 0 {
		return nil
	}

	s.dbLock.Lock()
	defer s.dbLock.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	statements, links := toParams(triples)
	session := s.session(ctx, neo4jv5.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4jv5.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, upsertStatementsCypher, map[string]any{"rows": statements})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}
		if len(links) == 0 {
			return nil, nil
		}
		res, err = tx.Run(ctx, upsertLinksCypher, map[string]any{"rows": links})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return &store.SinkError{Op: "upsert", Count: len(triples), Err: err}
	}
	return nil
}

// CountTriples reports the number of stored statements.
func (s *GraphDBStorage) CountTriples(ctx context.Context) (int, error) {
	session := s.session(ctx, neo4jv5.AccessModeRead)
	defer session.Close(ctx)

	res, err := session.Run(ctx, `MATCH (s:Statement) RETURN count(s) AS n`, nil)
	if err != nil {
		return 0, err
	}
	record, err := res.Single(ctx)
	if err != nil {
		return 0, err
	}
	n, _, err := neo4jv5.GetRecordValue[int64](record, "n")
	return int(n), err
}

// ExportSerialized streams every statement as N-Triples.
func (s *GraphDBStorage) ExportSerialized(ctx context.Context, w io.Writer) error {
	session := s.session(ctx, neo4jv5.AccessModeRead)
	defer session.Close(ctx)

	res, err := session.Run(ctx, selectStatementsCypher, nil)
	if err != nil {
		return err
	}

	nw := ntriples.NewWriter(w)
	for res.Next(ctx) {
		t, err := tripleFromRecord(res.Record())
		if err != nil {
			return err
		}
		if err := nw.Write(t); err != nil {
			return err
		}
	}
	if err := res.Err(); err != nil {
		return err
	}
	return nw.Flush()
}

func tripleFromRecord(record *neo4jv5.Record) (common.Triple, error) {
	var t common.Triple
	var err error
	str := func(key string) string {
		if err != nil {
			return ""
		}
		var v string
		v, _, err = neo4jv5.GetRecordValue[string](record, key)
		return v
	}
	t.Subject = str("subject")
	t.Predicate = str("predicate")
	iri, value, datatype := str("object_iri"), str("object_value"), str("datatype")
	if err != nil {
		return t, fmt.Errorf("decode statement: %w", err)
	}
	multi, _, err := neo4jv5.GetRecordValue[bool](record, "multi_valued")
	if err != nil {
		return t, fmt.Errorf("decode statement: %w", err)
	}
	t.MultiValued = multi
	if iri != "" {
		t.Object = common.IRIObject(iri)
	} else {
		t.Object = common.Literal(value, datatype)
	}
	return t, nil
}

// Close closes the driver.
func (s *GraphDBStorage) Close() error {
	s.dbLock.Lock()
	defer s.dbLock.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.driver.Close(context.Background())
}

var (
	_ store.GraphSink = (*GraphDBStorage)(nil)
	_ store.Counter   = (*GraphDBStorage)(nil)
)

var schemaStatements = []string{
	`CREATE CONSTRAINT statement_key_unique IF NOT EXISTS FOR (s:Statement) REQUIRE s.key IS UNIQUE`,
	`CREATE CONSTRAINT resource_iri_unique IF NOT EXISTS FOR (r:Resource) REQUIRE r.iri IS UNIQUE`,
	`CREATE INDEX statement_subject_idx IF NOT EXISTS FOR (s:Statement) ON (s.subject)`,
}

const upsertStatementsCypher = `
UNWIND $rows AS r
MERGE (s:Statement {key: r.key})
SET s += r
`

// Single-valued links drop any previous target for the same predicate.
const upsertLinksCypher = `
UNWIND $rows AS l
MERGE (a:Resource {iri: l.subject})
MERGE (b:Resource {iri: l.object})
WITH a, b, l
OPTIONAL MATCH (a)-[old:LINK {predicate: l.predicate}]->(other:Resource)
WHERE NOT l.multi AND other.iri <> l.object
DELETE old
WITH DISTINCT a, b, l
MERGE (a)-[:LINK {predicate: l.predicate}]->(b)
`

const selectStatementsCypher = `
MATCH (s:Statement)
RETURN s.subject AS subject, s.predicate AS predicate,
       s.object_iri AS object_iri, s.object_value AS object_value,
       s.datatype AS datatype, s.multi_valued AS multi_valued
ORDER BY s.subject, s.predicate, s.key
`
