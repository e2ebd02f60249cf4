package pgx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
	"github.com/OFFIS-RIT/modelgraph/pkg/ntriples"
	"github.com/OFFIS-RIT/modelgraph/pkg/store"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

// GraphDBStorage implements store.GraphSink on PostgreSQL. Triples live in
// graph_triples keyed by (subject, predicate, object_key), where object_key
// is empty for single-valued predicates. Writes are serialized with a mutex
// so two batches never race on the same key.
type GraphDBStorage struct {
	conn      pgxIConn
	chunkSize int
	dbLock    sync.Mutex
}

type GraphDBStorageOption func(*GraphDBStorage)

// WithChunkSize bounds the rows sent in one INSERT statement.
func WithChunkSize(n int) GraphDBStorageOption {
	return func(s *GraphDBStorage) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// NewGraphDBStorageWithConnection creates a GraphDBStorage on an existing
// connection or pool. The schema must already be migrated (see Migrate).
func NewGraphDBStorageWithConnection(conn pgxIConn, opts ...GraphDBStorageOption) *GraphDBStorage {
	s := &GraphDBStorage{
		conn:      conn,
		chunkSize: 1000,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// tripleColumns flattens triples into the parallel arrays fed to unnest.
type tripleColumns struct {
	subjects   []string
	predicates []string
	objectKeys []string
	iris       []*string
	values     []*string
	datatypes  []*string
	multi      []bool
}

// objectKey distinguishes the values of a multi-valued predicate. It is a
// digest so that long literals stay within the btree row limit of the
// primary key.
func objectKey(t common.Triple) string {
	if !t.MultiValued {
		return ""
	}
	sum := sha256.Sum256([]byte(t.Object.String()))
	return hex.EncodeToString(sum[:])
}

func toColumns(triples []common.Triple) tripleColumns {
	c := tripleColumns{
		subjects:   make([]string, len(triples)),
		predicates: make([]string, len(triples)),
		objectKeys: make([]string, len(triples)),
		iris:       make([]*string, len(triples)),
		values:     make([]*string, len(triples)),
		datatypes:  make([]*string, len(triples)),
		multi:      make([]bool, len(triples)),
	}
	for i, t := range triples {
		c.subjects[i] = t.Subject
		c.predicates[i] = t.Predicate
		c.objectKeys[i] = objectKey(t)
		c.multi[i] = t.MultiValued
		if t.Object.IsIRI() {
			iri := t.Object.IRI
			c.iris[i] = &iri
			continue
		}
		value, datatype := t.Object.Value, t.Object.Datatype
		c.values[i] = &value
		c.datatypes[i] = &datatype
	}
	return c
}

// UpsertBatch writes the batch in one transaction; chunks of the batch
// share that transaction so a failure leaves nothing of the batch behind.
func (s *GraphDBStorage) UpsertBatch(ctx context.Context, triples []common.Triple) error {
	triples = store.DedupeTriples(triples)
	if len(triples) == 0 {
		return nil
	}

	s.dbLock.Lock()
	defer s.dbLock.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return &store.SinkError{Op: "begin", Count: len(triples), Err: err}
	}
	defer tx.Rollback(ctx)

	err = store.ChunkRange(len(triples), s.chunkSize, func(start, end int) error {
		c := toColumns(triples[start:end])
		_, err := tx.Exec(ctx, upsertTriplesSQL,
			c.subjects, c.predicates, c.objectKeys, c.iris, c.values, c.datatypes, c.multi)
		return err
	})
	if err != nil {
		return &store.SinkError{Op: "upsert", Count: len(triples), Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &store.SinkError{Op: "commit", Count: len(triples), Err: err}
	}
	logger.Debug("[DB][UpsertBatch] Batch committed", "triples", len(triples))
	return nil
}

// CountTriples reports the number of stored triples.
func (s *GraphDBStorage) CountTriples(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRow(ctx, countTriplesSQL).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ExportSerialized streams every stored triple as N-Triples, ordered by key.
func (s *GraphDBStorage) ExportSerialized(ctx context.Context, w io.Writer) error {
	rows, err := s.conn.Query(ctx, selectTriplesSQL)
	if err != nil {
		return err
	}
	defer rows.Close()

	nw := ntriples.NewWriter(w)
	for rows.Next() {
		var (
			t                 common.Triple
			iri, value, dtype *string
		)
		if err := rows.Scan(&t.Subject, &t.Predicate, &iri, &value, &dtype, &t.MultiValued); err != nil {
			return fmt.Errorf("scan triple: %w", err)
		}
		switch {
		case iri != nil:
			t.Object = common.IRIObject(*iri)
		case value != nil:
			datatype := ""
			if dtype != nil {
				datatype = *dtype
			}
			t.Object = common.Literal(*value, datatype)
		}
		if err := nw.Write(t); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return nw.Flush()
}

// Close is a no-op; the caller owns the pool.
func (s *GraphDBStorage) Close() error { return nil }

var (
	_ store.GraphSink = (*GraphDBStorage)(nil)
	_ store.Counter   = (*GraphDBStorage)(nil)
)

const upsertTriplesSQL = `
INSERT INTO graph_triples (subject, predicate, object_key, object_iri, object_value, datatype, multi_valued)
SELECT s, p, k, i, v, d, m
FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::bool[])
     AS t(s, p, k, i, v, d, m)
ON CONFLICT (subject, predicate, object_key) DO UPDATE
SET object_iri   = EXCLUDED.object_iri,
    object_value = EXCLUDED.object_value,
    datatype     = EXCLUDED.datatype,
    multi_valued = EXCLUDED.multi_valued,
    updated_at   = now()
WHERE graph_triples.object_iri   IS DISTINCT FROM EXCLUDED.object_iri
   OR graph_triples.object_value IS DISTINCT FROM EXCLUDED.object_value
   OR graph_triples.datatype     IS DISTINCT FROM EXCLUDED.datatype;
`

const countTriplesSQL = `SELECT count(*) FROM graph_triples;`

const selectTriplesSQL = `
SELECT subject, predicate, object_iri, object_value, datatype, multi_valued
FROM graph_triples
ORDER BY subject, predicate, object_key;
`
