// Package badger stores graph triples in an embedded BadgerDB. It is the
// default sink: no external service is needed and a directory holds the
// whole graph.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	bdb "github.com/dgraph-io/badger/v4"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
	"github.com/OFFIS-RIT/modelgraph/pkg/ntriples"
	"github.com/OFFIS-RIT/modelgraph/pkg/store"
)

// Key prefixes. Every triple lives under prefixTriple followed by its
// upsert key, so a rewrite of the same key replaces the stored value.
const (
	prefixTriple byte = 0x01
)

// Sink is a store.GraphSink backed by BadgerDB.
type Sink struct {
	db     *bdb.DB
	mu     sync.Mutex
	closed bool
}

// NewSinkParams configures a Sink. Path is required unless InMemory is set.
type NewSinkParams struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

// NewSink opens the database, creating Path if needed.
func NewSink(params NewSinkParams) (*Sink, error) {
	if !params.InMemory && params.Path == "" {
		return nil, errors.New("badger path is required for a persistent sink")
	}

	var opts bdb.Options
	if params.InMemory {
		opts = bdb.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(params.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", params.Path, err)
		}
		opts = bdb.DefaultOptions(params.Path)
	}
	opts = opts.
		WithSyncWrites(params.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})

	db, err := bdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Sink{db: db}, nil
}

func tripleKey(t common.Triple) []byte {
	k := t.Key()
	b := make([]byte, 0, len(k)+1)
	b = append(b, prefixTriple)
	return append(b, k...)
}

// UpsertBatch writes the batch in one transaction. Writes are serialized so
// that one batch is either fully visible or not at all.
func (s *Sink) UpsertBatch(ctx context.Context, triples []common.Triple) error {
	if len(triples) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	err := s.db.Update(func(txn *bdb.Txn) error {
		for _, t := range store.DedupeTriples(triples) {
			value, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := txn.Set(tripleKey(t), value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &store.SinkError{Op: "upsert", Count: len(triples), Err: err}
	}
	return nil
}

// Triples returns every stored triple in key order.
func (s *Sink) Triples(ctx context.Context) ([]common.Triple, error) {
	var out []common.Triple
	err := s.scan(ctx, func(t common.Triple) error {
		out = append(out, t)
		return nil
	})
	return out, err
}

// CountTriples reports the number of stored triples.
func (s *Sink) CountTriples(ctx context.Context) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, store.ErrClosed
	}

	count := 0
	err := s.db.View(func(txn *bdb.Txn) error {
		opts := bdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefixTriple}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if count%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			count++
		}
		return nil
	})
	return count, err
}

// ExportSerialized writes the whole store as N-Triples.
func (s *Sink) ExportSerialized(ctx context.Context, w io.Writer) error {
	nw := ntriples.NewWriter(w)
	if err := s.scan(ctx, nw.Write); err != nil {
		return err
	}
	return nw.Flush()
}

func (s *Sink) scan(ctx context.Context, fn func(common.Triple) error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return store.ErrClosed
	}

	return s.db.View(func(txn *bdb.Txn) error {
		opts := bdb.DefaultIteratorOptions
		opts.Prefix = []byte{prefixTriple}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var t common.Triple
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &t)
			})
			if err != nil {
				return fmt.Errorf("decode triple %q: %w", it.Item().Key(), err)
			}
			if err := fn(t); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close flushes and closes the database. Further calls return store.ErrClosed.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// badgerLogger routes BadgerDB's internal logging into pkg/logger. Info
// output is demoted to debug since Badger reports every compaction.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logger.Error("[Badger] " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Warningf(format string, args ...any) {
	logger.Warn("[Badger] " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Infof(format string, args ...any) {
	logger.Debug("[Badger] " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Debugf(format string, args ...any) {
	logger.Debug("[Badger] " + fmt.Sprintf(format, args...))
}

var (
	_ store.GraphSink = (*Sink)(nil)
	_ store.Counter   = (*Sink)(nil)
)
