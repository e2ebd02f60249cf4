package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
)

// GraphSink persists triples. UpsertBatch must be idempotent: a triple is
// keyed by common.Triple.Key, so writing the same batch twice leaves the
// store unchanged. Implementations serialize writes internally when the
// underlying store is not safe for concurrent upserts.
type GraphSink interface {
	UpsertBatch(ctx context.Context, triples []common.Triple) error
	ExportSerialized(ctx context.Context, w io.Writer) error
	Close() error
}

// Counter is implemented by sinks that can report how many triples they hold.
type Counter interface {
	CountTriples(ctx context.Context) (int, error)
}

// ErrClosed is returned by sinks used after Close.
var ErrClosed = errors.New("graph sink closed")

// SinkError is a batch-level write failure.
type SinkError struct {
	Op    string
	Count int
	Err   error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("graph sink %s (%d triples): %v", e.Op, e.Count, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
