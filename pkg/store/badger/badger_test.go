package badger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/OFFIS-RIT/modelgraph/pkg/ntriples"
	"github.com/OFFIS-RIT/modelgraph/pkg/store"
)

const (
	subject  = "https://w3id.org/modelgraph/model/abc"
	name     = "https://schema.org/name"
	keywords = "https://schema.org/keywords"
	xsdStr   = "http://www.w3.org/2001/XMLSchema#string"
)

func newInMemorySink(t *testing.T) *Sink {
	t.Helper()
	s, err := NewSink(NewSinkParams{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSink_UpsertSingleValuedOverwrites(t *testing.T) {
	ctx := context.Background()
	s := newInMemorySink(t)

	require.NoError(t, s.UpsertBatch(ctx, []common.Triple{
		{Subject: subject, Predicate: name, Object: common.Literal("old", xsdStr)},
	}))
	require.NoError(t, s.UpsertBatch(ctx, []common.Triple{
		{Subject: subject, Predicate: name, Object: common.Literal("new", xsdStr)},
	}))

	triples, err := s.Triples(ctx)
	require.NoError(t, err)
	require.Len(t, triples, 1)
	require.Equal(t, "new", triples[0].Object.Value)
}

func TestSink_UpsertMultiValuedKeepsDistinctObjects(t *testing.T) {
	ctx := context.Background()
	s := newInMemorySink(t)

	batch := []common.Triple{
		{Subject: subject, Predicate: keywords, Object: common.IRIObject("https://w3id.org/modelgraph/keyword/1"), MultiValued: true},
		{Subject: subject, Predicate: keywords, Object: common.IRIObject("https://w3id.org/modelgraph/keyword/2"), MultiValued: true},
	}
	require.NoError(t, s.UpsertBatch(ctx, batch))
	require.NoError(t, s.UpsertBatch(ctx, batch))

	n, err := s.CountTriples(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestSink_EmptyBatchIsNoop(t *testing.T) {
	s := newInMemorySink(t)
	require.NoError(t, s.UpsertBatch(context.Background(), nil))

	n, err := s.CountTriples(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSink_ExportSerializedRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newInMemorySink(t)
	in := common.Triple{Subject: subject, Predicate: name, Object: common.Literal("Llama \"3\"", xsdStr)}
	require.NoError(t, s.UpsertBatch(ctx, []common.Triple{in}))

	var buf bytes.Buffer
	require.NoError(t, s.ExportSerialized(ctx, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	out, err := ntriples.Decode(lines[0])
	require.NoError(t, err)
	require.Equal(t, in.Subject, out.Subject)
	require.Equal(t, in.Object.Value, out.Object.Value)
}

func TestSink_ClosedRejectsWrites(t *testing.T) {
	s, err := NewSink(NewSinkParams{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.UpsertBatch(context.Background(), []common.Triple{{Subject: subject, Predicate: name, Object: common.Literal("x", xsdStr)}})
	require.True(t, errors.Is(err, store.ErrClosed))
}

func TestSink_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewSink(NewSinkParams{Path: dir})
	require.NoError(t, err)
	require.NoError(t, s.UpsertBatch(ctx, []common.Triple{{Subject: subject, Predicate: name, Object: common.Literal("kept", xsdStr)}}))
	require.NoError(t, s.Close())

	s, err = NewSink(NewSinkParams{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	triples, err := s.Triples(ctx)
	require.NoError(t, err)
	require.Len(t, triples, 1)
	require.Equal(t, "kept", triples[0].Object.Value)
}

func TestNewSink_RequiresPath(t *testing.T) {
	_, err := NewSink(NewSinkParams{})
	require.Error(t, err)
}
