package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/OFFIS-RIT/modelgraph/internal/metrics"
	"github.com/OFFIS-RIT/modelgraph/internal/util"
	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
	"github.com/OFFIS-RIT/modelgraph/pkg/ntriples"
	"github.com/OFFIS-RIT/modelgraph/pkg/reference"
	"github.com/OFFIS-RIT/modelgraph/pkg/store"
)

// Index maps entity ids to the IRIs minted in one run.
type Index map[common.EntityID]string

// Index mints the IRI of every entity in place and returns them by entity
// id. Entities without a primary identifier keep an empty IRI. Further
// identifiers are indexed under their normalized form so that references
// using an alias resolve too. Primary identifiers take precedence over
// aliases, and the first entity of an id wins.
func (g *GraphClient) Index(entities []common.CanonicalEntity) Index {
	idx := make(Index, len(entities))
	for i := range entities {
		e := &entities[i]
		iri, err := g.minter.Mint(e)
		if err != nil {
			continue
		}
		e.IRI = iri
		if _, exists := idx[e.EntityID()]; !exists {
			idx[e.EntityID()] = iri
		}
	}
	for i := range entities {
		e := &entities[i]
		if e.IRI == "" || len(e.Identifier) < 2 {
			continue
		}
		for _, id := range e.Identifier[1:] {
			norm, ok := reference.Normalize(e.Kind, id)
			if !ok {
				continue
			}
			if key := common.NewEntityID(e.Kind, norm); idx[key] == "" {
				idx[key] = e.IRI
			}
		}
	}
	return idx
}

// Materialize mints an IRI for every entity, converts it into triples and
// upserts them into sink batch by batch. Only references between the given
// entities become edges; see MaterializeIndexed for writing one run in
// several parts.
func (g *GraphClient) Materialize(
	ctx context.Context,
	entities []common.CanonicalEntity,
	sink store.GraphSink,
	export io.Writer,
) (*common.GraphWriteReport, error) {
	return g.MaterializeIndexed(ctx, entities, g.Index(entities), sink, export)
}

// MaterializeIndexed writes entities with reference targets resolved against
// idx. Entities are written in input order and one entity's batches are
// strictly sequential.
//
// A batch that still fails after the configured retries marks the entity as
// one error and its unwritten triples as failed; the next entity is
// processed normally. Cancelling ctx stops before the next batch while the
// in-flight write completes under its own timeout.
//
// If export is non-nil, every triple acknowledged by the sink is written to
// it as N-Triples once all entities are processed. The report is always
// returned, also together with a cancellation or export error.
func (g *GraphClient) MaterializeIndexed(
	ctx context.Context,
	entities []common.CanonicalEntity,
	idx Index,
	sink store.GraphSink,
	export io.Writer,
) (*common.GraphWriteReport, error) {
	start := time.Now()
	report := &common.GraphWriteReport{}
	if sink == nil {
		return report, errors.New("graph sink is nil")
	}

	var written []common.Triple
	var runErr error
	for i := range entities {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		e := &entities[i]
		report.EntitiesProcessed++

		if e.IRI == "" {
			if iri, err := g.minter.Mint(e); err == nil {
				e.IRI = iri
			}
		}
		if e.IRI == "" {
			report.Errors++
			report.Failures = append(report.Failures, fmt.Sprintf("%s: mint IRI: %v", e.EntityID(), ErrUnmintable))
			logger.Warn("[Graph] Entity without primary identifier skipped", "kind", e.Kind)
			continue
		}

		triples := store.DedupeTriples(g.buildTriples(e, idx))
		done, err := g.writeEntity(ctx, sink, triples)
		written = append(written, triples[:done]...)
		report.TriplesWritten += done
		if err != nil {
			report.Errors++
			report.FailedTriples += len(triples) - done
			report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", e.EntityID(), err))
			logger.Error("[Graph] Entity write failed", "entity", e.EntityID().String(), "written", done, "failed", len(triples)-done, "err", err)
		}
	}

	var exportErr error
	if export != nil {
		if err := ntriples.WriteAll(export, written); err != nil {
			exportErr = fmt.Errorf("write export: %w", err)
		}
	}

	report.Duration = time.Since(start)
	logger.Info("[Graph] Materialization finished",
		"entities", report.EntitiesProcessed,
		"triples", report.TriplesWritten,
		"errors", report.Errors,
		"duration", report.Duration,
	)
	return report, errors.Join(runErr, exportErr)
}

// ErrUnmintable marks entities for which no subject IRI can be derived.
var ErrUnmintable = errors.New("entity has no usable primary identifier")

// writeEntity flushes triples in BatchSize chunks and returns how many were
// acknowledged before the first definitive failure.
func (g *GraphClient) writeEntity(ctx context.Context, sink store.GraphSink, triples []common.Triple) (int, error) {
	done := 0
	err := store.ChunkRange(len(triples), g.batchSize, func(start, end int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := triples[start:end]
		if err := g.writeBatch(ctx, sink, batch); err != nil {
			return err
		}
		done = end
		metrics.TriplesWritten.Add(float64(len(batch)))
		return nil
	})
	return done, err
}

func (g *GraphClient) writeBatch(ctx context.Context, sink store.GraphSink, batch []common.Triple) error {
	attempt := 0
	err := util.RetryErrWithBackoff(ctx, g.maxRetries+1, g.backoff, retryableSinkError, func(ctx context.Context) error {
		attempt++
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.batchTimeout)
		defer cancel()

		err := sink.UpsertBatch(wctx, batch)
		if err != nil && attempt <= g.maxRetries {
			metrics.BatchFailures.WithLabelValues("retried").Inc()
			logger.Warn("[Graph] Batch write failed, retrying", "attempt", attempt, "triples", len(batch), "err", err)
		}
		return err
	})
	if err != nil {
		metrics.BatchFailures.WithLabelValues("exhausted").Inc()
		return err
	}
	return nil
}

func retryableSinkError(err error) bool {
	return !errors.Is(err, store.ErrClosed)
}
