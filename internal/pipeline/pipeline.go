package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/modelgraph/internal/artifact"
	"github.com/OFFIS-RIT/modelgraph/internal/metrics"
	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/OFFIS-RIT/modelgraph/pkg/frontier"
	"github.com/OFFIS-RIT/modelgraph/pkg/graph"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
	"github.com/OFFIS-RIT/modelgraph/pkg/reconcile"
	"github.com/OFFIS-RIT/modelgraph/pkg/reference"
	"github.com/OFFIS-RIT/modelgraph/pkg/source"
	"github.com/OFFIS-RIT/modelgraph/pkg/store"
)

// ErrEmptyRequest is returned for requests that name no extraction mode.
var ErrEmptyRequest = errors.New("request selects neither latest models nor explicit ids")

// Request selects the extraction streams of one run.
type Request struct {
	RunID         string   `json:"run_id"`
	Latest        int      `json:"latest,omitempty" validate:"min=0,max=1000"`
	Author        string   `json:"author,omitempty"`
	Models        []string `json:"models,omitempty" validate:"max=1000,dive,required"`
	Datasets      []string `json:"datasets,omitempty" validate:"max=1000,dive,required"`
	MaxIterations *int     `json:"max_iterations,omitempty" validate:"omitempty,min=0,max=10"`
}

// Empty reports whether r selects no extraction stream.
func (r Request) Empty() bool {
	return r.Latest <= 0 && len(r.Models) == 0 && len(r.Datasets) == 0
}

// LatestFunc builds the "latest N" extractor of a source.
type LatestFunc func(limit int, author string) source.Extractor

// Mirror copies a sealed run directory elsewhere, e.g. object storage.
type Mirror interface {
	UploadRun(ctx context.Context, runID, dir string) ([]string, error)
}

// Runner executes harvest runs: extraction, recursive resolution,
// reconciliation and materialization, in that order.
type Runner struct {
	client     source.Client
	latest     LatestFunc
	resolver   frontier.NewResolverParams
	reconciler *reconcile.Reconciler
	graph      *graph.GraphClient
	sink       store.GraphSink
	mirror     Mirror
}

// NewRunnerParams wires a Runner. Latest and Mirror are optional.
type NewRunnerParams struct {
	Client     source.Client
	Latest     LatestFunc
	Resolver   frontier.NewResolverParams
	Reconciler *reconcile.Reconciler
	Graph      *graph.GraphClient
	Sink       store.GraphSink
	Mirror     Mirror
}

func NewRunner(params NewRunnerParams) (*Runner, error) {
	if params.Client == nil {
		return nil, errors.New("source client is required")
	}
	if params.Graph == nil {
		return nil, errors.New("graph client is required")
	}
	if params.Sink == nil {
		return nil, errors.New("graph sink is required")
	}
	if _, err := frontier.NewResolver(params.Resolver); err != nil {
		return nil, err
	}
	reconciler := params.Reconciler
	if reconciler == nil {
		reconciler = reconcile.NewReconciler(reconcile.NewReconcilerParams{})
	}
	return &Runner{
		client:     params.Client,
		latest:     params.Latest,
		resolver:   params.Resolver,
		reconciler: reconciler,
		graph:      params.Graph,
		sink:       params.Sink,
		mirror:     params.Mirror,
	}, nil
}

// Run executes one run and writes its artifacts into store. A report is
// returned and written for every run that got past validation, including
// failed and cancelled ones. The returned error is non-nil only for
// cancellation, a *common.RunFatalError or a failure to write the report.
func (r *Runner) Run(ctx context.Context, req Request, artifacts *artifact.Store) (*RunReport, error) {
	if req.Empty() {
		return nil, ErrEmptyRequest
	}
	if artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	stale, err := artifacts.DiscardExports()
	if err != nil {
		return nil, err
	}
	if len(stale) > 0 {
		logger.Warn("[Run] Discarded exports of an interrupted attempt", "run_id", req.RunID, "files", stale)
	}

	start := time.Now()
	report := newRunReport(req.RunID, start)
	logger.Info("[Run] Starting", "run_id", req.RunID, "latest", req.Latest, "models", len(req.Models), "datasets", len(req.Datasets))

	err = r.run(ctx, req, artifacts, report)

	report.finish(err)
	metrics.RunDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())

	if werr := artifacts.WriteReport(report); werr != nil {
		return report, errors.Join(err, fmt.Errorf("write report: %w", werr))
	}

	if r.mirror != nil {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
		keys, merr := r.mirror.UploadRun(mctx, req.RunID, artifacts.Dir())
		cancel()
		if merr != nil {
			logger.Error("[Run] Mirroring artifacts failed", "run_id", req.RunID, "err", merr)
		} else {
			logger.Debug("[Run] Artifacts mirrored", "run_id", req.RunID, "objects", len(keys))
		}
	}

	logger.Info("[Run] Finished",
		"run_id", req.RunID,
		"status", report.Status,
		"entities", report.Graph.EntitiesProcessed,
		"triples", report.Graph.TriplesWritten,
		"errors", report.Graph.Errors,
		"duration", time.Since(start),
	)
	return report, err
}

func (r *Runner) run(ctx context.Context, req Request, artifacts *artifact.Store, report *RunReport) error {
	streams, deferred, err := r.extract(ctx, req, report)
	if err != nil {
		return err
	}

	extracted := make(map[common.EntityID]common.RawRecord)
	seeds := make([]common.EntityID, 0)
	for _, stream := range streams {
		for _, rec := range stream {
			id := seedID(rec.Kind(), rec.SourceID())
			if _, ok := extracted[id]; ok {
				continue
			}
			extracted[id] = rec
			seeds = append(seeds, id)
		}
	}
	// Deferred ids are fetched again by the resolver, which records them as
	// failed if the source still cannot serve them.
	queued := make(map[common.EntityID]bool, len(seeds))
	for _, id := range seeds {
		queued[id] = true
	}
	for _, d := range deferred {
		id := seedID(d.Kind, d.ID)
		if queued[id] {
			continue
		}
		queued[id] = true
		seeds = append(seeds, id)
	}
	report.Resolve.Seeds = len(seeds)

	resolved, err := r.resolve(ctx, req, seeds, extracted, report)
	if err != nil {
		return err
	}

	entities := r.reconcileAll(streams, resolved, extracted, report)
	r.attachReferences(entities)

	return r.materialize(ctx, entities, artifacts, report)
}

func (r *Runner) extract(ctx context.Context, req Request, report *RunReport) ([][]common.RawRecord, []common.EntityID, error) {
	stageStart := time.Now()
	defer func() { metrics.RunDuration.WithLabelValues("extract").Observe(time.Since(stageStart).Seconds()) }()

	var extractors []source.Extractor
	if req.Latest > 0 {
		if r.latest == nil {
			return nil, nil, common.Fatal("extract", errors.New("source does not support latest extraction"))
		}
		extractors = append(extractors, r.latest(req.Latest, req.Author))
	}
	if len(req.Models) > 0 {
		extractors = append(extractors, &source.ExplicitList{Kind: common.KindModel, IDs: req.Models, Client: r.client})
	}
	if len(req.Datasets) > 0 {
		extractors = append(extractors, &source.ExplicitList{Kind: common.KindDataset, IDs: req.Datasets, Client: r.client})
	}

	streams := make([][]common.RawRecord, 0, len(extractors))
	var deferred []common.EntityID
	for _, ex := range extractors {
		records, err := ex.Extract(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, common.Fatal("extract", fmt.Errorf("%s: %w", ex.Name(), err))
		}
		stream := StreamReport{Name: ex.Name(), Records: len(records)}
		if d, ok := ex.(source.Deferrer); ok {
			stream.Deferred = len(d.Deferred())
			deferred = append(deferred, d.Deferred()...)
		}
		report.Streams = append(report.Streams, stream)
		logger.Debug("[Run] Stream extracted", "stream", ex.Name(), "records", len(records), "deferred", stream.Deferred)
		streams = append(streams, records)
	}
	return streams, deferred, nil
}

func (r *Runner) resolve(
	ctx context.Context,
	req Request,
	seeds []common.EntityID,
	extracted map[common.EntityID]common.RawRecord,
	report *RunReport,
) (*frontier.Result, error) {
	stageStart := time.Now()
	defer func() { metrics.RunDuration.WithLabelValues("resolve").Observe(time.Since(stageStart).Seconds()) }()

	params := r.resolver
	if req.MaxIterations != nil {
		params.MaxIterations = *req.MaxIterations
	}
	resolver, err := frontier.NewResolver(params)
	if err != nil {
		return nil, common.Fatal("resolve", err)
	}

	fetch := func(ctx context.Context, id common.EntityID) (common.RawRecord, error) {
		if rec, ok := extracted[id]; ok {
			return rec, nil
		}
		return r.client.Fetch(ctx, id.Kind, id.ID)
	}

	res, err := resolver.Resolve(ctx, seeds, fetch)
	if res != nil {
		report.Resolve.fill(res)
	}
	return res, err
}

// reconcileAll reconciles every kind separately. For each kind the
// extraction streams come first and the records found during resolution
// form one final stream.
func (r *Runner) reconcileAll(
	streams [][]common.RawRecord,
	resolved *frontier.Result,
	extracted map[common.EntityID]common.RawRecord,
	report *RunReport,
) []common.CanonicalEntity {
	stageStart := time.Now()
	defer func() { metrics.RunDuration.WithLabelValues("reconcile").Observe(time.Since(stageStart).Seconds()) }()

	var entities []common.CanonicalEntity
	for _, kind := range common.Kinds {
		kindStreams := make([][]common.RawRecord, 0, len(streams)+1)
		for _, stream := range streams {
			kindStreams = append(kindStreams, ofKind(stream, kind))
		}

		var enriched []common.RawRecord
		for _, rec := range resolved.RecordsOfKind(kind) {
			if _, ok := extracted[seedID(rec.Kind(), rec.SourceID())]; ok {
				continue
			}
			enriched = append(enriched, rec)
		}
		kindStreams = append(kindStreams, enriched)

		res := r.reconciler.Reconcile(kindStreams)
		report.Reconcile.add(kind, res)
		entities = append(entities, res.Entities...)
	}
	return entities
}

// seedID is the frontier identity of an extracted id, normalized the way
// references are so that a later reference to the same entity is not
// fetched again.
func seedID(kind common.EntityKind, id string) common.EntityID {
	if norm, ok := reference.Normalize(kind.FetchKind(), id); ok {
		return common.NewEntityID(kind, norm)
	}
	return common.NewEntityID(kind, id)
}

func ofKind(records []common.RawRecord, kind common.EntityKind) []common.RawRecord {
	out := make([]common.RawRecord, 0, len(records))
	for _, rec := range records {
		if rec.Kind().FetchKind() == kind {
			out = append(out, rec)
		}
	}
	return out
}

// attachReferences identifies references on the reconciled entities, whose
// fields are the union of all merged records.
func (r *Runner) attachReferences(entities []common.CanonicalEntity) {
	for i := range entities {
		e := &entities[i]
		refs := reference.Identify(e)
		kept := refs[:0]
		for _, ref := range refs {
			if ref.Confidence >= r.resolver.MinConfidence {
				kept = append(kept, ref)
			}
		}
		e.References = kept
	}
}

// materialize writes all kinds against one index so that edges between
// kinds resolve, exporting each kind into its own file.
func (r *Runner) materialize(ctx context.Context, entities []common.CanonicalEntity, artifacts *artifact.Store, report *RunReport) error {
	stageStart := time.Now()
	defer func() { metrics.RunDuration.WithLabelValues("materialize").Observe(time.Since(stageStart).Seconds()) }()

	idx := r.graph.Index(entities)

	start := 0
	for start < len(entities) {
		kind := entities[start].Kind
		end := start
		for end < len(entities) && entities[end].Kind == kind {
			end++
		}

		w, err := artifacts.Export(kind)
		if err != nil {
			return common.Fatal("export", err)
		}
		part, err := r.graph.MaterializeIndexed(ctx, entities[start:end], idx, r.sink, w)
		cerr := w.Close()
		report.Graph.Add(part)
		report.Exports = append(report.Exports, artifact.ExportName(kind))

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return common.Fatal("export", err)
		}
		if cerr != nil {
			return common.Fatal("export", cerr)
		}
		start = end
	}
	return nil
}
