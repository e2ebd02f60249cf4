package frontier

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/modelgraph/internal/metrics"
	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
	"github.com/OFFIS-RIT/modelgraph/pkg/reference"
	"github.com/OFFIS-RIT/modelgraph/pkg/source"

	"golang.org/x/sync/errgroup"
)

// FetchFunc fetches the raw record of one entity.
type FetchFunc func(ctx context.Context, id common.EntityID) (common.RawRecord, error)

// IdentifyFunc extracts references from a fetched record.
type IdentifyFunc func(record reference.Record) ([]common.EntityReference, reference.Stats)

// Resolver drives recursive enrichment: starting from a seed set it fetches
// entities, identifies their references and fetches the unseen ones, one
// generation per iteration.
//
// A Resolver holds configuration only; every Resolve call owns its own
// frontier, so one Resolver can serve concurrent runs.
type Resolver struct {
	maxIterations int
	parallelism   int
	minConfidence float64
	fetchTimeout  time.Duration
	follow        map[common.EntityKind]bool
	identify      IdentifyFunc
}

// NewResolverParams configures a Resolver.
//
// MaxIterations bounds the number of expansion rounds after the seed round;
// zero disables recursive resolution. Parallelism bounds concurrent fetches
// within one round. References below MinConfidence are counted and not
// followed. FollowKinds restricts which reference kinds are fetched; empty
// means all kinds.
type NewResolverParams struct {
	MaxIterations int
	Parallelism   int
	MinConfidence float64
	FetchTimeout  time.Duration
	FollowKinds   []common.EntityKind
	Identify      IdentifyFunc
}

// NewResolver validates params and returns a Resolver.
func NewResolver(params NewResolverParams) (*Resolver, error) {
	if params.MaxIterations < 0 {
		return nil, fmt.Errorf("max iterations must not be negative, got %d", params.MaxIterations)
	}
	if params.MinConfidence < 0 || params.MinConfidence > 1 {
		return nil, fmt.Errorf("min confidence must be within [0,1], got %v", params.MinConfidence)
	}
	parallelism := params.Parallelism
	if parallelism <= 0 {
		parallelism = 8
	}
	identify := params.Identify
	if identify == nil {
		identify = reference.IdentifyWithStats
	}

	var follow map[common.EntityKind]bool
	if len(params.FollowKinds) > 0 {
		follow = make(map[common.EntityKind]bool, len(params.FollowKinds))
		for _, k := range params.FollowKinds {
			follow[k] = true
			follow[k.FetchKind()] = true
		}
	}

	return &Resolver{
		maxIterations: params.MaxIterations,
		parallelism:   parallelism,
		minConfidence: params.MinConfidence,
		fetchTimeout:  params.FetchTimeout,
		follow:        follow,
		identify:      identify,
	}, nil
}

// FailedFetch is an id that was attempted and did not yield a record.
type FailedFetch struct {
	ID  common.EntityID
	Err error
}

// Result is the closed set of records a Resolve call reached.
type Result struct {
	// Records holds every fetched record; Order lists their ids in fetch
	// round order, and within a round in dispatch order.
	Records map[common.EntityID]common.RawRecord
	Order   []common.EntityID

	// References holds the followed references per origin entity.
	References map[common.EntityID][]common.EntityReference

	// Absent ids failed permanently, Failed ids failed transiently after the
	// client's retries. Both are visited and never refetched in this run.
	Absent []FailedFetch
	Failed []FailedFetch

	// Unresolved ids were discovered but not fetched because the iteration
	// bound was reached or the run was cancelled.
	Unresolved []common.EntityID

	FilteredReferences int
	ParseErrors        int
	Iterations         int
	Visited            int
}

func newResult() *Result {
	return &Result{
		Records:    make(map[common.EntityID]common.RawRecord),
		References: make(map[common.EntityID][]common.EntityReference),
	}
}

// RecordsOfKind returns the fetched records of one fetch kind in order.
func (r *Result) RecordsOfKind(kind common.EntityKind) []common.RawRecord {
	out := make([]common.RawRecord, 0)
	for _, id := range r.Order {
		if id.Kind == kind.FetchKind() {
			out = append(out, r.Records[id])
		}
	}
	return out
}

type outcome struct {
	id        common.EntityID
	record    common.RawRecord
	err       error
	attempted bool
}

// Resolve fetches the seed set and then follows references for at most
// MaxIterations further rounds. Individual fetch failures are recorded in
// the result. A transient failure of the first seed fetch returns a
// *common.RunFatalError. On cancellation the partial result is returned
// together with the context error.
func (r *Resolver) Resolve(ctx context.Context, seed []common.EntityID, fetch FetchFunc) (*Result, error) {
	f := newFrontier(seed)
	res := newResult()

	logger.Info("[Frontier] Resolving", "seeds", len(f.pending), "max_iterations", r.maxIterations, "parallelism", r.parallelism)

	for round := 0; round <= r.maxIterations; round++ {
		batch := f.take()
		if len(batch) == 0 {
			break
		}
		if round > 0 {
			res.Iterations++
			metrics.ResolverIterations.Inc()
		}

		logger.Debug("[Frontier] Dispatching round", "round", round, "ids", len(batch))
		outcomes, err := r.dispatch(ctx, batch, fetch, round == 0)

		var skipped []common.EntityID
		for _, o := range outcomes {
			if !o.attempted {
				skipped = append(skipped, o.id)
				continue
			}
			f.visit(o.id)
		}
		for _, o := range outcomes {
			if o.attempted {
				r.merge(f, res, o)
			}
		}

		if err != nil {
			f.requeue(skipped)
			res.Unresolved = f.take()
			res.Visited = len(f.visited)
			return res, err
		}
	}

	res.Unresolved = f.take()
	res.Visited = len(f.visited)

	logger.Info(
		"[Frontier] Resolved",
		"records", len(res.Records),
		"absent", len(res.Absent),
		"failed", len(res.Failed),
		"unresolved", len(res.Unresolved),
		"iterations", res.Iterations,
	)
	return res, nil
}

// merge folds one outcome into the result and queues newly discovered ids
// for the next round. It runs on the single goroutine owning the frontier.
func (r *Resolver) merge(f *frontier, res *Result, o outcome) {
	if o.err != nil {
		ff := FailedFetch{ID: o.id, Err: o.err}
		if source.IsPermanent(o.err) {
			res.Absent = append(res.Absent, ff)
		} else {
			res.Failed = append(res.Failed, ff)
		}
		return
	}

	res.Records[o.id] = o.record
	res.Order = append(res.Order, o.id)

	refs, stats := r.identify(o.record)
	res.ParseErrors += stats.ParseErrors

	followed := make([]common.EntityReference, 0, len(refs))
	for _, ref := range refs {
		if ref.Confidence < r.minConfidence {
			res.FilteredReferences++
			continue
		}
		followed = append(followed, ref)
		if r.follow != nil && !r.follow[ref.Kind] {
			continue
		}
		f.enqueue(ref.Target())
	}
	if len(followed) > 0 {
		res.References[o.id] = followed
	}
}

// dispatch fetches batch with bounded parallelism and waits for every
// started fetch. When firstAlone is set the first id is fetched on its own and a
// transient failure there is fatal.
func (r *Resolver) dispatch(ctx context.Context, batch []common.EntityID, fetch FetchFunc, firstAlone bool) ([]outcome, error) {
	outcomes := make([]outcome, len(batch))
	for i, id := range batch {
		outcomes[i].id = id
	}

	start := 0
	if firstAlone {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcomes[0] = r.fetchOne(ctx, batch[0], fetch)
		if outcomes[0].err != nil && source.IsTransient(outcomes[0].err) {
			return outcomes, common.Fatal("frontier", fmt.Errorf("first seed fetch failed: %w", outcomes[0].err))
		}
		start = 1
	}

	var eg errgroup.Group
	eg.SetLimit(r.parallelism)
	for i := start; i < len(batch); i++ {
		if ctx.Err() != nil {
			break
		}
		idx := i
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcomes[idx] = r.fetchOne(ctx, batch[idx], fetch)
			return nil
		})
	}
	_ = eg.Wait()

	return outcomes, ctx.Err()
}

// fetchOne runs a fetch on a context detached from run cancellation so an
// in-flight call completes or times out on its own.
func (r *Resolver) fetchOne(ctx context.Context, id common.EntityID, fetch FetchFunc) outcome {
	fctx := context.WithoutCancel(ctx)
	if r.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(fctx, r.fetchTimeout)
		defer cancel()
	}

	rec, err := fetch(fctx, id)
	if err != nil {
		result := "transient"
		if source.IsPermanent(err) {
			result = "permanent"
		}
		metrics.FetchesTotal.WithLabelValues(string(id.Kind), result).Inc()
		logger.Debug("[Frontier] Fetch failed", "id", id.String(), "result", result, "err", err)
		return outcome{id: id, err: err, attempted: true}
	}
	metrics.FetchesTotal.WithLabelValues(string(id.Kind), "ok").Inc()
	return outcome{id: id, record: rec, attempted: true}
}
