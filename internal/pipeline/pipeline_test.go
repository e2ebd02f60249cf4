package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/OFFIS-RIT/modelgraph/internal/artifact"
	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/OFFIS-RIT/modelgraph/pkg/frontier"
	"github.com/OFFIS-RIT/modelgraph/pkg/graph"
	"github.com/OFFIS-RIT/modelgraph/pkg/source"
	"github.com/OFFIS-RIT/modelgraph/pkg/source/static"
	"github.com/OFFIS-RIT/modelgraph/pkg/store/badger"
	"github.com/stretchr/testify/require"
)

const catalogYAML = `
models:
  - id: acme/llm-7b
    base_model: acme/base
    datasets: [squad]
    license: mit
    tags: [text-generation, "arxiv:2106.09685", "region:us"]
    downloads: 1200
  - id: acme/base
    license: apache-2.0
  - id: acme/other
datasets:
  - id: squad
    description: Reading comprehension
papers:
  - id: "2106.09685"
    title: "LoRA: Low-Rank Adaptation of Large Language Models"
`

type fixture struct {
	catalog *static.Catalog
	sink    *badger.Sink
	graph   *graph.GraphClient
	runner  *Runner
}

func newFixture(t *testing.T, mirror Mirror) *fixture {
	t.Helper()
	catalog, err := static.Decode(strings.NewReader(catalogYAML))
	require.NoError(t, err)

	sink, err := badger.NewSink(badger.NewSinkParams{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	g, err := graph.NewGraphClient(graph.NewGraphClientParams{
		Namespace: "https://w3id.org/modelgraph",
		Backoff:   time.Millisecond,
	})
	require.NoError(t, err)

	runner, err := NewRunner(NewRunnerParams{
		Client:   catalog,
		Latest:   func(limit int, _ string) source.Extractor { return catalog.Latest(limit) },
		Resolver: frontier.NewResolverParams{MaxIterations: 2, Parallelism: 4},
		Graph:    g,
		Sink:     sink,
		Mirror:   mirror,
	})
	require.NoError(t, err)

	return &fixture{catalog: catalog, sink: sink, graph: g, runner: runner}
}

func newArtifacts(t *testing.T) *artifact.Store {
	t.Helper()
	s, err := artifact.Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestRun_EndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	artifacts := newArtifacts(t)

	report, err := f.runner.Run(context.Background(), Request{
		RunID:  "r1",
		Latest: 1,
		Models: []string{"acme/llm-7b"},
	}, artifacts)
	require.NoError(t, err)

	require.Equal(t, StatusCompleted, report.Status)
	require.Equal(t, []StreamReport{{Name: "latest_models", Records: 1}, {Name: "explicit_list", Records: 1}}, report.Streams)
	require.Equal(t, 1, report.Resolve.Seeds)
	require.Equal(t, 2, report.Resolve.Iterations)
	require.Equal(t, 1, report.Reconcile.Merged)
	require.Equal(t, map[common.EntityKind]int{
		common.KindModel:   2,
		common.KindDataset: 1,
		common.KindPaper:   1,
		common.KindLicense: 2,
		common.KindKeyword: 1,
	}, report.Reconcile.Entities)
	require.Equal(t, 7, report.Graph.EntitiesProcessed)
	require.Zero(t, report.Graph.Errors)

	// the explicit list fetched the seed once, resolution reused it
	require.Equal(t, 1, f.catalog.Calls(common.KindModel, "acme/llm-7b"))
	require.Zero(t, f.catalog.Calls(common.KindModel, "acme/other"))

	files, err := artifacts.Files()
	require.NoError(t, err)
	require.Equal(t, []string{
		"datasets.export", "keywords.export", "licenses.export",
		"models.export", "papers.export", artifact.ReportFile,
	}, files)
	require.True(t, artifacts.Completed())

	models, err := os.ReadFile(filepath.Join(artifacts.Dir(), "models.export"))
	require.NoError(t, err)
	llm, err := f.graph.Minter().MintID(common.KindModel, "acme/llm-7b")
	require.NoError(t, err)
	squad, err := f.graph.Minter().MintID(common.KindDataset, "squad")
	require.NoError(t, err)
	base, err := f.graph.Minter().MintID(common.KindModel, "acme/base")
	require.NoError(t, err)
	vocab := f.graph.Vocabulary()
	require.Contains(t, string(models), "<"+llm+"> <"+vocab.Relation(common.KindDataset)+"> <"+squad+"> .")
	require.Contains(t, string(models), "<"+llm+"> <"+vocab.Relation(common.KindBaseModel)+"> <"+base+"> .")

	count, err := f.sink.CountTriples(context.Background())
	require.NoError(t, err)
	require.Equal(t, report.Graph.TriplesWritten, count)

	var stored RunReport
	require.NoError(t, artifacts.ReadReport(&stored))
	require.Equal(t, "r1", stored.RunID)
	require.Equal(t, StatusCompleted, stored.Status)
}

func TestRun_RepeatedRunIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	req := Request{RunID: "r1", Latest: 2}

	_, err := f.runner.Run(context.Background(), req, newArtifacts(t))
	require.NoError(t, err)
	first, err := f.sink.CountTriples(context.Background())
	require.NoError(t, err)

	req.RunID = "r2"
	_, err = f.runner.Run(context.Background(), req, newArtifacts(t))
	require.NoError(t, err)
	second, err := f.sink.CountTriples(context.Background())
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestRun_MaxIterationsOverride(t *testing.T) {
	f := newFixture(t, nil)
	zero := 0

	report, err := f.runner.Run(context.Background(), Request{RunID: "r1", Models: []string{"acme/llm-7b"}, MaxIterations: &zero}, newArtifacts(t))
	require.NoError(t, err)
	require.Zero(t, report.Resolve.Iterations)
	require.Equal(t, 1, report.Resolve.Fetched)
	require.Equal(t, 5, report.Resolve.Unresolved)
	require.Equal(t, 1, report.Graph.EntitiesProcessed)
}

func TestRun_UnknownExplicitIDSkipped(t *testing.T) {
	f := newFixture(t, nil)

	report, err := f.runner.Run(context.Background(), Request{RunID: "r1", Models: []string{"acme/missing", "acme/base"}}, newArtifacts(t))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, report.Status)
	require.Equal(t, 1, report.Streams[0].Records)
}

type unreachable struct{}

func (unreachable) Fetch(ctx context.Context, kind common.EntityKind, id string) (common.RawRecord, error) {
	return common.RawRecord{}, source.Transient(common.NewEntityID(kind, id), source.ErrUnreachable)
}

func TestRun_UnreachableSourceIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.client = unreachable{}
	artifacts := newArtifacts(t)

	report, err := f.runner.Run(context.Background(), Request{RunID: "r1", Models: []string{"acme/llm-7b"}}, artifacts)
	require.Error(t, err)
	require.True(t, common.IsFatal(err))
	require.ErrorIs(t, err, source.ErrUnreachable)
	require.Equal(t, StatusFailed, report.Status)
	require.NotEmpty(t, report.Error)
	require.True(t, artifacts.Completed())
}

// flaky fails every fetch of one id transiently and serves the rest from
// the wrapped client.
type flaky struct {
	source.Client
	down common.EntityID
}

func (f flaky) Fetch(ctx context.Context, kind common.EntityKind, id string) (common.RawRecord, error) {
	if eid := common.NewEntityID(kind, id); eid == f.down {
		return common.RawRecord{}, source.Transient(eid, source.ErrUnreachable)
	}
	return f.Client.Fetch(ctx, kind, id)
}

func TestRun_LaterExplicitIDTransientFailureIsRecorded(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.client = flaky{Client: f.catalog, down: common.NewEntityID(common.KindModel, "acme/other")}
	artifacts := newArtifacts(t)

	report, err := f.runner.Run(context.Background(), Request{RunID: "r1", Models: []string{"acme/llm-7b", "acme/other"}}, artifacts)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, report.Status)
	require.Equal(t, 1, report.Streams[0].Records)
	require.Equal(t, 1, report.Streams[0].Deferred)
	require.Contains(t, report.Resolve.Failed, "model:acme/other")
	require.Equal(t, 2, report.Resolve.Seeds)
	require.Positive(t, report.Graph.TriplesWritten)
	require.True(t, artifacts.Completed())
}

// renaming answers fetches of one model id with the record of its new name,
// the way the Hub redirects renamed repositories.
type renaming struct {
	source.Client
	from, to string
}

func (r renaming) Fetch(ctx context.Context, kind common.EntityKind, id string) (common.RawRecord, error) {
	rec, err := r.Client.Fetch(ctx, kind, id)
	if err != nil || kind.FetchKind() != common.KindModel || id != r.from {
		return rec, err
	}
	fields := rec.Fields()
	fields["id"] = r.to
	fields[common.RequestedIDField] = r.from
	return common.NewRawRecord(common.KindModel, r.to, fields), nil
}

func TestRun_RenamedBaseModelKeepsEdge(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.client = renaming{Client: f.catalog, from: "acme/base", to: "acme/foundation"}
	artifacts := newArtifacts(t)

	report, err := f.runner.Run(context.Background(), Request{RunID: "r1", Models: []string{"acme/llm-7b"}}, artifacts)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, report.Status)

	models, err := os.ReadFile(filepath.Join(artifacts.Dir(), "models.export"))
	require.NoError(t, err)
	llm, err := f.graph.Minter().MintID(common.KindModel, "acme/llm-7b")
	require.NoError(t, err)
	foundation, err := f.graph.Minter().MintID(common.KindModel, "acme/foundation")
	require.NoError(t, err)
	require.Contains(t, string(models), "<"+llm+"> <"+f.graph.Vocabulary().Relation(common.KindBaseModel)+"> <"+foundation+"> .")
}

func TestRun_ForeignURIModelMintedVerbatim(t *testing.T) {
	f := newFixture(t, nil)
	const uri = "https://example.org/models/foo"
	f.catalog.Add(common.NewRawRecord(common.KindModel, uri, map[string]any{"id": uri, "license": "mit"}))
	artifacts := newArtifacts(t)

	report, err := f.runner.Run(context.Background(), Request{RunID: "r1", Models: []string{uri}}, artifacts)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, report.Status)
	require.Empty(t, report.Reconcile.Errors)
	require.Equal(t, 1, report.Reconcile.Entities[common.KindModel])

	models, err := os.ReadFile(filepath.Join(artifacts.Dir(), "models.export"))
	require.NoError(t, err)
	mit, err := f.graph.Minter().MintID(common.KindLicense, "mit")
	require.NoError(t, err)
	require.Contains(t, string(models), "<"+uri+"> <"+f.graph.Vocabulary().Relation(common.KindLicense)+"> <"+mit+"> .")
}

func TestRun_ModelIDCaseVariantsShareOneEntity(t *testing.T) {
	f := newFixture(t, nil)
	f.catalog.Add(common.NewRawRecord(common.KindModel, "Acme/Tuned", map[string]any{"id": "Acme/Tuned", "base_model": "acme/llm-7b"}))
	f.catalog.Add(common.NewRawRecord(common.KindModel, "acme/child", map[string]any{"id": "acme/child", "base_model": "ACME/TUNED"}))
	artifacts := newArtifacts(t)

	report, err := f.runner.Run(context.Background(), Request{RunID: "r1", Models: []string{"Acme/Tuned", "acme/child"}}, artifacts)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, report.Status)
	require.Equal(t, 4, report.Reconcile.Entities[common.KindModel])
	require.Equal(t, 1, f.catalog.Calls(common.KindModel, "Acme/Tuned"))
	require.Zero(t, f.catalog.Calls(common.KindModel, "acme/tuned"))

	models, err := os.ReadFile(filepath.Join(artifacts.Dir(), "models.export"))
	require.NoError(t, err)
	child, err := f.graph.Minter().MintID(common.KindModel, "acme/child")
	require.NoError(t, err)
	tuned, err := f.graph.Minter().MintID(common.KindModel, "acme/tuned")
	require.NoError(t, err)
	require.Contains(t, string(models), "<"+child+"> <"+f.graph.Vocabulary().Relation(common.KindBaseModel)+"> <"+tuned+"> .")
	require.Contains(t, string(models), `"Acme/Tuned"`)
}

func TestRun_CancelledStillWritesReport(t *testing.T) {
	f := newFixture(t, nil)
	artifacts := newArtifacts(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.runner.Run(ctx, Request{RunID: "r1", Latest: 1}, artifacts)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StatusCancelled, report.Status)

	var stored RunReport
	require.NoError(t, artifacts.ReadReport(&stored))
	require.Equal(t, StatusCancelled, stored.Status)
}

func TestRun_SealedRunRejected(t *testing.T) {
	f := newFixture(t, nil)
	artifacts := newArtifacts(t)
	_, err := f.runner.Run(context.Background(), Request{RunID: "r1", Latest: 1}, artifacts)
	require.NoError(t, err)

	_, err = f.runner.Run(context.Background(), Request{RunID: "r1", Latest: 1}, artifacts)
	require.ErrorIs(t, err, artifact.ErrRunCompleted)
}

func TestRun_EmptyRequest(t *testing.T) {
	f := newFixture(t, nil)
	artifacts := newArtifacts(t)

	_, err := f.runner.Run(context.Background(), Request{RunID: "r1"}, artifacts)
	require.ErrorIs(t, err, ErrEmptyRequest)
	require.False(t, artifacts.Completed())
}

type recordingMirror struct {
	runID string
	dir   string
	err   error
}

func (m *recordingMirror) UploadRun(ctx context.Context, runID, dir string) ([]string, error) {
	m.runID, m.dir = runID, dir
	return nil, m.err
}

func TestRun_MirrorsSealedRun(t *testing.T) {
	mirror := &recordingMirror{err: errors.New("bucket unavailable")}
	f := newFixture(t, mirror)
	artifacts := newArtifacts(t)

	report, err := f.runner.Run(context.Background(), Request{RunID: "r1", Latest: 1}, artifacts)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, report.Status)
	require.Equal(t, "r1", mirror.runID)
	require.Equal(t, artifacts.Dir(), mirror.dir)
}

func TestNewRunner_RequiresCollaborators(t *testing.T) {
	_, err := NewRunner(NewRunnerParams{})
	require.Error(t, err)

	f := newFixture(t, nil)
	_, err = NewRunner(NewRunnerParams{
		Client:   f.catalog,
		Graph:    f.graph,
		Sink:     f.sink,
		Resolver: frontier.NewResolverParams{MaxIterations: -1},
	})
	require.Error(t, err)
}
