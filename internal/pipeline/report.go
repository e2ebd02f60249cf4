package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/OFFIS-RIT/modelgraph/pkg/frontier"
	"github.com/OFFIS-RIT/modelgraph/pkg/reconcile"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type StreamReport struct {
	Name     string `json:"name"`
	Records  int    `json:"records"`
	Deferred int    `json:"deferred,omitempty"`
}

type ResolveReport struct {
	Seeds              int      `json:"seeds"`
	Fetched            int      `json:"fetched"`
	Visited            int      `json:"visited"`
	Iterations         int      `json:"iterations"`
	Absent             []string `json:"absent,omitempty"`
	Failed             []string `json:"failed,omitempty"`
	Unresolved         int      `json:"unresolved"`
	FilteredReferences int      `json:"filtered_references"`
	ParseErrors        int      `json:"parse_errors"`
}

func (r *ResolveReport) fill(res *frontier.Result) {
	r.Fetched = len(res.Records)
	r.Visited = res.Visited
	r.Iterations = res.Iterations
	r.Unresolved = len(res.Unresolved)
	r.FilteredReferences = res.FilteredReferences
	r.ParseErrors = res.ParseErrors
	r.Absent = r.Absent[:0]
	for _, f := range res.Absent {
		r.Absent = append(r.Absent, f.ID.String())
	}
	r.Failed = r.Failed[:0]
	for _, f := range res.Failed {
		r.Failed = append(r.Failed, f.ID.String())
	}
}

type ReconcileReport struct {
	Entities map[common.EntityKind]int `json:"entities"`
	Merged   int                       `json:"merged"`
	Errors   []string                  `json:"errors,omitempty"`
}

func (r *ReconcileReport) add(kind common.EntityKind, res *reconcile.Result) {
	if r.Entities == nil {
		r.Entities = make(map[common.EntityKind]int)
	}
	if len(res.Entities) > 0 {
		r.Entities[kind] += len(res.Entities)
	}
	r.Merged += res.Merged
	for _, err := range res.Errors {
		r.Errors = append(r.Errors, err.Error())
	}
}

// RunReport is the content of report.json.
type RunReport struct {
	RunID      string                  `json:"run_id"`
	Status     Status                  `json:"status"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Streams    []StreamReport          `json:"streams"`
	Resolve    ResolveReport           `json:"resolve"`
	Reconcile  ReconcileReport         `json:"reconcile"`
	Graph      common.GraphWriteReport `json:"graph"`
	Exports    []string                `json:"exports"`
	Error      string                  `json:"error,omitempty"`
}

func newRunReport(runID string, start time.Time) *RunReport {
	return &RunReport{
		RunID:     runID,
		Status:    StatusRunning,
		StartedAt: start.UTC(),
		Streams:   []StreamReport{},
		Exports:   []string{},
	}
}

func (r *RunReport) finish(err error) {
	r.FinishedAt = time.Now().UTC()
	switch {
	case err == nil:
		r.Status = StatusCompleted
	case common.IsFatal(err):
		r.Status = StatusFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r.Status = StatusCancelled
	default:
		r.Status = StatusFailed
	}
	if err != nil {
		r.Error = err.Error()
	}
}
