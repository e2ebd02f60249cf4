package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/OFFIS-RIT/modelgraph/internal/artifact"
	"github.com/OFFIS-RIT/modelgraph/internal/pipeline"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
)

// QueueHarvestMsg is the body of a harvest_queue message.
type QueueHarvestMsg struct {
	Message       string           `json:"message"`
	CorrelationID string           `json:"correlation_id"`
	Request       pipeline.Request `json:"request"`
}

// RunTracker records run status. Implemented by the postgres run store.
type RunTracker interface {
	MarkRunning(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, report any) error
	Fail(ctx context.Context, id string, report any, cause error) error
}

// Locker runs fn while run holds the lease for key. Implemented by
// *leaselock.Client.
type Locker interface {
	Hold(ctx context.Context, key, runID string, fn func(ctx context.Context) error) error
}

// HarvestProcessor executes harvest_queue messages. Runs and Lock are
// optional.
type HarvestProcessor struct {
	Runner  *pipeline.Runner
	Runs    RunTracker
	Lock    Locker
	LockKey string
	RunDir  string
}

// Process runs the harvest described by body. Errors returned from Process
// happen before the run starts and are worth retrying. Runs that started are
// recorded with their outcome and never returned as errors, so a failed or
// cancelled run is not executed twice.
func (p *HarvestProcessor) Process(ctx context.Context, body []byte) error {
	var msg QueueHarvestMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	req := msg.Request
	if req.RunID == "" {
		req.RunID = msg.CorrelationID
	}
	if req.RunID == "" || req.Empty() || filepath.Base(req.RunID) != req.RunID {
		return fmt.Errorf("%w: run id %q", ErrBadMessage, req.RunID)
	}

	dir := filepath.Join(p.RunDir, req.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	artifacts, err := artifact.Open(dir)
	if err != nil {
		return err
	}
	if artifacts.Completed() {
		logger.Info("[Worker] Run already completed, skipping", "run_id", req.RunID)
		return nil
	}

	run := func(ctx context.Context) error {
		if p.Runs != nil {
			if err := p.Runs.MarkRunning(ctx, req.RunID); err != nil {
				return fmt.Errorf("mark running: %w", err)
			}
		}
		report, err := p.Runner.Run(ctx, req, artifacts)
		p.record(ctx, req.RunID, report, err)
		return nil
	}

	if p.Lock == nil || p.LockKey == "" {
		return run(ctx)
	}
	return p.Lock.Hold(ctx, p.LockKey, req.RunID, run)
}

func (p *HarvestProcessor) record(ctx context.Context, runID string, report *pipeline.RunReport, runErr error) {
	if runErr != nil {
		logger.Error("[Worker] Run ended with error", "run_id", runID, "err", runErr)
	}
	if p.Runs == nil {
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	var err error
	if runErr == nil && report != nil && report.Status == pipeline.StatusCompleted {
		err = p.Runs.Complete(rctx, runID, report)
	} else {
		if runErr == nil {
			runErr = errors.New("run did not complete")
		}
		var rep any
		if report != nil {
			rep = report
		}
		err = p.Runs.Fail(rctx, runID, rep, runErr)
	}
	if err != nil {
		logger.Error("[Worker] Failed to record run status", "run_id", runID, "err", err)
	}
}
