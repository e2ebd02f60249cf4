package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"
)

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

var ErrRunNotFound = errors.New("harvest run not found")

// Run is one row of harvest_runs.
type Run struct {
	ID        string          `json:"id"`
	Status    RunStatus       `json:"status"`
	Request   json.RawMessage `json:"request"`
	Report    json.RawMessage `json:"report,omitempty"`
	Error     string          `json:"error,omitempty"`
	Lease     string          `json:"lease,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RunStore tracks run status for the API and the worker.
type RunStore struct {
	conn pgxIConn
}

func NewRunStore(conn pgxIConn) *RunStore {
	return &RunStore{conn: conn}
}

func (s *RunStore) CreateRun(ctx context.Context, id string, request any) error {
	body, err := json.Marshal(request)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx, insertRunSQL, id, RunQueued, body)
	return err
}

func (s *RunStore) MarkRunning(ctx context.Context, id string) error {
	return s.update(ctx, id, RunRunning, nil, "")
}

func (s *RunStore) Complete(ctx context.Context, id string, report any) error {
	return s.update(ctx, id, RunCompleted, report, "")
}

// Fail records a fatal run error. report may be nil.
func (s *RunStore) Fail(ctx context.Context, id string, report any, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.update(ctx, id, RunFailed, report, msg)
}

func (s *RunStore) update(ctx context.Context, id string, status RunStatus, report any, msg string) error {
	var body []byte
	if report != nil {
		b, err := json.Marshal(report)
		if err != nil {
			return err
		}
		body = b
	}
	tag, err := s.conn.Exec(ctx, updateRunSQL, id, status, body, msg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var (
		r      Run
		report []byte
		msg    *string
		lease  *string
	)
	err := s.conn.QueryRow(ctx, selectRunSQL, id).
		Scan(&r.ID, &r.Status, &r.Request, &report, &msg, &lease, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	r.Report = report
	if msg != nil {
		r.Error = *msg
	}
	if lease != nil {
		r.Lease = *lease
	}
	return &r, nil
}

const insertRunSQL = `
INSERT INTO harvest_runs (id, status, request)
VALUES ($1, $2, $3::jsonb);
`

const updateRunSQL = `
UPDATE harvest_runs
SET status     = $2,
    report     = COALESCE($3::jsonb, report),
    error      = NULLIF($4, ''),
    updated_at = now()
WHERE id = $1;
`

// selectRunSQL reports the namespace lease a running run holds, if any.
const selectRunSQL = `
SELECT r.id, r.status, r.request, r.report, r.error,
       (SELECT l.lock_key FROM harvest_locks l
        WHERE l.run_id = r.id AND l.expires_at >= now()
        LIMIT 1),
       r.created_at, r.updated_at
FROM harvest_runs r
WHERE r.id = $1;
`
