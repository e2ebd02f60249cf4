package leaselock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/OFFIS-RIT/modelgraph/internal/util"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
)

var (
	ErrBusy = errors.New("graph namespace is held by another run")
	ErrLost = errors.New("namespace lease lost")
)

// DBConn is satisfied by *pgxpool.Pool and pgx.Tx.
type DBConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Holder is the run currently holding a namespace lease.
type Holder struct {
	RunID     string
	ExpiresAt time.Time
}

// Client serializes harvest runs writing one graph namespace through leases
// in harvest_locks. A lease belongs to one run attempt and expires unless
// renewed, so a crashed worker blocks the namespace for at most one TTL.
type Client struct {
	db         DBConn
	ttl        time.Duration
	renewEvery time.Duration
	wait       bool
	pollEvery  time.Duration
	pollJitter time.Duration
}

// NewClientParams configures a Client. TTL defaults to five minutes and
// RenewEvery to half of the TTL. With Wait set, a busy namespace is polled
// every PollEvery plus up to PollJitter instead of failing with ErrBusy.
type NewClientParams struct {
	DB         DBConn
	TTL        time.Duration
	RenewEvery time.Duration
	Wait       bool
	PollEvery  time.Duration
	PollJitter time.Duration
}

func NewClient(params NewClientParams) (*Client, error) {
	if params.DB == nil {
		return nil, errors.New("lease database is required")
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if ttl < 2*time.Second {
		return nil, fmt.Errorf("lease ttl must be at least 2s, got %s", ttl)
	}
	renewEvery := params.RenewEvery
	if renewEvery <= 0 || renewEvery >= ttl {
		renewEvery = ttl / 2
	}
	pollEvery := params.PollEvery
	if pollEvery <= 0 {
		pollEvery = 250 * time.Millisecond
	}
	return &Client{
		db:         params.DB,
		ttl:        ttl,
		renewEvery: renewEvery,
		wait:       params.Wait,
		pollEvery:  pollEvery,
		pollJitter: max(params.PollJitter, 0),
	}, nil
}

// NamespaceKey is the lock key serializing runs that write one graph.
func NamespaceKey(sink, namespace string) string {
	return "harvest:" + sink + ":" + namespace
}

// Hold runs fn while runID holds the lease for key and releases it
// afterwards. If a renewal fails, fn's context is cancelled with cause
// ErrLost.
func (c *Client) Hold(ctx context.Context, key, runID string, fn func(ctx context.Context) error) error {
	l, err := c.acquire(ctx, key, runID)
	if err != nil {
		return err
	}
	defer l.release()
	return fn(l.ctx)
}

// Holder returns the run holding the unexpired lease for key, if any.
func (c *Client) Holder(ctx context.Context, key string) (Holder, bool, error) {
	var h Holder
	err := c.db.QueryRow(ctx, holderSQL, key).Scan(&h.RunID, &h.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Holder{}, false, nil
	}
	if err != nil {
		return Holder{}, false, err
	}
	return h, true, nil
}

type lease struct {
	client *Client
	key    string
	token  string
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func (c *Client) acquire(ctx context.Context, key, runID string) (*lease, error) {
	if key == "" {
		return nil, errors.New("lease key is empty")
	}
	if runID == "" {
		return nil, errors.New("lease run id is empty")
	}

	// Redeliveries of one run on two workers must not share a lease.
	suffix, err := gonanoid.New(8)
	if err != nil {
		return nil, err
	}
	token := runID + "/" + suffix

	lastHolder := ""
	for {
		var holder string
		err := c.db.QueryRow(ctx, tryAcquireSQL, key, token, runID, c.ttl.Milliseconds()).Scan(&holder)
		if err == nil {
			break
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}

		h, found, herr := c.Holder(ctx, key)
		if herr != nil {
			return nil, herr
		}
		if !found {
			// expired in between
			continue
		}
		if !c.wait {
			return nil, fmt.Errorf("%w: %s held by %s", ErrBusy, key, h.RunID)
		}
		if h.RunID != lastHolder {
			logger.Info("[Lock] Namespace busy, waiting", "key", key, "run_id", runID, "holder", h.RunID, "expires_at", h.ExpiresAt)
			lastHolder = h.RunID
		}
		if err := c.pause(ctx); err != nil {
			return nil, err
		}
	}
	logger.Debug("[Lock] Lease acquired", "key", key, "run_id", runID, "ttl", c.ttl)

	lctx, cancel := context.WithCancelCause(ctx)
	l := &lease{
		client: c,
		key:    key,
		token:  token,
		ctx:    lctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.keepAlive()
	return l, nil
}

func (c *Client) pause(ctx context.Context) error {
	d := c.pollEvery
	if c.pollJitter > 0 {
		d += time.Duration(rand.Int64N(int64(c.pollJitter) + 1))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *lease) keepAlive() {
	defer close(l.done)
	t := time.NewTicker(l.client.renewEvery)
	defer t.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-t.C:
			if err := l.renew(); err != nil {
				if l.ctx.Err() != nil {
					return
				}
				logger.Warn("[Lock] Lease renewal failed", "key", l.key, "token", l.token, "err", err)
				l.cancel(ErrLost)
				return
			}
		}
	}
}

func (l *lease) renew() error {
	return util.RetryErrWithBackoff(l.ctx, 3, 200*time.Millisecond, func(err error) bool {
		return !errors.Is(err, ErrLost)
	}, func(ctx context.Context) error {
		rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		var key string
		err := l.client.db.QueryRow(rctx, renewSQL, l.key, l.token, l.client.ttl.Milliseconds()).Scan(&key)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLost
		}
		return err
	})
}

func (l *lease) release() {
	l.cancel(context.Canceled)
	<-l.done

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := l.client.db.Exec(ctx, releaseSQL, l.key, l.token); err != nil {
		logger.Warn("[Lock] Lease release failed, it expires on its own", "key", l.key, "err", err)
	}
}

const tryAcquireSQL = `
INSERT INTO harvest_locks (lock_key, locked_by, run_id, expires_at)
VALUES ($1, $2, $3, now() + ($4::bigint * interval '1 millisecond'))
ON CONFLICT (lock_key) DO UPDATE
SET locked_by  = EXCLUDED.locked_by,
    run_id     = EXCLUDED.run_id,
    expires_at = EXCLUDED.expires_at
WHERE harvest_locks.expires_at < now()
   OR harvest_locks.locked_by = EXCLUDED.locked_by
RETURNING run_id;
`

const renewSQL = `
UPDATE harvest_locks
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE lock_key = $1 AND locked_by = $2
RETURNING lock_key;
`

const releaseSQL = `
DELETE FROM harvest_locks
WHERE lock_key = $1 AND locked_by = $2;
`

const holderSQL = `
SELECT run_id, expires_at
FROM harvest_locks
WHERE lock_key = $1 AND expires_at >= now();
`
