package leaselock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *time.Time:
			*p = r.values[i].(time.Time)
		}
	}
	return nil
}

type fakeLease struct {
	token string
	runID string
}

// fakeDB keeps harvest_locks in memory, ignoring expiry.
type fakeDB struct {
	mu     sync.Mutex
	leases map[string]fakeLease
}

func newFakeDB() *fakeDB { return &fakeDB{leases: map[string]fakeLease{}} }

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Contains(sql, "DELETE FROM harvest_locks") {
		key, token := args[0].(string), args[1].(string)
		if f.leases[key].token == token {
			delete(f.leases, key)
		}
	}
	return pgconn.NewCommandTag("DELETE 1"), nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := args[0].(string)
	switch {
	case strings.Contains(sql, "INSERT INTO harvest_locks"):
		token, runID := args[1].(string), args[2].(string)
		if l, ok := f.leases[key]; ok && l.token != token {
			return fakeRow{err: pgx.ErrNoRows}
		}
		f.leases[key] = fakeLease{token: token, runID: runID}
		return fakeRow{values: []any{runID}}
	case strings.Contains(sql, "UPDATE harvest_locks"):
		if f.leases[key].token != args[1].(string) {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{values: []any{key}}
	case strings.Contains(sql, "SELECT run_id, expires_at"):
		l, ok := f.leases[key]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{values: []any{l.runID, time.Now().Add(time.Minute)}}
	}
	return fakeRow{err: errors.New("unexpected query")}
}

func newTestClient(t *testing.T, db *fakeDB, params NewClientParams) *Client {
	t.Helper()
	params.DB = db
	if params.TTL == 0 {
		params.TTL = time.Minute
	}
	c, err := NewClient(params)
	require.NoError(t, err)
	return c
}

func TestHold_RecordsRunAndReleases(t *testing.T) {
	db := newFakeDB()
	c := newTestClient(t, db, NewClientParams{})
	ctx := context.Background()

	err := c.Hold(ctx, "harvest:badger:ns", "run1", func(ctx context.Context) error {
		require.NoError(t, ctx.Err())
		h, found, err := c.Holder(ctx, "harvest:badger:ns")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "run1", h.RunID)
		require.True(t, strings.HasPrefix(db.leases["harvest:badger:ns"].token, "run1/"))
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, db.leases)

	_, found, err := c.Holder(ctx, "harvest:badger:ns")
	require.NoError(t, err)
	require.False(t, found)
}

func TestHold_BusyNamesHolder(t *testing.T) {
	db := newFakeDB()
	c := newTestClient(t, db, NewClientParams{})
	ctx := context.Background()

	err := c.Hold(ctx, "k", "run1", func(ctx context.Context) error {
		err := c.Hold(ctx, "k", "run2", func(context.Context) error {
			t.Fatal("second run must not start")
			return nil
		})
		require.ErrorIs(t, err, ErrBusy)
		require.Contains(t, err.Error(), "run1")
		return nil
	})
	require.NoError(t, err)
}

func TestHold_SameRunTwiceIsBusy(t *testing.T) {
	db := newFakeDB()
	c := newTestClient(t, db, NewClientParams{})
	ctx := context.Background()

	err := c.Hold(ctx, "k", "run1", func(ctx context.Context) error {
		return c.Hold(ctx, "k", "run1", func(context.Context) error { return nil })
	})
	require.ErrorIs(t, err, ErrBusy)
}

func TestHold_WaitHonorsContext(t *testing.T) {
	db := newFakeDB()
	db.leases["k"] = fakeLease{token: "other/x", runID: "other"}
	c := newTestClient(t, db, NewClientParams{Wait: true, PollEvery: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Hold(ctx, "k", "run1", func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHold_WaitsForRelease(t *testing.T) {
	db := newFakeDB()
	db.leases["k"] = fakeLease{token: "other/x", runID: "other"}
	c := newTestClient(t, db, NewClientParams{Wait: true, PollEvery: 5 * time.Millisecond})

	go func() {
		time.Sleep(20 * time.Millisecond)
		db.mu.Lock()
		delete(db.leases, "k")
		db.mu.Unlock()
	}()

	ran := false
	err := c.Hold(context.Background(), "k", "run1", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestHold_LostLeaseCancelsRun(t *testing.T) {
	db := newFakeDB()
	c := newTestClient(t, db, NewClientParams{TTL: 2 * time.Second, RenewEvery: 10 * time.Millisecond})

	err := c.Hold(context.Background(), "k", "run1", func(ctx context.Context) error {
		db.mu.Lock()
		db.leases["k"] = fakeLease{token: "other/x", runID: "other"}
		db.mu.Unlock()

		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("lease loss did not cancel the run")
		}
		require.ErrorIs(t, context.Cause(ctx), ErrLost)
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, "other", db.leases["k"].runID, "release must not drop a foreign lease")
}

func TestHold_Validation(t *testing.T) {
	c := newTestClient(t, newFakeDB(), NewClientParams{})
	noop := func(context.Context) error { return nil }
	require.Error(t, c.Hold(context.Background(), "", "run1", noop))
	require.Error(t, c.Hold(context.Background(), "k", "", noop))
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(NewClientParams{})
	require.Error(t, err)
	_, err = NewClient(NewClientParams{DB: newFakeDB(), TTL: time.Second})
	require.Error(t, err)

	c, err := NewClient(NewClientParams{DB: newFakeDB()})
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, c.ttl)
	require.Equal(t, 150*time.Second, c.renewEvery)

	c, err = NewClient(NewClientParams{DB: newFakeDB(), TTL: time.Minute, RenewEvery: 2 * time.Minute})
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, c.renewEvery)
}

func TestNamespaceKey(t *testing.T) {
	require.Equal(t, "harvest:neo4j:https://w3id.org/modelgraph", NamespaceKey("neo4j", "https://w3id.org/modelgraph"))
}
