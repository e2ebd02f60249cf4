package pgx

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/OFFIS-RIT/modelgraph/pkg/common"
	"github.com/OFFIS-RIT/modelgraph/pkg/leaselock"
)

func TestToColumns_SplitsIRIAndLiteral(t *testing.T) {
	triples := []common.Triple{
		{Subject: "s", Predicate: "p", Object: common.IRIObject("o"), MultiValued: true},
		{Subject: "s", Predicate: "q", Object: common.Literal("v", "dt")},
	}

	c := toColumns(triples)
	require.Equal(t, []string{"s", "s"}, c.subjects)
	require.Len(t, c.objectKeys[0], 64)
	require.Equal(t, objectKey(triples[0]), c.objectKeys[0])
	require.Equal(t, "", c.objectKeys[1], "single-valued predicates key on subject and predicate only")
	require.NotNil(t, c.iris[0])
	require.Nil(t, c.values[0])
	require.Nil(t, c.iris[1])
	require.Equal(t, "v", *c.values[1])
	require.Equal(t, "dt", *c.datatypes[1])
	require.Equal(t, []bool{true, false}, c.multi)
}

func TestObjectKey_DigestOfObject(t *testing.T) {
	long := strings.Repeat("x", 10_000)
	a := common.Triple{Subject: "s", Predicate: "p", Object: common.Literal(long, ""), MultiValued: true}
	b := common.Triple{Subject: "s", Predicate: "p", Object: common.Literal(long+"y", ""), MultiValued: true}

	key := objectKey(a)
	require.Len(t, key, 64)
	require.Equal(t, key, objectKey(a))
	require.NotEqual(t, key, objectKey(b))
	require.NotEqual(t, key, objectKey(common.Triple{Subject: "s", Predicate: "p", Object: common.IRIObject(long), MultiValued: true}))

	a.MultiValued = false
	require.Equal(t, "", objectKey(a))
}

// TestGraphDBStorage_Integration runs against the database in
// TEST_DATABASE_URL and is skipped otherwise.
func TestGraphDBStorage_Integration(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	require.NoError(t, Migrate(url))

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	defer pool.Close()
	_, err = pool.Exec(ctx, "TRUNCATE graph_triples")
	require.NoError(t, err)

	s := NewGraphDBStorageWithConnection(pool, WithChunkSize(1))
	batch := []common.Triple{
		{Subject: "https://x/a", Predicate: "https://x/name", Object: common.Literal("a", "http://www.w3.org/2001/XMLSchema#string")},
		{Subject: "https://x/a", Predicate: "https://x/kw", Object: common.IRIObject("https://x/k1"), MultiValued: true},
		{Subject: "https://x/a", Predicate: "https://x/kw", Object: common.IRIObject("https://x/k2"), MultiValued: true},
	}
	require.NoError(t, s.UpsertBatch(ctx, batch))
	require.NoError(t, s.UpsertBatch(ctx, batch))

	n, err := s.CountTriples(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	var buf bytes.Buffer
	require.NoError(t, s.ExportSerialized(ctx, &buf))
	require.Len(t, strings.Split(strings.TrimSpace(buf.String()), "\n"), 3)

	const runID = "run-integration"
	_, err = pool.Exec(ctx, "DELETE FROM harvest_runs WHERE id = $1", runID)
	require.NoError(t, err)
	runs := NewRunStore(pool)
	require.NoError(t, runs.CreateRun(ctx, runID, map[string]any{"mode": "latest"}))
	require.NoError(t, runs.MarkRunning(ctx, runID))

	locks, err := leaselock.NewClient(leaselock.NewClientParams{DB: pool, TTL: time.Minute})
	require.NoError(t, err)
	key := leaselock.NamespaceKey("pgx", "https://x")
	require.NoError(t, locks.Hold(ctx, key, runID, func(ctx context.Context) error {
		run, err := runs.GetRun(ctx, runID)
		require.NoError(t, err)
		require.Equal(t, key, run.Lease)
		return nil
	}))

	require.NoError(t, runs.Complete(ctx, runID, map[string]any{"errors": 0}))
	run, err := runs.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, RunCompleted, run.Status)
	require.Empty(t, run.Lease)

	_, err = runs.GetRun(ctx, "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}
