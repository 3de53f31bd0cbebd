package querylogic

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queryfleet/internal/domain"
)

const tenRows = `WITH RECURSIVE seq(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM seq WHERE n < 10)
SELECT n, 'row' || n AS label FROM seq`

func openConn(t *testing.T) *sql.Conn {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "logic.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	conn, err := (&DBConnectionFactory{DB: db}).Connection(context.Background(), domain.Query{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func drain(t *testing.T, l domain.QueryLogic, limit int) []int64 {
	t.Helper()
	var out []int64
	for len(out) < limit {
		r, ok, err := l.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		out = append(out, r.(map[string]any)["n"].(int64))
	}
	return out
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, Register(r))
	assert.True(t, domain.IsConflict(Register(r)))

	a, err := r.QueryLogic(SQLLogicName)
	require.NoError(t, err)
	b, err := r.QueryLogic(SQLLogicName)
	require.NoError(t, err)
	assert.NotSame(t, a, b, "each lookup returns a new instance")

	_, err = r.QueryLogic("Missing")
	assert.True(t, domain.IsNotFound(err))
	assert.Equal(t, []string{SQLLogicName}, r.Names())
}

func TestSQLLogic_CheckpointAndResume(t *testing.T) {
	ctx := context.Background()
	conn := openConn(t)
	key := domain.NewQueryKey("default", "q-1", SQLLogicName)
	q := domain.Query{Expression: tenRows, PageSize: 5, Parameters: map[string]string{ParamShards: "2"}}

	creator := NewSQLLogic().(*SQLLogic)
	require.NoError(t, creator.Initialize(ctx, conn, q, nil))
	require.True(t, creator.IsCheckpointable())
	cps, err := creator.Checkpoint(key)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	require.NoError(t, creator.Close())

	first := NewSQLLogic().(*SQLLogic)
	require.NoError(t, first.SetupQuery(ctx, conn, q, cps[0]))
	assert.Equal(t, []int64{1, 3}, drain(t, first, 2))
	partial := first.UpdateCheckpoint(cps[0])
	require.NoError(t, first.Close())

	// A different instance resumes where the first stopped.
	resumed := NewSQLLogic().(*SQLLogic)
	require.NoError(t, resumed.SetupQuery(ctx, conn, q, partial))
	assert.Equal(t, []int64{5, 7, 9}, drain(t, resumed, 100))
	require.NoError(t, resumed.Close())

	second := NewSQLLogic().(*SQLLogic)
	require.NoError(t, second.SetupQuery(ctx, conn, q, cps[1]))
	assert.Equal(t, []int64{2, 4, 6, 8, 10}, drain(t, second, 100))
	require.NoError(t, second.Close())

	assert.Equal(t, 5, second.MaxPageSize())
}

func TestSQLLogic_NotCheckpointable(t *testing.T) {
	ctx := context.Background()
	conn := openConn(t)
	l := NewSQLLogic().(*SQLLogic)
	q := domain.Query{Expression: tenRows, MaxResultsOverride: 3, Parameters: map[string]string{ParamCheckpointable: "false"}}

	require.NoError(t, l.Initialize(ctx, conn, q, nil))
	assert.False(t, l.IsCheckpointable())
	assert.Equal(t, int64(3), l.MaxResults())
	assert.Equal(t, defaultPageSize, l.MaxPageSize())
	assert.Len(t, drain(t, l, 100), 10)
	require.NoError(t, l.Close())
}

func TestSQLLogic_InvalidInput(t *testing.T) {
	ctx := context.Background()
	conn := openConn(t)

	err := NewSQLLogic().Initialize(ctx, conn, domain.Query{}, nil)
	assert.True(t, domain.IsPermanent(err))

	err = NewSQLLogic().Initialize(ctx, conn, domain.Query{Expression: tenRows, Parameters: map[string]string{ParamShards: "0"}}, nil)
	assert.True(t, domain.IsPermanent(err))

	l := NewSQLLogic().(*SQLLogic)
	cp := domain.NewQueryCheckpoint(domain.NewQueryKey("default", "q-1", SQLLogicName), map[string]string{propOffset: "x"})
	assert.True(t, domain.IsPermanent(l.SetupQuery(ctx, conn, domain.Query{Expression: tenRows}, cp)))
}
