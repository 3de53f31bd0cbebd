package querylogic

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"queryfleet/internal/domain"
)

// SQLLogicName is the registry name of SQLLogic.
const SQLLogicName = "SQLQuery"

// Parameters understood by SQLLogic.
const (
	// ParamShards splits the result rows into this many checkpoints.
	ParamShards = "shards"
	// ParamCheckpointable set to "false" makes the logic run in one task.
	ParamCheckpointable = "checkpointable"

	propShard  = "shard"
	propShards = "shards"
	propOffset = "offset"
)

const defaultPageSize = 100

var _ domain.CheckpointableQueryLogic = (*SQLLogic)(nil)

// SQLLogic runs the query expression as SQL and yields one result per row,
// each a column-name to value map. A checkpoint records the shard of rows the
// task owns and the row offset reached, so a task resumes by re-running the
// statement and skipping rows already produced.
type SQLLogic struct {
	query     domain.Query
	rows      *sql.Rows
	columns   []string
	shard     int
	shards    int
	offset    int // index of the next row to examine
	pageSize  int
	exhausted bool
}

// NewSQLLogic creates an uninitialized SQLLogic.
func NewSQLLogic() domain.QueryLogic {
	return &SQLLogic{shards: 1}
}

// Register adds SQLLogic to r.
func Register(r *Registry) error {
	return r.Register(SQLLogicName, NewSQLLogic)
}

// Initialize implements domain.QueryLogic. It prepares the logic for
// CREATE and DEFINE; results are read after SetupQuery or directly when the
// logic is not checkpointable.
func (l *SQLLogic) Initialize(ctx context.Context, conn *sql.Conn, q domain.Query, _ []string) error {
	if q.Expression == "" {
		return domain.Permanent(domain.ErrValidation("query expression is required"))
	}
	l.query = q
	l.pageSize = q.PageSize
	if l.pageSize <= 0 {
		l.pageSize = defaultPageSize
	}
	shards := 1
	if v, ok := q.Parameters[ParamShards]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return domain.Permanent(domain.ErrValidation("invalid %s parameter %q", ParamShards, v))
		}
		shards = n
	}
	l.shards = shards
	if l.IsCheckpointable() {
		return nil
	}
	return l.open(ctx, conn)
}

// IsCheckpointable implements domain.CheckpointableQueryLogic.
func (l *SQLLogic) IsCheckpointable() bool {
	return l.query.Parameters[ParamCheckpointable] != "false"
}

// Checkpoint implements domain.CheckpointableQueryLogic. It returns one
// checkpoint per shard, each starting at row 0.
func (l *SQLLogic) Checkpoint(key domain.QueryKey) ([]domain.QueryCheckpoint, error) {
	out := make([]domain.QueryCheckpoint, 0, l.shards)
	for i := range l.shards {
		out = append(out, domain.NewQueryCheckpoint(key, map[string]string{
			propShard:  strconv.Itoa(i),
			propShards: strconv.Itoa(l.shards),
			propOffset: "0",
		}))
	}
	return out, nil
}

// SetupQuery implements domain.CheckpointableQueryLogic.
func (l *SQLLogic) SetupQuery(ctx context.Context, conn *sql.Conn, q domain.Query, cp domain.QueryCheckpoint) error {
	if err := l.Initialize(ctx, conn, q, q.Auths); err != nil {
		return err
	}
	if cp.Resumable() {
		var err error
		if l.shard, err = intProp(cp, propShard, 0); err != nil {
			return err
		}
		if l.shards, err = intProp(cp, propShards, 1); err != nil {
			return err
		}
		if l.offset, err = intProp(cp, propOffset, 0); err != nil {
			return err
		}
	}
	if l.shards <= 0 || l.shard < 0 || l.shard >= l.shards {
		return domain.Permanent(domain.ErrValidation("invalid shard %d of %d", l.shard, l.shards))
	}
	if l.rows != nil {
		_ = l.rows.Close()
	}
	if err := l.open(ctx, conn); err != nil {
		return err
	}
	for i := 0; i < l.offset; i++ {
		if !l.rows.Next() {
			l.exhausted = true
			return l.rows.Err()
		}
	}
	return nil
}

// UpdateCheckpoint implements domain.CheckpointableQueryLogic.
func (l *SQLLogic) UpdateCheckpoint(cp domain.QueryCheckpoint) domain.QueryCheckpoint {
	return domain.NewQueryCheckpoint(cp.QueryKey, map[string]string{
		propShard:  strconv.Itoa(l.shard),
		propShards: strconv.Itoa(l.shards),
		propOffset: strconv.Itoa(l.offset),
	})
}

func (l *SQLLogic) open(ctx context.Context, conn *sql.Conn) error {
	rows, err := conn.QueryContext(ctx, l.query.Expression)
	if err != nil {
		return fmt.Errorf("run query: %w", err)
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return fmt.Errorf("query columns: %w", err)
	}
	l.rows = rows
	l.columns = cols
	return nil
}

// Next implements domain.QueryLogic.
func (l *SQLLogic) Next(_ context.Context) (any, bool, error) {
	if l.rows == nil || l.exhausted {
		return nil, false, nil
	}
	for l.rows.Next() {
		idx := l.offset
		l.offset++
		if idx%l.shards != l.shard {
			continue
		}
		return l.scan()
	}
	l.exhausted = true
	if err := l.rows.Err(); err != nil {
		return nil, false, fmt.Errorf("read rows: %w", err)
	}
	return nil, false, nil
}

func (l *SQLLogic) scan() (any, bool, error) {
	values := make([]any, len(l.columns))
	ptrs := make([]any, len(l.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := l.rows.Scan(ptrs...); err != nil {
		return nil, false, fmt.Errorf("scan row: %w", err)
	}
	row := make(map[string]any, len(l.columns))
	for i, col := range l.columns {
		if b, ok := values[i].([]byte); ok {
			row[col] = string(b)
			continue
		}
		row[col] = values[i]
	}
	return row, true, nil
}

// MaxPageSize implements domain.QueryLogic.
func (l *SQLLogic) MaxPageSize() int { return l.pageSize }

// MaxResults implements domain.QueryLogic.
func (l *SQLLogic) MaxResults() int64 { return l.query.MaxResultsOverride }

// Close implements domain.QueryLogic.
func (l *SQLLogic) Close() error {
	if l.rows == nil {
		return nil
	}
	err := l.rows.Close()
	l.rows = nil
	return err
}

func intProp(cp domain.QueryCheckpoint, name string, def int) (int, error) {
	v, ok := cp.Properties[name]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, domain.Permanent(domain.ErrValidation("invalid checkpoint property %s=%q", name, v))
	}
	return n, nil
}
