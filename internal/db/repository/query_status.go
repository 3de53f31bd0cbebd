package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"queryfleet/internal/domain"
)

var _ domain.StatusStore = (*StatusStore)(nil)

// StatusStore persists query status, tasks, task states and the monitor
// record in SQLite. Writes go through the single-connection write pool.
type StatusStore struct {
	db     *sql.DB
	readDB *sql.DB
	now    func() time.Time
	poll   time.Duration
}

// Option configures a StatusStore.
type Option func(*StatusStore)

// WithClock overrides the time source used for stored timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *StatusStore) { s.now = now }
}

// WithPollInterval sets how often GetTask re-checks for a task while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(s *StatusStore) { s.poll = d }
}

// NewStatusStore creates a StatusStore. readDB may be nil, in which case
// reads use writeDB.
func NewStatusStore(writeDB, readDB *sql.DB, opts ...Option) *StatusStore {
	if readDB == nil {
		readDB = writeDB
	}
	s := &StatusStore{db: writeDB, readDB: readDB, now: time.Now, poll: 25 * time.Millisecond}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateQuery inserts a new query status record.
func (s *StatusStore) CreateQuery(ctx context.Context, st *domain.QueryStatus) error {
	if st == nil {
		return domain.ErrValidation("query status is required")
	}
	if err := st.QueryKey.Validate(); err != nil {
		return err
	}
	queryJSON, err := json.Marshal(st.Query)
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = s.now().UTC()
	}
	if st.State == "" {
		st.State = domain.QueryStateCreate
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO query_status (query_id, pool, logic_name, query_json, state, active_next_calls,
		    num_results_generated, error_code, error_message, created_at, last_used_at, last_updated_at, last_result_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, st.QueryKey.QueryID, st.QueryKey.Pool, st.QueryKey.LogicName, string(queryJSON), string(st.State),
		st.ActiveNextCalls, st.NumResultsGenerated, st.ErrorCode, st.ErrorMessage,
		toMillis(st.CreatedAt), toMillis(st.LastUsedAt), toMillis(st.LastUpdatedAt), toMillis(st.LastResultAt))
	if err != nil {
		err = mapDBError(err)
		if domain.IsConflict(err) {
			return domain.ErrConflict("query %q already exists", st.QueryKey.QueryID)
		}
		return err
	}
	return nil
}

// GetQueryStatus returns the status record of a query.
func (s *StatusStore) GetQueryStatus(ctx context.Context, queryID string) (*domain.QueryStatus, error) {
	row := s.readDB.QueryRowContext(ctx, selectQueryStatus+` WHERE query_id = ?`, queryID)
	st, err := scanQueryStatus(row)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, domain.ErrNotFound("query %q not found", queryID)
		}
		return nil, err
	}
	return st, nil
}

// ListQueryStatus returns every query status record ordered by creation.
func (s *StatusStore) ListQueryStatus(ctx context.Context) ([]domain.QueryStatus, error) {
	rows, err := s.readDB.QueryContext(ctx, selectQueryStatus+` ORDER BY created_at, query_id`)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.QueryStatus
	for rows.Next() {
		st, err := scanQueryStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// UpdateQueryState sets the lifecycle state and error details of a query.
// The write only lands while the stored state may move to state; otherwise
// it fails with a ConflictError and the stored state is kept.
func (s *StatusStore) UpdateQueryState(ctx context.Context, queryID string, state domain.QueryState, errCode, errMsg string) error {
	if !state.Valid() {
		return domain.ErrValidation("invalid query state %q", state)
	}
	sources := domain.QueryStateSources(state)
	if len(sources) == 0 {
		return domain.ErrValidation("query state %s is only set on creation", state)
	}

	args := []interface{}{string(state), errCode, errMsg, s.now().UnixMilli(), queryID}
	for _, from := range sources {
		args = append(args, string(from))
	}
	stmt := `
		UPDATE query_status
		SET state = ?, error_code = ?, error_message = ?, last_updated_at = ?
		WHERE query_id = ? AND state IN (?` + strings.Repeat(", ?", len(sources)-1) + `)`
	err := s.updateOne(ctx, queryID, stmt, args...)
	if !domain.IsNotFound(err) {
		return err
	}

	var current string
	if qerr := s.db.QueryRowContext(ctx, `SELECT state FROM query_status WHERE query_id = ?`, queryID).Scan(&current); qerr != nil {
		if errors.Is(qerr, sql.ErrNoRows) {
			return err
		}
		return mapDBError(qerr)
	}
	return domain.ErrConflict("query %q is %s and cannot move to %s", queryID, current, state)
}

// IncrementResultsGenerated adds n to the result counter and records progress.
func (s *StatusStore) IncrementResultsGenerated(ctx context.Context, queryID string, n int64) error {
	now := s.now().UnixMilli()
	return s.updateOne(ctx, queryID, `
		UPDATE query_status
		SET num_results_generated = num_results_generated + ?, last_result_at = ?, last_updated_at = ?
		WHERE query_id = ?
	`, n, now, now, queryID)
}

// AdjustActiveNextCalls adds delta to the in-flight next call counter,
// never going below zero.
func (s *StatusStore) AdjustActiveNextCalls(ctx context.Context, queryID string, delta int) error {
	return s.updateOne(ctx, queryID, `
		UPDATE query_status
		SET active_next_calls = MAX(0, active_next_calls + ?)
		WHERE query_id = ?
	`, delta, queryID)
}

// TouchQuery records a user or system interaction.
func (s *StatusStore) TouchQuery(ctx context.Context, queryID string, user bool) error {
	column := "last_updated_at"
	if user {
		column = "last_used_at"
	}
	return s.updateOne(ctx, queryID,
		`UPDATE query_status SET `+column+` = ? WHERE query_id = ?`, s.now().UnixMilli(), queryID)
}

// DeleteQuery removes the query status together with its tasks, task id
// sequence and task states. Missing rows are ignored.
func (s *StatusStore) DeleteQuery(ctx context.Context, queryID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM query_tasks WHERE query_id = ?`,
		`DELETE FROM task_states WHERE query_id = ?`,
		`DELETE FROM task_sequences WHERE query_id = ?`,
		`DELETE FROM query_status WHERE query_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, queryID); err != nil {
			return mapDBError(err)
		}
	}
	return tx.Commit()
}

func (s *StatusStore) updateOne(ctx context.Context, queryID, stmt string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound("query %q not found", queryID)
	}
	return nil
}

const selectQueryStatus = `
	SELECT query_id, pool, logic_name, query_json, state, active_next_calls, num_results_generated,
	       error_code, error_message, created_at, last_used_at, last_updated_at, last_result_at
	FROM query_status`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueryStatus(row rowScanner) (*domain.QueryStatus, error) {
	var (
		st                                     domain.QueryStatus
		queryJSON, state                       string
		createdAt, usedAt, updatedAt, resultAt int64
	)
	err := row.Scan(
		&st.QueryKey.QueryID,
		&st.QueryKey.Pool,
		&st.QueryKey.LogicName,
		&queryJSON,
		&state,
		&st.ActiveNextCalls,
		&st.NumResultsGenerated,
		&st.ErrorCode,
		&st.ErrorMessage,
		&createdAt,
		&usedAt,
		&updatedAt,
		&resultAt,
	)
	if err != nil {
		return nil, mapDBError(err)
	}
	if err := json.Unmarshal([]byte(queryJSON), &st.Query); err != nil {
		return nil, fmt.Errorf("unmarshal query: %w", err)
	}
	st.State = domain.QueryState(state)
	st.CreatedAt = fromMillis(createdAt)
	st.LastUsedAt = fromMillis(usedAt)
	st.LastUpdatedAt = fromMillis(updatedAt)
	st.LastResultAt = fromMillis(resultAt)
	return &st, nil
}
