package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"queryfleet/internal/domain"
)

// CreateTask allocates the next task id of the checkpoint's query and stores
// the task. Task ids start at 1.
func (s *StatusStore) CreateTask(ctx context.Context, action domain.Action, cp domain.QueryCheckpoint) (*domain.QueryTask, error) {
	if !action.Valid() {
		return nil, domain.ErrValidation("invalid task action %q", action)
	}
	if err := cp.QueryKey.Validate(); err != nil {
		return nil, err
	}
	cpJSON, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var taskID int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO task_sequences (query_id, next_id) VALUES (?, 1)
		ON CONFLICT (query_id) DO UPDATE SET next_id = next_id + 1
		RETURNING next_id
	`, cp.QueryKey.QueryID).Scan(&taskID)
	if err != nil {
		return nil, mapDBError(err)
	}

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_tasks (query_id, task_id, action, checkpoint_json, last_updated)
		VALUES (?, ?, ?, ?, ?)
	`, cp.QueryKey.QueryID, taskID, string(action), string(cpJSON), now.UnixMilli())
	if err != nil {
		return nil, mapDBError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &domain.QueryTask{TaskID: taskID, Action: action, Checkpoint: cp, LastUpdated: fromMillis(now.UnixMilli())}, nil
}

// GetTask returns the task, polling for up to wait for it to appear. A task
// that is still absent afterwards yields nil, nil.
func (s *StatusStore) GetTask(ctx context.Context, key domain.TaskKey, wait time.Duration) (*domain.QueryTask, error) {
	deadline := time.Now().Add(wait)
	for {
		task, err := s.getTask(ctx, key)
		if err == nil {
			return task, nil
		}
		if !domain.IsNotFound(err) {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(min(s.poll, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *StatusStore) getTask(ctx context.Context, key domain.TaskKey) (*domain.QueryTask, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT task_id, action, checkpoint_json, last_updated
		FROM query_tasks WHERE query_id = ? AND task_id = ?
	`, key.QueryKey.QueryID, key.TaskID)
	return scanTask(row)
}

// UpdateTask rewrites the action and checkpoint of an existing task.
func (s *StatusStore) UpdateTask(ctx context.Context, task *domain.QueryTask) error {
	cpJSON, err := json.Marshal(task.Checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE query_tasks SET action = ?, checkpoint_json = ?, last_updated = ?
		WHERE query_id = ? AND task_id = ?
	`, string(task.Action), string(cpJSON), now.UnixMilli(), task.Checkpoint.QueryKey.QueryID, task.TaskID)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound("task %s not found", task.TaskKey())
	}
	task.LastUpdated = fromMillis(now.UnixMilli())
	return nil
}

// DeleteTask removes a task. Deleting a missing task is not an error.
func (s *StatusStore) DeleteTask(ctx context.Context, key domain.TaskKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM query_tasks WHERE query_id = ? AND task_id = ?`,
		key.QueryKey.QueryID, key.TaskID)
	return mapDBError(err)
}

// ListTasks returns the tasks of a query ordered by task id.
func (s *StatusStore) ListTasks(ctx context.Context, queryID string) ([]domain.QueryTask, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT task_id, action, checkpoint_json, last_updated
		FROM query_tasks WHERE query_id = ? ORDER BY task_id
	`, queryID)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.QueryTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*domain.QueryTask, error) {
	var (
		task    domain.QueryTask
		action  string
		cpJSON  string
		updated int64
	)
	if err := row.Scan(&task.TaskID, &action, &cpJSON, &updated); err != nil {
		return nil, mapDBError(err)
	}
	if err := json.Unmarshal([]byte(cpJSON), &task.Checkpoint); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	task.Action = domain.Action(action)
	task.LastUpdated = fromMillis(updated)
	return &task, nil
}

// GetTaskStates returns the task state table of a query, or an empty table
// with Version 0 when none has been written yet.
func (s *StatusStore) GetTaskStates(ctx context.Context, key domain.QueryKey) (*domain.TaskStates, error) {
	var (
		statesJSON string
		maxRunning int
		version    int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT states_json, max_running, version FROM task_states WHERE query_id = ?`,
		key.QueryID).Scan(&statesJSON, &maxRunning, &version)
	if err != nil {
		err = mapDBError(err)
		if domain.IsNotFound(err) {
			return domain.NewTaskStates(key), nil
		}
		return nil, err
	}

	states := domain.NewTaskStates(key)
	if err := json.Unmarshal([]byte(statesJSON), &states.States); err != nil {
		return nil, fmt.Errorf("unmarshal task states: %w", err)
	}
	states.MaxRunning = maxRunning
	states.Version = version
	return states, nil
}

// UpdateTaskStates writes the table when its Version matches the stored
// version and increments Version. A mismatch means another writer got there
// first, usually because this caller's lock lease expired.
func (s *StatusStore) UpdateTaskStates(ctx context.Context, states *domain.TaskStates) error {
	statesJSON, err := json.Marshal(states.States)
	if err != nil {
		return fmt.Errorf("marshal task states: %w", err)
	}

	if states.Version == 0 {
		_, err := s.db.ExecContext(ctx, `INSERT INTO task_states (query_id, states_json, max_running, version) VALUES (?, ?, ?, 1)`,
			states.QueryKey.QueryID, string(statesJSON), states.MaxRunning)
		if err != nil {
			err = mapDBError(err)
			if domain.IsConflict(err) {
				return domain.ErrConflict("task states of query %q were created concurrently", states.QueryKey.QueryID)
			}
			return err
		}
		states.Version = 1
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE task_states SET states_json = ?, max_running = ?, version = version + 1
		WHERE query_id = ? AND version = ?
	`, string(statesJSON), states.MaxRunning, states.QueryKey.QueryID, states.Version)
	if err != nil {
		return mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrConflict("task states of query %q changed since version %d", states.QueryKey.QueryID, states.Version)
	}
	states.Version++
	return nil
}
