package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"queryfleet/internal/domain"
	"queryfleet/internal/lock"
)

func checkpointable(l domain.QueryLogic) (domain.CheckpointableQueryLogic, bool) {
	cl, ok := l.(domain.CheckpointableQueryLogic)
	return cl, ok && cl.IsCheckpointable()
}

// create handles CREATE and DEFINE. A checkpointable logic is split into
// NEXT tasks; otherwise CREATE produces every result itself.
func (e *Executor) create(ctx context.Context, task *domain.QueryTask, st *domain.QueryStatus, logic domain.QueryLogic, conn *sql.Conn, notify bool) outcome {
	if err := logic.Initialize(ctx, conn, st.Query, st.Query.Auths); err != nil {
		return outcome{err: fmt.Errorf("initialize %s: %w", st.Query.LogicName, err)}
	}
	if cl, ok := checkpointable(logic); ok {
		cps, err := cl.Checkpoint(task.Checkpoint.QueryKey)
		if err != nil {
			return outcome{err: fmt.Errorf("checkpoint %s: %w", st.Query.LogicName, err)}
		}
		if err := e.fanOut(ctx, task.Checkpoint.QueryKey, cps, notify); err != nil {
			return outcome{err: err}
		}
		return outcome{completed: true}
	}
	if !notify {
		return outcome{completed: true}
	}
	return e.pull(ctx, task, logic, nil)
}

func (e *Executor) next(ctx context.Context, task *domain.QueryTask, st *domain.QueryStatus, logic domain.QueryLogic, conn *sql.Conn) outcome {
	cl, ok := checkpointable(logic)
	if !ok {
		return outcome{err: domain.Permanent(domain.ErrValidation("query logic %q cannot resume from a checkpoint", st.Query.LogicName))}
	}
	if err := cl.SetupQuery(ctx, conn, st.Query, task.Checkpoint); err != nil {
		return outcome{err: fmt.Errorf("resume %s: %w", st.Query.LogicName, err)}
	}
	return e.pull(ctx, task, logic, cl)
}

// fanOut stores a NEXT task per checkpoint and registers them READY.
func (e *Executor) fanOut(ctx context.Context, key domain.QueryKey, cps []domain.QueryCheckpoint, notify bool) error {
	tasks := make([]*domain.QueryTask, 0, len(cps))
	for _, cp := range cps {
		t, err := e.store.CreateTask(ctx, domain.ActionNext, cp)
		if err != nil {
			return fmt.Errorf("create next task: %w", err)
		}
		tasks = append(tasks, t)
	}

	name := lock.TaskStatesLockName(key.QueryID)
	ran, err := lock.WithLock(ctx, e.locker, name, e.cfg.LockWait, e.cfg.LockLease, func(ctx context.Context) error {
		states, err := e.store.GetTaskStates(ctx, key)
		if err != nil {
			return err
		}
		states.PruneCompleted()
		for _, t := range tasks {
			states.Add(t.TaskID)
		}
		return e.store.UpdateTaskStates(ctx, states)
	})
	if err != nil {
		return fmt.Errorf("register next tasks: %w", err)
	}
	if !ran {
		return fmt.Errorf("register next tasks: lock %s unavailable", name)
	}

	if notify {
		for _, t := range tasks {
			if err := e.notifier.Notify(ctx, t.Notification()); err != nil {
				e.logger.Warn("notify next task", "task", t.TaskKey().String(), "error", err)
			}
		}
	}
	e.logger.Info("query checkpointed", "query", key.String(), "tasks", len(tasks))
	return nil
}

// pull generates and publishes results until the logic is exhausted or
// backpressure says stop. cl is nil for logics that cannot checkpoint; such
// a task waits out PAUSE decisions instead of returning to READY.
func (e *Executor) pull(ctx context.Context, task *domain.QueryTask, logic domain.QueryLogic, cl domain.CheckpointableQueryLogic) outcome {
	key := task.TaskKey()
	queryID := key.QueryKey.QueryID

	current := func() domain.QueryCheckpoint {
		if cl != nil {
			return cl.UpdateCheckpoint(task.Checkpoint)
		}
		return task.Checkpoint
	}
	// pending is a result taken from the logic but not yet acknowledged, so
	// the logic's position is one past what was delivered.
	var pending *domain.Result
	interrupted := func(err error) outcome {
		out := outcome{err: err}
		if cl != nil && pending == nil {
			cp := current()
			out.checkpoint = &cp
		}
		return out
	}

	publisher := e.results.CreatePublisher(queryID)
	updater := startTaskUpdater(ctx, e.store, *task, e.cfg.CheckpointFlushResults, e.cfg.CheckpointFlushInterval, e.logger)
	defer updater.stop()

	for {
		if err := ctx.Err(); err != nil {
			return interrupted(err)
		}
		st, err := e.status.Get(ctx, queryID)
		if err != nil {
			if domain.IsNotFound(err) {
				return outcome{completed: true}
			}
			return interrupted(fmt.Errorf("load query status: %w", err))
		}
		pageSize := st.Query.PageSize
		if pageSize <= 0 {
			pageSize = logic.MaxPageSize()
		}

		action, err := e.shouldGenerateMoreResults(ctx, false, key, pageSize, logic.MaxResults(), st)
		if err != nil {
			return interrupted(fmt.Errorf("measure results queue: %w", err))
		}
		switch action {
		case domain.ResultsComplete:
			return outcome{completed: true}
		case domain.ResultsPause:
			if cl != nil && pending == nil {
				cp := current()
				return outcome{paused: true, checkpoint: &cp}
			}
			_ = e.backoff(ctx, queryID)
			continue
		}

		if pending == nil {
			v, ok, err := logic.Next(ctx)
			if err != nil {
				return interrupted(fmt.Errorf("next result: %w", err))
			}
			if !ok {
				return outcome{completed: true}
			}
			r, err := domain.NewResult(v)
			if err != nil {
				return outcome{err: domain.Permanent(fmt.Errorf("encode result: %w", err))}
			}
			pending = &r
		}

		published, err := publisher.Publish(ctx, *pending, e.cfg.PublishAckTimeout)
		if err != nil {
			// Oversized results without a claim check never succeed.
			var ve *domain.ValidationError
			if errors.As(err, &ve) {
				err = domain.Permanent(err)
			}
			return interrupted(fmt.Errorf("publish result: %w", err))
		}
		if !published {
			e.logger.Debug("result not acknowledged", "task", key.String(), "result", pending.ID)
			_ = e.backoff(ctx, queryID)
			continue
		}
		pending = nil

		if err := e.store.IncrementResultsGenerated(ctx, queryID, 1); err != nil {
			if domain.IsNotFound(err) {
				return outcome{completed: true}
			}
			e.logger.Warn("count generated result", "query", queryID, "error", err)
		}
		e.status.AddGenerated(queryID, 1)
		updater.published(current)
	}
}

// backoff waits before re-evaluating a query whose consumers are behind.
func (e *Executor) backoff(ctx context.Context, queryID string) error {
	e.status.Invalidate(queryID)
	t := time.NewTimer(e.cfg.PauseBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
