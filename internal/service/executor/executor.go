// Package executor runs query tasks: it claims a task under the query's
// task-states lock, dispatches on the task action and reconciles the task
// state afterwards, publishing results under backpressure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"queryfleet/internal/config"
	"queryfleet/internal/domain"
	"queryfleet/internal/lock"
)

const (
	defaultPauseBackoff = 250 * time.Millisecond
	reconcileAttempts   = 3
)

// Config tunes an Executor.
type Config struct {
	LockWait                       time.Duration
	LockLease                      time.Duration
	TaskFetchWait                  time.Duration
	AvailableResultsPageMultiplier float64
	PublishAckTimeout              time.Duration
	CheckpointFlushResults         int
	CheckpointFlushInterval        time.Duration
	QueryStatusExpiration          time.Duration
	// PauseBackoff is how long a task that cannot requeue waits before
	// re-evaluating a PAUSE or retrying an unacknowledged publish.
	PauseBackoff time.Duration
}

// ConfigFrom extracts the executor settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		LockWait:                       cfg.LockWait,
		LockLease:                      cfg.LockLease,
		TaskFetchWait:                  cfg.TaskFetchWait,
		AvailableResultsPageMultiplier: cfg.AvailableResultsPageMultiplier,
		PublishAckTimeout:              cfg.PublishAckTimeout,
		CheckpointFlushResults:         cfg.CheckpointFlushResults,
		CheckpointFlushInterval:        cfg.CheckpointFlushInterval,
		QueryStatusExpiration:          cfg.QueryStatusExpiration,
		PauseBackoff:                   defaultPauseBackoff,
	}
}

// Deps are the collaborators of an Executor.
type Deps struct {
	Store       domain.StatusStore
	Locker      lock.Locker
	Logics      domain.QueryLogicFactory
	Connections domain.ConnectionFactory
	Results     domain.ResultsManager
	Notifier    domain.TaskNotifier
}

// ClaimResult is the outcome of trying to move a task to RUNNING.
type ClaimResult int

const (
	// Claimed means this executor now owns the task.
	Claimed ClaimResult = iota
	// AlreadyOwned means the task is not READY, including tasks that already
	// finished or were never registered.
	AlreadyOwned
	// Unavailable means the task-states lock could not be obtained or was
	// lost before the claim was written.
	Unavailable
	// AtCapacity means the query already runs its maximum number of tasks.
	AtCapacity
)

func (c ClaimResult) String() string {
	switch c {
	case Claimed:
		return "claimed"
	case AlreadyOwned:
		return "already_owned"
	case AtCapacity:
		return "at_capacity"
	default:
		return "unavailable"
	}
}

// outcome is what running a claimed task produced.
type outcome struct {
	completed bool
	// paused is set when backpressure stopped a checkpointable task.
	paused bool
	// checkpoint, when set, is persisted before the task returns to READY.
	checkpoint *domain.QueryCheckpoint
	err        error
}

type runningTask struct {
	queryID string
	cancel  context.CancelFunc
}

// Executor handles task notifications for any query. It is safe for
// concurrent use; each task runs on the calling goroutine.
type Executor struct {
	cfg      Config
	store    domain.StatusStore
	locker   lock.Locker
	logics   domain.QueryLogicFactory
	conns    domain.ConnectionFactory
	results  domain.ResultsManager
	notifier domain.TaskNotifier
	status   *statusCache
	logger   *slog.Logger

	running sync.Map // domain.TaskKey -> runningTask
}

// New creates an Executor. A nil logger uses slog.Default().
func New(cfg Config, deps Deps, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PauseBackoff <= 0 {
		cfg.PauseBackoff = defaultPauseBackoff
	}
	return &Executor{
		cfg:      cfg,
		store:    deps.Store,
		locker:   deps.Locker,
		logics:   deps.Logics,
		conns:    deps.Connections,
		results:  deps.Results,
		notifier: deps.Notifier,
		status:   newStatusCache(deps.Store, cfg.QueryStatusExpiration, time.Now),
		logger:   logger,
	}
}

// Handle processes one notification. A notification without a task id
// handles every READY task of its query. handled reports whether at least
// one task was claimed and run by this executor.
func (e *Executor) Handle(ctx context.Context, n domain.TaskNotification) (handled bool, err error) {
	if n.FindWork() {
		return e.findWork(ctx, n.QueryKey)
	}
	return e.HandleTask(ctx, n.TaskKey())
}

func (e *Executor) findWork(ctx context.Context, key domain.QueryKey) (bool, error) {
	states, err := e.store.GetTaskStates(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load task states of %s: %w", key, err)
	}
	var (
		handled bool
		errs    []error
	)
	for _, id := range states.TaskIDs(domain.TaskStateReady) {
		if ctx.Err() != nil {
			break
		}
		ok, err := e.HandleTask(ctx, domain.NewTaskKey(id, key))
		handled = handled || ok
		if err != nil {
			errs = append(errs, err)
		}
	}
	return handled, errors.Join(errs...)
}

// HandleTask claims and runs one task. It returns false, nil when the task
// no longer exists or is owned elsewhere.
func (e *Executor) HandleTask(ctx context.Context, key domain.TaskKey) (bool, error) {
	task, err := e.store.GetTask(ctx, key, e.cfg.TaskFetchWait)
	if err != nil {
		return false, fmt.Errorf("fetch task %s: %w", key, err)
	}
	if task == nil {
		e.logger.Debug("task not found", "task", key.String())
		return false, nil
	}

	claim, err := e.Claim(ctx, key)
	if err != nil {
		e.logger.Warn("claim task", "task", key.String(), "error", err)
	}
	if claim != Claimed {
		e.logger.Debug("task not claimed", "task", key.String(), "result", claim.String())
		return false, nil
	}

	taskCtx, cancel := context.WithCancel(ctx)
	e.running.Store(key, runningTask{queryID: key.QueryKey.QueryID, cancel: cancel})
	out := e.run(taskCtx, task)
	e.running.Delete(key)
	cancel()

	e.reconcile(ctx, task, out)
	return true, out.err
}

// Claim moves the task from READY to RUNNING. Only the read-modify-write of
// the task states happens under the lock.
func (e *Executor) Claim(ctx context.Context, key domain.TaskKey) (ClaimResult, error) {
	result := Unavailable
	ran, err := lock.WithLock(ctx, e.locker, lock.TaskStatesLockName(key.QueryKey.QueryID), e.cfg.LockWait, e.cfg.LockLease,
		func(ctx context.Context) error {
			states, err := e.store.GetTaskStates(ctx, key.QueryKey)
			if err != nil {
				return err
			}
			if states.State(key.TaskID) != domain.TaskStateReady {
				result = AlreadyOwned
				return nil
			}
			states.PruneCompleted()
			if !states.Transition(key.TaskID, domain.TaskStateRunning) {
				result = AtCapacity
				return nil
			}
			if err := e.store.UpdateTaskStates(ctx, states); err != nil {
				if domain.IsConflict(err) {
					return nil
				}
				return err
			}
			result = Claimed
			return nil
		})
	if result == Claimed {
		// The versioned write landed, so a failed unlock does not undo it.
		return Claimed, err
	}
	if err != nil || !ran {
		return Unavailable, err
	}
	return result, nil
}

// runningFor counts the tasks of the query running in this process.
func (e *Executor) runningFor(queryID string) int {
	n := 0
	e.running.Range(func(_, v any) bool {
		if v.(runningTask).queryID == queryID {
			n++
		}
		return true
	})
	return n
}

// CancelRunning interrupts every task of the query running in this process
// and returns how many were interrupted.
func (e *Executor) CancelRunning(queryID string) int {
	n := 0
	e.running.Range(func(_, v any) bool {
		rt := v.(runningTask)
		if rt.queryID == queryID {
			rt.cancel()
			n++
		}
		return true
	})
	return n
}

func (e *Executor) run(ctx context.Context, task *domain.QueryTask) outcome {
	key := task.TaskKey()
	st, err := e.status.Get(ctx, key.QueryKey.QueryID)
	if err != nil {
		if domain.IsNotFound(err) {
			e.logger.Debug("query removed before task ran", "task", key.String())
			return outcome{completed: true}
		}
		return outcome{err: fmt.Errorf("load query status: %w", err)}
	}
	if st.State == domain.QueryStateCancel || st.State == domain.QueryStateFail {
		return outcome{completed: true}
	}

	switch task.Action {
	case domain.ActionTest, domain.ActionClose:
		return outcome{completed: true}
	case domain.ActionCreate, domain.ActionDefine, domain.ActionNext:
	default:
		return outcome{err: &domain.UnknownActionError{TaskKey: key, Action: task.Action}}
	}

	logic, err := e.logics.QueryLogic(key.QueryKey.LogicName)
	if err != nil {
		if domain.IsNotFound(err) {
			err = domain.Permanent(err)
		}
		return outcome{err: err}
	}
	defer func() {
		if err := logic.Close(); err != nil {
			e.logger.Warn("close query logic", "task", key.String(), "error", err)
		}
	}()

	conn, err := e.conns.Connection(ctx, st.Query)
	if err != nil {
		return outcome{err: fmt.Errorf("open connection: %w", err)}
	}
	defer conn.Close() //nolint:errcheck

	switch task.Action {
	case domain.ActionCreate:
		return e.create(ctx, task, st, logic, conn, true)
	case domain.ActionDefine:
		return e.create(ctx, task, st, logic, conn, false)
	default:
		return e.next(ctx, task, st, logic, conn)
	}
}

// reconcile records the final state of a task that ran. It retries a few
// times since a task it cannot reconcile stays RUNNING.
func (e *Executor) reconcile(ctx context.Context, task *domain.QueryTask, out outcome) {
	key := task.TaskKey()
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileAttempts*(e.cfg.LockWait+e.cfg.LockLease))
	defer cancel()

	final := domain.TaskStateReady
	switch {
	case out.completed:
		final = domain.TaskStateCompleted
	case out.err != nil && domain.IsPermanent(out.err):
		final = domain.TaskStateFailed
	}

	var (
		err      error
		deferred bool
	)
	for attempt := 1; attempt <= reconcileAttempts; attempt++ {
		if deferred, err = e.reconcileOnce(rctx, task, out, final); err == nil {
			break
		}
		e.logger.Warn("reconcile task", "task", key.String(), "attempt", attempt, "error", err)
	}
	if err != nil {
		e.logger.Error("task left running", "task", key.String(), "error", err)
		return
	}

	queryID := key.QueryKey.QueryID
	if final == domain.TaskStateCompleted && deferred {
		// A slot opened up for tasks the running cap held back.
		if err := e.notifier.Notify(rctx, domain.NextRequest(key.QueryKey)); err != nil {
			e.logger.Warn("notify deferred tasks", "query", queryID, "error", err)
		}
	}
	switch final {
	case domain.TaskStateCompleted:
		e.logger.Debug("task completed", "task", key.String(), "action", string(task.Action))
		if e.runningFor(queryID) == 0 {
			e.status.Invalidate(queryID)
		}
	case domain.TaskStateFailed:
		e.logger.Error("task failed", "task", key.String(), "error", out.err)
		err := e.store.UpdateQueryState(rctx, queryID, domain.QueryStateFail, failureCode(out.err), out.err.Error())
		switch {
		case domain.IsConflict(err):
			e.logger.Debug("query finished before task failure", "query", queryID, "error", err)
		case err != nil && !domain.IsNotFound(err):
			e.logger.Warn("record query failure", "query", queryID, "error", err)
		}
		e.status.Invalidate(queryID)
	default:
		if err := e.store.TouchQuery(rctx, queryID, false); err != nil && !domain.IsNotFound(err) {
			e.logger.Warn("touch query", "query", queryID, "error", err)
		}
		if out.paused {
			e.logger.Debug("task paused", "task", key.String())
			return
		}
		e.logger.Warn("task requeued", "task", key.String(), "error", out.err)
		if err := e.notifier.Notify(rctx, task.Notification()); err != nil {
			e.logger.Warn("requeue task", "task", key.String(), "error", err)
		}
	}
}

// reconcileOnce writes the final state. deferred reports whether the query
// has a running cap and READY tasks left over.
func (e *Executor) reconcileOnce(ctx context.Context, task *domain.QueryTask, out outcome, final domain.TaskState) (deferred bool, err error) {
	key := task.TaskKey()
	name := lock.TaskStatesLockName(key.QueryKey.QueryID)
	ran, err := lock.WithLock(ctx, e.locker, name, e.cfg.LockWait, e.cfg.LockLease, func(ctx context.Context) error {
		states, err := e.store.GetTaskStates(ctx, key.QueryKey)
		if err != nil {
			return err
		}
		states.PruneCompleted()

		switch final {
		case domain.TaskStateCompleted:
			if err := e.store.DeleteTask(ctx, key); err != nil {
				return err
			}
		case domain.TaskStateReady:
			if out.checkpoint != nil {
				t := *task
				t.Checkpoint = *out.checkpoint
				if err := e.store.UpdateTask(ctx, &t); err != nil && !domain.IsNotFound(err) {
					return err
				}
			}
		}

		if !states.Transition(key.TaskID, final) {
			e.logger.Warn("task no longer running", "task", key.String(), "state", string(states.State(key.TaskID)))
			return nil
		}
		if err := e.store.UpdateTaskStates(ctx, states); err != nil {
			return err
		}
		deferred = states.MaxRunning > 0 && states.Count(domain.TaskStateReady) > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if !ran {
		return false, fmt.Errorf("lock %s unavailable", name)
	}
	return deferred, nil
}

func failureCode(err error) string {
	var unknown *domain.UnknownActionError
	if errors.As(err, &unknown) {
		return "UNKNOWN_ACTION"
	}
	return "TASK_FAILED"
}
