// Package query implements the consumer side of the query lifecycle:
// creating queries, paging through their results and closing, cancelling
// or removing them.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"queryfleet/internal/config"
	"queryfleet/internal/domain"
	"queryfleet/internal/lock"
	"queryfleet/internal/messaging"
)

const (
	defaultPageSize    = 100
	defaultNextTimeout = 30 * time.Second
	receivePoll        = 100 * time.Millisecond
)

// Canceller interrupts the running tasks of a query in this process.
type Canceller interface {
	CancelRunning(queryID string) int
}

// Config tunes a QueryService.
type Config struct {
	LockWait  time.Duration
	LockLease time.Duration
	// NextTimeout bounds how long Next waits to fill a page.
	NextTimeout time.Duration
	// MaxConcurrentTasks caps the RUNNING tasks of each new query; zero
	// means no cap.
	MaxConcurrentTasks int
}

// ConfigFrom extracts the query service settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		LockWait:           cfg.LockWait,
		LockLease:          cfg.LockLease,
		NextTimeout:        cfg.NextTimeout,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
	}
}

// Page is one batch of results returned by Next.
type Page struct {
	Results []domain.Result
	// Done is set once the query has no tasks left and its queue is drained.
	Done bool
}

// QueryService drives queries through their lifecycle on behalf of users.
type QueryService struct {
	cfg       Config
	store     domain.StatusStore
	locker    lock.Locker
	results   domain.ResultsManager
	notifier  domain.TaskNotifier
	canceller Canceller
	now       func() time.Time
	logger    *slog.Logger
}

// NewQueryService creates a new QueryService. A nil logger uses slog.Default().
func NewQueryService(cfg Config, store domain.StatusStore, locker lock.Locker, results domain.ResultsManager, notifier domain.TaskNotifier, logger *slog.Logger) *QueryService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NextTimeout <= 0 {
		cfg.NextTimeout = defaultNextTimeout
	}
	return &QueryService{
		cfg:      cfg,
		store:    store,
		locker:   locker,
		results:  results,
		notifier: notifier,
		now:      time.Now,
		logger:   logger,
	}
}

// SetCanceller configures connection-level cancellation of running tasks.
// This is optional; without it Cancel only flips the query state.
func (s *QueryService) SetCanceller(c Canceller) {
	s.canceller = c
}

// Create stores a new query and dispatches its CREATE task.
func (s *QueryService) Create(ctx context.Context, q domain.Query) (domain.QueryKey, error) {
	return s.submit(ctx, q, domain.QueryStateCreate, domain.ActionCreate)
}

// Define stores a new query and plans its tasks without producing results.
func (s *QueryService) Define(ctx context.Context, q domain.Query) (domain.QueryKey, error) {
	return s.submit(ctx, q, domain.QueryStateDefine, domain.ActionDefine)
}

func (s *QueryService) submit(ctx context.Context, q domain.Query, state domain.QueryState, action domain.Action) (domain.QueryKey, error) {
	if err := validateQuery(q); err != nil {
		return domain.QueryKey{}, err
	}
	key := domain.NewQueryKey(q.Pool, domain.NewID(), q.LogicName)
	status := &domain.QueryStatus{
		QueryKey:   key,
		Query:      q,
		State:      state,
		LastUsedAt: s.now().UTC(),
	}
	if err := s.store.CreateQuery(ctx, status); err != nil {
		return domain.QueryKey{}, fmt.Errorf("create query: %w", err)
	}
	if _, err := s.addTask(ctx, key, action); err != nil {
		return domain.QueryKey{}, err
	}
	s.logger.Info("query submitted", "query", key.String(), "state", string(state), "user", q.User)
	return key, nil
}

func validateQuery(q domain.Query) error {
	var missing []string
	if strings.TrimSpace(q.LogicName) == "" {
		missing = append(missing, "logic name")
	}
	if strings.TrimSpace(q.Pool) == "" {
		missing = append(missing, "pool")
	}
	if strings.TrimSpace(q.Expression) == "" {
		missing = append(missing, "expression")
	}
	if len(missing) > 0 {
		return domain.ErrValidation("query %s required", strings.Join(missing, ", "))
	}
	if q.PageSize < 0 || q.MaxResultsOverride < 0 {
		return domain.ErrValidation("page size and max results must not be negative")
	}
	return nil
}

// addTask stores a task, registers it READY and notifies the pool.
func (s *QueryService) addTask(ctx context.Context, key domain.QueryKey, action domain.Action) (*domain.QueryTask, error) {
	task, err := s.store.CreateTask(ctx, action, domain.NewQueryCheckpoint(key, nil))
	if err != nil {
		return nil, fmt.Errorf("create %s task: %w", action, err)
	}
	name := lock.TaskStatesLockName(key.QueryID)
	ran, err := lock.WithLock(ctx, s.locker, name, s.cfg.LockWait, s.cfg.LockLease, func(ctx context.Context) error {
		states, err := s.store.GetTaskStates(ctx, key)
		if err != nil {
			return err
		}
		if states.Version == 0 {
			states.MaxRunning = s.cfg.MaxConcurrentTasks
		}
		states.PruneCompleted()
		states.Add(task.TaskID)
		return s.store.UpdateTaskStates(ctx, states)
	})
	if err != nil {
		return nil, fmt.Errorf("register %s task: %w", action, err)
	}
	if !ran {
		return nil, fmt.Errorf("register %s task: lock %s unavailable", action, name)
	}
	if err := s.notifier.Notify(ctx, task.Notification()); err != nil {
		s.logger.Warn("notify task", "task", task.TaskKey().String(), "error", err)
	}
	return task, nil
}

// Status returns the current status of a query.
func (s *QueryService) Status(ctx context.Context, queryID string) (*domain.QueryStatus, error) {
	return s.store.GetQueryStatus(ctx, queryID)
}

// Next returns up to one page of results, waiting at most the configured
// timeout for the page to fill.
func (s *QueryService) Next(ctx context.Context, queryID string) (*Page, error) {
	st, err := s.store.GetQueryStatus(ctx, queryID)
	if err != nil {
		return nil, err
	}
	if err := pageable(st); err != nil {
		return nil, err
	}
	if st.State == domain.QueryStateCreate {
		if err := s.store.UpdateQueryState(ctx, queryID, domain.QueryStateNext, "", ""); err != nil {
			return nil, fmt.Errorf("mark query next: %w", err)
		}
	}

	if err := s.store.AdjustActiveNextCalls(ctx, queryID, 1); err != nil {
		return nil, fmt.Errorf("start next call: %w", err)
	}
	defer func() {
		if err := s.store.AdjustActiveNextCalls(context.WithoutCancel(ctx), queryID, -1); err != nil && !domain.IsNotFound(err) {
			s.logger.Warn("finish next call", "query", queryID, "error", err)
		}
	}()
	if err := s.store.TouchQuery(ctx, queryID, true); err != nil {
		return nil, fmt.Errorf("touch query: %w", err)
	}
	// Paused tasks resume once demand shows up.
	if err := s.notifier.Notify(ctx, domain.NextRequest(st.QueryKey)); err != nil {
		s.logger.Warn("request next results", "query", queryID, "error", err)
	}

	pageSize := st.Query.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	listener := s.results.CreateListener(domain.NewToken(), messaging.ResultsQueue(queryID))
	defer listener.Close() //nolint:errcheck

	page := &Page{}
	deadline := s.now().Add(s.cfg.NextTimeout)
	for len(page.Results) < pageSize {
		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			break
		}
		r, ok, err := listener.Receive(ctx, min(remaining, receivePoll))
		if err != nil {
			return nil, fmt.Errorf("receive results: %w", err)
		}
		if ok {
			page.Results = append(page.Results, r)
			continue
		}
		done, err := s.finished(ctx, queryID)
		if err != nil {
			return nil, err
		}
		if done {
			page.Done = true
			break
		}
	}

	if err := s.store.TouchQuery(context.WithoutCancel(ctx), queryID, true); err != nil && !domain.IsNotFound(err) {
		s.logger.Warn("touch query", "query", queryID, "error", err)
	}
	return page, nil
}

func pageable(st *domain.QueryStatus) error {
	switch st.State {
	case domain.QueryStateCreate, domain.QueryStateNext:
		return nil
	case domain.QueryStateFail:
		return domain.ErrConflict("query %s failed: %s %s", st.QueryKey.QueryID, st.ErrorCode, st.ErrorMessage)
	default:
		return domain.ErrConflict("query %s is in state %s", st.QueryKey.QueryID, st.State)
	}
}

// finished reports whether the query can produce no more results: its
// tasks are all gone and nothing is queued.
func (s *QueryService) finished(ctx context.Context, queryID string) (bool, error) {
	st, err := s.store.GetQueryStatus(ctx, queryID)
	if err != nil {
		return false, err
	}
	if err := pageable(st); err != nil {
		return false, err
	}
	tasks, err := s.store.ListTasks(ctx, queryID)
	if err != nil {
		return false, fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) > 0 {
		return false, nil
	}
	n, err := s.results.NumResultsRemaining(ctx, queryID)
	if err != nil {
		return false, fmt.Errorf("count queued results: %w", err)
	}
	return n == 0, nil
}

// Close stops result generation once active next calls drain and
// dispatches a CLOSE task. Closing a finished query is a no-op.
func (s *QueryService) Close(ctx context.Context, queryID string) error {
	st, err := s.store.GetQueryStatus(ctx, queryID)
	if err != nil {
		return err
	}
	if !st.Runnable() {
		return nil
	}
	if err := s.store.UpdateQueryState(ctx, queryID, domain.QueryStateClose, "", ""); err != nil {
		if domain.IsConflict(err) {
			// Finished since the status was read.
			return nil
		}
		return fmt.Errorf("close query: %w", err)
	}
	if _, err := s.addTask(ctx, st.QueryKey, domain.ActionClose); err != nil {
		return err
	}
	s.logger.Info("query closed", "query", queryID)
	return nil
}

// Cancel stops the query immediately, interrupting tasks running in this
// process and dropping queued results. A closed query keeps its CLOSE state
// but still loses its running tasks and queued results.
func (s *QueryService) Cancel(ctx context.Context, queryID string) error {
	st, err := s.store.GetQueryStatus(ctx, queryID)
	if err != nil {
		return err
	}
	if st.State == domain.QueryStateCancel || st.State == domain.QueryStateFail {
		return nil
	}
	if st.State.CanMoveTo(domain.QueryStateCancel) {
		err := s.store.UpdateQueryState(ctx, queryID, domain.QueryStateCancel, "USER_CANCELLED", "cancelled by user")
		if domain.IsConflict(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("cancel query: %w", err)
		}
	}
	interrupted := 0
	if s.canceller != nil {
		interrupted = s.canceller.CancelRunning(queryID)
	}
	if err := s.results.EmptyQuery(ctx, queryID); err != nil {
		s.logger.Warn("empty results channel", "query", queryID, "error", err)
	}
	s.logger.Info("query cancelled", "query", queryID, "interrupted_tasks", interrupted)
	return nil
}

// Remove cancels the query if needed and deletes it with its results
// channel. Removing a missing query is not an error.
func (s *QueryService) Remove(ctx context.Context, queryID string) error {
	st, err := s.store.GetQueryStatus(ctx, queryID)
	if err != nil && !domain.IsNotFound(err) {
		return err
	}
	if err == nil && st.Runnable() {
		if err := s.Cancel(ctx, queryID); err != nil {
			return err
		}
	}
	if err := s.results.DeleteQuery(ctx, queryID); err != nil {
		return fmt.Errorf("delete results channel: %w", err)
	}
	if err := s.store.DeleteQuery(ctx, queryID); err != nil {
		return fmt.Errorf("delete query: %w", err)
	}
	return nil
}
