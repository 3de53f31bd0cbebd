package domain

import (
	"context"
	"database/sql"
	"time"
)

// QueryStatusRepository persists QueryStatus records. Field updates are
// applied atomically by the store so concurrent writers never lose updates.
type QueryStatusRepository interface {
	CreateQuery(ctx context.Context, status *QueryStatus) error
	// GetQueryStatus returns a NotFoundError when the query does not exist.
	GetQueryStatus(ctx context.Context, queryID string) (*QueryStatus, error)
	ListQueryStatus(ctx context.Context) ([]QueryStatus, error)
	UpdateQueryState(ctx context.Context, queryID string, state QueryState, errCode, errMsg string) error
	IncrementResultsGenerated(ctx context.Context, queryID string, n int64) error
	AdjustActiveNextCalls(ctx context.Context, queryID string, delta int) error
	// TouchQuery records a user interaction when user is true, otherwise a
	// system interaction.
	TouchQuery(ctx context.Context, queryID string, user bool) error
	// DeleteQuery removes the status, its tasks and task states. Deleting a
	// missing query is not an error.
	DeleteQuery(ctx context.Context, queryID string) error
}

// TaskRepository persists QueryTasks and per-query TaskStates.
type TaskRepository interface {
	// CreateTask stores a new task with the next task id of the query.
	CreateTask(ctx context.Context, action Action, cp QueryCheckpoint) (*QueryTask, error)
	// GetTask polls for the task for up to wait. It returns nil, nil when the
	// task does not appear in time.
	GetTask(ctx context.Context, key TaskKey, wait time.Duration) (*QueryTask, error)
	UpdateTask(ctx context.Context, task *QueryTask) error
	DeleteTask(ctx context.Context, key TaskKey) error
	ListTasks(ctx context.Context, queryID string) ([]QueryTask, error)

	// GetTaskStates returns an empty table with Version 0 when none is stored.
	GetTaskStates(ctx context.Context, key QueryKey) (*TaskStates, error)
	// UpdateTaskStates writes the table if its Version matches the stored one
	// and bumps the version in place. A stale version yields a ConflictError.
	UpdateTaskStates(ctx context.Context, states *TaskStates) error
}

// MonitorStatusRepository persists the singleton MonitorStatus.
type MonitorStatusRepository interface {
	GetMonitorStatus(ctx context.Context) (*MonitorStatus, error)
	UpdateMonitorStatus(ctx context.Context, status *MonitorStatus) error
}

// StatusStore is the full persisted status store used by executors, the
// monitor and the query service.
type StatusStore interface {
	QueryStatusRepository
	TaskRepository
	MonitorStatusRepository
}

// QueryLogic produces results for one query definition. Implementations are
// created per task and are not safe for concurrent use.
type QueryLogic interface {
	Initialize(ctx context.Context, conn *sql.Conn, q Query, auths []string) error
	// Next returns the next result. ok is false once the logic is exhausted.
	Next(ctx context.Context) (result any, ok bool, err error)
	// MaxPageSize is the page size used for backpressure when the query sets none.
	MaxPageSize() int
	// MaxResults is the result quota; zero or less means unbounded.
	MaxResults() int64
	Close() error
}

// CheckpointableQueryLogic is a QueryLogic whose progress can be split into
// checkpoints and resumed on any executor.
type CheckpointableQueryLogic interface {
	QueryLogic
	IsCheckpointable() bool
	// Checkpoint splits the initialized logic into resumable checkpoints.
	Checkpoint(key QueryKey) ([]QueryCheckpoint, error)
	// SetupQuery resumes the logic from cp instead of Initialize.
	SetupQuery(ctx context.Context, conn *sql.Conn, q Query, cp QueryCheckpoint) error
	// UpdateCheckpoint returns cp advanced to the logic's current position.
	UpdateCheckpoint(cp QueryCheckpoint) QueryCheckpoint
}

// QueryLogicFactory looks up query logic implementations by name. Each call
// returns a fresh instance.
type QueryLogicFactory interface {
	QueryLogic(name string) (QueryLogic, error)
}

// ConnectionFactory hands out a connection for a query's logic. The caller
// closes it.
type ConnectionFactory interface {
	Connection(ctx context.Context, q Query) (*sql.Conn, error)
}

// ResultsPublisher publishes results to one query's channel.
type ResultsPublisher interface {
	// Publish reports true only when the broker acknowledged the result
	// within interval.
	Publish(ctx context.Context, r Result, interval time.Duration) (bool, error)
}

// ResultsListener consumes results from one query's channel.
type ResultsListener interface {
	// Receive waits up to wait for a result. ok is false on timeout.
	Receive(ctx context.Context, wait time.Duration) (r Result, ok bool, err error)
	Close() error
}

// ResultsManager owns the per-query result channels.
type ResultsManager interface {
	CreatePublisher(queryID string) ResultsPublisher
	CreateListener(listenerID, queueName string) ResultsListener
	NumResultsRemaining(ctx context.Context, queryID string) (int, error)
	// DeleteQuery removes the channel. EmptyQuery drops queued results only.
	DeleteQuery(ctx context.Context, queryID string) error
	EmptyQuery(ctx context.Context, queryID string) error
}

// TaskNotifier dispatches task notifications to executors of a pool.
// Delivery is fire-and-forget.
type TaskNotifier interface {
	Notify(ctx context.Context, n TaskNotification) error
}

// ClaimCheck stores oversized payloads out of band.
type ClaimCheck interface {
	Store(ctx context.Context, id string, payload []byte) error
	// Fetch returns a NotFoundError when id is unknown.
	Fetch(ctx context.Context, id string) ([]byte, error)
}
