// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase. This follows the Go convention of a
// shared test utility package (like net/http/httptest).
package testutil

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"queryfleet/internal/domain"
)

// === Status Store Mock ===

// MockStatusStore implements domain.StatusStore for testing.
type MockStatusStore struct {
	CreateQueryFn               func(ctx context.Context, status *domain.QueryStatus) error
	GetQueryStatusFn            func(ctx context.Context, queryID string) (*domain.QueryStatus, error)
	ListQueryStatusFn           func(ctx context.Context) ([]domain.QueryStatus, error)
	UpdateQueryStateFn          func(ctx context.Context, queryID string, state domain.QueryState, errCode, errMsg string) error
	IncrementResultsGeneratedFn func(ctx context.Context, queryID string, n int64) error
	AdjustActiveNextCallsFn     func(ctx context.Context, queryID string, delta int) error
	TouchQueryFn                func(ctx context.Context, queryID string, user bool) error
	DeleteQueryFn               func(ctx context.Context, queryID string) error

	CreateTaskFn       func(ctx context.Context, action domain.Action, cp domain.QueryCheckpoint) (*domain.QueryTask, error)
	GetTaskFn          func(ctx context.Context, key domain.TaskKey, wait time.Duration) (*domain.QueryTask, error)
	UpdateTaskFn       func(ctx context.Context, task *domain.QueryTask) error
	DeleteTaskFn       func(ctx context.Context, key domain.TaskKey) error
	ListTasksFn        func(ctx context.Context, queryID string) ([]domain.QueryTask, error)
	GetTaskStatesFn    func(ctx context.Context, key domain.QueryKey) (*domain.TaskStates, error)
	UpdateTaskStatesFn func(ctx context.Context, states *domain.TaskStates) error

	GetMonitorStatusFn    func(ctx context.Context) (*domain.MonitorStatus, error)
	UpdateMonitorStatusFn func(ctx context.Context, status *domain.MonitorStatus) error
}

// CreateQuery implements the interface method for testing.
func (m *MockStatusStore) CreateQuery(ctx context.Context, status *domain.QueryStatus) error {
	if m.CreateQueryFn != nil {
		return m.CreateQueryFn(ctx, status)
	}
	panic("unexpected call to MockStatusStore.CreateQuery")
}

// GetQueryStatus implements the interface method for testing.
func (m *MockStatusStore) GetQueryStatus(ctx context.Context, queryID string) (*domain.QueryStatus, error) {
	if m.GetQueryStatusFn != nil {
		return m.GetQueryStatusFn(ctx, queryID)
	}
	panic("unexpected call to MockStatusStore.GetQueryStatus")
}

// ListQueryStatus implements the interface method for testing.
func (m *MockStatusStore) ListQueryStatus(ctx context.Context) ([]domain.QueryStatus, error) {
	if m.ListQueryStatusFn != nil {
		return m.ListQueryStatusFn(ctx)
	}
	panic("unexpected call to MockStatusStore.ListQueryStatus")
}

// UpdateQueryState implements the interface method for testing.
func (m *MockStatusStore) UpdateQueryState(ctx context.Context, queryID string, state domain.QueryState, errCode, errMsg string) error {
	if m.UpdateQueryStateFn != nil {
		return m.UpdateQueryStateFn(ctx, queryID, state, errCode, errMsg)
	}
	panic("unexpected call to MockStatusStore.UpdateQueryState")
}

// IncrementResultsGenerated implements the interface method for testing.
func (m *MockStatusStore) IncrementResultsGenerated(ctx context.Context, queryID string, n int64) error {
	if m.IncrementResultsGeneratedFn != nil {
		return m.IncrementResultsGeneratedFn(ctx, queryID, n)
	}
	panic("unexpected call to MockStatusStore.IncrementResultsGenerated")
}

// AdjustActiveNextCalls implements the interface method for testing.
func (m *MockStatusStore) AdjustActiveNextCalls(ctx context.Context, queryID string, delta int) error {
	if m.AdjustActiveNextCallsFn != nil {
		return m.AdjustActiveNextCallsFn(ctx, queryID, delta)
	}
	panic("unexpected call to MockStatusStore.AdjustActiveNextCalls")
}

// TouchQuery implements the interface method for testing.
func (m *MockStatusStore) TouchQuery(ctx context.Context, queryID string, user bool) error {
	if m.TouchQueryFn != nil {
		return m.TouchQueryFn(ctx, queryID, user)
	}
	panic("unexpected call to MockStatusStore.TouchQuery")
}

// DeleteQuery implements the interface method for testing.
func (m *MockStatusStore) DeleteQuery(ctx context.Context, queryID string) error {
	if m.DeleteQueryFn != nil {
		return m.DeleteQueryFn(ctx, queryID)
	}
	panic("unexpected call to MockStatusStore.DeleteQuery")
}

// CreateTask implements the interface method for testing.
func (m *MockStatusStore) CreateTask(ctx context.Context, action domain.Action, cp domain.QueryCheckpoint) (*domain.QueryTask, error) {
	if m.CreateTaskFn != nil {
		return m.CreateTaskFn(ctx, action, cp)
	}
	panic("unexpected call to MockStatusStore.CreateTask")
}

// GetTask implements the interface method for testing.
func (m *MockStatusStore) GetTask(ctx context.Context, key domain.TaskKey, wait time.Duration) (*domain.QueryTask, error) {
	if m.GetTaskFn != nil {
		return m.GetTaskFn(ctx, key, wait)
	}
	panic("unexpected call to MockStatusStore.GetTask")
}

// UpdateTask implements the interface method for testing.
func (m *MockStatusStore) UpdateTask(ctx context.Context, task *domain.QueryTask) error {
	if m.UpdateTaskFn != nil {
		return m.UpdateTaskFn(ctx, task)
	}
	panic("unexpected call to MockStatusStore.UpdateTask")
}

// DeleteTask implements the interface method for testing.
func (m *MockStatusStore) DeleteTask(ctx context.Context, key domain.TaskKey) error {
	if m.DeleteTaskFn != nil {
		return m.DeleteTaskFn(ctx, key)
	}
	panic("unexpected call to MockStatusStore.DeleteTask")
}

// ListTasks implements the interface method for testing.
func (m *MockStatusStore) ListTasks(ctx context.Context, queryID string) ([]domain.QueryTask, error) {
	if m.ListTasksFn != nil {
		return m.ListTasksFn(ctx, queryID)
	}
	panic("unexpected call to MockStatusStore.ListTasks")
}

// GetTaskStates implements the interface method for testing.
func (m *MockStatusStore) GetTaskStates(ctx context.Context, key domain.QueryKey) (*domain.TaskStates, error) {
	if m.GetTaskStatesFn != nil {
		return m.GetTaskStatesFn(ctx, key)
	}
	panic("unexpected call to MockStatusStore.GetTaskStates")
}

// UpdateTaskStates implements the interface method for testing.
func (m *MockStatusStore) UpdateTaskStates(ctx context.Context, states *domain.TaskStates) error {
	if m.UpdateTaskStatesFn != nil {
		return m.UpdateTaskStatesFn(ctx, states)
	}
	panic("unexpected call to MockStatusStore.UpdateTaskStates")
}

// GetMonitorStatus implements the interface method for testing.
func (m *MockStatusStore) GetMonitorStatus(ctx context.Context) (*domain.MonitorStatus, error) {
	if m.GetMonitorStatusFn != nil {
		return m.GetMonitorStatusFn(ctx)
	}
	panic("unexpected call to MockStatusStore.GetMonitorStatus")
}

// UpdateMonitorStatus implements the interface method for testing.
func (m *MockStatusStore) UpdateMonitorStatus(ctx context.Context, status *domain.MonitorStatus) error {
	if m.UpdateMonitorStatusFn != nil {
		return m.UpdateMonitorStatusFn(ctx, status)
	}
	panic("unexpected call to MockStatusStore.UpdateMonitorStatus")
}

// === Task Notifier Mock ===

// MockNotifier implements domain.TaskNotifier and records every notification.
type MockNotifier struct {
	NotifyFn func(ctx context.Context, n domain.TaskNotification) error

	mu   sync.Mutex
	Sent []domain.TaskNotification
}

// Notify implements the interface method for testing.
func (m *MockNotifier) Notify(ctx context.Context, n domain.TaskNotification) error {
	m.mu.Lock()
	m.Sent = append(m.Sent, n)
	m.mu.Unlock()
	if m.NotifyFn != nil {
		return m.NotifyFn(ctx, n)
	}
	return nil
}

// Notifications returns a copy of the recorded notifications.
func (m *MockNotifier) Notifications() []domain.TaskNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TaskNotification(nil), m.Sent...)
}

// === Results Manager Mock ===

// MockResultsManager implements domain.ResultsManager for testing.
type MockResultsManager struct {
	CreatePublisherFn     func(queryID string) domain.ResultsPublisher
	CreateListenerFn      func(listenerID, queueName string) domain.ResultsListener
	NumResultsRemainingFn func(ctx context.Context, queryID string) (int, error)
	DeleteQueryFn         func(ctx context.Context, queryID string) error
	EmptyQueryFn          func(ctx context.Context, queryID string) error
}

// CreatePublisher implements the interface method for testing.
func (m *MockResultsManager) CreatePublisher(queryID string) domain.ResultsPublisher {
	if m.CreatePublisherFn != nil {
		return m.CreatePublisherFn(queryID)
	}
	panic("unexpected call to MockResultsManager.CreatePublisher")
}

// CreateListener implements the interface method for testing.
func (m *MockResultsManager) CreateListener(listenerID, queueName string) domain.ResultsListener {
	if m.CreateListenerFn != nil {
		return m.CreateListenerFn(listenerID, queueName)
	}
	panic("unexpected call to MockResultsManager.CreateListener")
}

// NumResultsRemaining implements the interface method for testing.
func (m *MockResultsManager) NumResultsRemaining(ctx context.Context, queryID string) (int, error) {
	if m.NumResultsRemainingFn != nil {
		return m.NumResultsRemainingFn(ctx, queryID)
	}
	panic("unexpected call to MockResultsManager.NumResultsRemaining")
}

// DeleteQuery implements the interface method for testing.
func (m *MockResultsManager) DeleteQuery(ctx context.Context, queryID string) error {
	if m.DeleteQueryFn != nil {
		return m.DeleteQueryFn(ctx, queryID)
	}
	panic("unexpected call to MockResultsManager.DeleteQuery")
}

// EmptyQuery implements the interface method for testing.
func (m *MockResultsManager) EmptyQuery(ctx context.Context, queryID string) error {
	if m.EmptyQueryFn != nil {
		return m.EmptyQueryFn(ctx, queryID)
	}
	panic("unexpected call to MockResultsManager.EmptyQuery")
}

// === Query Logic Mocks ===

// MockQueryLogic implements domain.CheckpointableQueryLogic for testing.
// IsCheckpointable reports false unless CheckpointFn is set.
type MockQueryLogic struct {
	InitializeFn       func(ctx context.Context, conn *sql.Conn, q domain.Query, auths []string) error
	NextFn             func(ctx context.Context) (any, bool, error)
	CheckpointFn       func(key domain.QueryKey) ([]domain.QueryCheckpoint, error)
	SetupQueryFn       func(ctx context.Context, conn *sql.Conn, q domain.Query, cp domain.QueryCheckpoint) error
	UpdateCheckpointFn func(cp domain.QueryCheckpoint) domain.QueryCheckpoint
	PageSize           int
	Limit              int64

	mu     sync.Mutex
	closed bool
}

// Initialize implements the interface method for testing.
func (m *MockQueryLogic) Initialize(ctx context.Context, conn *sql.Conn, q domain.Query, auths []string) error {
	if m.InitializeFn != nil {
		return m.InitializeFn(ctx, conn, q, auths)
	}
	return nil
}

// Next implements the interface method for testing.
func (m *MockQueryLogic) Next(ctx context.Context) (any, bool, error) {
	if m.NextFn != nil {
		return m.NextFn(ctx)
	}
	panic("unexpected call to MockQueryLogic.Next")
}

// MaxPageSize implements the interface method for testing.
func (m *MockQueryLogic) MaxPageSize() int {
	if m.PageSize > 0 {
		return m.PageSize
	}
	return 10
}

// MaxResults implements the interface method for testing.
func (m *MockQueryLogic) MaxResults() int64 { return m.Limit }

// Close implements the interface method for testing.
func (m *MockQueryLogic) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *MockQueryLogic) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// IsCheckpointable implements the interface method for testing.
func (m *MockQueryLogic) IsCheckpointable() bool { return m.CheckpointFn != nil }

// Checkpoint implements the interface method for testing.
func (m *MockQueryLogic) Checkpoint(key domain.QueryKey) ([]domain.QueryCheckpoint, error) {
	if m.CheckpointFn != nil {
		return m.CheckpointFn(key)
	}
	panic("unexpected call to MockQueryLogic.Checkpoint")
}

// SetupQuery implements the interface method for testing.
func (m *MockQueryLogic) SetupQuery(ctx context.Context, conn *sql.Conn, q domain.Query, cp domain.QueryCheckpoint) error {
	if m.SetupQueryFn != nil {
		return m.SetupQueryFn(ctx, conn, q, cp)
	}
	panic("unexpected call to MockQueryLogic.SetupQuery")
}

// UpdateCheckpoint implements the interface method for testing.
func (m *MockQueryLogic) UpdateCheckpoint(cp domain.QueryCheckpoint) domain.QueryCheckpoint {
	if m.UpdateCheckpointFn != nil {
		return m.UpdateCheckpointFn(cp)
	}
	return cp
}

// MockLogicFactory implements domain.QueryLogicFactory for testing.
type MockLogicFactory struct {
	QueryLogicFn func(name string) (domain.QueryLogic, error)
}

// QueryLogic implements the interface method for testing.
func (m *MockLogicFactory) QueryLogic(name string) (domain.QueryLogic, error) {
	if m.QueryLogicFn != nil {
		return m.QueryLogicFn(name)
	}
	panic("unexpected call to MockLogicFactory.QueryLogic")
}

// Compile-time interface checks.
var (
	_ domain.StatusStore              = (*MockStatusStore)(nil)
	_ domain.TaskNotifier             = (*MockNotifier)(nil)
	_ domain.ResultsManager           = (*MockResultsManager)(nil)
	_ domain.CheckpointableQueryLogic = (*MockQueryLogic)(nil)
	_ domain.QueryLogicFactory        = (*MockLogicFactory)(nil)
)
