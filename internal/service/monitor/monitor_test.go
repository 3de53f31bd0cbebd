package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queryfleet/internal/db"
	"queryfleet/internal/db/repository"
	"queryfleet/internal/domain"
	"queryfleet/internal/lock"
	"queryfleet/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Interval:            30 * time.Second,
		LockWait:            50 * time.Millisecond,
		LockLease:           30 * time.Second,
		InactiveQueryTTL:    time.Hour,
		ProgressIdleTimeout: 5 * time.Minute,
		UserIdleTimeout:     15 * time.Minute,
	}
}

// recordingResults is a results manager that records channel cleanup.
func recordingResults() (*testutil.MockResultsManager, *[]string) {
	var (
		mu    sync.Mutex
		calls []string
	)
	rec := func(op string) func(context.Context, string) error {
		return func(_ context.Context, id string) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, op+":"+id)
			return nil
		}
	}
	return &testutil.MockResultsManager{DeleteQueryFn: rec("delete"), EmptyQueryFn: rec("empty")}, &calls
}

func newStore(t *testing.T, c *clock) *repository.StatusStore {
	t.Helper()
	writeDB, readDB := db.OpenTestSQLite(t)
	return repository.NewStatusStore(writeDB, readDB, repository.WithClock(c.Now))
}

func TestMonitor_TickSkipsWhileLocked(t *testing.T) {
	t.Parallel()
	locker := lock.NewMemoryLocker(lock.WithPollInterval(time.Millisecond))
	held, ok, err := locker.TryLock(context.Background(), lock.MonitorLockName, 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Unlock(context.Background()) //nolint:errcheck

	// Any store access would panic.
	m := New(testConfig(), &testutil.MockStatusStore{}, locker, &testutil.MockResultsManager{}, &testutil.MockNotifier{}, discardLogger())
	res, err := m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickLocked, res)
}

func TestMonitor_ConcurrentTicksSweepOncePerInterval(t *testing.T) {
	t.Parallel()
	c := &clock{now: t0}
	store := newStore(t, c)
	locker := lock.NewMemoryLocker(lock.WithPollInterval(time.Millisecond))
	results, _ := recordingResults()

	monitors := make([]*Monitor, 8)
	for i := range monitors {
		monitors[i] = New(testConfig(), store, locker, results, &testutil.MockNotifier{}, discardLogger(), WithClock(c.Now))
	}

	tickAll := func() map[TickResult]int {
		var (
			mu  sync.Mutex
			wg  sync.WaitGroup
			got = map[TickResult]int{}
		)
		for _, m := range monitors {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := m.Tick(context.Background())
				assert.NoError(t, err)
				mu.Lock()
				got[res]++
				mu.Unlock()
			}()
		}
		wg.Wait()
		return got
	}

	assert.Equal(t, 1, tickAll()[TickSwept])
	st, err := store.GetMonitorStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0, st.LastChecked)

	c.Set(t0.Add(10 * time.Second))
	assert.Zero(t, tickAll()[TickSwept], "within the interval nobody sweeps")

	c.Set(t0.Add(31 * time.Second))
	assert.Equal(t, 1, tickAll()[TickSwept])

	c.Set(t0.Add(-time.Hour))
	tickAll()
	st, err = store.GetMonitorStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0.Add(31*time.Second), st.LastChecked, "lastChecked never moves backwards")
}

func TestMonitor_SweepActions(t *testing.T) {
	t.Parallel()
	c := &clock{now: t0}
	store := newStore(t, c)
	ctx := context.Background()

	add := func(id string, st domain.QueryStatus) {
		st.QueryKey = domain.NewQueryKey("default", id, "SQLQuery")
		st.Query = domain.Query{LogicName: "SQLQuery", Pool: "default", Expression: "SELECT 1"}
		require.NoError(t, store.CreateQuery(ctx, &st))
	}
	add("closed-old", domain.QueryStatus{State: domain.QueryStateClose, CreatedAt: t0.Add(-2 * time.Hour)})
	add("cancelled-recent", domain.QueryStatus{State: domain.QueryStateCancel, CreatedAt: t0.Add(-10 * time.Minute)})
	add("stalled-and-idle", domain.QueryStatus{State: domain.QueryStateNext, CreatedAt: t0.Add(-20 * time.Minute)})
	add("user-idle", domain.QueryStatus{State: domain.QueryStateNext, CreatedAt: t0.Add(-20 * time.Minute), LastResultAt: t0.Add(-time.Minute)})
	add("healthy", domain.QueryStatus{State: domain.QueryStateNext, CreatedAt: t0.Add(-20 * time.Minute),
		LastResultAt: t0.Add(-time.Minute), LastUsedAt: t0.Add(-time.Minute)})

	results, calls := recordingResults()
	notifier := &testutil.MockNotifier{}
	m := New(testConfig(), store, lock.NewMemoryLocker(), results, notifier, discardLogger(), WithClock(c.Now))

	report, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Checked: 5, Deleted: 1, Emptied: 1, Poked: 1, Cancelled: 1}, report)

	assert.ElementsMatch(t, []string{"delete:closed-old", "empty:cancelled-recent"}, *calls)
	_, err = store.GetQueryStatus(ctx, "closed-old")
	assert.True(t, domain.IsNotFound(err))

	sent := notifier.Notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, "stalled-and-idle", sent[0].QueryKey.QueryID)
	assert.True(t, sent[0].FindWork(), "a poke asks executors to find work")

	idle, err := store.GetQueryStatus(ctx, "user-idle")
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStateCancel, idle.State)
	assert.Equal(t, "USER_IDLE", idle.ErrorCode)

	for _, id := range []string{"stalled-and-idle", "healthy"} {
		st, err := store.GetQueryStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.QueryStateNext, st.State, id)
	}
}

// staleListStore serves a fixed ListQueryStatus snapshot over a live store.
type staleListStore struct {
	*repository.StatusStore
	snapshot []domain.QueryStatus
}

func (s *staleListStore) ListQueryStatus(context.Context) ([]domain.QueryStatus, error) {
	return s.snapshot, nil
}

func TestMonitor_IdleCancelKeepsConcurrentClose(t *testing.T) {
	t.Parallel()
	c := &clock{now: t0}
	store := newStore(t, c)
	ctx := context.Background()

	require.NoError(t, store.CreateQuery(ctx, &domain.QueryStatus{
		QueryKey:     domain.NewQueryKey("default", "user-idle", "SQLQuery"),
		Query:        domain.Query{LogicName: "SQLQuery", Pool: "default", Expression: "SELECT 1"},
		State:        domain.QueryStateNext,
		CreatedAt:    t0.Add(-20 * time.Minute),
		LastResultAt: t0.Add(-time.Minute),
	}))
	snapshot, err := store.ListQueryStatus(ctx)
	require.NoError(t, err)
	// The user closes the query after the sweep listed it.
	require.NoError(t, store.UpdateQueryState(ctx, "user-idle", domain.QueryStateClose, "", ""))

	m := New(testConfig(), &staleListStore{StatusStore: store, snapshot: snapshot}, lock.NewMemoryLocker(),
		&testutil.MockResultsManager{}, &testutil.MockNotifier{}, discardLogger(), WithClock(c.Now))
	report, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Cancelled)
	assert.Zero(t, report.Errors)

	st, err := store.GetQueryStatus(ctx, "user-idle")
	require.NoError(t, err)
	assert.Equal(t, domain.QueryStateClose, st.State)
	assert.Empty(t, st.ErrorCode)
}

func TestMonitor_FailedSweepKeepsLastChecked(t *testing.T) {
	t.Parallel()
	locker := lock.NewMemoryLocker()
	store := &testutil.MockStatusStore{
		GetMonitorStatusFn: func(context.Context) (*domain.MonitorStatus, error) { return &domain.MonitorStatus{}, nil },
		ListQueryStatusFn: func(context.Context) ([]domain.QueryStatus, error) {
			return nil, errors.New("store unavailable")
		},
	}
	m := New(testConfig(), store, locker, &testutil.MockResultsManager{}, &testutil.MockNotifier{}, discardLogger())

	res, err := m.Tick(context.Background())
	assert.Error(t, err)
	assert.Equal(t, TickFailed, res)

	l, ok, err := locker.TryLock(context.Background(), lock.MonitorLockName, 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock is released after a failed sweep")
	require.NoError(t, l.Unlock(context.Background()))
}

func TestMonitor_SweepContinuesPastBadQuery(t *testing.T) {
	t.Parallel()
	c := &clock{now: t0}
	old := t0.Add(-2 * time.Hour)
	store := &testutil.MockStatusStore{
		ListQueryStatusFn: func(context.Context) ([]domain.QueryStatus, error) {
			return []domain.QueryStatus{
				{QueryKey: domain.NewQueryKey("default", "bad", "SQLQuery"), State: domain.QueryStateFail, CreatedAt: old},
				{QueryKey: domain.NewQueryKey("default", "good", "SQLQuery"), State: domain.QueryStateFail, CreatedAt: old},
			}, nil
		},
		DeleteQueryFn: func(context.Context, string) error { return nil },
	}
	results := &testutil.MockResultsManager{DeleteQueryFn: func(_ context.Context, id string) error {
		if id == "bad" {
			return errors.New("broker down")
		}
		return nil
	}}
	m := New(testConfig(), store, lock.NewMemoryLocker(), results, &testutil.MockNotifier{}, discardLogger(), WithClock(c.Now))

	report, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, report.Deleted)
}

func TestScheduler_TicksUntilStopped(t *testing.T) {
	t.Parallel()
	c := &clock{now: t0}
	store := newStore(t, c)
	results, _ := recordingResults()
	cfg := testConfig()
	cfg.Interval = time.Second
	m := New(cfg, store, lock.NewMemoryLocker(), results, &testutil.MockNotifier{}, discardLogger(), WithClock(time.Now))

	s := NewScheduler(m, cfg.Interval, discardLogger())
	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool {
		st, err := store.GetMonitorStatus(context.Background())
		return err == nil && !st.LastChecked.IsZero()
	}, 5*time.Second, 20*time.Millisecond)
	s.Stop()

	assert.Error(t, NewScheduler(m, 0, discardLogger()).Start(context.Background()))
}
