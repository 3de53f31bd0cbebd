package executor

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queryfleet/internal/domain"
	"queryfleet/internal/messaging"
	"queryfleet/internal/testutil"
)

func TestStatusCache_CoalescesAndExpires(t *testing.T) {
	t.Parallel()
	var (
		calls atomic.Int32
		gate  = make(chan struct{})
	)
	store := &testutil.MockStatusStore{GetQueryStatusFn: func(context.Context, string) (*domain.QueryStatus, error) {
		calls.Add(1)
		<-gate
		return &domain.QueryStatus{State: domain.QueryStateNext, NumResultsGenerated: 4}, nil
	}}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	c := newStatusCache(store, time.Minute, clock)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := c.Get(context.Background(), "q-1")
			assert.NoError(t, err)
			assert.Equal(t, int64(4), st.NumResultsGenerated)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load(), "concurrent misses share one read")

	c.AddGenerated("q-1", 2)
	st, err := c.Get(context.Background(), "q-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), st.NumResultsGenerated)
	st.NumResultsGenerated = 100
	again, _ := c.Get(context.Background(), "q-1")
	assert.Equal(t, int64(6), again.NumResultsGenerated, "callers get copies")

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	_, err = c.Get(context.Background(), "q-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	c.Invalidate("q-1")
	_, err = c.Get(context.Background(), "q-1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStatusCache_ConcurrentGetAndAddGenerated(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	store := &testutil.MockStatusStore{GetQueryStatusFn: func(context.Context, string) (*domain.QueryStatus, error) {
		calls.Add(1)
		return &domain.QueryStatus{State: domain.QueryStateNext}, nil
	}}
	c := newStatusCache(store, time.Minute, time.Now)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				if i%2 == 0 {
					c.AddGenerated("q-1", 1)
					continue
				}
				st, err := c.Get(context.Background(), "q-1")
				if assert.NoError(t, err) {
					assert.GreaterOrEqual(t, st.NumResultsGenerated, int64(0))
				}
			}
		}()
	}
	wg.Wait()

	st, err := c.Get(context.Background(), "q-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, st.NumResultsGenerated, int64(8*200))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestStatusCache_SweepsExpiredEntries(t *testing.T) {
	t.Parallel()
	store := &testutil.MockStatusStore{GetQueryStatusFn: func(_ context.Context, id string) (*domain.QueryStatus, error) {
		return &domain.QueryStatus{QueryKey: domain.NewQueryKey("default", id, "Mock"), State: domain.QueryStateNext}, nil
	}}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := newStatusCache(store, time.Minute, func() time.Time { return now })

	for i := range 5 {
		_, err := c.Get(context.Background(), "q-"+strconv.Itoa(i))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, c.len())

	now = now.Add(2 * time.Minute)
	_, err := c.Get(context.Background(), "q-new")
	require.NoError(t, err)
	assert.Equal(t, 1, c.len(), "stale entries are dropped on the next fill")
}

func TestTaskUpdater_FlushesEveryNResults(t *testing.T) {
	t.Parallel()
	key := domain.NewQueryKey("default", "q-1", "Mock")
	writes := make(chan string, 8)
	store := &testutil.MockStatusStore{
		UpdateTaskFn: func(_ context.Context, task *domain.QueryTask) error {
			writes <- task.Checkpoint.Properties["offset"]
			return nil
		},
		TouchQueryFn: func(_ context.Context, _ string, user bool) error {
			assert.False(t, user)
			return nil
		},
	}
	task := domain.QueryTask{TaskID: 2, Action: domain.ActionNext, Checkpoint: domain.NewQueryCheckpoint(key, nil)}
	u := startTaskUpdater(context.Background(), store, task, 2, time.Hour, discardLogger())

	offset := 0
	current := func() domain.QueryCheckpoint {
		return domain.NewQueryCheckpoint(key, map[string]string{"offset": strconv.Itoa(offset)})
	}
	for range 4 {
		offset++
		u.published(current)
	}
	u.stop()
	close(writes)

	var got []string
	for w := range writes {
		got = append(got, w)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, "4", got[len(got)-1], "the latest checkpoint is written before stop returns")
	assert.LessOrEqual(t, len(got), 2)
}

func TestService_RunsNotifiedTasks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	broker := messaging.NewMemoryBroker(0)
	notifier := messaging.NewNotifier(broker)
	h.exec.notifier = notifier
	key := h.submit(t, "q-1", domain.Query{Expression: tenRows, PageSize: 100})

	ctx, cancel := context.WithCancel(context.Background())
	svc := NewService(h.exec, notifier, "default", 2, discardLogger())
	errc := make(chan error, 1)
	go func() { errc <- svc.Run(ctx) }()

	require.NoError(t, notifier.Notify(ctx, domain.TaskNotification{TaskID: 1, QueryKey: key}))

	assert.Eventually(t, func() bool {
		st, err := h.store.GetQueryStatus(context.Background(), "q-1")
		return err == nil && st.NumResultsGenerated == 10
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}
