package domain

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryCheckpoint_JSONRoundTrip(t *testing.T) {
	key := NewQueryKey("default", "q-1", "EventQuery")
	tests := []struct {
		name string
		cp   QueryCheckpoint
	}{
		{name: "nil properties", cp: QueryCheckpoint{QueryKey: key}},
		{name: "empty properties", cp: QueryCheckpoint{QueryKey: key, Properties: map[string]string{}}},
		{name: "with properties", cp: NewQueryCheckpoint(key, map[string]string{"offset": "40", "range": "a-f"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := json.Marshal(tt.cp)
			require.NoError(t, err)

			var got QueryCheckpoint
			require.NoError(t, json.Unmarshal(raw, &got))
			assert.True(t, tt.cp.Equal(got), "round trip changed %s into %s", tt.cp, got)
			assert.Equal(t, tt.cp.Resumable(), got.Resumable())
		})
	}
}

func TestQueryCheckpoint_Equal(t *testing.T) {
	key := NewQueryKey("default", "q-1", "EventQuery")
	other := NewQueryKey("default", "q-2", "EventQuery")

	a := NewQueryCheckpoint(key, map[string]string{"offset": "1"})
	b := NewQueryCheckpoint(key, map[string]string{"offset": "1"})
	assert.True(t, a.Equal(b), "maps compare by content")

	assert.False(t, a.Equal(NewQueryCheckpoint(key, map[string]string{"offset": "2"})))
	assert.False(t, a.Equal(NewQueryCheckpoint(other, map[string]string{"offset": "1"})))
	assert.False(t, QueryCheckpoint{QueryKey: key}.Equal(QueryCheckpoint{QueryKey: key, Properties: map[string]string{}}),
		"nil and empty differ")
}

func TestQueryTask_Equal(t *testing.T) {
	key := NewQueryKey("default", "q-1", "EventQuery")
	cp := NewQueryCheckpoint(key, map[string]string{"offset": "1"})

	a := &QueryTask{TaskID: 3, Action: ActionNext, Checkpoint: cp}
	b := &QueryTask{TaskID: 3, Action: ActionNext, Checkpoint: NewQueryCheckpoint(key, map[string]string{"offset": "1"})}
	assert.True(t, a.Equal(b))

	assert.False(t, a.Equal(&QueryTask{TaskID: 4, Action: ActionNext, Checkpoint: cp}))
	assert.False(t, a.Equal(&QueryTask{TaskID: 3, Action: ActionClose, Checkpoint: cp}))
	assert.False(t, a.Equal(nil))

	assert.Equal(t, TaskNotification{TaskID: 3, QueryKey: key}, a.Notification())
	assert.Equal(t, NewTaskKey(3, key), a.TaskKey())
}

func TestAction_Valid(t *testing.T) {
	for _, a := range []Action{ActionCreate, ActionDefine, ActionNext, ActionClose, ActionTest} {
		assert.True(t, a.Valid(), a)
	}
	assert.False(t, Action("PLAN").Valid())
	assert.False(t, Action("").Valid())
}

func TestValidateTaskTransition(t *testing.T) {
	tests := []struct {
		from, to TaskState
		ok       bool
	}{
		{TaskStateReady, TaskStateRunning, true},
		{TaskStateReady, TaskStateFailed, true},
		{TaskStateReady, TaskStateCompleted, false},
		{TaskStateRunning, TaskStateRunning, false},
		{TaskStateRunning, TaskStateReady, true},
		{TaskStateRunning, TaskStateCompleted, true},
		{TaskStateRunning, TaskStateFailed, true},
		{TaskStateFailed, TaskStateReady, true},
		{TaskStateFailed, TaskStateRunning, false},
		{TaskStateCompleted, TaskStateReady, false},
		{TaskState("BOGUS"), TaskStateReady, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			err := ValidateTaskTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				var ve *ValidationError
				assert.ErrorAs(t, err, &ve)
			}
		})
	}
}

func TestTaskStates_Transition(t *testing.T) {
	s := NewTaskStates(NewQueryKey("default", "q-1", "EventQuery"))
	s.Add(1)
	s.Add(2)

	assert.False(t, s.Has(7))
	assert.False(t, s.Transition(7, TaskStateRunning), "unknown tasks are not claimable")
	assert.False(t, s.Has(7))

	require.True(t, s.Transition(1, TaskStateRunning))
	assert.False(t, s.Transition(1, TaskStateRunning), "second claim must fail")
	assert.Equal(t, TaskStateRunning, s.State(1))

	require.True(t, s.Transition(1, TaskStateCompleted))
	assert.False(t, s.Transition(1, TaskStateReady))

	assert.Equal(t, []int{2}, s.TaskIDs(TaskStateReady))
	assert.Equal(t, []int{1}, s.TaskIDs(TaskStateCompleted))
	assert.Equal(t, 1, s.PruneCompleted())
	assert.Empty(t, s.TaskIDs(TaskStateCompleted))
	assert.Equal(t, 1, s.Count(TaskStateReady))
}

func TestTaskStates_ClaimAfterPrune(t *testing.T) {
	s := NewTaskStates(NewQueryKey("default", "q-1", "EventQuery"))
	s.Add(1)
	require.True(t, s.Transition(1, TaskStateRunning))
	require.True(t, s.Transition(1, TaskStateCompleted))
	require.Equal(t, 1, s.PruneCompleted())

	assert.False(t, s.Transition(1, TaskStateRunning), "a pruned task must not run again")
	assert.False(t, s.Has(1))
}

func TestTaskStates_MaxRunning(t *testing.T) {
	s := NewTaskStates(NewQueryKey("default", "q-1", "EventQuery"))
	s.MaxRunning = 2
	for id := 1; id <= 3; id++ {
		s.Add(id)
	}

	require.True(t, s.Transition(1, TaskStateRunning))
	require.True(t, s.Transition(2, TaskStateRunning))
	assert.True(t, s.AtCapacity())
	assert.False(t, s.Transition(3, TaskStateRunning), "third task exceeds the cap")
	assert.Equal(t, TaskStateReady, s.State(3))

	require.True(t, s.Transition(1, TaskStateCompleted))
	assert.False(t, s.AtCapacity())
	assert.True(t, s.Transition(3, TaskStateRunning))
	assert.True(t, s.Transition(2, TaskStateFailed), "leaving RUNNING ignores the cap")
}

func TestTaskStates_Clone(t *testing.T) {
	s := NewTaskStates(NewQueryKey("default", "q-1", "EventQuery"))
	s.Add(1)
	s.Version = 4
	s.MaxRunning = 3

	c := s.Clone()
	c.Transition(1, TaskStateRunning)
	assert.Equal(t, TaskStateReady, s.State(1))
	assert.Equal(t, int64(4), c.Version)
	assert.Equal(t, 3, c.MaxRunning)
}

func TestTaskStates_AtMostOneClaim(t *testing.T) {
	s := NewTaskStates(NewQueryKey("default", "q-1", "EventQuery"))
	s.Add(1)

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		claimed int
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if s.Transition(1, TaskStateRunning) {
				claimed++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)
}

func TestTaskNotification_FindWork(t *testing.T) {
	key := NewQueryKey("default", "q-1", "EventQuery")
	assert.True(t, NextRequest(key).FindWork())
	assert.False(t, TaskNotification{TaskID: 1, QueryKey: key}.FindWork())
}
