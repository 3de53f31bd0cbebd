package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Action is the work a QueryTask asks an executor to do.
type Action string

// Task actions.
const (
	ActionCreate Action = "CREATE"
	ActionDefine Action = "DEFINE"
	ActionNext   Action = "NEXT"
	ActionClose  Action = "CLOSE"
	ActionTest   Action = "TEST"
)

// Valid reports whether a is one of the known task actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionDefine, ActionNext, ActionClose, ActionTest:
		return true
	}
	return false
}

// QueryCheckpoint is a resumable snapshot of a query logic's execution state.
// A nil Properties map means there is no resumable state.
type QueryCheckpoint struct {
	QueryKey   QueryKey          `json:"query_key"`
	Properties map[string]string `json:"properties"`
}

// NewQueryCheckpoint returns a checkpoint for key with a copy of props.
func NewQueryCheckpoint(key QueryKey, props map[string]string) QueryCheckpoint {
	return QueryCheckpoint{QueryKey: key, Properties: maps.Clone(props)}
}

// Resumable reports whether the checkpoint carries resumable state.
func (c QueryCheckpoint) Resumable() bool {
	return c.Properties != nil
}

// Equal compares query keys and property contents. A nil map and an empty map
// differ: the former means "no resumable state".
func (c QueryCheckpoint) Equal(o QueryCheckpoint) bool {
	if c.QueryKey != o.QueryKey {
		return false
	}
	if (c.Properties == nil) != (o.Properties == nil) {
		return false
	}
	return maps.Equal(c.Properties, o.Properties)
}

func (c QueryCheckpoint) String() string {
	return fmt.Sprintf("checkpoint(%s, %d properties)", c.QueryKey, len(c.Properties))
}

// QueryTask is one dispatchable unit of query work.
type QueryTask struct {
	TaskID     int             `json:"task_id"`
	Action     Action          `json:"action"`
	Checkpoint QueryCheckpoint `json:"checkpoint"`
	// LastUpdated is maintained by the store and ignored by Equal.
	LastUpdated time.Time `json:"last_updated"`
}

// TaskKey returns the globally unique key of the task.
func (t *QueryTask) TaskKey() TaskKey {
	return NewTaskKey(t.TaskID, t.Checkpoint.QueryKey)
}

// Notification returns the lightweight dispatch form of the task.
func (t *QueryTask) Notification() TaskNotification {
	return TaskNotification{TaskID: t.TaskID, QueryKey: t.Checkpoint.QueryKey}
}

// Equal reports whether both tasks have the same id, action and checkpoint.
func (t *QueryTask) Equal(o *QueryTask) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.TaskID == o.TaskID && t.Action == o.Action && t.Checkpoint.Equal(o.Checkpoint)
}

// TaskNotification triggers an executor to handle a task without carrying the
// checkpoint payload. A zero TaskID asks the executor to find READY work for
// the query instead of a specific task.
type TaskNotification struct {
	TaskID   int      `json:"task_id"`
	QueryKey QueryKey `json:"query_key"`
}

// NextRequest returns a notification asking for any READY work of the query.
func NextRequest(key QueryKey) TaskNotification {
	return TaskNotification{QueryKey: key}
}

// FindWork reports whether the notification targets the query, not a task.
func (n TaskNotification) FindWork() bool {
	return n.TaskID == 0
}

// TaskKey returns the key of the targeted task.
func (n TaskNotification) TaskKey() TaskKey {
	return NewTaskKey(n.TaskID, n.QueryKey)
}

// TaskState is the ownership state of one task.
type TaskState string

// Task states.
const (
	TaskStateReady     TaskState = "READY"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
)

var taskTransitions = map[TaskState][]TaskState{
	TaskStateReady:     {TaskStateRunning, TaskStateFailed},
	TaskStateRunning:   {TaskStateReady, TaskStateCompleted, TaskStateFailed},
	TaskStateFailed:    {TaskStateReady},
	TaskStateCompleted: {},
}

// ValidateTaskTransition checks whether a task may move from one state to another.
func ValidateTaskTransition(from, to TaskState) error {
	allowed, ok := taskTransitions[from]
	if !ok {
		return ErrValidation("unknown task state %q", from)
	}
	if !slices.Contains(allowed, to) {
		return ErrValidation("invalid task transition %s -> %s", from, to)
	}
	return nil
}

// TaskStates maps the task ids of one query to their states. It must only be
// mutated while holding the query's task-states lock. Version is maintained
// by the store for optimistic concurrency. MaxRunning caps how many tasks
// of the query may be RUNNING at once; zero means no cap.
type TaskStates struct {
	QueryKey   QueryKey
	States     map[int]TaskState
	MaxRunning int
	Version    int64
}

// NewTaskStates returns an empty state table for the query.
func NewTaskStates(key QueryKey) *TaskStates {
	return &TaskStates{QueryKey: key, States: make(map[int]TaskState)}
}

// State returns the state of a task, or the empty state when the table has
// no entry for it.
func (s *TaskStates) State(taskID int) TaskState {
	return s.States[taskID]
}

// Has reports whether the table has an entry for the task.
func (s *TaskStates) Has(taskID int) bool {
	_, ok := s.States[taskID]
	return ok
}

// AtCapacity reports whether another task may not start RUNNING.
func (s *TaskStates) AtCapacity() bool {
	return s.MaxRunning > 0 && s.Count(TaskStateRunning) >= s.MaxRunning
}

// Add registers a new task as READY.
func (s *TaskStates) Add(taskID int) {
	if s.States == nil {
		s.States = make(map[int]TaskState)
	}
	s.States[taskID] = TaskStateReady
}

// Transition moves a task to state to. It returns false, leaving the table
// untouched, when the move is not allowed. Tasks without an entry never move,
// and READY -> RUNNING is rejected while the task is already RUNNING or the
// table is at capacity.
func (s *TaskStates) Transition(taskID int, to TaskState) bool {
	from, ok := s.States[taskID]
	if !ok {
		return false
	}
	if err := ValidateTaskTransition(from, to); err != nil {
		return false
	}
	if to == TaskStateRunning && s.AtCapacity() {
		return false
	}
	s.States[taskID] = to
	return true
}

// TaskIDs returns the ids of all tasks in state st, in ascending order.
func (s *TaskStates) TaskIDs(st TaskState) []int {
	var ids []int
	for id, cur := range s.States {
		if cur == st {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Count returns the number of tasks in state st.
func (s *TaskStates) Count(st TaskState) int {
	n := 0
	for _, cur := range s.States {
		if cur == st {
			n++
		}
	}
	return n
}

// PruneCompleted drops COMPLETED entries and returns how many were dropped.
// Call it only on a table freshly loaded from the store, so the completions
// being dropped were durably observed.
func (s *TaskStates) PruneCompleted() int {
	n := 0
	for id, st := range s.States {
		if st == TaskStateCompleted {
			delete(s.States, id)
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the table.
func (s *TaskStates) Clone() *TaskStates {
	out := *s
	out.States = maps.Clone(s.States)
	return &out
}
