package domain

import (
	"fmt"
	"slices"
	"time"
)

// QueryKey identifies a logical query instance.
type QueryKey struct {
	Pool      string `json:"pool"`
	QueryID   string `json:"query_id"`
	LogicName string `json:"logic_name"`
}

// NewQueryKey returns a QueryKey for the given pool, query id and logic name.
func NewQueryKey(pool, queryID, logicName string) QueryKey {
	return QueryKey{Pool: pool, QueryID: queryID, LogicName: logicName}
}

func (k QueryKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Pool, k.LogicName, k.QueryID)
}

// Validate checks that all key components are set.
func (k QueryKey) Validate() error {
	switch {
	case k.Pool == "":
		return ErrValidation("query pool is required")
	case k.QueryID == "":
		return ErrValidation("query id is required")
	case k.LogicName == "":
		return ErrValidation("query logic name is required")
	}
	return nil
}

// TaskKey identifies one unit of work belonging to a query. Task ids are
// unique per query and start at 1.
type TaskKey struct {
	TaskID   int      `json:"task_id"`
	QueryKey QueryKey `json:"query_key"`
}

// NewTaskKey returns the key of task taskID within the query.
func NewTaskKey(taskID int, key QueryKey) TaskKey {
	return TaskKey{TaskID: taskID, QueryKey: key}
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s#%d", k.QueryKey, k.TaskID)
}

// QueryState is the lifecycle state of a query.
type QueryState string

// Query lifecycle states.
const (
	QueryStateCreate QueryState = "CREATE"
	QueryStateDefine QueryState = "DEFINE"
	QueryStateNext   QueryState = "NEXT"
	QueryStateClose  QueryState = "CLOSE"
	QueryStateCancel QueryState = "CANCEL"
	QueryStateFail   QueryState = "FAIL"
)

// Valid reports whether s is a known lifecycle state.
func (s QueryState) Valid() bool {
	switch s {
	case QueryStateCreate, QueryStateDefine, QueryStateNext,
		QueryStateClose, QueryStateCancel, QueryStateFail:
		return true
	}
	return false
}

// queryStateSources lists, per target state, the states a query may move
// from. CREATE and DEFINE are only set when the query is stored.
var queryStateSources = map[QueryState][]QueryState{
	QueryStateNext:   {QueryStateCreate, QueryStateNext},
	QueryStateClose:  {QueryStateCreate, QueryStateDefine, QueryStateNext},
	QueryStateCancel: {QueryStateCreate, QueryStateDefine, QueryStateNext},
	QueryStateFail:   {QueryStateCreate, QueryStateDefine, QueryStateNext, QueryStateClose},
}

// QueryStateSources returns the states from which a query may move to to.
func QueryStateSources(to QueryState) []QueryState {
	return slices.Clone(queryStateSources[to])
}

// CanMoveTo reports whether a query in state s may move to state to.
func (s QueryState) CanMoveTo(to QueryState) bool {
	return slices.Contains(queryStateSources[to], s)
}

// Query is the user's query definition as stored with its status.
type Query struct {
	LogicName          string            `json:"logic_name"`
	Pool               string            `json:"pool"`
	Expression         string            `json:"expression"`
	PageSize           int               `json:"page_size"`
	MaxResultsOverride int64             `json:"max_results_override,omitempty"`
	Auths              []string          `json:"auths,omitempty"`
	User               string            `json:"user,omitempty"`
	Parameters         map[string]string `json:"parameters,omitempty"`
}

// QueryStatus is the mutable, persisted lifecycle record of one query.
type QueryStatus struct {
	QueryKey            QueryKey
	Query               Query
	State               QueryState
	ActiveNextCalls     int
	NumResultsGenerated int64
	ErrorCode           string
	ErrorMessage        string
	CreatedAt           time.Time
	// LastUsedAt is the last user interaction (create, next, close).
	LastUsedAt time.Time
	// LastUpdatedAt is the last system interaction (task refresh, state change).
	LastUpdatedAt time.Time
	// LastResultAt is when a result was last generated.
	LastResultAt time.Time
}

// Runnable reports whether the query may still produce results.
func (s *QueryStatus) Runnable() bool {
	switch s.State {
	case QueryStateCreate, QueryStateDefine, QueryStateNext:
		return true
	}
	return false
}

// LastActivity is the latest user or system interaction with the query.
func (s *QueryStatus) LastActivity() time.Time {
	return latest(s.CreatedAt, s.LastUsedAt, s.LastUpdatedAt)
}

// LastProgress is the latest time the query produced a result or an
// executor worked on it, or its creation time if neither happened.
func (s *QueryStatus) LastProgress() time.Time {
	return latest(s.CreatedAt, s.LastResultAt, s.LastUpdatedAt)
}

// LastUserActivity is the latest user interaction with the query.
func (s *QueryStatus) LastUserActivity() time.Time {
	return latest(s.CreatedAt, s.LastUsedAt)
}

// Clone returns a deep copy of the status.
func (s *QueryStatus) Clone() *QueryStatus {
	out := *s
	out.Query.Auths = slices.Clone(s.Query.Auths)
	if s.Query.Parameters != nil {
		out.Query.Parameters = make(map[string]string, len(s.Query.Parameters))
		for k, v := range s.Query.Parameters {
			out.Query.Parameters[k] = v
		}
	}
	return &out
}

// MonitorStatus is the singleton record guarded by the monitor lock.
type MonitorStatus struct {
	LastChecked time.Time
}

// Due reports whether a sweep should run at now given the monitor interval.
func (m *MonitorStatus) Due(now time.Time, interval time.Duration) bool {
	if m.LastChecked.IsZero() {
		return true
	}
	return now.Sub(m.LastChecked) >= interval
}

func latest(ts ...time.Time) time.Time {
	var out time.Time
	for _, t := range ts {
		if t.After(out) {
			out = t
		}
	}
	return out
}
