package domain

import (
	"encoding/json"
	"fmt"
)

// Result is one piece of query output on a per-query result channel. A nil
// Payload on a delivered stub means the payload was moved to a claim check.
type Result struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewResult encodes payload as JSON and wraps it in a Result with a fresh id.
func NewResult(payload any) (Result, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode result payload: %w", err)
	}
	return Result{ID: NewID(), Payload: raw}, nil
}

// ResultsAction is the backpressure decision for a producing task.
type ResultsAction int

// Backpressure decisions.
const (
	ResultsGenerate ResultsAction = iota
	ResultsPause
	ResultsComplete
)

func (a ResultsAction) String() string {
	switch a {
	case ResultsGenerate:
		return "GENERATE"
	case ResultsPause:
		return "PAUSE"
	case ResultsComplete:
		return "COMPLETE"
	}
	return fmt.Sprintf("ResultsAction(%d)", int(a))
}
