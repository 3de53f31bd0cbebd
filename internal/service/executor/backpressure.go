package executor

import (
	"context"
	"math"

	"queryfleet/internal/domain"
)

// BackpressureInput is everything the decision needs except queue depth.
type BackpressureInput struct {
	// Exhaust asks to keep generating regardless of queue depth.
	Exhaust             bool
	State               domain.QueryState
	ActiveNextCalls     int
	NumResultsGenerated int64
	MaxPageSize         int
	// MaxResults <= 0 means unbounded.
	MaxResults int64
	// Multiplier scales MaxPageSize into the pause threshold.
	Multiplier float64
}

// DecideResultsAction decides whether a producing task should generate more
// results, pause for consumers, or stop. queueSize is only called when the
// decision depends on the current depth of the query's results queue.
func DecideResultsAction(in BackpressureInput, queueSize func() (int, error)) (domain.ResultsAction, error) {
	switch in.State {
	case domain.QueryStateCancel, domain.QueryStateFail:
		return domain.ResultsComplete, nil
	case domain.QueryStateClose:
		if in.ActiveNextCalls == 0 {
			return domain.ResultsComplete, nil
		}
		return domain.ResultsGenerate, nil
	}

	if in.MaxResults > 0 && in.NumResultsGenerated >= in.MaxResults {
		return domain.ResultsComplete, nil
	}
	if in.Exhaust {
		return domain.ResultsGenerate, nil
	}

	limit := float64(in.MaxPageSize) * in.Multiplier
	if in.MaxResults > 0 {
		limit = math.Min(limit, float64(in.MaxResults-in.NumResultsGenerated))
	}
	depth, err := queueSize()
	if err != nil {
		return domain.ResultsGenerate, err
	}
	if float64(depth) >= limit {
		return domain.ResultsPause, nil
	}
	return domain.ResultsGenerate, nil
}

// shouldGenerateMoreResults evaluates the backpressure decision for a task
// against the query's current status and results queue.
func (e *Executor) shouldGenerateMoreResults(ctx context.Context, exhaust bool, key domain.TaskKey, maxPageSize int, maxResults int64, st *domain.QueryStatus) (domain.ResultsAction, error) {
	in := BackpressureInput{
		Exhaust:             exhaust,
		State:               st.State,
		ActiveNextCalls:     st.ActiveNextCalls,
		NumResultsGenerated: st.NumResultsGenerated,
		MaxPageSize:         maxPageSize,
		MaxResults:          maxResults,
		Multiplier:          e.cfg.AvailableResultsPageMultiplier,
	}
	action, err := DecideResultsAction(in, func() (int, error) {
		return e.results.NumResultsRemaining(ctx, key.QueryKey.QueryID)
	})
	if err != nil {
		return action, err
	}
	e.logger.Debug("backpressure decision", "task", key.String(), "action", action.String(),
		"generated", st.NumResultsGenerated, "max_results", maxResults)
	return action, nil
}
