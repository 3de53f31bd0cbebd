package executor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queryfleet/internal/domain"
)

func TestDecideResultsAction(t *testing.T) {
	t.Parallel()

	base := BackpressureInput{
		State:       domain.QueryStateCreate,
		MaxPageSize: 10,
		Multiplier:  2.0,
	}
	with := func(mut func(*BackpressureInput)) BackpressureInput {
		in := base
		mut(&in)
		return in
	}

	tests := []struct {
		name  string
		in    BackpressureInput
		queue int
		want  domain.ResultsAction
	}{
		{"fresh query generates", with(func(in *BackpressureInput) {
			in.ActiveNextCalls, in.NumResultsGenerated, in.MaxResults = 1, 1, 100
		}), 0, domain.ResultsGenerate},
		{"closed without consumers completes", with(func(in *BackpressureInput) {
			in.State = domain.QueryStateClose
		}), 0, domain.ResultsComplete},
		{"closed with active next call drains", with(func(in *BackpressureInput) {
			in.State, in.ActiveNextCalls = domain.QueryStateClose, 1
		}), 0, domain.ResultsGenerate},
		{"cancelled completes", with(func(in *BackpressureInput) {
			in.State, in.ActiveNextCalls, in.Exhaust = domain.QueryStateCancel, 3, true
		}), 0, domain.ResultsComplete},
		{"failed completes", with(func(in *BackpressureInput) {
			in.State = domain.QueryStateFail
		}), 50, domain.ResultsComplete},
		{"quota reached completes", with(func(in *BackpressureInput) {
			in.MaxResults, in.NumResultsGenerated = 1, 1
		}), 0, domain.ResultsComplete},
		{"unbounded quota generates", with(func(in *BackpressureInput) {
			in.MaxResults, in.NumResultsGenerated = 0, 1
		}), 0, domain.ResultsGenerate},
		{"queue at threshold pauses", base, 20, domain.ResultsPause},
		{"queue below threshold generates", base, 19, domain.ResultsGenerate},
		{"exhaust ignores queue depth", with(func(in *BackpressureInput) {
			in.Exhaust = true
		}), 20, domain.ResultsGenerate},
		{"small remaining quota lowers threshold", with(func(in *BackpressureInput) {
			in.NumResultsGenerated, in.MaxResults = 90, 100
		}), 10, domain.ResultsPause},
		{"same queue without quota generates", with(func(in *BackpressureInput) {
			in.NumResultsGenerated, in.MaxResults = 90, 0
		}), 10, domain.ResultsGenerate},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecideResultsAction(tc.in, func() (int, error) { return tc.queue, nil })
			require.NoError(t, err)
			assert.Equal(t, tc.want.String(), got.String())
		})
	}
}

func TestDecideResultsAction_QueueDepthOnlyWhenNeeded(t *testing.T) {
	t.Parallel()
	calls := 0
	depth := func() (int, error) { calls++; return 0, nil }

	for _, in := range []BackpressureInput{
		{State: domain.QueryStateCancel},
		{State: domain.QueryStateClose},
		{State: domain.QueryStateNext, MaxResults: 5, NumResultsGenerated: 5},
		{State: domain.QueryStateNext, Exhaust: true},
	} {
		_, err := DecideResultsAction(in, depth)
		require.NoError(t, err)
	}
	assert.Zero(t, calls)

	boom := errors.New("broker down")
	_, err := DecideResultsAction(BackpressureInput{State: domain.QueryStateNext, MaxPageSize: 1, Multiplier: 1},
		func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
}
