package governor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

func rec(outcome domain.RecordOutcome, predicted, actual float64) domain.ExecutionRecord {
	r := domain.ExecutionRecord{PredictedProfit: predicted}
	switch outcome {
	case domain.OutcomeSkipped:
		return r
	case domain.OutcomePending:
		r.Submitted = true
		return r
	case domain.OutcomeIncluded:
		r.Submitted = true
		included := true
		r.Included = &included
		if actual != 0 {
			r.ActualProfit = &actual
		}
	case domain.OutcomeDropped:
		r.Submitted = true
		included := false
		r.Included = &included
	}
	return r
}

func TestAggregateInclusionRate(t *testing.T) {
	records := []domain.ExecutionRecord{
		rec(domain.OutcomeIncluded, 100, 95),
		rec(domain.OutcomeIncluded, 100, 105),
		rec(domain.OutcomeDropped, 100, 0),
		rec(domain.OutcomeDropped, 100, 0),
	}

	snap := Aggregate(records, 100, 1)
	require.NotNil(t, snap)
	assert.InDelta(t, 0.5, snap.InclusionRate, 1e-9)
	// mean of 0.95 and 1.05
	assert.InDelta(t, 1.0, snap.SimAccuracy, 1e-9)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}

func TestAggregateSkipsAndPendingStayOutOfDenominator(t *testing.T) {
	records := []domain.ExecutionRecord{
		rec(domain.OutcomeSkipped, 0, 0),
		rec(domain.OutcomeSkipped, 0, 0),
		rec(domain.OutcomePending, 100, 0),
		rec(domain.OutcomeIncluded, 100, 100),
	}

	snap := Aggregate(records, 100, 0)
	require.NotNil(t, snap)
	assert.Equal(t, 1.0, snap.InclusionRate)
}

func TestAggregateNilWhenNothingResolved(t *testing.T) {
	records := []domain.ExecutionRecord{
		rec(domain.OutcomeSkipped, 0, 0),
		rec(domain.OutcomePending, 100, 0),
	}
	assert.Nil(t, Aggregate(records, 100, 0))
	assert.Nil(t, Aggregate(nil, 100, 0))
}

func TestAggregateAccuracyDefaultsToExact(t *testing.T) {
	records := []domain.ExecutionRecord{
		rec(domain.OutcomeIncluded, 100, 0), // no actual backfilled yet
		rec(domain.OutcomeDropped, 100, 0),
	}
	snap := Aggregate(records, 100, 0)
	require.NotNil(t, snap)
	assert.Equal(t, 1.0, snap.SimAccuracy)
}
