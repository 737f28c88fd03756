package weights

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio_engine/internal/core"
	"portfolio_engine/internal/decision"
	"portfolio_engine/internal/ledger"
	"portfolio_engine/internal/logging"
)

func newTestAdapter(store core.Store) *Adapter {
	return NewAdapter(store, decision.NewLockRegistry(), Config{
		Min:            decimal.NewFromFloat(0.25),
		Max:            decimal.NewFromInt(2),
		SmoothingAlpha: decimal.NewFromFloat(0.3),
		MaxStep:        decimal.NewFromFloat(0.25),
		ReviewWindow:   7 * 24 * time.Hour,
	}, logging.Nop())
}

func outcome(source core.SignalSource, ret float64) *core.TradeOutcome {
	return &core.TradeOutcome{
		AccountID: "acct1",
		Symbol:    "AAPL",
		Source:    source,
		Return:    decimal.NewFromFloat(ret),
		ExitTime:  time.Now().Add(-time.Hour),
	}
}

func TestReviewRaisesWinnerWeight(t *testing.T) {
	store := ledger.NewMemoryStore()
	require.NoError(t, store.SaveOutcome(context.Background(), outcome(core.SourceCongress, 0.10)))

	adapter := newTestAdapter(store)
	w, err := adapter.Review(context.Background(), "acct1")
	require.NoError(t, err)

	updated := w.Weights[core.SourceCongress]
	assert.True(t, updated.GreaterThan(decimal.NewFromInt(1)),
		"profitable source should gain weight, got %s", updated)
}

func TestReviewLowersLoserWeight(t *testing.T) {
	store := ledger.NewMemoryStore()
	require.NoError(t, store.SaveOutcome(context.Background(), outcome(core.SourceInsider, -0.10)))

	adapter := newTestAdapter(store)
	w, err := adapter.Review(context.Background(), "acct1")
	require.NoError(t, err)

	updated := w.Weights[core.SourceInsider]
	assert.True(t, updated.LessThan(decimal.NewFromInt(1)),
		"losing source should lose weight, got %s", updated)
}

// No single review may move a weight by more than MaxStep, and no
// sequence of reviews may push it outside [Min, Max].
func TestWeightUpdatesAreBounded(t *testing.T) {
	store := ledger.NewMemoryStore()
	// Absurd return tries to yank the weight far past the cap.
	require.NoError(t, store.SaveOutcome(context.Background(), outcome(core.SourceCongress, 50.0)))
	require.NoError(t, store.SaveOutcome(context.Background(), outcome(core.SourceInsider, -50.0)))

	adapter := newTestAdapter(store)

	prev := map[core.SignalSource]decimal.Decimal{
		core.SourceCongress: decimal.NewFromInt(1),
		core.SourceInsider:  decimal.NewFromInt(1),
	}
	maxStep := decimal.NewFromFloat(0.25)

	for i := 0; i < 10; i++ {
		w, err := adapter.Review(context.Background(), "acct1")
		require.NoError(t, err)

		for _, source := range []core.SignalSource{core.SourceCongress, core.SourceInsider} {
			cur := w.Weights[source]
			step := cur.Sub(prev[source]).Abs()
			assert.True(t, step.LessThanOrEqual(maxStep),
				"review %d moved %s by %s", i, source, step)
			assert.True(t, cur.GreaterThanOrEqual(decimal.NewFromFloat(0.25)), "below floor: %s", cur)
			assert.True(t, cur.LessThanOrEqual(decimal.NewFromInt(2)), "above ceiling: %s", cur)
			prev[source] = cur
		}
	}

	assert.True(t, prev[core.SourceCongress].Equal(decimal.NewFromInt(2)),
		"winner should converge to the ceiling, got %s", prev[core.SourceCongress])
	assert.True(t, prev[core.SourceInsider].Equal(decimal.NewFromFloat(0.25)),
		"loser should converge to the floor, got %s", prev[core.SourceInsider])
}

func TestReviewLeavesUnseenSourcesAlone(t *testing.T) {
	store := ledger.NewMemoryStore()
	require.NoError(t, store.SaveWeights(context.Background(), &core.StrategyWeights{
		AccountID: "acct1",
		Weights: map[core.SignalSource]decimal.Decimal{
			core.SourceLobbying: decimal.NewFromFloat(1.5),
		},
	}))
	require.NoError(t, store.SaveOutcome(context.Background(), outcome(core.SourceCongress, 0.05)))

	adapter := newTestAdapter(store)
	w, err := adapter.Review(context.Background(), "acct1")
	require.NoError(t, err)

	assert.True(t, w.Weights[core.SourceLobbying].Equal(decimal.NewFromFloat(1.5)))
	assert.Contains(t, w.Weights, core.SourceCongress)
}

func TestReviewBumpsVersion(t *testing.T) {
	store := ledger.NewMemoryStore()
	adapter := newTestAdapter(store)

	w1, err := adapter.Review(context.Background(), "acct1")
	require.NoError(t, err)
	w2, err := adapter.Review(context.Background(), "acct1")
	require.NoError(t, err)
	assert.Greater(t, w2.Version, w1.Version)
}
