package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio_engine/internal/core"
	"portfolio_engine/internal/logging"
	"portfolio_engine/internal/mock"
)

func signal(source core.SignalSource, symbol string, strength float64, side core.OrderSide, age time.Duration) core.Signal {
	return core.Signal{
		Source:    source,
		Symbol:    symbol,
		Strength:  decimal.NewFromFloat(strength),
		Direction: side,
		Timestamp: time.Now().Add(-age),
	}
}

func newTestGateway(providers ...core.SignalProvider) *Gateway {
	return New(providers, nil, Config{
		FreshnessWindow: 5 * time.Minute,
		DefaultWeight:   decimal.NewFromInt(1),
	}, logging.Nop())
}

func TestFetchIsolatesProviderFailures(t *testing.T) {
	good := mock.NewSignalProvider(core.SourceCongress,
		signal(core.SourceCongress, "AAPL", 0.8, core.SideBuy, time.Minute))
	bad := mock.NewSignalProvider(core.SourceInsider)
	bad.Errs = []error{errors.New("feed down")}

	gw := newTestGateway(good, bad)
	signals, err := gw.Fetch(context.Background(), []string{"AAPL"}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, core.SourceCongress, signals[0].Source)
}

func TestFetchKeepsNewestPerSymbolAndSource(t *testing.T) {
	older := signal(core.SourceCongress, "AAPL", 0.3, core.SideBuy, 10*time.Minute)
	newer := signal(core.SourceCongress, "AAPL", 0.9, core.SideBuy, time.Minute)
	p := mock.NewSignalProvider(core.SourceCongress, older, newer)

	gw := newTestGateway(p)
	signals, err := gw.Fetch(context.Background(), []string{"AAPL"}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.True(t, signals[0].Strength.Equal(decimal.NewFromFloat(0.9)))
}

func TestFreshDropsStaleSignals(t *testing.T) {
	gw := newTestGateway()
	signals := []core.Signal{
		signal(core.SourceCongress, "AAPL", 0.8, core.SideBuy, time.Minute),
		signal(core.SourceInsider, "MSFT", 0.5, core.SideBuy, time.Hour),
	}

	fresh := gw.Fresh(signals, time.Now())
	require.Len(t, fresh, 1)
	assert.Equal(t, "AAPL", fresh[0].Symbol)
}

func TestMergeWeightedAverage(t *testing.T) {
	gw := newTestGateway()
	weights := &core.StrategyWeights{
		Weights: map[core.SignalSource]decimal.Decimal{
			core.SourceCongress: decimal.NewFromInt(2),
			core.SourceInsider:  decimal.NewFromInt(1),
		},
	}

	merged := gw.Merge([]core.Signal{
		signal(core.SourceCongress, "AAPL", 0.9, core.SideBuy, time.Minute),
		signal(core.SourceInsider, "AAPL", 0.3, core.SideBuy, time.Minute),
	}, weights)

	require.Len(t, merged, 1)
	// (0.9*2 + 0.3*1) / 3 = 0.7
	assert.True(t, merged[0].Strength.Equal(decimal.NewFromFloat(0.7)),
		"got %s", merged[0].Strength)
	assert.Equal(t, core.SideBuy, merged[0].Side)
	assert.Equal(t, core.SourceCongress, merged[0].Primary)
}

func TestMergeSellContributesNegatively(t *testing.T) {
	gw := newTestGateway()
	weights := &core.StrategyWeights{Weights: map[core.SignalSource]decimal.Decimal{}}

	merged := gw.Merge([]core.Signal{
		signal(core.SourceCongress, "AAPL", 0.2, core.SideBuy, time.Minute),
		signal(core.SourceInsider, "AAPL", 0.8, core.SideSell, time.Minute),
	}, weights)

	require.Len(t, merged, 1)
	assert.Equal(t, core.SideSell, merged[0].Side)
	// (0.2 - 0.8) / 2 = -0.3, reported as strength 0.3 on the sell side.
	assert.True(t, merged[0].Strength.Equal(decimal.NewFromFloat(0.3)),
		"got %s", merged[0].Strength)
	assert.Equal(t, core.SourceInsider, merged[0].Primary)
}

func TestMergeSortsByStrength(t *testing.T) {
	gw := newTestGateway()
	weights := &core.StrategyWeights{}

	merged := gw.Merge([]core.Signal{
		signal(core.SourceCongress, "AAPL", 0.2, core.SideBuy, time.Minute),
		signal(core.SourceCongress, "MSFT", 0.9, core.SideBuy, time.Minute),
	}, weights)

	require.Len(t, merged, 2)
	assert.Equal(t, "MSFT", merged[0].Symbol)
	assert.Equal(t, "AAPL", merged[1].Symbol)
}

func TestStaticQuotes(t *testing.T) {
	quotes := NewStaticQuotes()
	quotes.Set("AAPL", decimal.NewFromInt(150))

	q, ok := quotes.Quote("AAPL")
	require.True(t, ok)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(150)))

	_, ok = quotes.Quote("MSFT")
	assert.False(t, ok)
}
