package decision

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio_engine/internal/core"
	"portfolio_engine/internal/gateway"
	"portfolio_engine/internal/ledger"
	"portfolio_engine/internal/logging"
	"portfolio_engine/internal/mock"
)

func strategyInput(equity int64) Input {
	return Input{
		Account: &core.Account{ID: "acct1"},
		Snapshot: ledger.Snapshot{
			AccountID: "acct1",
			Cash:      decimal.NewFromInt(equity),
			Equity:    decimal.NewFromInt(equity),
		},
		Weights:   &core.StrategyWeights{},
		CycleTime: time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC),
	}
}

func merged(symbol string, strength float64, side core.OrderSide) gateway.Merged {
	return gateway.Merged{
		Symbol:   symbol,
		Strength: decimal.NewFromFloat(strength),
		Side:     side,
		Primary:  core.SourceCongress,
	}
}

func TestSignalStrategySizesByStrength(t *testing.T) {
	s := NewSignalStrategy(decimal.NewFromFloat(0.20), decimal.NewFromFloat(0.2), logging.Nop())
	in := strategyInput(10000)
	in.Merged = []gateway.Merged{merged("AAPL", 0.8, core.SideBuy)}

	intents, err := s.Propose(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.True(t, intents[0].Notional.Equal(decimal.NewFromInt(1600)))
	assert.Equal(t, core.SideBuy, intents[0].Side)
	assert.Equal(t, core.SourceCongress, intents[0].SignalSource)
}

func TestSignalStrategyIgnoresWeakSignals(t *testing.T) {
	s := NewSignalStrategy(decimal.NewFromFloat(0.20), decimal.NewFromFloat(0.2), logging.Nop())
	in := strategyInput(10000)
	in.Merged = []gateway.Merged{merged("AAPL", 0.1, core.SideBuy)}

	intents, err := s.Propose(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestSignalStrategySellRequiresPosition(t *testing.T) {
	s := NewSignalStrategy(decimal.NewFromFloat(0.20), decimal.NewFromFloat(0.2), logging.Nop())
	in := strategyInput(10000)
	in.Merged = []gateway.Merged{merged("AAPL", 0.9, core.SideSell)}

	intents, err := s.Propose(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, intents)

	in.Positions = []*core.Position{{
		Symbol:      "AAPL",
		Quantity:    decimal.NewFromInt(10),
		MarketValue: decimal.NewFromInt(1000),
	}}
	intents, err = s.Propose(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, core.SideSell, intents[0].Side)
	assert.True(t, intents[0].Quantity.Equal(decimal.NewFromInt(10)))
}

func newIntradayStrategy(maxTrades int, dailyLossPct float64) *IntradayStrategy {
	return NewIntradayStrategy(IntradayConfig{
		MaxPositionPct:  decimal.NewFromFloat(0.10),
		MinStrength:     decimal.NewFromFloat(0.2),
		MaxDailyLossPct: decimal.NewFromFloat(dailyLossPct),
		MaxTradesPerDay: maxTrades,
		TrailingStopPct: decimal.NewFromFloat(0.02),
	}, logging.Nop())
}

func TestIntradayDailyLossHaltsEntries(t *testing.T) {
	s := newIntradayStrategy(8, 0.02)
	in := strategyInput(10000)
	in.Snapshot.RealizedToday = decimal.NewFromInt(-250) // past the 2% / $200 limit
	in.Merged = []gateway.Merged{merged("SPY", 0.9, core.SideBuy)}

	intents, err := s.Propose(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestIntradayTradeCapHaltsEntries(t *testing.T) {
	s := newIntradayStrategy(8, 0)
	in := strategyInput(10000)
	in.Snapshot.TradesToday = 8
	in.Merged = []gateway.Merged{merged("SPY", 0.9, core.SideBuy)}

	intents, err := s.Propose(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestIntradayTrailingStopSells(t *testing.T) {
	s := newIntradayStrategy(8, 0)
	quotes := gateway.NewStaticQuotes()
	in := strategyInput(10000)
	in.Quotes = quotes
	in.Positions = []*core.Position{{
		Symbol:      "SPY",
		Quantity:    decimal.NewFromInt(10),
		MarketValue: decimal.NewFromInt(1000),
	}}

	// First sight establishes the high-water mark at 110.
	quotes.Set("SPY", decimal.NewFromInt(110))
	intents, err := s.Propose(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, intents)

	// A 1% dip stays inside the 2% stop.
	quotes.Set("SPY", decimal.NewFromFloat(108.9))
	intents, err = s.Propose(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, intents)

	// A 3% dip off the high water mark triggers the stop.
	quotes.Set("SPY", decimal.NewFromFloat(106.7))
	intents, err = s.Propose(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, core.SideSell, intents[0].Side)
	assert.Contains(t, intents[0].Reasoning, "trailing stop")
}

func TestIntradayStopLossAndProfitTarget(t *testing.T) {
	s := NewIntradayStrategy(IntradayConfig{
		MaxPositionPct:  decimal.NewFromFloat(0.10),
		MinStrength:     decimal.NewFromFloat(0.2),
		MaxTradesPerDay: 8,
		TrailingStopPct: decimal.NewFromFloat(0.50), // wide, keeps it out of the way
		StopLossPct:     decimal.NewFromFloat(0.03),
		TakeProfitPct:   decimal.NewFromFloat(0.06),
	}, logging.Nop())

	quotes := gateway.NewStaticQuotes()
	in := strategyInput(10000)
	in.Quotes = quotes
	in.Positions = []*core.Position{{
		Symbol:       "SPY",
		Quantity:     decimal.NewFromInt(10),
		AvgCostBasis: decimal.NewFromInt(100),
		MarketValue:  decimal.NewFromInt(1000),
	}}

	// Inside both bands, nothing happens.
	quotes.Set("SPY", decimal.NewFromInt(102))
	intents, err := s.Propose(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, intents)

	// 3% below basis trips the stop loss.
	quotes.Set("SPY", decimal.NewFromInt(97))
	intents, err = s.Propose(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Contains(t, intents[0].Reasoning, "stop loss")

	// 6% above basis takes profit.
	quotes.Set("SPY", decimal.NewFromInt(106))
	intents, err = s.Propose(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Contains(t, intents[0].Reasoning, "profit target")
}

func TestIntradayEndOfDayForceClose(t *testing.T) {
	s := newIntradayStrategy(8, 0)
	in := strategyInput(10000)
	in.CycleTime = time.Date(2025, 6, 2, 19, 50, 0, 0, time.UTC)
	in.Positions = []*core.Position{{
		Symbol:      "SPY",
		Quantity:    decimal.NewFromInt(10),
		MarketValue: decimal.NewFromInt(1000),
	}}
	// A buy signal arriving at the close must not reopen the book.
	in.Merged = []gateway.Merged{merged("SPY", 0.9, core.SideBuy)}

	intents, err := s.Propose(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, core.SideSell, intents[0].Side)
	assert.Equal(t, "end of day close", intents[0].Reasoning)
}

func TestAutonomousFiltersByConfidence(t *testing.T) {
	provider := mock.NewDecisionProvider(
		core.ModelScore{Symbol: "AAPL", Strength: decimal.NewFromFloat(0.9), Side: core.SideBuy, Confidence: 80},
		core.ModelScore{Symbol: "MSFT", Strength: decimal.NewFromFloat(0.9), Side: core.SideBuy, Confidence: 40},
	)
	s := NewAutonomousStrategy(provider, []string{"AAPL", "MSFT"},
		decimal.NewFromFloat(0.15), 60, time.Second, logging.Nop())

	intents, err := s.Propose(context.Background(), strategyInput(10000))
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, "AAPL", intents[0].Symbol)
	assert.Equal(t, core.SourceModel, intents[0].SignalSource)
}

func TestAutonomousClampsModelOutput(t *testing.T) {
	provider := mock.NewDecisionProvider(
		core.ModelScore{Symbol: "AAPL", Strength: decimal.NewFromInt(7), Side: core.SideBuy, Confidence: 90},
	)
	s := NewAutonomousStrategy(provider, []string{"AAPL"},
		decimal.NewFromFloat(0.15), 60, time.Second, logging.Nop())

	intents, err := s.Propose(context.Background(), strategyInput(10000))
	require.NoError(t, err)
	require.Len(t, intents, 1)
	// Clamped strength 1.0: equity * 0.15
	assert.True(t, intents[0].Notional.Equal(decimal.NewFromInt(1500)),
		"got %s", intents[0].Notional)
}

func TestAutonomousTimeoutIsTransient(t *testing.T) {
	provider := mock.NewDecisionProvider()
	provider.Delay = 50 * time.Millisecond
	s := NewAutonomousStrategy(provider, []string{"AAPL"},
		decimal.NewFromFloat(0.15), 60, time.Millisecond, logging.Nop())

	_, err := s.Propose(context.Background(), strategyInput(10000))
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
}
