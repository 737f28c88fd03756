package risk

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"portfolio_engine/internal/core"
	"portfolio_engine/internal/ledger"
)

func testLimits() Limits {
	return Limits{
		MaxConcentrationPct: decimal.NewFromFloat(0.20),
		MaxInvestedPct:      decimal.NewFromFloat(0.60),
		MinCashBufferPct:    decimal.NewFromFloat(0.05),
		MaxOrdersPerCycle:   6,
	}
}

func snapshot(cash int64, symbolValues map[string]int64) ledger.Snapshot {
	snap := ledger.Snapshot{
		AccountID:   "acct1",
		Cash:        decimal.NewFromInt(cash),
		SymbolValue: make(map[string]decimal.Decimal),
	}
	for sym, v := range symbolValues {
		val := decimal.NewFromInt(v)
		snap.SymbolValue[sym] = val
		snap.Invested = snap.Invested.Add(val)
	}
	snap.Equity = snap.Cash.Add(snap.Invested)
	return snap
}

func buyIntent(symbol string, notional int64) core.OrderIntent {
	return core.OrderIntent{
		AccountID: "acct1",
		Symbol:    symbol,
		Side:      core.SideBuy,
		Notional:  decimal.NewFromInt(notional),
		Quantity:  decimal.NewFromInt(notional / 100),
		Type:      core.TypeMarket,
	}
}

// With $10k equity and a 20% concentration cap, no accepted buy may
// push a single symbol past $2000.
func TestConcentrationCapBoundsIntent(t *testing.T) {
	g := NewGovernor(testLimits())
	snap := snapshot(10000, nil)

	verdict := g.Evaluate(buyIntent("AAPL", 5000), snap, 0)
	assert.Equal(t, Shrink, verdict.Action)
	assert.True(t, verdict.Intent.Notional.LessThanOrEqual(decimal.NewFromInt(2000)),
		"notional %s exceeds concentration cap", verdict.Intent.Notional)

	verdict = g.Evaluate(buyIntent("AAPL", 1600), snap, 0)
	assert.Equal(t, Accept, verdict.Action)
	assert.True(t, verdict.Intent.Notional.Equal(decimal.NewFromInt(1600)))
}

func TestAggregateExposureCap(t *testing.T) {
	g := NewGovernor(testLimits())
	// 5500 already invested of 10000 equity; aggregate cap 60% leaves 500.
	snap := snapshot(4500, map[string]int64{"MSFT": 3000, "NVDA": 2500})

	verdict := g.Evaluate(buyIntent("AAPL", 1500), snap, 0)
	assert.Equal(t, Shrink, verdict.Action)
	assert.True(t, verdict.Intent.Notional.Equal(decimal.NewFromInt(500)))
}

func TestCashBufferCap(t *testing.T) {
	limits := testLimits()
	limits.MaxConcentrationPct = decimal.NewFromInt(1)
	limits.MaxInvestedPct = decimal.NewFromInt(1)
	g := NewGovernor(limits)
	snap := snapshot(1000, map[string]int64{"MSFT": 9000})

	// Cash buffer is 5% of 10000 equity, so only 500 may be spent.
	verdict := g.Evaluate(buyIntent("AAPL", 900), snap, 0)
	assert.Equal(t, Shrink, verdict.Action)
	assert.True(t, verdict.Intent.Notional.Equal(decimal.NewFromInt(500)))
}

func TestNoHeadroomRejects(t *testing.T) {
	g := NewGovernor(testLimits())
	snap := snapshot(8000, map[string]int64{"AAPL": 2000})

	// AAPL already at the 20% cap.
	verdict := g.Evaluate(buyIntent("AAPL", 100), snap, 0)
	assert.Equal(t, Reject, verdict.Action)
	assert.NotEmpty(t, verdict.Reason)
}

func TestPerCycleOrderCap(t *testing.T) {
	g := NewGovernor(testLimits())
	snap := snapshot(10000, nil)

	verdict := g.Evaluate(buyIntent("AAPL", 100), snap, 6)
	assert.Equal(t, Reject, verdict.Action)
}

func TestSellRequiresPosition(t *testing.T) {
	g := NewGovernor(testLimits())
	snap := snapshot(10000, map[string]int64{"AAPL": 1000})

	sell := core.OrderIntent{
		AccountID: "acct1", Symbol: "AAPL", Side: core.SideSell,
		Quantity: decimal.NewFromInt(10), Notional: decimal.NewFromInt(1000),
	}
	assert.Equal(t, Accept, g.Evaluate(sell, snap, 0).Action)

	sell.Symbol = "MSFT"
	assert.Equal(t, Reject, g.Evaluate(sell, snap, 0).Action)
}

// Sweep a grid of intents and verify no accepted or shrunk buy violates
// any limit in the post-trade state.
func TestNoAcceptedIntentViolatesLimits(t *testing.T) {
	g := NewGovernor(testLimits())

	cashGrid := []int64{500, 2000, 5000, 10000}
	heldGrid := []int64{0, 500, 1500, 2500}
	notionalGrid := []int64{50, 400, 1900, 4000, 9000}

	for _, cash := range cashGrid {
		for _, held := range heldGrid {
			for _, notional := range notionalGrid {
				name := fmt.Sprintf("cash=%d/held=%d/notional=%d", cash, held, notional)
				t.Run(name, func(t *testing.T) {
					values := map[string]int64{}
					if held > 0 {
						values["AAPL"] = held
					}
					snap := snapshot(cash, values)
					verdict := g.Evaluate(buyIntent("AAPL", notional), snap, 0)
					if verdict.Action == Reject {
						return
					}

					n := verdict.Intent.Notional
					equity := snap.Equity
					postSymbol := snap.SymbolValue["AAPL"].Add(n)
					postInvested := snap.Invested.Add(n)
					postCash := snap.Cash.Sub(n)

					assert.True(t, postSymbol.LessThanOrEqual(equity.Mul(decimal.NewFromFloat(0.20))),
						"concentration violated: %s", postSymbol)
					assert.True(t, postInvested.LessThanOrEqual(equity.Mul(decimal.NewFromFloat(0.60))),
						"aggregate violated: %s", postInvested)
					assert.True(t, postCash.GreaterThanOrEqual(equity.Mul(decimal.NewFromFloat(0.05))),
						"cash buffer violated: %s", postCash)
				})
			}
		}
	}
}

func TestCircuitBreakerTripsOnConsecutiveLosses(t *testing.T) {
	cb := NewCircuitBreaker(CircuitConfig{MaxConsecutiveLosses: 3})
	now := time.Now()

	cb.RecordOutcome(decimal.NewFromInt(-10), now)
	cb.RecordOutcome(decimal.NewFromInt(-10), now)
	assert.False(t, cb.IsTripped())

	cb.RecordOutcome(decimal.NewFromInt(-10), now)
	assert.True(t, cb.IsTripped())
	assert.Contains(t, cb.TripReason(), "consecutive losses")
}

func TestCircuitBreakerWinResetsStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitConfig{MaxConsecutiveLosses: 3})
	now := time.Now()

	cb.RecordOutcome(decimal.NewFromInt(-10), now)
	cb.RecordOutcome(decimal.NewFromInt(-10), now)
	cb.RecordOutcome(decimal.NewFromInt(5), now)
	cb.RecordOutcome(decimal.NewFromInt(-10), now)
	cb.RecordOutcome(decimal.NewFromInt(-10), now)
	assert.False(t, cb.IsTripped())
}

func TestCircuitBreakerDailyLossAndCooldown(t *testing.T) {
	cb := NewCircuitBreaker(CircuitConfig{
		MaxDailyLoss:   decimal.NewFromInt(100),
		CooldownPeriod: 10 * time.Millisecond,
	})
	now := time.Now()

	cb.RecordOutcome(decimal.NewFromInt(-60), now)
	cb.RecordOutcome(decimal.NewFromInt(-50), now)
	assert.True(t, cb.IsTripped())

	time.Sleep(20 * time.Millisecond)
	assert.False(t, cb.IsTripped(), "cooldown should auto-reset the breaker")
}
