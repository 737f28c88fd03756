package runner

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio_engine/internal/config"
	"portfolio_engine/internal/core"
	"portfolio_engine/internal/gateway"
	"portfolio_engine/internal/ledger"
	"portfolio_engine/internal/logging"
	"portfolio_engine/internal/mock"
)

func testCapabilities() (Capabilities, *mock.Brokerage) {
	brokerage := mock.NewBrokerage()

	provider := mock.NewSignalProvider(core.SourceCongress, core.Signal{
		Source:    core.SourceCongress,
		Symbol:    "AAPL",
		Strength:  decimal.NewFromFloat(0.8),
		Direction: core.SideBuy,
		Timestamp: time.Now().Add(-time.Minute),
	})

	quotes := gateway.NewStaticQuotes()
	for _, sym := range []string{"AAPL", "MSFT", "NVDA", "SPY", "QQQ", "TSLA", "AMZN", "GOOG"} {
		quotes.Set(sym, decimal.NewFromInt(100))
	}

	return Capabilities{
		Brokerage: brokerage,
		Providers: []core.SignalProvider{provider},
		Decision:  mock.NewDecisionProvider(),
		Quotes:    quotes,
		Store:     ledger.NewMemoryStore(),
	}, brokerage
}

func TestNewBuildsLoopPerAccount(t *testing.T) {
	cfg := config.DefaultConfig()
	caps, _ := testCapabilities()

	r, err := New(context.Background(), cfg, caps, logging.Nop())
	require.NoError(t, err)
	assert.Len(t, r.loops, len(cfg.Accounts))
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	cfg := config.DefaultConfig()
	acct := cfg.Accounts["account1"]
	acct.Strategy = "mystery"
	cfg.Accounts["account1"] = acct
	caps, _ := testCapabilities()

	_, err := New(context.Background(), cfg, caps, logging.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

// Startup adopts the brokerage's view of positions over whatever the
// store last saw; fills applied outside the engine must not linger.
func TestNewSyncsPositionsFromBroker(t *testing.T) {
	cfg := config.DefaultConfig()
	caps, brokerage := testCapabilities()

	require.NoError(t, caps.Store.SavePosition(context.Background(), &core.Position{
		AccountID:    "account1",
		Symbol:       "AAPL",
		Quantity:     decimal.NewFromInt(10),
		AvgCostBasis: decimal.NewFromInt(100),
	}))
	brokerage.SetPositions("account1", []*core.Position{
		{Symbol: "AAPL", Quantity: decimal.NewFromInt(4), AvgCostBasis: decimal.NewFromInt(100)},
	})

	_, err := New(context.Background(), cfg, caps, logging.Nop())
	require.NoError(t, err)

	stored, err := caps.Store.LoadPositions(context.Background(), "account1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Quantity.Equal(decimal.NewFromInt(4)),
		"stored quantity = %s, want broker's 4", stored[0].Quantity)
}

func TestRunOnceRunsEveryAccount(t *testing.T) {
	cfg := config.DefaultConfig()
	caps, brokerage := testCapabilities()

	r, err := New(context.Background(), cfg, caps, logging.Nop())
	require.NoError(t, err)

	reports := r.RunOnce(context.Background())
	require.Len(t, reports, len(cfg.Accounts))

	var done int
	for _, report := range reports {
		if report.State == core.CycleDone {
			done++
		}
	}
	assert.Equal(t, len(cfg.Accounts), done)

	// The signal account should have traded AAPL.
	assert.GreaterOrEqual(t, brokerage.OrderCount(), 1)
}

func TestReviewWeightsPersists(t *testing.T) {
	cfg := config.DefaultConfig()
	caps, _ := testCapabilities()

	r, err := New(context.Background(), cfg, caps, logging.Nop())
	require.NoError(t, err)

	r.ReviewWeights(context.Background())

	w, err := caps.Store.LoadWeights(context.Background(), "account1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, int64(1), w.Version)
}
