package decision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio_engine/internal/core"
	"portfolio_engine/internal/execution"
	"portfolio_engine/internal/gateway"
	"portfolio_engine/internal/ledger"
	"portfolio_engine/internal/logging"
	"portfolio_engine/internal/mock"
	"portfolio_engine/internal/risk"
)

type fixture struct {
	loop      *Loop
	ledger    *ledger.Ledger
	brokerage *mock.Brokerage
	provider  *mock.SignalProvider
	store     *ledger.MemoryStore
	account   *core.Account
}

func newFixture(t *testing.T, signals ...core.Signal) *fixture {
	t.Helper()

	store := ledger.NewMemoryStore()
	account := &core.Account{
		ID:              "acct1",
		Strategy:        core.StrategySignal,
		StartingCapital: decimal.NewFromInt(10000),
		Cash:            decimal.NewFromInt(10000),
	}

	led, err := ledger.New(context.Background(), account, store, logging.Nop())
	require.NoError(t, err)

	brokerage := mock.NewBrokerage()
	brokerage.SetAccount(account)

	provider := mock.NewSignalProvider(core.SourceCongress, signals...)
	quotes := gateway.NewStaticQuotes()
	quotes.Set("AAPL", decimal.NewFromInt(100))
	quotes.Set("MSFT", decimal.NewFromInt(100))

	gw := gateway.New([]core.SignalProvider{provider}, quotes, gateway.Config{
		FreshnessWindow: 5 * time.Minute,
	}, logging.Nop())

	engine := execution.NewEngine(brokerage, store, execution.Config{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}, logging.Nop())

	governor := risk.NewGovernor(risk.Limits{
		MaxConcentrationPct: decimal.NewFromFloat(0.20),
		MaxInvestedPct:      decimal.NewFromFloat(0.60),
		MinCashBufferPct:    decimal.NewFromFloat(0.05),
		MaxOrdersPerCycle:   6,
	})

	strategy := NewSignalStrategy(decimal.NewFromFloat(0.20), decimal.NewFromFloat(0.2), logging.Nop())

	loop := NewLoop(LoopConfig{
		Account:   account,
		Symbols:   []string{"AAPL", "MSFT"},
		Gateway:   gw,
		Strategy:  strategy,
		Governor:  governor,
		Engine:    engine,
		Ledger:    led,
		Quotes:    quotes,
		Locks:     NewLockRegistry(),
		RetryBase: time.Millisecond,
	}, logging.Nop())

	return &fixture{
		loop:      loop,
		ledger:    led,
		brokerage: brokerage,
		provider:  provider,
		store:     store,
		account:   account,
	}
}

func buySignal(symbol string, strength float64) core.Signal {
	return core.Signal{
		Source:    core.SourceCongress,
		Symbol:    symbol,
		Strength:  decimal.NewFromFloat(strength),
		Direction: core.SideBuy,
		Timestamp: time.Now().Add(-time.Minute),
	}
}

// A 0.8-strength signal on a $10k account with a 20% concentration cap
// must produce an intent no larger than $2000.
func TestCycleSizesIntentWithinConcentrationCap(t *testing.T) {
	f := newFixture(t, buySignal("AAPL", 0.8))

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.CycleDone, report.State)
	require.Len(t, report.Intents, 1)

	intent := report.Intents[0].Intent
	assert.True(t, intent.Notional.LessThanOrEqual(decimal.NewFromInt(2000)),
		"notional %s exceeds cap", intent.Notional)
	// equity * 0.20 * 0.8 = 1600
	assert.True(t, intent.Notional.Equal(decimal.NewFromInt(1600)),
		"got %s", intent.Notional)
	assert.Equal(t, 1, report.Submitted)
}

func TestCycleAppliesFillsToLedger(t *testing.T) {
	f := newFixture(t, buySignal("AAPL", 0.8))

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Submitted)

	pos := f.ledger.Position("AAPL")
	require.NotNil(t, pos)
	rec := report.Intents[0].Record
	require.NotNil(t, rec)
	assert.True(t, pos.Quantity.Equal(rec.SignedFillQuantity()),
		"position %s != signed fills %s", pos.Quantity, rec.SignedFillQuantity())
	assert.True(t, rec.Reconciled)
}

// A brokerage rejection marks the record rejected and leaves the ledger
// untouched; the cycle itself still completes.
func TestBrokerageRejectionLeavesLedgerUnchanged(t *testing.T) {
	f := newFixture(t, buySignal("AAPL", 0.8))
	f.brokerage.RejectWith = core.ErrInsufficientBuyingPower

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.CycleDone, report.State)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 0, report.Submitted)

	rec := report.Intents[0].Record
	require.NotNil(t, rec)
	assert.Equal(t, core.OrderRejected, rec.State)

	assert.Nil(t, f.ledger.Position("AAPL"))
	assert.True(t, f.account.Cash.Equal(decimal.NewFromInt(10000)))
}

// A submission timeout where the order actually landed must resolve by
// idempotency key: one broker order, one fill, no resubmission.
func TestTimeoutThenPollFindsFilledOrder(t *testing.T) {
	f := newFixture(t, buySignal("AAPL", 0.8))
	drop := core.Transient("submit", errors.New("timeout"))
	f.brokerage.SubmitDrops = []error{drop, drop, drop}

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.CycleDone, report.State)

	assert.Equal(t, 1, f.brokerage.OrderCount(), "timeout must not create a second order")
	rec := report.Intents[0].Record
	require.NotNil(t, rec)
	assert.Equal(t, core.OrderFilled, rec.State)
	assert.Len(t, rec.Fills, 1)

	pos := f.ledger.Position("AAPL")
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(rec.SignedFillQuantity()))
}

// When even the resolving poll fails, the record stays pending and the
// next cycle settles it without resubmitting.
func TestAmbiguousOrderSettledNextCycle(t *testing.T) {
	f := newFixture(t, buySignal("AAPL", 0.8))
	drop := core.Transient("submit", errors.New("timeout"))
	f.brokerage.SubmitDrops = []error{drop, drop, drop}
	f.brokerage.GetOrderErr = errors.New("poll down too")

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failures)
	require.Len(t, f.ledger.PendingRecords(), 1)

	// Next cycle: no new signals, the poll path recovers.
	f.brokerage.GetOrderErr = nil
	report, err = f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.CycleDone, report.State)

	assert.Equal(t, 1, f.brokerage.OrderCount())
	assert.Empty(t, f.ledger.PendingRecords())
	require.NotNil(t, f.ledger.Position("AAPL"))
}

func TestSignalFetchRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.Errs = []error{
		core.Transient("fetch", errors.New("feed down")),
	}
	f.provider.Add(buySignal("AAPL", 0.8))

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.CycleDone, report.State)
	assert.Equal(t, 1, report.Signals)
}

func TestSignalFetchExhaustedRetriesFailsCycle(t *testing.T) {
	f := newFixture(t)
	down := core.Transient("fetch", errors.New("feed down"))
	f.provider.Errs = []error{down, down, down}

	report, err := f.loop.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, core.CycleFailed, report.State)
	assert.Equal(t, 0, f.brokerage.OrderCount())
}

func TestRiskDropIsNotCycleFailure(t *testing.T) {
	// Strength below min produces no intents; strength above cap gets
	// shrunk; a symbol at cap gets dropped. Seed a held position at the
	// cap via a first cycle, then signal it again.
	f := newFixture(t, buySignal("AAPL", 1.0))

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Submitted)

	f.provider.Add(core.Signal{
		Source:    core.SourceCongress,
		Symbol:    "AAPL",
		Strength:  decimal.NewFromInt(1),
		Direction: core.SideBuy,
		Timestamp: time.Now(),
	})
	report, err = f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.CycleDone, report.State)
	assert.Equal(t, 1, report.RiskDrops)
	assert.Equal(t, 0, report.Failures)
}

func TestCircuitBreakerDropsAllIntents(t *testing.T) {
	f := newFixture(t, buySignal("AAPL", 0.8))
	breaker := risk.NewCircuitBreaker(risk.CircuitConfig{MaxConsecutiveLosses: 1})
	breaker.RecordOutcome(decimal.NewFromInt(-100), time.Now())
	f.loop.breaker = breaker

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.CycleDone, report.State)
	assert.Equal(t, 1, report.RiskDrops)
	assert.Equal(t, 0, report.Submitted)
}

func TestCancelledContextFailsCycle(t *testing.T) {
	f := newFixture(t, buySignal("AAPL", 0.8))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.loop.RunCycle(ctx)
	require.Error(t, err)
	assert.Equal(t, core.CycleFailed, report.State)
	assert.Equal(t, 0, f.brokerage.OrderCount())
}

// Cycles for the same account must serialize on the account lock.
func TestCyclesSerializePerAccount(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var active, maxActive int
	f.loop.strategy = &trackingStrategy{
		enter: func() {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		},
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.loop.RunCycle(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "cycles for one account overlapped")
}

type trackingStrategy struct {
	enter func()
}

func (s *trackingStrategy) Kind() core.StrategyKind { return core.StrategySignal }

func (s *trackingStrategy) Propose(ctx context.Context, in Input) ([]core.OrderIntent, error) {
	s.enter()
	return nil, nil
}

// Congressional and insider disclosures surface hours after the trades
// they describe. The signal strategy must still act on them; only the
// intraday strategy holds signals to the freshness window.
func TestSignalStrategyTradesAgedSignals(t *testing.T) {
	aged := buySignal("AAPL", 0.8)
	aged.Timestamp = time.Now().Add(-2 * time.Hour)
	f := newFixture(t, aged)

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.CycleDone, report.State)
	assert.Equal(t, 1, report.Submitted)
}

func TestIntradayStrategyDropsStaleSignals(t *testing.T) {
	aged := buySignal("AAPL", 0.8)
	aged.Timestamp = time.Now().Add(-2 * time.Hour)
	f := newFixture(t, aged)
	f.loop.strategy = NewIntradayStrategy(IntradayConfig{
		MaxPositionPct:  decimal.NewFromFloat(0.20),
		MinStrength:     decimal.NewFromFloat(0.2),
		MaxTradesPerDay: 10,
	}, logging.Nop())

	report, err := f.loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.CycleDone, report.State)
	assert.Equal(t, 1, report.Signals)
	assert.Equal(t, 0, report.Submitted)
	assert.Empty(t, report.Intents)
}

// A cancellation mid-execution must not abandon orders already at the
// brokerage: the loop sends explicit cancels and records the outcome.
func TestCancellationCancelsSubmittedOrders(t *testing.T) {
	f := newFixture(t, buySignal("AAPL", 0.8), buySignal("MSFT", 0.8))
	f.brokerage.SetFill(mock.FillNever, decimal.NewFromInt(100))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.brokerage.OnSubmit = cancel

	report, err := f.loop.RunCycle(ctx)
	require.Error(t, err)
	assert.Equal(t, core.CycleFailed, report.State)

	// The first intent reached the brokerage before the cancellation;
	// the second never went out.
	assert.Equal(t, 1, f.brokerage.OrderCount())
	assert.Equal(t, 1, report.Submitted)

	var rec *core.OrderRecord
	for _, o := range report.Intents {
		if o.Record != nil {
			rec = o.Record
		}
	}
	require.NotNil(t, rec)
	assert.Equal(t, core.OrderCancelled, rec.State)

	broker := f.brokerage.Order("acct1", rec.IdempotencyKey)
	require.NotNil(t, broker)
	assert.Equal(t, core.OrderCancelled, broker.State)
}
