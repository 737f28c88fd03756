// Package runner assembles the per-account trading loops and drives them
// on their cycle cadence.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"portfolio_engine/internal/config"
	"portfolio_engine/internal/core"
	"portfolio_engine/internal/decision"
	"portfolio_engine/internal/execution"
	"portfolio_engine/internal/gateway"
	"portfolio_engine/internal/ledger"
	"portfolio_engine/internal/risk"
	"portfolio_engine/internal/weights"
	"portfolio_engine/pkg/concurrency"
)

// Capabilities are the external dependencies the runner wires into each
// account loop. Production wiring uses the Alpaca client and live feeds;
// tests and dry runs use the mock package.
type Capabilities struct {
	Brokerage core.Brokerage
	Providers []core.SignalProvider
	Decision  core.DecisionProvider
	Quotes    core.QuoteSource
	Store     core.Store
}

// Runner owns the account loops, the weight adapter, and the worker pool
// that lets accounts trade concurrently.
type Runner struct {
	cfg     *config.Config
	caps    Capabilities
	loops   map[string]*decision.Loop
	adapter *weights.Adapter
	locks   *decision.LockRegistry
	pool    *concurrency.WorkerPool
	logger  core.Logger
}

// New hydrates one loop per configured account.
func New(ctx context.Context, cfg *config.Config, caps Capabilities, logger core.Logger) (*Runner, error) {
	locks := decision.NewLockRegistry()

	gw := gateway.New(caps.Providers, caps.Quotes, gateway.Config{
		FreshnessWindow: cfg.Gateway.FreshnessWindow(),
		DefaultWeight:   decimal.NewFromFloat(cfg.Gateway.DefaultSourceWeight),
	}, logger)

	engine := execution.NewEngine(caps.Brokerage, caps.Store, execution.Config{
		MaxRetries:      cfg.Execution.MaxRetries,
		BaseDelay:       time.Duration(cfg.Execution.BaseDelayMs) * time.Millisecond,
		MaxDelay:        time.Duration(cfg.Execution.MaxDelayMs) * time.Millisecond,
		OrdersPerSecond: cfg.Execution.OrdersPerSecond,
		OrderBurst:      cfg.Execution.OrderBurst,
	}, logger)

	adapter := weights.NewAdapter(caps.Store, locks, weights.Config{
		Min:            decimal.NewFromFloat(cfg.Weights.Min),
		Max:            decimal.NewFromFloat(cfg.Weights.Max),
		SmoothingAlpha: decimal.NewFromFloat(cfg.Weights.SmoothingAlpha),
		MaxStep:        decimal.NewFromFloat(cfg.Weights.MaxStep),
		ReviewWindow:   time.Duration(cfg.Weights.ReviewDays) * 24 * time.Hour,
	}, logger)

	r := &Runner{
		cfg:     cfg,
		caps:    caps,
		loops:   make(map[string]*decision.Loop),
		adapter: adapter,
		locks:   locks,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "account_cycles",
			MaxWorkers: len(cfg.Accounts),
		}, logger),
		logger: logger.WithField("component", "runner"),
	}

	for id, acctCfg := range cfg.Accounts {
		loop, err := r.buildLoop(ctx, id, acctCfg, gw, engine, logger)
		if err != nil {
			return nil, fmt.Errorf("building loop for account %s: %w", id, err)
		}
		r.loops[id] = loop
	}
	return r, nil
}

func (r *Runner) buildLoop(ctx context.Context, id string, acctCfg config.AccountConfig, gw *gateway.Gateway, engine *execution.Engine, logger core.Logger) (*decision.Loop, error) {
	account := &core.Account{
		ID:              id,
		CredentialsRef:  acctCfg.CredentialsRef,
		Strategy:        core.StrategyKind(acctCfg.Strategy),
		StartingCapital: decimal.NewFromFloat(acctCfg.StartingCapital),
		Cash:            decimal.NewFromFloat(acctCfg.StartingCapital),
	}
	if r.caps.Brokerage != nil {
		if live, err := r.caps.Brokerage.GetAccount(ctx, id); err == nil {
			account.Cash = live.Cash
			account.BuyingPower = live.BuyingPower
		} else {
			r.logger.Warn("Live account fetch failed, using configured capital",
				"account", id, "error", err.Error())
		}
	}

	led, err := ledger.New(ctx, account, r.caps.Store, logger)
	if err != nil {
		return nil, err
	}
	if r.caps.Brokerage != nil {
		if broker, err := r.caps.Brokerage.GetPositions(ctx, id); err == nil {
			if err := led.SyncBroker(ctx, broker); err != nil {
				return nil, fmt.Errorf("syncing broker positions: %w", err)
			}
		} else {
			r.logger.Warn("Broker position fetch failed, keeping stored positions",
				"account", id, "error", err.Error())
		}
	}

	governor := risk.NewGovernor(risk.Limits{
		MaxConcentrationPct: decimal.NewFromFloat(acctCfg.MaxConcentrationPct),
		MaxInvestedPct:      decimal.NewFromFloat(acctCfg.MaxInvestedPct),
		MinCashBufferPct:    decimal.NewFromFloat(acctCfg.MinCashBufferPct),
		MaxOrdersPerCycle:   acctCfg.MaxOrdersPerCycle,
	})

	var breaker *risk.CircuitBreaker
	if acctCfg.MaxConsecutiveLosses > 0 || acctCfg.MaxDailyLossPct > 0 {
		maxDailyLoss := decimal.NewFromFloat(acctCfg.StartingCapital * acctCfg.MaxDailyLossPct)
		breaker = risk.NewCircuitBreaker(risk.CircuitConfig{
			MaxConsecutiveLosses: acctCfg.MaxConsecutiveLosses,
			MaxDailyLoss:         maxDailyLoss,
			CooldownPeriod:       time.Hour,
		})
		// Replay today's hydrated outcomes so a restart does not reset
		// the loss streak or the daily loss total.
		for _, o := range led.Outcomes() {
			breaker.RecordOutcome(o.RealizedPnL, o.ExitTime)
		}
	}

	strategy, err := r.buildStrategy(acctCfg, logger)
	if err != nil {
		return nil, err
	}

	return decision.NewLoop(decision.LoopConfig{
		Account:      account,
		Symbols:      acctCfg.Symbols,
		Gateway:      gw,
		Strategy:     strategy,
		Governor:     governor,
		Breaker:      breaker,
		Engine:       engine,
		Ledger:       led,
		Quotes:       r.caps.Quotes,
		Locks:        r.locks,
		FetchRetries: r.cfg.Execution.MaxRetries,
		RetryBase:    time.Duration(r.cfg.Execution.BaseDelayMs) * time.Millisecond,
	}, logger), nil
}

func (r *Runner) buildStrategy(acctCfg config.AccountConfig, logger core.Logger) (decision.Strategy, error) {
	minStrength := acctCfg.MinSignalStrength
	if minStrength == 0 {
		minStrength = 0.2
	}
	maxPosition := decimal.NewFromFloat(acctCfg.MaxConcentrationPct)

	switch core.StrategyKind(acctCfg.Strategy) {
	case core.StrategySignal:
		return decision.NewSignalStrategy(maxPosition, decimal.NewFromFloat(minStrength), logger), nil
	case core.StrategyIntraday:
		return decision.NewIntradayStrategy(decision.IntradayConfig{
			MaxPositionPct:  maxPosition,
			MinStrength:     decimal.NewFromFloat(minStrength),
			MaxDailyLossPct: decimal.NewFromFloat(acctCfg.MaxDailyLossPct),
			MaxTradesPerDay: acctCfg.MaxTradesPerDay,
			TrailingStopPct: decimal.NewFromFloat(acctCfg.TrailingStopPct),
			StopLossPct:     decimal.NewFromFloat(acctCfg.StopLossPct),
			TakeProfitPct:   decimal.NewFromFloat(acctCfg.TakeProfitPct),
		}, logger), nil
	case core.StrategyAutonomous:
		if r.caps.Decision == nil {
			return nil, fmt.Errorf("autonomous strategy requires a decision provider")
		}
		return decision.NewAutonomousStrategy(
			r.caps.Decision,
			acctCfg.Symbols,
			maxPosition,
			acctCfg.MinConfidence,
			r.cfg.Execution.DecisionTimeout(),
			logger,
		), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", acctCfg.Strategy)
	}
}

// RunOnce runs one cycle for every account concurrently and waits.
func (r *Runner) RunOnce(ctx context.Context) []*core.CycleReport {
	reports := make([]*core.CycleReport, 0, len(r.loops))
	var g errgroup.Group
	out := make(chan *core.CycleReport, len(r.loops))

	for id, loop := range r.loops {
		id, loop := id, loop
		g.Go(func() error {
			report, err := loop.RunCycle(ctx)
			if err != nil {
				r.logger.Error("Cycle ended in failure", "account", id, "error", err.Error())
			}
			out <- report
			return nil
		})
	}
	g.Wait()
	close(out)

	for report := range out {
		reports = append(reports, report)
	}
	return reports
}

// Run drives cycles on the configured cadence until the context ends.
// Weight reviews run on their own slower cadence.
func (r *Runner) Run(ctx context.Context) error {
	cycleTicker := time.NewTicker(r.cfg.System.CycleInterval())
	defer cycleTicker.Stop()
	reviewTicker := time.NewTicker(r.cfg.System.ReviewInterval())
	defer reviewTicker.Stop()

	r.logger.Info("Runner started",
		"accounts", len(r.loops),
		"cycle_interval", r.cfg.System.CycleInterval().String())

	for {
		select {
		case <-ctx.Done():
			r.pool.Stop()
			return ctx.Err()
		case <-cycleTicker.C:
			for id, loop := range r.loops {
				id, loop := id, loop
				if err := r.pool.Submit(func() {
					if _, err := loop.RunCycle(ctx); err != nil {
						r.logger.Error("Cycle ended in failure", "account", id, "error", err.Error())
					}
				}); err != nil {
					r.logger.Warn("Cycle submission skipped", "account", id, "error", err.Error())
				}
			}
		case <-reviewTicker.C:
			r.ReviewWeights(ctx)
		}
	}
}

// ReviewWeights runs the weight adapter for every account.
func (r *Runner) ReviewWeights(ctx context.Context) {
	for id := range r.loops {
		if _, err := r.adapter.Review(ctx, id); err != nil {
			r.logger.Error("Weight review failed", "account", id, "error", err.Error())
		}
	}
}
