// Package weights adjusts per-source strategy weights from realized
// trade outcomes. It runs on its own review cadence, outside the trading
// cycle, but under the same account lock.
package weights

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"portfolio_engine/internal/core"
	"portfolio_engine/internal/decision"
)

// Config bounds how fast and how far weights move.
type Config struct {
	Min            decimal.Decimal // floor, keeps every source listened to
	Max            decimal.Decimal // ceiling, keeps no source dominant
	SmoothingAlpha decimal.Decimal // EMA factor in (0, 1]
	MaxStep        decimal.Decimal // largest change in one review
	ReviewWindow   time.Duration   // how far back outcomes count
	Sensitivity    decimal.Decimal // return-to-weight scale, default 5
}

// Adapter recomputes strategy weights from the trailing window of trade
// outcomes. Weight updates never run concurrently with a trading cycle
// for the same account.
type Adapter struct {
	store  core.Store
	locks  *decision.LockRegistry
	config Config
	logger core.Logger
}

func NewAdapter(store core.Store, locks *decision.LockRegistry, cfg Config, logger core.Logger) *Adapter {
	if cfg.Min.IsZero() && cfg.Max.IsZero() {
		cfg.Min = decimal.NewFromFloat(0.25)
		cfg.Max = decimal.NewFromInt(2)
	}
	if cfg.SmoothingAlpha.IsZero() {
		cfg.SmoothingAlpha = decimal.NewFromFloat(0.3)
	}
	if cfg.MaxStep.IsZero() {
		cfg.MaxStep = decimal.NewFromFloat(0.25)
	}
	if cfg.ReviewWindow == 0 {
		cfg.ReviewWindow = 7 * 24 * time.Hour
	}
	if cfg.Sensitivity.IsZero() {
		cfg.Sensitivity = decimal.NewFromInt(5)
	}
	return &Adapter{
		store:  store,
		locks:  locks,
		config: cfg,
		logger: logger.WithField("component", "weight_adapter"),
	}
}

// Review recomputes and persists the weights for one account. Sources
// with no outcomes in the window keep their current weight.
func (a *Adapter) Review(ctx context.Context, accountID string) (*core.StrategyWeights, error) {
	lock := a.locks.Get(accountID)
	lock.Lock()
	defer lock.Unlock()

	since := time.Now().Add(-a.config.ReviewWindow)
	outcomes, err := a.store.LoadOutcomes(ctx, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load outcomes: %w", err)
	}

	current, err := a.store.LoadWeights(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}
	if current == nil {
		current = &core.StrategyWeights{
			AccountID: accountID,
			Weights:   make(map[core.SignalSource]decimal.Decimal),
		}
	}

	for source, avgReturn := range averageReturns(outcomes) {
		old := current.Weight(source, decimal.NewFromInt(1))
		updated := a.step(old, avgReturn)
		if !updated.Equal(old) {
			a.logger.Info("Weight updated",
				"account", accountID,
				"source", string(source),
				"old", old.StringFixed(4),
				"new", updated.StringFixed(4),
				"avg_return", avgReturn.StringFixed(6))
		}
		current.Weights[source] = updated
	}

	current.UpdatedAt = time.Now().UTC()
	current.Version++
	if err := a.store.SaveWeights(ctx, current); err != nil {
		return nil, fmt.Errorf("failed to persist weights: %w", err)
	}
	return current, nil
}

// step moves a weight toward the performance-implied target by the
// smoothing factor, then applies the per-review step cap and the
// [min, max] clamp. One spectacular week cannot swing a weight to an
// extreme.
func (a *Adapter) step(old, avgReturn decimal.Decimal) decimal.Decimal {
	target := decimal.NewFromInt(1).Add(avgReturn.Mul(a.config.Sensitivity))
	delta := target.Sub(old).Mul(a.config.SmoothingAlpha)

	if delta.GreaterThan(a.config.MaxStep) {
		delta = a.config.MaxStep
	}
	if delta.LessThan(a.config.MaxStep.Neg()) {
		delta = a.config.MaxStep.Neg()
	}

	updated := old.Add(delta)
	if updated.LessThan(a.config.Min) {
		return a.config.Min
	}
	if updated.GreaterThan(a.config.Max) {
		return a.config.Max
	}
	return updated
}

// averageReturns groups outcomes by signal source and averages their
// realized returns.
func averageReturns(outcomes []*core.TradeOutcome) map[core.SignalSource]decimal.Decimal {
	sums := make(map[core.SignalSource]decimal.Decimal)
	counts := make(map[core.SignalSource]int64)
	for _, o := range outcomes {
		if o.Source == "" {
			continue
		}
		sums[o.Source] = sums[o.Source].Add(o.Return)
		counts[o.Source]++
	}

	out := make(map[core.SignalSource]decimal.Decimal, len(sums))
	for source, sum := range sums {
		out[source] = sum.Div(decimal.NewFromInt(counts[source]))
	}
	return out
}
