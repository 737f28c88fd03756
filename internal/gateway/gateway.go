// Package gateway normalizes external signal feeds and live quotes into
// the common Signal shape consumed by the decision loop.
package gateway

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"portfolio_engine/internal/core"
)

// Gateway fans out to the configured signal providers and merges their
// output. Provider failures are isolated: one dead feed does not blank
// the others.
type Gateway struct {
	providers []core.SignalProvider
	quotes    core.QuoteSource
	logger    core.Logger

	freshnessWindow time.Duration
	defaultWeight   decimal.Decimal
}

// Config holds gateway tuning knobs.
type Config struct {
	FreshnessWindow time.Duration
	DefaultWeight   decimal.Decimal
}

func New(providers []core.SignalProvider, quotes core.QuoteSource, cfg Config, logger core.Logger) *Gateway {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = 5 * time.Minute
	}
	if cfg.DefaultWeight.IsZero() {
		cfg.DefaultWeight = decimal.NewFromInt(1)
	}
	return &Gateway{
		providers:       providers,
		quotes:          quotes,
		logger:          logger.WithField("component", "signal_gateway"),
		freshnessWindow: cfg.FreshnessWindow,
		defaultWeight:   cfg.DefaultWeight,
	}
}

// Fetch returns the latest signals for the tracked symbols since the
// given time. Per-symbol, only the newest signal from each source
// survives; older ones are superseded.
func (g *Gateway) Fetch(ctx context.Context, symbols []string, since time.Time) ([]core.Signal, error) {
	latest := make(map[string]core.Signal) // symbol|source -> newest signal
	var fetched, failed int
	var lastErr error

	for _, p := range g.providers {
		signals, err := p.GetSignals(ctx, symbols, since)
		if err != nil {
			g.logger.Warn("Signal provider failed",
				"source", string(p.Source()),
				"error", err.Error())
			failed++
			lastErr = err
			continue
		}
		fetched += len(signals)
		for _, s := range signals {
			key := s.Symbol + "|" + string(s.Source)
			if prev, ok := latest[key]; !ok || s.Timestamp.After(prev.Timestamp) {
				latest[key] = s
			}
		}
	}

	// One dead feed is isolated; every feed dead is a fetch failure the
	// caller may retry.
	if len(g.providers) > 0 && failed == len(g.providers) {
		return nil, core.Transient("signal fetch", lastErr)
	}

	out := make([]core.Signal, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Source < out[j].Source
	})

	g.logger.Debug("Fetched signals", "raw", fetched, "deduped", len(out))
	return out, nil
}

// Fresh filters out signals older than the freshness window.
func (g *Gateway) Fresh(signals []core.Signal, now time.Time) []core.Signal {
	out := signals[:0:0]
	for _, s := range signals {
		if s.Age(now) <= g.freshnessWindow {
			out = append(out, s)
		}
	}
	return out
}

// Merged is a per-symbol combination of simultaneous signals.
type Merged struct {
	Symbol   string
	Strength decimal.Decimal
	Side     core.OrderSide
	Sources  []core.SignalSource
	Primary  core.SignalSource // highest weighted contribution
}

// Merge combines simultaneous signals for the same symbol from different
// sources into one score: a weighted average of strength by the
// account's strategy weights, with sell-side signals contributing
// negatively. Sources without a configured weight use the default.
func (g *Gateway) Merge(signals []core.Signal, weights *core.StrategyWeights) []Merged {
	bySymbol := make(map[string][]core.Signal)
	for _, s := range signals {
		bySymbol[s.Symbol] = append(bySymbol[s.Symbol], s)
	}

	out := make([]Merged, 0, len(bySymbol))
	for symbol, group := range bySymbol {
		weighted := decimal.Zero
		weightSum := decimal.Zero
		var primary core.SignalSource
		primaryContribution := decimal.Zero
		sources := make([]core.SignalSource, 0, len(group))

		for _, s := range group {
			w := weights.Weight(s.Source, g.defaultWeight)
			contribution := s.Strength.Mul(w)
			if s.Direction == core.SideSell {
				contribution = contribution.Neg()
			}
			weighted = weighted.Add(contribution)
			weightSum = weightSum.Add(w)
			sources = append(sources, s.Source)

			if contribution.Abs().GreaterThan(primaryContribution.Abs()) {
				primaryContribution = contribution
				primary = s.Source
			}
		}

		if weightSum.IsZero() {
			continue
		}
		score := weighted.Div(weightSum)

		m := Merged{
			Symbol:   symbol,
			Strength: score.Abs(),
			Side:     core.SideBuy,
			Sources:  sources,
			Primary:  primary,
		}
		if score.IsNegative() {
			m.Side = core.SideSell
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Strength.GreaterThan(out[j].Strength)
	})
	return out
}

// Quote exposes the live quote cache.
func (g *Gateway) Quote(symbol string) (core.Quote, bool) {
	if g.quotes == nil {
		return core.Quote{}, false
	}
	return g.quotes.Quote(symbol)
}
