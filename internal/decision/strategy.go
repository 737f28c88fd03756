package decision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"portfolio_engine/internal/core"
	"portfolio_engine/internal/gateway"
	"portfolio_engine/internal/ledger"
)

// Input is everything a strategy may consult when proposing trades for
// one cycle. Strategies read it; they never mutate account state.
type Input struct {
	Account   *core.Account
	Snapshot  ledger.Snapshot
	Positions []*core.Position
	Signals   []core.Signal
	Merged    []gateway.Merged
	Weights   *core.StrategyWeights
	Quotes    core.QuoteSource
	CycleTime time.Time
}

// Strategy turns cycle input into proposed order intents. Proposals are
// suggestions; the risk governor has the final word.
type Strategy interface {
	Kind() core.StrategyKind
	Propose(ctx context.Context, in Input) ([]core.OrderIntent, error)
}

// sizeNotional computes the target notional for an entry: a fraction of
// equity scaled by signal strength, so stronger conviction buys more but
// never past the per-position fraction.
func sizeNotional(equity, maxPositionPct, strength decimal.Decimal) decimal.Decimal {
	if strength.GreaterThan(decimal.NewFromInt(1)) {
		strength = decimal.NewFromInt(1)
	}
	if strength.IsNegative() {
		return decimal.Zero
	}
	return equity.Mul(maxPositionPct).Mul(strength)
}

// quantityFor converts a notional into shares at the live quote, rounded
// down to four decimal places. Zero when no quote is available; the
// brokerage then executes by notional.
func quantityFor(quotes core.QuoteSource, symbol string, notional decimal.Decimal) decimal.Decimal {
	if quotes == nil {
		return decimal.Zero
	}
	q, ok := quotes.Quote(symbol)
	if !ok || q.Price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return notional.Div(q.Price).RoundDown(4)
}

// SignalStrategy echoes merged external signals into proportional intents.
type SignalStrategy struct {
	maxPositionPct decimal.Decimal
	minStrength    decimal.Decimal
	logger         core.Logger
}

func NewSignalStrategy(maxPositionPct, minStrength decimal.Decimal, logger core.Logger) *SignalStrategy {
	return &SignalStrategy{
		maxPositionPct: maxPositionPct,
		minStrength:    minStrength,
		logger:         logger.WithField("strategy", "signal"),
	}
}

func (s *SignalStrategy) Kind() core.StrategyKind { return core.StrategySignal }

func (s *SignalStrategy) Propose(ctx context.Context, in Input) ([]core.OrderIntent, error) {
	var intents []core.OrderIntent

	for _, m := range in.Merged {
		if m.Strength.LessThan(s.minStrength) {
			continue
		}

		if m.Side == core.SideSell {
			pos := findPosition(in.Positions, m.Symbol)
			if pos == nil || !pos.Quantity.IsPositive() {
				continue
			}
			intents = append(intents, core.OrderIntent{
				AccountID:      in.Account.ID,
				Symbol:         m.Symbol,
				Side:           core.SideSell,
				Quantity:       pos.Quantity,
				Notional:       pos.MarketValue,
				Type:           core.TypeMarket,
				SignalSource:   m.Primary,
				SignalStrength: m.Strength,
				WeightApplied:  in.Weights.Weight(m.Primary, decimal.NewFromInt(1)),
				CycleTime:      in.CycleTime,
				Reasoning:      fmt.Sprintf("sell signal %.2f from %s", strengthF(m.Strength), m.Primary),
			})
			continue
		}

		notional := sizeNotional(in.Snapshot.Equity, s.maxPositionPct, m.Strength)
		if notional.LessThanOrEqual(decimal.Zero) {
			continue
		}
		intents = append(intents, core.OrderIntent{
			AccountID:      in.Account.ID,
			Symbol:         m.Symbol,
			Side:           core.SideBuy,
			Quantity:       quantityFor(in.Quotes, m.Symbol, notional),
			Notional:       notional,
			Type:           core.TypeMarket,
			SignalSource:   m.Primary,
			SignalStrength: m.Strength,
			WeightApplied:  in.Weights.Weight(m.Primary, decimal.NewFromInt(1)),
			CycleTime:      in.CycleTime,
			Reasoning:      fmt.Sprintf("buy signal %.2f from %s", strengthF(m.Strength), m.Primary),
		})
	}

	return intents, nil
}

// IntradayStrategy trades scanner signals within a session, manages open
// positions with high-water-mark trailing stops, and force-closes
// everything near the end of the trading day.
type IntradayStrategy struct {
	maxPositionPct  decimal.Decimal
	minStrength     decimal.Decimal
	maxDailyLossPct decimal.Decimal // fraction of equity, zero disables
	maxTradesPerDay int             // zero disables
	trailingStopPct decimal.Decimal
	stopLossPct     decimal.Decimal // loss off cost basis, zero disables
	takeProfitPct   decimal.Decimal // gain off cost basis, zero disables
	eodCloseAfter   time.Duration   // offset from UTC midnight
	logger          core.Logger

	mu        sync.Mutex
	highWater map[string]decimal.Decimal
}

// IntradayConfig bundles the intraday tuning knobs.
type IntradayConfig struct {
	MaxPositionPct  decimal.Decimal
	MinStrength     decimal.Decimal
	MaxDailyLossPct decimal.Decimal
	MaxTradesPerDay int
	TrailingStopPct decimal.Decimal
	StopLossPct     decimal.Decimal
	TakeProfitPct   decimal.Decimal
	EODCloseAfter   time.Duration
}

func NewIntradayStrategy(cfg IntradayConfig, logger core.Logger) *IntradayStrategy {
	if cfg.TrailingStopPct.IsZero() {
		cfg.TrailingStopPct = decimal.NewFromFloat(0.02)
	}
	if cfg.EODCloseAfter == 0 {
		// 19:45 UTC, fifteen minutes before the US session close.
		cfg.EODCloseAfter = 19*time.Hour + 45*time.Minute
	}
	return &IntradayStrategy{
		maxPositionPct:  cfg.MaxPositionPct,
		minStrength:     cfg.MinStrength,
		maxDailyLossPct: cfg.MaxDailyLossPct,
		maxTradesPerDay: cfg.MaxTradesPerDay,
		trailingStopPct: cfg.TrailingStopPct,
		stopLossPct:     cfg.StopLossPct,
		takeProfitPct:   cfg.TakeProfitPct,
		eodCloseAfter:   cfg.EODCloseAfter,
		logger:          logger.WithField("strategy", "intraday"),
		highWater:       make(map[string]decimal.Decimal),
	}
}

func (s *IntradayStrategy) Kind() core.StrategyKind { return core.StrategyIntraday }

func (s *IntradayStrategy) Propose(ctx context.Context, in Input) ([]core.OrderIntent, error) {
	var intents []core.OrderIntent

	// Exits first, so stop and end-of-day closes go out even when entry
	// gates are shut.
	exits := s.proposeExits(in)
	intents = append(intents, exits...)
	closing := make(map[string]bool, len(exits))
	for _, it := range exits {
		closing[it.Symbol] = true
	}

	if !s.entriesAllowed(in) {
		return intents, nil
	}

	for _, m := range in.Merged {
		if m.Side != core.SideBuy || m.Strength.LessThan(s.minStrength) || closing[m.Symbol] {
			continue
		}
		if findPosition(in.Positions, m.Symbol) != nil {
			// One entry per symbol per session.
			continue
		}
		notional := sizeNotional(in.Snapshot.Equity, s.maxPositionPct, m.Strength)
		if notional.LessThanOrEqual(decimal.Zero) {
			continue
		}
		intents = append(intents, core.OrderIntent{
			AccountID:      in.Account.ID,
			Symbol:         m.Symbol,
			Side:           core.SideBuy,
			Quantity:       quantityFor(in.Quotes, m.Symbol, notional),
			Notional:       notional,
			Type:           core.TypeMarket,
			SignalSource:   m.Primary,
			SignalStrength: m.Strength,
			WeightApplied:  in.Weights.Weight(m.Primary, decimal.NewFromInt(1)),
			CycleTime:      in.CycleTime,
			Reasoning:      fmt.Sprintf("intraday entry %.2f from %s", strengthF(m.Strength), m.Primary),
		})
	}

	return intents, nil
}

func (s *IntradayStrategy) entriesAllowed(in Input) bool {
	if !s.maxDailyLossPct.IsZero() {
		limit := in.Snapshot.Equity.Mul(s.maxDailyLossPct).Neg()
		if in.Snapshot.RealizedToday.LessThanOrEqual(limit) {
			s.logger.Warn("Daily loss limit reached, entries halted",
				"account", in.Account.ID,
				"realized", in.Snapshot.RealizedToday.StringFixed(2))
			return false
		}
	}
	if s.maxTradesPerDay > 0 && in.Snapshot.TradesToday >= s.maxTradesPerDay {
		s.logger.Info("Daily trade cap reached, entries halted",
			"account", in.Account.ID,
			"trades", in.Snapshot.TradesToday)
		return false
	}
	return true
}

func (s *IntradayStrategy) proposeExits(in Input) []core.OrderIntent {
	var intents []core.OrderIntent

	sinceMidnight := in.CycleTime.UTC().Sub(in.CycleTime.UTC().Truncate(24 * time.Hour))
	eod := sinceMidnight >= s.eodCloseAfter

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pos := range in.Positions {
		if !pos.Quantity.IsPositive() {
			continue
		}

		price := pos.MarketValue.Div(pos.Quantity)
		if in.Quotes != nil {
			if q, ok := in.Quotes.Quote(pos.Symbol); ok && q.Price.IsPositive() {
				price = q.Price
			}
		}

		hw, tracked := s.highWater[pos.Symbol]
		if !tracked || price.GreaterThan(hw) {
			s.highWater[pos.Symbol] = price
			hw = price
		}

		var reason string
		switch {
		case eod:
			reason = "end of day close"
		case s.stopLossHit(pos, price):
			reason = fmt.Sprintf("stop loss: %s against basis %s",
				price.StringFixed(2), pos.AvgCostBasis.StringFixed(2))
		case s.takeProfitHit(pos, price):
			reason = fmt.Sprintf("profit target: %s against basis %s",
				price.StringFixed(2), pos.AvgCostBasis.StringFixed(2))
		case price.LessThan(hw.Mul(decimal.NewFromInt(1).Sub(s.trailingStopPct))):
			reason = fmt.Sprintf("trailing stop: %s off high water %s",
				price.StringFixed(2), hw.StringFixed(2))
		default:
			continue
		}

		delete(s.highWater, pos.Symbol)
		intents = append(intents, core.OrderIntent{
			AccountID:      in.Account.ID,
			Symbol:         pos.Symbol,
			Side:           core.SideSell,
			Quantity:       pos.Quantity,
			Notional:       price.Mul(pos.Quantity),
			Type:           core.TypeMarket,
			SignalSource:   core.SourceScanner,
			SignalStrength: decimal.NewFromInt(1),
			CycleTime:      in.CycleTime,
			Reasoning:      reason,
		})
	}

	return intents
}

func (s *IntradayStrategy) stopLossHit(pos *core.Position, price decimal.Decimal) bool {
	if s.stopLossPct.IsZero() || !pos.AvgCostBasis.IsPositive() {
		return false
	}
	floor := pos.AvgCostBasis.Mul(decimal.NewFromInt(1).Sub(s.stopLossPct))
	return price.LessThanOrEqual(floor)
}

func (s *IntradayStrategy) takeProfitHit(pos *core.Position, price decimal.Decimal) bool {
	if s.takeProfitPct.IsZero() || !pos.AvgCostBasis.IsPositive() {
		return false
	}
	target := pos.AvgCostBasis.Mul(decimal.NewFromInt(1).Add(s.takeProfitPct))
	return price.GreaterThanOrEqual(target)
}

// AutonomousStrategy delegates symbol scoring to the AI decision
// capability. Model output is untrusted: scores are clamped, filtered by
// confidence, and still pass through the risk governor like any other
// intent.
type AutonomousStrategy struct {
	provider       core.DecisionProvider
	timeout        time.Duration
	minConfidence  int
	maxPositionPct decimal.Decimal
	candidates     []string
	logger         core.Logger
}

func NewAutonomousStrategy(provider core.DecisionProvider, candidates []string, maxPositionPct decimal.Decimal, minConfidence int, timeout time.Duration, logger core.Logger) *AutonomousStrategy {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AutonomousStrategy{
		provider:       provider,
		timeout:        timeout,
		minConfidence:  minConfidence,
		maxPositionPct: maxPositionPct,
		candidates:     candidates,
		logger:         logger.WithField("strategy", "autonomous"),
	}
}

func (s *AutonomousStrategy) Kind() core.StrategyKind { return core.StrategyAutonomous }

func (s *AutonomousStrategy) Propose(ctx context.Context, in Input) ([]core.OrderIntent, error) {
	scoreCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	scores, err := s.provider.Score(scoreCtx, in.Account, in.Positions, s.candidates)
	if err != nil {
		return nil, core.Transient("decision score", err)
	}

	var intents []core.OrderIntent
	for _, sc := range scores {
		if sc.Confidence < s.minConfidence {
			s.logger.Debug("Score below confidence floor",
				"symbol", sc.Symbol, "confidence", sc.Confidence)
			continue
		}

		strength := sc.Strength
		if strength.IsNegative() {
			strength = decimal.Zero
		}
		if strength.GreaterThan(decimal.NewFromInt(1)) {
			strength = decimal.NewFromInt(1)
		}

		if sc.Side == core.SideSell {
			pos := findPosition(in.Positions, sc.Symbol)
			if pos == nil || !pos.Quantity.IsPositive() {
				continue
			}
			intents = append(intents, core.OrderIntent{
				AccountID:      in.Account.ID,
				Symbol:         sc.Symbol,
				Side:           core.SideSell,
				Quantity:       pos.Quantity,
				Notional:       pos.MarketValue,
				Type:           core.TypeMarket,
				SignalSource:   core.SourceModel,
				SignalStrength: strength,
				CycleTime:      in.CycleTime,
				Reasoning:      sc.Thesis,
			})
			continue
		}

		notional := sizeNotional(in.Snapshot.Equity, s.maxPositionPct, strength)
		if notional.LessThanOrEqual(decimal.Zero) {
			continue
		}
		intents = append(intents, core.OrderIntent{
			AccountID:      in.Account.ID,
			Symbol:         sc.Symbol,
			Side:           core.SideBuy,
			Quantity:       quantityFor(in.Quotes, sc.Symbol, notional),
			Notional:       notional,
			Type:           core.TypeMarket,
			SignalSource:   core.SourceModel,
			SignalStrength: strength,
			CycleTime:      in.CycleTime,
			Reasoning:      sc.Thesis,
		})
	}

	return intents, nil
}

func findPosition(positions []*core.Position, symbol string) *core.Position {
	for _, p := range positions {
		if p.Symbol == symbol {
			return p
		}
	}
	return nil
}

func strengthF(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
