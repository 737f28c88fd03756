// Package risk validates proposed trades against exposure, concentration,
// and cash constraints.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"portfolio_engine/internal/core"
	"portfolio_engine/internal/ledger"
)

// Limits are the configured risk limits for one account.
type Limits struct {
	MaxConcentrationPct decimal.Decimal // per-symbol, fraction of equity
	MaxInvestedPct      decimal.Decimal // aggregate exposure, fraction of equity
	MinCashBufferPct    decimal.Decimal // cash retained after the trade
	MaxOrdersPerCycle   int
}

// Action is the governor's decision for one intent.
type Action int

const (
	Accept Action = iota
	Shrink
	Reject
)

func (a Action) String() string {
	switch a {
	case Accept:
		return "accept"
	case Shrink:
		return "shrink"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Verdict is the outcome of evaluating one intent.
type Verdict struct {
	Action Action
	Intent core.OrderIntent // adjusted copy when Action == Shrink
	Reason string
}

// Governor evaluates intents against a ledger snapshot. It is a pure
// function of its inputs; all state lives in the snapshot and the
// per-cycle order counter the decision loop passes in.
type Governor struct {
	limits Limits
}

func NewGovernor(limits Limits) *Governor {
	return &Governor{limits: limits}
}

// Evaluate checks one intent against the snapshot. ordersThisCycle is the
// number of intents already accepted during the current cycle.
func (g *Governor) Evaluate(intent core.OrderIntent, snap ledger.Snapshot, ordersThisCycle int) Verdict {
	if ordersThisCycle >= g.limits.MaxOrdersPerCycle {
		return Verdict{
			Action: Reject,
			Intent: intent,
			Reason: fmt.Sprintf("per-cycle order cap reached (%d)", g.limits.MaxOrdersPerCycle),
		}
	}

	if intent.Side == core.SideSell {
		// Reductions release exposure; only guard against selling what
		// the account does not hold.
		held := snap.SymbolValue[intent.Symbol]
		if held.IsZero() {
			return Verdict{
				Action: Reject,
				Intent: intent,
				Reason: fmt.Sprintf("no position in %s to reduce", intent.Symbol),
			}
		}
		return Verdict{Action: Accept, Intent: intent}
	}

	notional := intent.Notional
	if notional.LessThanOrEqual(decimal.Zero) {
		return Verdict{Action: Reject, Intent: intent, Reason: "non-positive notional"}
	}

	maxNotional := g.maxBuyNotional(intent.Symbol, snap)
	if maxNotional.LessThanOrEqual(decimal.Zero) {
		return Verdict{
			Action: Reject,
			Intent: intent,
			Reason: fmt.Sprintf("no headroom for %s under configured limits", intent.Symbol),
		}
	}

	if notional.LessThanOrEqual(maxNotional) {
		return Verdict{Action: Accept, Intent: intent}
	}

	// Shrink to the largest notional all limits allow. A reduction to
	// zero is a reject, not an accept-with-zero.
	shrunk := intent
	shrunk.Notional = maxNotional
	if !intent.Notional.IsZero() {
		ratio := maxNotional.Div(intent.Notional)
		shrunk.Quantity = intent.Quantity.Mul(ratio)
	}
	if shrunk.Notional.LessThanOrEqual(decimal.Zero) || shrunk.Quantity.LessThanOrEqual(decimal.Zero) {
		return Verdict{
			Action: Reject,
			Intent: intent,
			Reason: "reduction would bring quantity to zero",
		}
	}

	return Verdict{
		Action: Shrink,
		Intent: shrunk,
		Reason: fmt.Sprintf("notional reduced from %s to %s", intent.Notional.StringFixed(2), maxNotional.StringFixed(2)),
	}
}

// maxBuyNotional returns the largest additional notional that keeps the
// post-trade state inside every limit.
func (g *Governor) maxBuyNotional(symbol string, snap ledger.Snapshot) decimal.Decimal {
	equity := snap.Equity
	if equity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	// Concentration: symbol value after the trade <= equity * maxConcentration.
	concentrationRoom := equity.Mul(g.limits.MaxConcentrationPct).Sub(snap.SymbolValue[symbol])

	// Aggregate: invested after the trade <= equity * maxInvested.
	aggregateRoom := equity.Mul(g.limits.MaxInvestedPct).Sub(snap.Invested)

	// Cash buffer: cash after the trade >= equity * minCashBuffer.
	cashRoom := snap.Cash.Sub(equity.Mul(g.limits.MinCashBufferPct))

	room := decimal.Min(concentrationRoom, aggregateRoom, cashRoom)
	if room.IsNegative() {
		return decimal.Zero
	}
	return room
}
