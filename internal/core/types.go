// Package core defines the shared types and capability interfaces for the
// portfolio trading engine.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyKind identifies which decision strategy drives an account.
type StrategyKind string

const (
	StrategySignal     StrategyKind = "signal"
	StrategyIntraday   StrategyKind = "intraday"
	StrategyAutonomous StrategyKind = "autonomous"
)

// SignalSource identifies where a signal came from.
type SignalSource string

const (
	SourceCongress   SignalSource = "congress"
	SourceInsider    SignalSource = "insider"
	SourceGovernment SignalSource = "gov_contracts"
	SourceLobbying   SignalSource = "lobbying"
	SourceModel      SignalSource = "model"
	SourceScanner    SignalSource = "scanner"
)

// Account is one brokerage account managed by the engine. Accounts are
// created at configuration load and never deleted at runtime; cash and
// buying power are mutated only by ledger reconciliation.
type Account struct {
	ID              string
	CredentialsRef  string
	Strategy        StrategyKind
	StartingCapital decimal.Decimal
	Cash            decimal.Decimal
	BuyingPower     decimal.Decimal
}

// Signal is a normalized scored input suggesting a trading opportunity.
// Immutable once produced; later signals for the same symbol supersede
// earlier ones instead of mutating them.
type Signal struct {
	Source     SignalSource
	Symbol     string
	Strength   decimal.Decimal // normalized to [0, 1]
	Direction  OrderSide
	Timestamp  time.Time
	PayloadRef string
}

// Age returns how old the signal is relative to now.
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// OrderSide is the direction of a trade.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is the brokerage order type.
type OrderType string

const (
	TypeMarket OrderType = "market"
	TypeLimit  OrderType = "limit"
)

// Position is the holding for one (account, symbol) pair. Quantity is
// signed; negative means short. Updated only by fill reconciliation and
// removed when quantity returns to zero.
type Position struct {
	AccountID     string
	Symbol        string
	Quantity      decimal.Decimal
	AvgCostBasis  decimal.Decimal
	UnrealizedPnL decimal.Decimal
	MarketValue   decimal.Decimal
	UpdatedAt     time.Time
}

// OrderIntent is a proposed, not-yet-submitted trade. Produced by the
// decision loop, consumed by the risk governor, and terminal once handed
// to the execution engine.
type OrderIntent struct {
	AccountID      string
	Symbol         string
	Side           OrderSide
	Quantity       decimal.Decimal
	Notional       decimal.Decimal
	Type           OrderType
	LimitPrice     decimal.Decimal
	SignalSource   SignalSource
	SignalStrength decimal.Decimal
	WeightApplied  decimal.Decimal
	CycleTime      time.Time
	Reasoning      string
}

// OrderState is the lifecycle state of a submitted order.
type OrderState string

const (
	OrderPending         OrderState = "pending"
	OrderSubmitted       OrderState = "submitted"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderRejected        OrderState = "rejected"
	OrderCancelled       OrderState = "cancelled"
	OrderExpired         OrderState = "expired"
)

// Terminal reports whether the state is final.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

// Fill is one confirmed partial or full execution of a submitted order.
type Fill struct {
	ID        string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
	// Cumulative marks Quantity as the total filled so far rather than
	// one execution. Brokerages that only report running totals set it;
	// the execution engine converts to increments on merge.
	Cumulative bool
}

// OrderRecord is the audited lifecycle record of a submitted order.
// Created at submission and mutated only by the execution engine's
// reconciliation; retained indefinitely.
type OrderRecord struct {
	IdempotencyKey string
	AccountID      string
	Symbol         string
	Side           OrderSide
	Quantity       decimal.Decimal
	BrokerOrderID  string
	State          OrderState
	RejectReason   string
	Fills          []Fill
	Intent         OrderIntent
	SubmittedAt    time.Time
	UpdatedAt      time.Time
	Reconciled     bool
	// AppliedFills lists the IDs of fills already applied to the
	// position. Persisted with the record so a restart cannot apply
	// the same fill twice.
	AppliedFills []string
}

// FilledQuantity returns the sum of fill quantities. It never exceeds the
// intended quantity.
func (r *OrderRecord) FilledQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, f := range r.Fills {
		total = total.Add(f.Quantity)
	}
	return total
}

// AvgFillPrice returns the quantity-weighted average fill price, or zero
// when nothing has filled.
func (r *OrderRecord) AvgFillPrice() decimal.Decimal {
	qty := decimal.Zero
	notional := decimal.Zero
	for _, f := range r.Fills {
		qty = qty.Add(f.Quantity)
		notional = notional.Add(f.Quantity.Mul(f.Price))
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return notional.Div(qty)
}

// SignedFillQuantity returns the fill sum signed by order side.
func (r *OrderRecord) SignedFillQuantity() decimal.Decimal {
	q := r.FilledQuantity()
	if r.Side == SideSell {
		return q.Neg()
	}
	return q
}

// StrategyWeights maps signal sources to a bounded numeric weight for one
// account. Mutated exclusively by the weight adapter; read-only to the
// decision loop.
type StrategyWeights struct {
	AccountID string
	Weights   map[SignalSource]decimal.Decimal
	UpdatedAt time.Time
	Version   int64
}

// Weight returns the weight for a source, or def when unset.
func (w *StrategyWeights) Weight(source SignalSource, def decimal.Decimal) decimal.Decimal {
	if w == nil || w.Weights == nil {
		return def
	}
	if v, ok := w.Weights[source]; ok {
		return v
	}
	return def
}

// TradeOutcome is a closed trade with realized P&L, attributed back to the
// originating signal source. Input to the weight adapter.
type TradeOutcome struct {
	AccountID   string
	Symbol      string
	Source      SignalSource
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	Quantity    decimal.Decimal
	RealizedPnL decimal.Decimal
	Return      decimal.Decimal // realized return as a fraction of entry notional
	ExitReason  string
	EntryTime   time.Time
	ExitTime    time.Time
}

// IntentOutcome records what happened to one intent during a cycle.
type IntentOutcome struct {
	Intent     OrderIntent
	Accepted   bool
	Adjusted   bool
	DropReason string
	Record     *OrderRecord
	Err        error
}

// CycleState is a decision loop state machine state.
type CycleState string

const (
	CycleFetchingSignals CycleState = "fetching_signals"
	CycleEvaluating      CycleState = "evaluating"
	CycleRiskCheck       CycleState = "risk_check"
	CycleExecuting       CycleState = "executing"
	CycleReconciling     CycleState = "reconciling"
	CycleDone            CycleState = "done"
	CycleFailed          CycleState = "failed"
)

// CycleReport is the structured outcome of one decision loop cycle,
// returned to the caller and emitted for the reporting layer to render.
type CycleReport struct {
	AccountID  string
	CycleTime  time.Time
	State      CycleState
	Signals    int
	Intents    []IntentOutcome
	Submitted  int
	Rejected   int
	RiskDrops  int
	Failures   int
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Quote is a live last-trade observation for one symbol.
type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// ModelScore is one symbol scored by the AI decision capability.
type ModelScore struct {
	Symbol     string
	Strength   decimal.Decimal // [0, 1]
	Side       OrderSide
	Confidence int // 0-100
	Thesis     string
}
