// Package ledger maintains the authoritative view of holdings, cash, and
// pending orders per account. It is single-writer: all mutation happens
// under the account lock held by the decision loop.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"portfolio_engine/internal/core"
)

// Snapshot is a point-in-time read-only view handed to the risk governor.
type Snapshot struct {
	AccountID     string
	Cash          decimal.Decimal
	Equity        decimal.Decimal // cash + market value of positions
	Invested      decimal.Decimal // total absolute market value of positions
	SymbolValue   map[string]decimal.Decimal
	PositionCount int
	PendingOrders int
	RealizedToday decimal.Decimal
	TradesToday   int
}

// Ledger tracks positions and pending order records for one account.
type Ledger struct {
	account *core.Account
	store   core.Store
	logger  core.Logger

	positions map[string]*core.Position   // symbol -> position
	pending   map[string]*core.OrderRecord // idempotency key -> unreconciled record
	outcomes  []*core.TradeOutcome
}

// New builds a ledger for the account, hydrating positions and pending
// order records from the store.
func New(ctx context.Context, account *core.Account, store core.Store, logger core.Logger) (*Ledger, error) {
	l := &Ledger{
		account:   account,
		store:     store,
		logger:    logger.WithField("component", "ledger").WithField("account", account.ID),
		positions: make(map[string]*core.Position),
		pending:   make(map[string]*core.OrderRecord),
	}

	positions, err := store.LoadPositions(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	for _, p := range positions {
		l.positions[p.Symbol] = p
	}

	records, err := store.LoadOrderRecords(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order records: %w", err)
	}
	for _, r := range records {
		if !r.State.Terminal() || !r.Reconciled {
			l.pending[r.IdempotencyKey] = r
		}
	}

	// Today's realized outcomes survive a restart: the daily loss halt,
	// trade cap, and loss breaker all read them from the snapshot.
	today := time.Now().UTC().Truncate(24 * time.Hour)
	outcomes, err := store.LoadOutcomes(ctx, account.ID, today)
	if err != nil {
		return nil, fmt.Errorf("failed to load today's outcomes: %w", err)
	}
	l.outcomes = outcomes

	l.logger.Info("Ledger hydrated",
		"positions", len(l.positions),
		"pending_orders", len(l.pending),
		"outcomes_today", len(l.outcomes))
	return l, nil
}

// SyncBroker reconciles local positions against the brokerage's report.
// The brokerage is authoritative: quantities and cost basis it reports
// replace the local view, and local positions it no longer knows are
// dropped as closed outside the system.
func (l *Ledger) SyncBroker(ctx context.Context, broker []*core.Position) error {
	seen := make(map[string]bool, len(broker))
	for _, bp := range broker {
		seen[bp.Symbol] = true
		local := l.positions[bp.Symbol]
		if local != nil && local.Quantity.Equal(bp.Quantity) && local.AvgCostBasis.Equal(bp.AvgCostBasis) {
			continue
		}
		if local != nil {
			l.logger.Warn("Position drift against brokerage, adopting broker state",
				"symbol", bp.Symbol,
				"local_qty", local.Quantity.String(),
				"broker_qty", bp.Quantity.String())
		}
		cp := *bp
		cp.AccountID = l.account.ID
		l.positions[bp.Symbol] = &cp
		if err := l.store.SavePosition(ctx, &cp); err != nil {
			return fmt.Errorf("failed to persist synced position: %w", err)
		}
	}

	for sym := range l.positions {
		if seen[sym] {
			continue
		}
		l.logger.Warn("Local position unknown to brokerage, dropping", "symbol", sym)
		delete(l.positions, sym)
		if err := l.store.DeletePosition(ctx, l.account.ID, sym); err != nil {
			return fmt.Errorf("failed to delete drifted position: %w", err)
		}
	}
	return nil
}

// Account returns the owning account.
func (l *Ledger) Account() *core.Account {
	return l.account
}

// Position returns the current position for a symbol, or nil.
func (l *Ledger) Position(symbol string) *core.Position {
	return l.positions[symbol]
}

// Positions returns all open positions.
func (l *Ledger) Positions() []*core.Position {
	out := make([]*core.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	return out
}

// PendingRecords returns order records not yet in a reconciled terminal
// state, for the next cycle to re-poll.
func (l *Ledger) PendingRecords() []*core.OrderRecord {
	out := make([]*core.OrderRecord, 0, len(l.pending))
	for _, r := range l.pending {
		out = append(out, r)
	}
	return out
}

// TrackOrder registers a newly submitted order record.
func (l *Ledger) TrackOrder(ctx context.Context, rec *core.OrderRecord) error {
	l.pending[rec.IdempotencyKey] = rec
	return l.store.SaveOrderRecord(ctx, rec)
}

// Reconcile applies the confirmed fills of an order record to the
// position for its symbol. Fills are applied in brokerage report order;
// fills listed in the record's applied set are skipped, and the set is
// persisted with the record after every application so a restart resumes
// exactly where reconciliation left off. Only confirmed fills ever move
// the ledger, so a failed cycle cannot corrupt state.
func (l *Ledger) Reconcile(ctx context.Context, rec *core.OrderRecord) error {
	applied := make(map[string]bool, len(rec.AppliedFills))
	for _, id := range rec.AppliedFills {
		applied[id] = true
	}

	for _, fill := range rec.Fills {
		if applied[fill.ID] {
			continue
		}
		if err := l.applyFill(ctx, rec, fill); err != nil {
			return err
		}
		applied[fill.ID] = true
		rec.AppliedFills = append(rec.AppliedFills, fill.ID)
		rec.UpdatedAt = time.Now().UTC()
		if err := l.store.SaveOrderRecord(ctx, rec); err != nil {
			return fmt.Errorf("failed to persist applied fill: %w", err)
		}
	}

	if rec.State.Terminal() {
		rec.Reconciled = true
		delete(l.pending, rec.IdempotencyKey)
	}
	rec.UpdatedAt = time.Now().UTC()
	return l.store.SaveOrderRecord(ctx, rec)
}

func (l *Ledger) applyFill(ctx context.Context, rec *core.OrderRecord, fill core.Fill) error {
	signedQty := fill.Quantity
	if rec.Side == core.SideSell {
		signedQty = signedQty.Neg()
	}

	pos := l.positions[rec.Symbol]
	if pos == nil {
		pos = &core.Position{
			AccountID: l.account.ID,
			Symbol:    rec.Symbol,
		}
		l.positions[rec.Symbol] = pos
	}

	oldQty := pos.Quantity
	newQty := oldQty.Add(signedQty)

	switch {
	case oldQty.IsZero() || oldQty.Sign() == signedQty.Sign():
		// Opening or increasing: blend cost basis.
		oldNotional := pos.AvgCostBasis.Mul(oldQty.Abs())
		addNotional := fill.Price.Mul(fill.Quantity)
		total := oldQty.Abs().Add(fill.Quantity)
		if !total.IsZero() {
			pos.AvgCostBasis = oldNotional.Add(addNotional).Div(total)
		}
	default:
		// Reducing or flipping: realize P&L against the cost basis.
		closedQty := decimal.Min(oldQty.Abs(), fill.Quantity)
		pnl := fill.Price.Sub(pos.AvgCostBasis).Mul(closedQty)
		if oldQty.Sign() < 0 {
			pnl = pnl.Neg()
		}
		l.recordOutcome(ctx, rec, fill, closedQty, pnl)
		if newQty.Sign() != 0 && newQty.Sign() != oldQty.Sign() {
			// Flipped through zero; remainder opens at the fill price.
			pos.AvgCostBasis = fill.Price
		}
	}

	pos.Quantity = newQty
	pos.MarketValue = fill.Price.Mul(newQty.Abs())
	pos.UpdatedAt = fill.Timestamp

	// Cash moves opposite to signed quantity.
	l.account.Cash = l.account.Cash.Sub(fill.Price.Mul(signedQty))

	if pos.Quantity.IsZero() {
		delete(l.positions, rec.Symbol)
		if err := l.store.DeletePosition(ctx, l.account.ID, rec.Symbol); err != nil {
			return fmt.Errorf("failed to delete flat position: %w", err)
		}
		l.logger.Info("Position closed", "symbol", rec.Symbol)
		return nil
	}

	return l.store.SavePosition(ctx, pos)
}

func (l *Ledger) recordOutcome(ctx context.Context, rec *core.OrderRecord, fill core.Fill, closedQty, pnl decimal.Decimal) {
	pos := l.positions[rec.Symbol]
	outcome := &core.TradeOutcome{
		AccountID:   l.account.ID,
		Symbol:      rec.Symbol,
		Source:      rec.Intent.SignalSource,
		EntryPrice:  pos.AvgCostBasis,
		ExitPrice:   fill.Price,
		Quantity:    closedQty,
		RealizedPnL: pnl,
		ExitReason:  rec.Intent.Reasoning,
		EntryTime:   pos.UpdatedAt,
		ExitTime:    fill.Timestamp,
	}
	base := pos.AvgCostBasis.Mul(closedQty)
	if !base.IsZero() {
		outcome.Return = pnl.Div(base)
	}

	l.outcomes = append(l.outcomes, outcome)
	if err := l.store.SaveOutcome(ctx, outcome); err != nil {
		l.logger.Error("Failed to persist trade outcome",
			"symbol", rec.Symbol, "error", err.Error())
	}
}

// Weights returns the account's persisted strategy weights, or an empty
// set when none have been written yet.
func (l *Ledger) Weights(ctx context.Context) (*core.StrategyWeights, error) {
	w, err := l.store.LoadWeights(ctx, l.account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}
	if w == nil {
		w = &core.StrategyWeights{
			AccountID: l.account.ID,
			Weights:   make(map[core.SignalSource]decimal.Decimal),
		}
	}
	return w, nil
}

// Outcomes returns today's hydrated outcomes plus everything realized
// since, oldest first.
func (l *Ledger) Outcomes() []*core.TradeOutcome {
	return l.outcomes
}

// Snapshot builds a read-only view for the risk governor. Market values
// use the latest reconciled prices; quotes refresh them when available.
func (l *Ledger) Snapshot(quotes core.QuoteSource) Snapshot {
	snap := Snapshot{
		AccountID:   l.account.ID,
		Cash:        l.account.Cash,
		SymbolValue: make(map[string]decimal.Decimal, len(l.positions)),
	}

	invested := decimal.Zero
	for sym, pos := range l.positions {
		value := pos.MarketValue
		if quotes != nil {
			if q, ok := quotes.Quote(sym); ok {
				value = q.Price.Mul(pos.Quantity.Abs())
			}
		}
		snap.SymbolValue[sym] = value
		invested = invested.Add(value)
	}

	snap.Invested = invested
	snap.Equity = l.account.Cash.Add(invested)
	snap.PositionCount = len(l.positions)
	snap.PendingOrders = len(l.pending)

	today := time.Now().UTC().Truncate(24 * time.Hour)
	for _, o := range l.outcomes {
		if o.ExitTime.After(today) {
			snap.RealizedToday = snap.RealizedToday.Add(o.RealizedPnL)
			snap.TradesToday++
		}
	}
	return snap
}
