package decision

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"portfolio_engine/internal/core"
	"portfolio_engine/internal/execution"
	"portfolio_engine/internal/gateway"
	"portfolio_engine/internal/ledger"
	"portfolio_engine/internal/metrics"
	"portfolio_engine/internal/risk"
)

// Loop drives the trading cycle for one account through its states:
// fetching_signals, evaluating, risk_check, executing, reconciling, done.
// Any step can divert to failed; a failed cycle leaves no partial ledger
// mutation because only confirmed fills move the ledger.
type Loop struct {
	account  *core.Account
	symbols  []string
	gw       *gateway.Gateway
	strategy Strategy
	governor *risk.Governor
	breaker  *risk.CircuitBreaker
	engine   *execution.Engine
	ledger   *ledger.Ledger
	quotes   core.QuoteSource
	locks    *LockRegistry
	logger   core.Logger

	fetchRetries int
	retryBase    time.Duration

	lastCycle time.Time
}

// LoopConfig wires one account's cycle loop together.
type LoopConfig struct {
	Account      *core.Account
	Symbols      []string
	Gateway      *gateway.Gateway
	Strategy     Strategy
	Governor     *risk.Governor
	Breaker      *risk.CircuitBreaker
	Engine       *execution.Engine
	Ledger       *ledger.Ledger
	Quotes       core.QuoteSource
	Locks        *LockRegistry
	FetchRetries int
	RetryBase    time.Duration
}

func NewLoop(cfg LoopConfig, logger core.Logger) *Loop {
	if cfg.FetchRetries <= 0 {
		cfg.FetchRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	return &Loop{
		account:      cfg.Account,
		symbols:      cfg.Symbols,
		gw:           cfg.Gateway,
		strategy:     cfg.Strategy,
		governor:     cfg.Governor,
		breaker:      cfg.Breaker,
		engine:       cfg.Engine,
		ledger:       cfg.Ledger,
		quotes:       cfg.Quotes,
		locks:        cfg.Locks,
		logger:       logger.WithField("component", "decision_loop").WithField("account", cfg.Account.ID),
		fetchRetries: cfg.FetchRetries,
		retryBase:    cfg.RetryBase,
	}
}

// RunCycle executes one full decision cycle under the account lock. The
// returned report always reflects how far the cycle got; the error is
// non-nil only when the cycle ended in the failed state.
func (lp *Loop) RunCycle(ctx context.Context) (*core.CycleReport, error) {
	lock := lp.locks.Get(lp.account.ID)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	report := &core.CycleReport{
		AccountID: lp.account.ID,
		CycleTime: started.UTC(),
		StartedAt: started,
	}
	defer func() {
		report.FinishedAt = time.Now()
		metrics.CycleDuration.WithLabelValues(lp.account.ID, string(report.State)).
			Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}()

	// fetching_signals
	if err := lp.enter(ctx, report, core.CycleFetchingSignals); err != nil {
		return report, err
	}
	// Leftover orders from earlier cycles resolve before new decisions:
	// an in-flight order blocks its symbol until it reaches a terminal
	// reconciled state.
	if err := lp.settlePending(ctx); err != nil {
		return lp.fail(report, fmt.Errorf("settling pending orders: %w", err))
	}
	signals, err := lp.fetchSignals(ctx)
	if err != nil {
		return lp.fail(report, fmt.Errorf("fetching signals: %w", err))
	}
	report.Signals = len(signals)

	// evaluating
	if err := lp.enter(ctx, report, core.CycleEvaluating); err != nil {
		return report, err
	}
	// Alternative-data feeds run hours behind by nature; only the
	// intraday strategy discards signals outside the freshness window.
	fresh := signals
	if lp.strategy.Kind() == core.StrategyIntraday {
		fresh = lp.gw.Fresh(signals, time.Now())
	}
	weights, err := lp.ledger.Weights(ctx)
	if err != nil {
		return lp.fail(report, fmt.Errorf("loading weights: %w", err))
	}
	in := Input{
		Account:   lp.account,
		Snapshot:  lp.ledger.Snapshot(lp.quotes),
		Positions: lp.ledger.Positions(),
		Signals:   fresh,
		Merged:    lp.gw.Merge(fresh, weights),
		Weights:   weights,
		Quotes:    lp.quotes,
		CycleTime: report.CycleTime,
	}
	intents, err := lp.strategy.Propose(ctx, in)
	if err != nil {
		return lp.fail(report, fmt.Errorf("strategy evaluation: %w", err))
	}

	// risk_check
	if err := lp.enter(ctx, report, core.CycleRiskCheck); err != nil {
		return report, err
	}
	approved := lp.riskCheck(report, intents, in.Snapshot)

	// executing
	if err := lp.enter(ctx, report, core.CycleExecuting); err != nil {
		return report, err
	}
	submitted := lp.execute(ctx, report, approved)

	// reconciling
	if err := lp.enter(ctx, report, core.CycleReconciling); err != nil {
		lp.cancelSubmitted(report, submitted)
		return report, err
	}
	if err := lp.reconcile(ctx, submitted); err != nil {
		return lp.fail(report, fmt.Errorf("reconciling: %w", err))
	}

	report.State = core.CycleDone
	lp.lastCycle = report.CycleTime
	lp.logger.Info("Cycle complete",
		"signals", report.Signals,
		"intents", len(report.Intents),
		"submitted", report.Submitted,
		"rejected", report.Rejected,
		"risk_drops", report.RiskDrops,
		"failures", report.Failures)
	return report, nil
}

// enter transitions to the next state, honoring cancellation between
// steps. Once execution starts, cancellation no longer interrupts a
// submission mid-flight; it only stops before the next one.
func (lp *Loop) enter(ctx context.Context, report *core.CycleReport, state core.CycleState) error {
	if err := ctx.Err(); err != nil {
		lp.fail(report, err)
		return err
	}
	report.State = state
	lp.logger.Debug("Cycle state", "state", string(state))
	return nil
}

func (lp *Loop) fail(report *core.CycleReport, err error) (*core.CycleReport, error) {
	report.State = core.CycleFailed
	report.Err = err
	lp.logger.Error("Cycle failed", "error", err.Error())
	return report, err
}

// fetchSignals calls the gateway with bounded retries on transient
// failures.
func (lp *Loop) fetchSignals(ctx context.Context) ([]core.Signal, error) {
	since := lp.lastCycle
	if since.IsZero() {
		since = time.Now().Add(-24 * time.Hour)
	}

	var lastErr error
	for attempt := 0; attempt < lp.fetchRetries; attempt++ {
		signals, err := lp.gw.Fetch(ctx, lp.symbols, since)
		if err == nil {
			return signals, nil
		}
		lastErr = err
		if !core.IsTransient(err) {
			return nil, err
		}
		delay := time.Duration(float64(lp.retryBase) * math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("signal fetch exhausted retries: %w", lastErr)
}

// riskCheck filters proposed intents through the circuit breaker and the
// governor. A dropped intent is recorded and skipped, never a cycle
// failure.
func (lp *Loop) riskCheck(report *core.CycleReport, intents []core.OrderIntent, snap ledger.Snapshot) []core.OrderIntent {
	if lp.breaker != nil && lp.breaker.IsTripped() {
		lp.logger.Warn("Circuit breaker open, dropping all intents",
			"reason", lp.breaker.TripReason(), "intents", len(intents))
		for _, intent := range intents {
			report.Intents = append(report.Intents, core.IntentOutcome{
				Intent:     intent,
				DropReason: "circuit breaker open: " + lp.breaker.TripReason(),
			})
			report.RiskDrops++
			metrics.RiskDrops.WithLabelValues(lp.account.ID, "circuit_breaker").Inc()
		}
		return nil
	}

	var approved []core.OrderIntent
	for _, intent := range intents {
		verdict := lp.governor.Evaluate(intent, snap, len(approved))
		switch verdict.Action {
		case risk.Reject:
			lp.logger.Info("Intent dropped by risk governor",
				"symbol", intent.Symbol, "reason", verdict.Reason)
			report.Intents = append(report.Intents, core.IntentOutcome{
				Intent:     intent,
				DropReason: verdict.Reason,
			})
			report.RiskDrops++
			metrics.RiskDrops.WithLabelValues(lp.account.ID, "governor").Inc()
		case risk.Shrink:
			lp.logger.Info("Intent shrunk by risk governor",
				"symbol", intent.Symbol, "reason", verdict.Reason)
			report.Intents = append(report.Intents, core.IntentOutcome{
				Intent:   verdict.Intent,
				Accepted: true,
				Adjusted: true,
			})
			approved = append(approved, verdict.Intent)
		default:
			report.Intents = append(report.Intents, core.IntentOutcome{
				Intent:   verdict.Intent,
				Accepted: true,
			})
			approved = append(approved, verdict.Intent)
		}
	}
	return approved
}

// execute submits approved intents one at a time. Failures are isolated
// per intent: one rejection or ambiguity does not abandon the rest.
func (lp *Loop) execute(ctx context.Context, report *core.CycleReport, approved []core.OrderIntent) []*core.OrderRecord {
	busy := make(map[string]bool)
	for _, rec := range lp.ledger.PendingRecords() {
		busy[rec.Symbol] = true
	}

	var submitted []*core.OrderRecord
	for i, intent := range approved {
		if err := ctx.Err(); err != nil {
			lp.logger.Warn("Cycle cancelled before submission",
				"remaining", len(approved)-i)
			lp.cancelSubmitted(report, submitted)
			break
		}
		if busy[intent.Symbol] {
			lp.logger.Info("Symbol has an order in flight, skipping intent",
				"symbol", intent.Symbol)
			lp.setOutcome(report, intent, func(o *core.IntentOutcome) {
				o.Accepted = false
				o.DropReason = "order already in flight for symbol"
			})
			continue
		}

		rec, err := lp.engine.Submit(ctx, intent)
		switch {
		case err == nil && rec.State == core.OrderRejected:
			report.Rejected++
			lp.setOutcome(report, intent, func(o *core.IntentOutcome) { o.Record = rec })
		case err == nil:
			report.Submitted++
			busy[intent.Symbol] = true
			submitted = append(submitted, rec)
			lp.trackRecord(ctx, report, intent, rec)
		case errors.Is(err, core.ErrAmbiguousOrderState):
			// The record stays pending; the next cycle polls it by
			// idempotency key. Never resubmit.
			report.Failures++
			busy[intent.Symbol] = true
			lp.trackRecord(ctx, report, intent, rec)
			lp.setOutcome(report, intent, func(o *core.IntentOutcome) { o.Err = err })
		default:
			report.Failures++
			lp.logger.Error("Submission failed",
				"symbol", intent.Symbol, "error", err.Error())
			lp.setOutcome(report, intent, func(o *core.IntentOutcome) { o.Err = err })
		}
	}
	return submitted
}

func (lp *Loop) trackRecord(ctx context.Context, report *core.CycleReport, intent core.OrderIntent, rec *core.OrderRecord) {
	if rec == nil {
		return
	}
	if err := lp.ledger.TrackOrder(ctx, rec); err != nil {
		lp.logger.Error("Failed to track order record",
			"symbol", intent.Symbol, "error", err.Error())
	}
	lp.setOutcome(report, intent, func(o *core.IntentOutcome) { o.Record = rec })
}

// setOutcome updates the report entry for an intent already recorded in
// riskCheck.
func (lp *Loop) setOutcome(report *core.CycleReport, intent core.OrderIntent, update func(*core.IntentOutcome)) {
	for i := range report.Intents {
		o := &report.Intents[i]
		if o.Intent.Symbol == intent.Symbol && o.Intent.CycleTime.Equal(intent.CycleTime) && o.Intent.Side == intent.Side {
			update(o)
			return
		}
	}
}

// reconcile polls this cycle's submissions once and applies confirmed
// fills to the ledger. Realized outcomes feed the circuit breaker.
func (lp *Loop) reconcile(ctx context.Context, submitted []*core.OrderRecord) error {
	outcomesBefore := len(lp.ledger.Outcomes())

	for _, rec := range submitted {
		if _, err := lp.engine.Poll(ctx, rec); err != nil {
			lp.logger.Warn("Poll failed, record stays pending",
				"symbol", rec.Symbol, "error", err.Error())
			continue
		}
		if err := lp.applyRecord(ctx, rec); err != nil {
			return err
		}
	}

	if lp.breaker != nil {
		for _, o := range lp.ledger.Outcomes()[outcomesBefore:] {
			lp.breaker.RecordOutcome(o.RealizedPnL, o.ExitTime)
		}
	}
	return nil
}

// settlePending re-polls records left unresolved by earlier cycles and
// reconciles any progress.
func (lp *Loop) settlePending(ctx context.Context) error {
	for _, rec := range lp.ledger.PendingRecords() {
		if _, err := lp.engine.Poll(ctx, rec); err != nil {
			lp.logger.Warn("Pending order poll failed",
				"symbol", rec.Symbol, "key", rec.IdempotencyKey, "error", err.Error())
			continue
		}
		if err := lp.applyRecord(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (lp *Loop) applyRecord(ctx context.Context, rec *core.OrderRecord) error {
	if err := lp.ledger.Reconcile(ctx, rec); err != nil {
		return fmt.Errorf("reconciling %s: %w", rec.Symbol, err)
	}
	return nil
}

// cancelSubmitted sends explicit brokerage cancels for this cycle's
// non-terminal submissions after the cycle is cancelled. The cycle
// context is already dead, so the cancels run on their own deadline.
func (lp *Loop) cancelSubmitted(report *core.CycleReport, submitted []*core.OrderRecord) {
	if len(submitted) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, rec := range submitted {
		if rec.State.Terminal() {
			continue
		}
		if err := lp.engine.Cancel(ctx, rec); err != nil {
			lp.logger.Warn("Cancel after cycle cancellation failed",
				"symbol", rec.Symbol, "error", err.Error())
			continue
		}
		lp.logger.Info("Order cancelled with cycle",
			"symbol", rec.Symbol, "state", string(rec.State))
		lp.setOutcome(report, rec.Intent, func(o *core.IntentOutcome) { o.Record = rec })
	}
}
