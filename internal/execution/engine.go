// Package execution submits orders to the brokerage and tracks their
// lifecycle to a terminal state, with retry and idempotency guarantees.
package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"portfolio_engine/internal/core"
	"portfolio_engine/internal/metrics"
)

// Engine implements order submission and polling against the brokerage
// capability. Submission is idempotent: the same intent in the same cycle
// always produces the same idempotency key, and a key already known to
// the store is never submitted twice.
type Engine struct {
	brokerage core.Brokerage
	store     core.Store
	logger    core.Logger

	// Rate limiting for brokerage calls
	rateLimiter *rate.Limiter

	// Retry configuration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	// In-flight de-duplication table: (account, key) of records between
	// submission and terminal reconciliation. Guards the one-key-per-
	// account invariant even when the brokerage lacks native idempotency.
	inflight   map[string]struct{}
	inflightMu sync.Mutex
}

// Config holds engine tuning knobs.
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	OrdersPerSecond float64
	OrderBurst      int
}

// NewEngine creates an execution engine.
func NewEngine(brokerage core.Brokerage, store core.Store, cfg Config, logger core.Logger) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.OrdersPerSecond <= 0 {
		cfg.OrdersPerSecond = 5
	}
	if cfg.OrderBurst <= 0 {
		cfg.OrderBurst = 10
	}

	return &Engine{
		brokerage:   brokerage,
		store:       store,
		logger:      logger.WithField("component", "execution_engine"),
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.OrdersPerSecond), cfg.OrderBurst),
		maxRetries:  cfg.MaxRetries,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		inflight:    make(map[string]struct{}),
	}
}

// IdempotencyKey derives the deterministic key for an intent. A retried
// submission after a network timeout hashes to the same key and is
// recognized as the same order, not a duplicate.
func IdempotencyKey(intent core.OrderIntent) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s|%s|%s",
		intent.AccountID,
		intent.Symbol,
		intent.CycleTime.UnixNano(),
		intent.Side,
		intent.Type,
		intent.Quantity.String(),
		intent.Notional.String(),
	)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func inflightKey(accountID, key string) string {
	return accountID + "/" + key
}

// Submit hands an intent to the brokerage and returns its order record.
// If a record for the intent's idempotency key already exists, the
// existing record is polled and returned instead of resubmitting.
func (e *Engine) Submit(ctx context.Context, intent core.OrderIntent) (*core.OrderRecord, error) {
	key := IdempotencyKey(intent)
	logger := e.logger.WithFields(map[string]interface{}{
		"account": intent.AccountID,
		"symbol":  intent.Symbol,
		"key":     key,
	})

	// De-dup against persisted records first: a crash between submit and
	// reconcile must not produce a second order.
	existing, err := e.store.FindOrderRecord(ctx, intent.AccountID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing record: %w", err)
	}
	if existing != nil {
		logger.Info("Intent already submitted, polling existing record",
			"state", existing.State)
		return e.Poll(ctx, existing)
	}

	ik := inflightKey(intent.AccountID, key)
	e.inflightMu.Lock()
	if _, busy := e.inflight[ik]; busy {
		e.inflightMu.Unlock()
		return nil, fmt.Errorf("order with idempotency key %s already in flight", key)
	}
	e.inflight[ik] = struct{}{}
	e.inflightMu.Unlock()

	rec := &core.OrderRecord{
		IdempotencyKey: key,
		AccountID:      intent.AccountID,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Quantity:       intent.Quantity,
		State:          core.OrderPending,
		Intent:         intent,
		SubmittedAt:    time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := e.store.SaveOrderRecord(ctx, rec); err != nil {
		e.clearInflight(ik)
		return nil, fmt.Errorf("failed to persist pending record: %w", err)
	}

	req := core.SubmitRequest{
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Type:           intent.Type,
		Quantity:       intent.Quantity,
		Notional:       intent.Notional,
		LimitPrice:     intent.LimitPrice,
		IdempotencyKey: key,
	}

	order, err := e.submitWithRetry(ctx, intent.AccountID, req, 0)
	if err != nil {
		if core.IsRejection(err) {
			rec.State = core.OrderRejected
			rec.RejectReason = err.Error()
			rec.UpdatedAt = time.Now().UTC()
			metrics.OrderRejections.WithLabelValues(intent.AccountID).Inc()
			logger.Warn("Order rejected by brokerage", "reason", rec.RejectReason)
			if serr := e.store.SaveOrderRecord(ctx, rec); serr != nil {
				logger.Error("Failed to persist rejected record", "error", serr.Error())
			}
			e.clearInflight(ik)
			return rec, nil
		}

		// Outcome unknown: resolve by polling the idempotency key before
		// anything else. Resubmitting here risks double execution.
		logger.Warn("Submission outcome unknown, resolving by idempotency key",
			"error", err.Error())
		resolved, perr := e.pollByKey(ctx, rec)
		if perr == nil && resolved != nil {
			e.settleInflight(ik, resolved)
			return resolved, nil
		}

		// Still unresolved: the record stays pending for the next cycle
		// to re-poll. Never resubmit.
		logger.Error("Order state ambiguous, leaving record pending")
		e.clearInflight(ik)
		return rec, core.ErrAmbiguousOrderState
	}

	rec.BrokerOrderID = order.OrderID
	rec.State = order.State
	rec.RejectReason = order.RejectReason
	rec.UpdatedAt = time.Now().UTC()
	mergeFills(rec, order.Fills)

	metrics.OrderSubmissions.WithLabelValues(intent.AccountID).Inc()
	logger.Info("Order submitted",
		"broker_order_id", rec.BrokerOrderID,
		"state", rec.State)

	if err := e.store.SaveOrderRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist submitted record: %w", err)
	}
	e.settleInflight(ik, rec)
	return rec, nil
}

// Poll refreshes an order record from the brokerage. It is the only path
// that advances a record's state, is safe to call repeatedly, and merges
// fills additively.
func (e *Engine) Poll(ctx context.Context, rec *core.OrderRecord) (*core.OrderRecord, error) {
	if rec.State.Terminal() {
		return rec, nil
	}
	return e.pollByKey(ctx, rec)
}

func (e *Engine) pollByKey(ctx context.Context, rec *core.OrderRecord) (*core.OrderRecord, error) {
	if err := e.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	order, err := e.brokerage.GetOrder(ctx, rec.AccountID, rec.BrokerOrderID, rec.IdempotencyKey)
	if err != nil {
		return nil, core.Transient("poll", err)
	}
	if order == nil {
		// Brokerage has no such order: the submission never landed.
		return rec, nil
	}

	rec.BrokerOrderID = order.OrderID
	rec.State = order.State
	rec.RejectReason = order.RejectReason
	rec.UpdatedAt = time.Now().UTC()
	mergeFills(rec, order.Fills)

	if rec.State.Terminal() {
		e.clearInflight(inflightKey(rec.AccountID, rec.IdempotencyKey))
	}
	if err := e.store.SaveOrderRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist polled record: %w", err)
	}
	return rec, nil
}

// Cancel attempts an explicit brokerage-side cancel and records the
// outcome. Submitted orders are never silently abandoned.
func (e *Engine) Cancel(ctx context.Context, rec *core.OrderRecord) error {
	if rec.State.Terminal() {
		return nil
	}
	if rec.BrokerOrderID == "" {
		// Nothing reached the brokerage; the pending record resolves on
		// the next poll.
		return nil
	}

	if err := e.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}

	if err := e.brokerage.CancelOrder(ctx, rec.AccountID, rec.BrokerOrderID); err != nil {
		e.logger.Warn("Cancel failed, re-polling order",
			"account", rec.AccountID,
			"broker_order_id", rec.BrokerOrderID,
			"error", err.Error())
		_, perr := e.pollByKey(ctx, rec)
		return perr
	}

	rec.State = core.OrderCancelled
	rec.UpdatedAt = time.Now().UTC()
	e.clearInflight(inflightKey(rec.AccountID, rec.IdempotencyKey))
	return e.store.SaveOrderRecord(ctx, rec)
}

func (e *Engine) submitWithRetry(ctx context.Context, accountID string, req core.SubmitRequest, attempt int) (*core.BrokerOrder, error) {
	if err := e.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	order, err := e.brokerage.SubmitOrder(ctx, accountID, req)
	if err == nil {
		return order, nil
	}

	if core.IsRejection(err) {
		return nil, err
	}

	e.logger.Warn("Order submission failed",
		"account", accountID,
		"symbol", req.Symbol,
		"attempt", attempt+1,
		"error", err.Error())
	metrics.OrderRetries.WithLabelValues(accountID).Inc()

	if attempt >= e.maxRetries-1 {
		return nil, fmt.Errorf("max retries exceeded: %w", err)
	}

	delay := e.retryDelay(attempt)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
		return e.submitWithRetry(ctx, accountID, req, attempt+1)
	}
}

// retryDelay computes exponential backoff with jitter.
func (e *Engine) retryDelay(attempt int) time.Duration {
	// min(baseDelay * 2^attempt, maxDelay) +- 10% jitter
	delay := float64(e.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(e.maxDelay) {
		delay = float64(e.maxDelay)
	}
	jitter := (rand.Float64()*0.2 - 0.1) * delay
	return time.Duration(delay + jitter)
}

func (e *Engine) clearInflight(ik string) {
	e.inflightMu.Lock()
	delete(e.inflight, ik)
	e.inflightMu.Unlock()
}

func (e *Engine) settleInflight(ik string, rec *core.OrderRecord) {
	if rec.State.Terminal() {
		e.clearInflight(ik)
	}
}

// mergeFills adds fills the record has not seen yet, preserving brokerage
// report order. Cumulative reports become increments against the filled
// quantity so far. Fill quantities beyond the intended quantity are
// refused.
func mergeFills(rec *core.OrderRecord, incoming []core.Fill) {
	seen := make(map[string]bool, len(rec.Fills))
	for _, f := range rec.Fills {
		seen[f.ID] = true
	}
	for _, f := range incoming {
		if f.Cumulative {
			delta := f.Quantity.Sub(rec.FilledQuantity())
			if !delta.IsPositive() {
				continue
			}
			f = core.Fill{
				ID:        f.ID + ":" + f.Quantity.String(),
				Quantity:  delta,
				Price:     f.Price,
				Timestamp: f.Timestamp,
			}
		}
		if seen[f.ID] {
			continue
		}
		if rec.Quantity.IsPositive() && rec.FilledQuantity().Add(f.Quantity).GreaterThan(rec.Quantity) {
			continue
		}
		rec.Fills = append(rec.Fills, f)
		seen[f.ID] = true
	}
}
