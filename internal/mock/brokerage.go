// Package mock provides in-memory capability implementations for tests
// and dry runs.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"portfolio_engine/internal/core"
)

// FillBehavior controls how the mock brokerage fills accepted orders.
type FillBehavior int

const (
	// FillInstant fills the whole order on submission.
	FillInstant FillBehavior = iota
	// FillPartial fills half on submission; Advance fills the rest.
	FillPartial
	// FillNever leaves orders in the submitted state until Advance.
	FillNever
)

// Brokerage is an idempotency-aware in-memory brokerage. Submitting the
// same idempotency key twice returns the original order instead of
// creating a second one, matching real broker client-order-id semantics.
type Brokerage struct {
	mu sync.Mutex

	accounts  map[string]*core.Account
	positions map[string][]*core.Position
	orders    map[string]*core.BrokerOrder    // broker order id
	byKey     map[string]string               // account|idempotency key -> order id
	qtys      map[string]decimal.Decimal      // broker order id -> requested quantity

	fillBehavior FillBehavior
	fillPrice    decimal.Decimal

	// Failure injection. SubmitFailures errors are consumed one per
	// SubmitOrder call before any order is created; SubmitDrops errors
	// are consumed after the order is created, simulating a response
	// lost on the wire.
	SubmitFailures []error
	SubmitDrops    []error
	GetOrderErr    error
	RejectWith     error

	// OnSubmit, when set, runs after each SubmitOrder call returns.
	OnSubmit func()

	SubmitCalls int
	PollCalls   int
}

func NewBrokerage() *Brokerage {
	return &Brokerage{
		accounts:     make(map[string]*core.Account),
		positions:    make(map[string][]*core.Position),
		orders:       make(map[string]*core.BrokerOrder),
		byKey:        make(map[string]string),
		qtys:         make(map[string]decimal.Decimal),
		fillBehavior: FillInstant,
		fillPrice:    decimal.NewFromInt(100),
	}
}

// SetAccount seeds an account.
func (b *Brokerage) SetAccount(acct *core.Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[acct.ID] = acct
}

// SetPositions seeds the broker-side positions for an account.
func (b *Brokerage) SetPositions(accountID string, positions []*core.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[accountID] = positions
}

// SetFill configures fill behavior and price.
func (b *Brokerage) SetFill(behavior FillBehavior, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillBehavior = behavior
	b.fillPrice = price
}

func (b *Brokerage) GetAccount(ctx context.Context, accountID string) (*core.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("unknown account %s", accountID)
	}
	cp := *acct
	return &cp, nil
}

func (b *Brokerage) GetPositions(ctx context.Context, accountID string) ([]*core.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*core.Position
	for _, p := range b.positions[accountID] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (b *Brokerage) SubmitOrder(ctx context.Context, accountID string, req core.SubmitRequest) (*core.BrokerOrder, error) {
	if b.OnSubmit != nil {
		defer b.OnSubmit()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.SubmitCalls++

	if len(b.SubmitFailures) > 0 {
		err := b.SubmitFailures[0]
		b.SubmitFailures = b.SubmitFailures[1:]
		return nil, err
	}
	if b.RejectWith != nil {
		return nil, b.RejectWith
	}

	// Idempotent replay: same key resolves to the original order.
	var order *core.BrokerOrder
	if id, seen := b.byKey[accountID+"|"+req.IdempotencyKey]; seen {
		order = b.orders[id]
	} else {
		order = &core.BrokerOrder{
			OrderID:       uuid.NewString(),
			ClientOrderID: req.IdempotencyKey,
			Symbol:        req.Symbol,
			Side:          req.Side,
			State:         core.OrderSubmitted,
		}
		qty := req.Quantity
		if qty.IsZero() && b.fillPrice.IsPositive() {
			qty = req.Notional.Div(b.fillPrice)
		}
		b.qtys[order.OrderID] = qty
		b.fill(order, qty)
		b.orders[order.OrderID] = order
		b.byKey[accountID+"|"+req.IdempotencyKey] = order.OrderID
	}

	// The order exists broker-side; the response is what gets lost.
	if len(b.SubmitDrops) > 0 {
		err := b.SubmitDrops[0]
		b.SubmitDrops = b.SubmitDrops[1:]
		return nil, err
	}
	return copyOrder(order), nil
}

func (b *Brokerage) fill(order *core.BrokerOrder, qty decimal.Decimal) {
	switch b.fillBehavior {
	case FillInstant:
		order.Fills = append(order.Fills, core.Fill{
			ID:        uuid.NewString(),
			Quantity:  qty,
			Price:     b.fillPrice,
			Timestamp: time.Now().UTC(),
		})
		order.State = core.OrderFilled
	case FillPartial:
		order.Fills = append(order.Fills, core.Fill{
			ID:        uuid.NewString(),
			Quantity:  qty.Div(decimal.NewFromInt(2)),
			Price:     b.fillPrice,
			Timestamp: time.Now().UTC(),
		})
		order.State = core.OrderPartiallyFilled
	case FillNever:
	}
}

// Advance completes every non-terminal order at the configured price.
func (b *Brokerage) Advance() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, order := range b.orders {
		if order.State.Terminal() {
			continue
		}
		filled := decimal.Zero
		for _, f := range order.Fills {
			filled = filled.Add(f.Quantity)
		}
		remaining := b.qtys[id].Sub(filled)
		if remaining.IsPositive() {
			order.Fills = append(order.Fills, core.Fill{
				ID:        uuid.NewString(),
				Quantity:  remaining,
				Price:     b.fillPrice,
				Timestamp: time.Now().UTC(),
			})
		}
		order.State = core.OrderFilled
	}
}

func (b *Brokerage) GetOrder(ctx context.Context, accountID, orderID, idempotencyKey string) (*core.BrokerOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.PollCalls++

	if b.GetOrderErr != nil {
		return nil, b.GetOrderErr
	}

	if orderID != "" {
		if order, ok := b.orders[orderID]; ok {
			return copyOrder(order), nil
		}
	}
	if idempotencyKey != "" {
		if id, ok := b.byKey[accountID+"|"+idempotencyKey]; ok {
			return copyOrder(b.orders[id]), nil
		}
	}
	return nil, nil
}

func (b *Brokerage) CancelOrder(ctx context.Context, accountID, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if !order.State.Terminal() {
		order.State = core.OrderCancelled
	}
	return nil
}

// Order returns the broker-side view of an order by idempotency key.
func (b *Brokerage) Order(accountID, idempotencyKey string) *core.BrokerOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.byKey[accountID+"|"+idempotencyKey]; ok {
		return copyOrder(b.orders[id])
	}
	return nil
}

// OrderCount returns how many distinct orders the brokerage created.
func (b *Brokerage) OrderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

func copyOrder(o *core.BrokerOrder) *core.BrokerOrder {
	cp := *o
	cp.Fills = append([]core.Fill(nil), o.Fills...)
	return &cp
}
