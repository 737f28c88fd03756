package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Logger is the structured logging interface used across the engine.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

// BrokerOrder is the brokerage's view of a submitted order.
type BrokerOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	State         OrderState
	RejectReason  string
	Fills         []Fill
}

// SubmitRequest is the order submission payload sent to the brokerage.
type SubmitRequest struct {
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Quantity       decimal.Decimal
	Notional       decimal.Decimal
	LimitPrice     decimal.Decimal
	IdempotencyKey string
}

// Brokerage is the capability boundary to the brokerage API. It must
// surface insufficient-funds and symbol-halted conditions as
// distinguishable error kinds (see errors.go).
type Brokerage interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	GetPositions(ctx context.Context, accountID string) ([]*Position, error)
	SubmitOrder(ctx context.Context, accountID string, req SubmitRequest) (*BrokerOrder, error)
	GetOrder(ctx context.Context, accountID, orderID, idempotencyKey string) (*BrokerOrder, error)
	CancelOrder(ctx context.Context, accountID, orderID string) error
}

// SignalProvider is the capability boundary to an external signal feed.
type SignalProvider interface {
	Source() SignalSource
	GetSignals(ctx context.Context, symbols []string, since time.Time) ([]Signal, error)
}

// DecisionProvider is the capability boundary to the AI decision model.
// Calls are bounded-latency and may fail independently of the brokerage.
type DecisionProvider interface {
	Score(ctx context.Context, account *Account, positions []*Position, candidates []string) ([]ModelScore, error)
}

// QuoteSource serves last-trade quotes for staleness checks and notional
// pricing.
type QuoteSource interface {
	Quote(symbol string) (Quote, bool)
}

// Store is the persistence capability for positions, order records, and
// strategy weights. Implementations must support the account-scoped
// read-modify-write pattern: callers hold the account lock around any
// load/save pair.
type Store interface {
	LoadPositions(ctx context.Context, accountID string) ([]*Position, error)
	SavePosition(ctx context.Context, pos *Position) error
	DeletePosition(ctx context.Context, accountID, symbol string) error

	LoadOrderRecords(ctx context.Context, accountID string) ([]*OrderRecord, error)
	SaveOrderRecord(ctx context.Context, rec *OrderRecord) error
	FindOrderRecord(ctx context.Context, accountID, idempotencyKey string) (*OrderRecord, error)

	LoadWeights(ctx context.Context, accountID string) (*StrategyWeights, error)
	SaveWeights(ctx context.Context, w *StrategyWeights) error

	SaveOutcome(ctx context.Context, o *TradeOutcome) error
	LoadOutcomes(ctx context.Context, accountID string, since time.Time) ([]*TradeOutcome, error)

	Close() error
}
