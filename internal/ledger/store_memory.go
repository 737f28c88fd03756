package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"portfolio_engine/internal/core"
)

// MemoryStore implements core.Store in memory. Used in tests and for
// dry-run configurations.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]map[string]*core.Position    // account -> symbol
	records   map[string]map[string]*core.OrderRecord // account -> idempotency key
	weights   map[string]*core.StrategyWeights
	outcomes  map[string][]*core.TradeOutcome
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]map[string]*core.Position),
		records:   make(map[string]map[string]*core.OrderRecord),
		weights:   make(map[string]*core.StrategyWeights),
		outcomes:  make(map[string][]*core.TradeOutcome),
	}
}

func (s *MemoryStore) LoadPositions(ctx context.Context, accountID string) ([]*core.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Position
	for _, p := range s.positions[accountID] {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SavePosition(ctx context.Context, pos *core.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.positions[pos.AccountID] == nil {
		s.positions[pos.AccountID] = make(map[string]*core.Position)
	}
	cp := *pos
	s.positions[pos.AccountID][pos.Symbol] = &cp
	return nil
}

func (s *MemoryStore) DeletePosition(ctx context.Context, accountID, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions[accountID], symbol)
	return nil
}

func (s *MemoryStore) LoadOrderRecords(ctx context.Context, accountID string) ([]*core.OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.OrderRecord
	for _, r := range s.records[accountID] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SaveOrderRecord(ctx context.Context, rec *core.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[rec.AccountID] == nil {
		s.records[rec.AccountID] = make(map[string]*core.OrderRecord)
	}
	cp := *rec
	s.records[rec.AccountID][rec.IdempotencyKey] = &cp
	return nil
}

func (s *MemoryStore) FindOrderRecord(ctx context.Context, accountID, idempotencyKey string) (*core.OrderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[accountID][idempotencyKey]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) LoadWeights(ctx context.Context, accountID string) (*core.StrategyWeights, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.weights[accountID]; ok {
		cp := *w
		cp.Weights = make(map[core.SignalSource]decimal.Decimal, len(w.Weights))
		for k, v := range w.Weights {
			cp.Weights[k] = v
		}
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) SaveWeights(ctx context.Context, w *core.StrategyWeights) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	cp.Weights = make(map[core.SignalSource]decimal.Decimal, len(w.Weights))
	for k, v := range w.Weights {
		cp.Weights[k] = v
	}
	s.weights[w.AccountID] = &cp
	return nil
}

func (s *MemoryStore) SaveOutcome(ctx context.Context, o *core.TradeOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.outcomes[o.AccountID] = append(s.outcomes[o.AccountID], &cp)
	return nil
}

func (s *MemoryStore) LoadOutcomes(ctx context.Context, accountID string, since time.Time) ([]*core.TradeOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.TradeOutcome
	for _, o := range s.outcomes[accountID] {
		if o.ExitTime.After(since) {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
