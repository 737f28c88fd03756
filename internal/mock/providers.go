package mock

import (
	"context"
	"sync"
	"time"

	"portfolio_engine/internal/core"
)

// SignalProvider serves a fixed set of signals for one source.
type SignalProvider struct {
	mu      sync.Mutex
	source  core.SignalSource
	signals []core.Signal

	// Errs are consumed one per GetSignals call before signals return.
	Errs  []error
	Calls int
}

func NewSignalProvider(source core.SignalSource, signals ...core.Signal) *SignalProvider {
	return &SignalProvider{source: source, signals: signals}
}

func (p *SignalProvider) Source() core.SignalSource { return p.source }

func (p *SignalProvider) Add(signals ...core.Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, signals...)
}

func (p *SignalProvider) GetSignals(ctx context.Context, symbols []string, since time.Time) ([]core.Signal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls++
	if len(p.Errs) > 0 {
		err := p.Errs[0]
		p.Errs = p.Errs[1:]
		return nil, err
	}

	tracked := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		tracked[s] = true
	}

	var out []core.Signal
	for _, s := range p.signals {
		if len(symbols) > 0 && !tracked[s.Symbol] {
			continue
		}
		if s.Timestamp.After(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

// DecisionProvider returns fixed model scores.
type DecisionProvider struct {
	mu     sync.Mutex
	scores []core.ModelScore

	Err   error
	Delay time.Duration
	Calls int
}

func NewDecisionProvider(scores ...core.ModelScore) *DecisionProvider {
	return &DecisionProvider{scores: scores}
}

func (p *DecisionProvider) Score(ctx context.Context, account *core.Account, positions []*core.Position, candidates []string) ([]core.ModelScore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls++
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	if p.Err != nil {
		return nil, p.Err
	}
	return append([]core.ModelScore(nil), p.scores...), nil
}
