package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

// CircuitConfig holds the halt thresholds for one account.
type CircuitConfig struct {
	MaxConsecutiveLosses int
	MaxDailyLoss         decimal.Decimal // absolute amount, zero disables
	CooldownPeriod       time.Duration
}

// CircuitBreaker halts an account's trading after a run of losses or a
// daily drawdown. Tripping blocks new intents; open positions still
// reconcile normally.
type CircuitBreaker struct {
	mu                sync.RWMutex
	state             CircuitState
	config            CircuitConfig
	consecutiveLosses int
	dailyPnL          decimal.Decimal
	day               time.Time
	lastTripped       time.Time
	tripReason        string
}

func NewCircuitBreaker(config CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{
		state: CircuitClosed,
		config: config,
	}
}

// RecordOutcome feeds one realized trade result into the breaker.
func (cb *CircuitBreaker) RecordOutcome(pnl decimal.Decimal, at time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	day := at.UTC().Truncate(24 * time.Hour)
	if !day.Equal(cb.day) {
		cb.day = day
		cb.dailyPnL = decimal.Zero
	}

	if pnl.IsNegative() {
		cb.consecutiveLosses++
	} else {
		cb.consecutiveLosses = 0
	}
	cb.dailyPnL = cb.dailyPnL.Add(pnl)

	cb.checkThresholds()
}

func (cb *CircuitBreaker) checkThresholds() {
	if cb.state == CircuitOpen {
		return
	}

	if cb.config.MaxConsecutiveLosses > 0 && cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses {
		cb.trip("max consecutive losses reached")
		return
	}

	if !cb.config.MaxDailyLoss.IsZero() && cb.dailyPnL.LessThan(cb.config.MaxDailyLoss.Neg()) {
		cb.trip("daily loss limit reached")
	}
}

func (cb *CircuitBreaker) trip(reason string) {
	cb.state = CircuitOpen
	cb.lastTripped = time.Now()
	cb.tripReason = reason
}

// IsTripped reports whether trading is halted, auto-resetting after the
// cooldown period when one is configured.
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.config.CooldownPeriod > 0 && time.Since(cb.lastTripped) > cb.config.CooldownPeriod {
			cb.state = CircuitClosed
			cb.consecutiveLosses = 0
			return false
		}
		return true
	}
	return false
}

// TripReason returns the reason for the last trip.
func (cb *CircuitBreaker) TripReason() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripReason
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.consecutiveLosses = 0
	cb.dailyPnL = decimal.Zero
	cb.tripReason = ""
}
