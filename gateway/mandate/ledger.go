package mandate

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrBudgetExceeded is returned by a failed reservation; the ledger is
// left untouched in that case.
var ErrBudgetExceeded = fmt.Errorf("budget exceeded")

const dayLayout = "2006-01-02"

type dailyEntry struct {
	date  string
	spent decimal.Decimal
}

// DailyLedger tracks bounded-mandate spend per mandate id. Amounts
// roll to zero when the UTC date changes; nothing persists across a
// process restart.
type DailyLedger struct {
	mu      sync.Mutex
	entries map[string]dailyEntry
}

// NewDailyLedger builds an empty daily ledger.
func NewDailyLedger() *DailyLedger {
	return &DailyLedger{entries: make(map[string]dailyEntry)}
}

// Reserve atomically checks spent+price against max and records the
// increment. The check and increment are a single critical section so
// concurrent reservations for one mandate stay linearizable.
func (l *DailyLedger) Reserve(mandateID string, price, max decimal.Decimal, now time.Time) error {
	day := now.UTC().Format(dayLayout)
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[mandateID]
	if !ok || entry.date != day {
		entry = dailyEntry{date: day, spent: decimal.Zero}
	}
	if entry.spent.Add(price).GreaterThan(max) {
		return ErrBudgetExceeded
	}
	entry.spent = entry.spent.Add(price)
	l.entries[mandateID] = entry
	return nil
}

// Revert undoes a reservation after a later pipeline stage failed
// without charging the agent.
func (l *DailyLedger) Revert(mandateID string, price decimal.Decimal, now time.Time) {
	day := now.UTC().Format(dayLayout)
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[mandateID]
	if !ok || entry.date != day {
		return
	}
	entry.spent = entry.spent.Sub(price)
	if entry.spent.IsNegative() {
		entry.spent = decimal.Zero
	}
	l.entries[mandateID] = entry
}

// Spent reports today's recorded spend for a mandate.
func (l *DailyLedger) Spent(mandateID string, now time.Time) decimal.Decimal {
	day := now.UTC().Format(dayLayout)
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[mandateID]
	if !ok || entry.date != day {
		return decimal.Zero
	}
	return entry.spent
}

// LifetimeLedger tracks intent-mandate spend for the life of the
// process. There is no reset.
type LifetimeLedger struct {
	mu      sync.Mutex
	entries map[string]decimal.Decimal
}

// NewLifetimeLedger builds an empty lifetime ledger.
func NewLifetimeLedger() *LifetimeLedger {
	return &LifetimeLedger{entries: make(map[string]decimal.Decimal)}
}

// Reserve atomically checks spent+price against budget and records
// the increment.
func (l *LifetimeLedger) Reserve(intentID string, price, budget decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	spent := l.entries[intentID]
	if spent.Add(price).GreaterThan(budget) {
		return ErrBudgetExceeded
	}
	l.entries[intentID] = spent.Add(price)
	return nil
}

// Revert undoes a reservation.
func (l *LifetimeLedger) Revert(intentID string, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	spent := l.entries[intentID].Sub(price)
	if spent.IsNegative() {
		spent = decimal.Zero
	}
	l.entries[intentID] = spent
}

// Spent reports the lifetime spend recorded for an intent mandate.
func (l *LifetimeLedger) Spent(intentID string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[intentID]
}
