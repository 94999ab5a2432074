package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// SeedBalance is a test helper that sets the balance for an account when using the in-memory ledger.
func SeedBalance(l Store, accountID string, amount decimal.Decimal) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		if acc, exists := mem.accounts[accountID]; exists {
			acc.Balance = amount
		}
	}
}

// SetClock replaces the in-memory ledger clock so tests can age records.
func SetClock(l Store, now func() time.Time) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		mem.now = now
	}
}

// TotalBalance sums every account balance held by the in-memory ledger.
func TotalBalance(l Store) decimal.Decimal {
	total := decimal.Zero
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.RLock()
		defer mem.mu.RUnlock()
		for _, acc := range mem.accounts {
			total = total.Add(acc.Balance)
		}
	}
	return total
}
