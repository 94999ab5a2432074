package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account statuses.
const (
	AccountActive = "active"
	AccountFrozen = "frozen"
)

// Account is a wallet balance owned by a single user.
type Account struct {
	ID           string
	WalletNumber string
	OwnerID      string
	Balance      decimal.Decimal
	Status       string
	CreatedAt    time.Time
}

// Kind classifies a transaction record.
type Kind string

const (
	KindDeposit     Kind = "deposit"
	KindTransferOut Kind = "transfer_out"
	KindTransferIn  Kind = "transfer_in"
	KindRefund      Kind = "refund"
)

// Sign is the direction of a balance delta.
type Sign int

const (
	Debit  Sign = -1
	Credit Sign = 1
)

// Sign reports how a record of kind k moves its account balance.
func (k Kind) Sign() Sign {
	if k == KindTransferOut {
		return Debit
	}
	return Credit
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDeposit, KindTransferOut, KindTransferIn, KindRefund:
		return true
	}
	return false
}

// Status is the lifecycle state of a transaction record.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// TransactionRecord is one economic event against one account. The two legs
// of a transfer share a reference and differ by kind.
type TransactionRecord struct {
	ID                    string
	Reference             string
	Kind                  Kind
	Amount                decimal.Decimal
	Status                Status
	AccountID             string
	CounterpartyAccountID string
	Metadata              map[string]string
	FailureReason         string
	CreatedAt             time.Time
	CompletedAt           *time.Time
}

// Leg returns the record of the given kind, if present.
func Leg(records []TransactionRecord, kind Kind) (TransactionRecord, bool) {
	for _, rec := range records {
		if rec.Kind == kind {
			return rec, true
		}
	}
	return TransactionRecord{}, false
}

func cloneMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
