package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletNumberLength is the number of digits in a public wallet number.
const WalletNumberLength = 13

// Balance is the spendable amount of a wallet at a point in time.
type Balance struct {
	AccountID    string
	WalletNumber string
	Amount       decimal.Decimal
	AsOf         time.Time
}
