package wallet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/congo-pay/wallet_engine/internal/ledger"
)

const (
	// MaxHistoryLimit caps a single transaction history page.
	MaxHistoryLimit = 100

	numberAttempts = 5
)

var (
	ErrOwnerRequired  = errors.New("owner id is required")
	ErrWalletNotFound = errors.New("wallet not found")
)

// Service exposes wallet operations backed by the ledger.
type Service struct {
	ledger    ledger.Store
	logger    *slog.Logger
	newNumber func() (string, error)
}

// NewService builds a wallet service instance.
func NewService(store ledger.Store, logger *slog.Logger) *Service {
	return &Service{ledger: store, logger: logger, newNumber: GenerateWalletNumber}
}

// Create provisions an empty wallet for ownerID under a fresh wallet number.
func (s *Service) Create(ctx context.Context, ownerID string) (ledger.Account, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return ledger.Account{}, ErrOwnerRequired
	}

	for attempt := 0; attempt < numberAttempts; attempt++ {
		number, err := s.newNumber()
		if err != nil {
			return ledger.Account{}, err
		}
		account := ledger.Account{
			ID:           uuid.NewString(),
			WalletNumber: number,
			OwnerID:      ownerID,
			Status:       ledger.AccountActive,
			CreatedAt:    time.Now().UTC(),
		}
		err = s.ledger.CreateAccount(ctx, account)
		if errors.Is(err, ledger.ErrAccountExists) {
			continue
		}
		if err != nil {
			return ledger.Account{}, fmt.Errorf("create account: %w", err)
		}
		s.logger.Info("wallet created",
			slog.String("account", account.ID),
			slog.String("owner", ownerID),
			slog.String("wallet_number", number),
		)
		return account, nil
	}
	return ledger.Account{}, fmt.Errorf("allocate wallet number: %w", ledger.ErrAccountExists)
}

// Get returns the wallet account.
func (s *Service) Get(ctx context.Context, accountID string) (ledger.Account, error) {
	account, err := s.ledger.GetAccount(ctx, accountID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return ledger.Account{}, ErrWalletNotFound
	}
	return account, err
}

// Balance returns the current balance of the wallet.
func (s *Service) Balance(ctx context.Context, accountID string) (Balance, error) {
	account, err := s.Get(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		AccountID:    account.ID,
		WalletNumber: account.WalletNumber,
		Amount:       account.Balance,
		AsOf:         time.Now().UTC(),
	}, nil
}

// Transactions lists the wallet history newest first.
func (s *Service) Transactions(ctx context.Context, accountID string, limit, offset int) ([]ledger.TransactionRecord, error) {
	if _, err := s.Get(ctx, accountID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = ledger.DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.ledger.GetTransactions(ctx, accountID, limit, offset)
}

// GenerateWalletNumber draws a uniformly random 13-digit number.
func GenerateWalletNumber() (string, error) {
	var b strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < WalletNumberLength; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("generate wallet number: %w", err)
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}
