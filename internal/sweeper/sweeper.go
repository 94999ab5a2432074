// Package sweeper periodically repairs records that settlement left behind:
// deposits the provider never confirmed and transfers that stopped halfway.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/congo-pay/wallet_engine/internal/ledger"
	"github.com/congo-pay/wallet_engine/internal/transfer"
)

const (
	DefaultInterval          = 5 * time.Minute
	DefaultStaleDepositAfter = 30 * time.Minute
	DefaultTransferGrace     = 10 * time.Minute
	DefaultBatchSize         = 100

	reasonDepositExpired = "deposit not confirmed before expiry"
)

// Recoverer resolves a single stuck transfer.
type Recoverer interface {
	RecoverTransfer(ctx context.Context, reference string) (transfer.Recovery, error)
}

// Options tunes the sweep.
type Options struct {
	Interval          time.Duration
	StaleDepositAfter time.Duration
	TransferGrace     time.Duration
	BatchSize         int
}

// Report summarizes one pass.
type Report struct {
	StaleDeposits int
	Compensated   int
	Abandoned     int
	Errors        int
}

// Sweeper runs recovery passes over the ledger.
type Sweeper struct {
	store     ledger.Store
	transfers Recoverer
	logger    *slog.Logger
	opts      Options
	now       func() time.Time

	running sync.Mutex
}

// New builds a sweeper, applying defaults for unset options.
func New(store ledger.Store, transfers Recoverer, logger *slog.Logger, opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StaleDepositAfter <= 0 {
		opts.StaleDepositAfter = DefaultStaleDepositAfter
	}
	if opts.TransferGrace <= 0 {
		opts.TransferGrace = DefaultTransferGrace
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Sweeper{
		store:     store,
		transfers: transfers,
		logger:    logger,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start runs a pass immediately and then on every tick until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		report := s.RunOnce(ctx)
		if report.StaleDeposits+report.Compensated+report.Abandoned+report.Errors > 0 {
			s.logger.Info("sweep finished",
				slog.Int("stale_deposits", report.StaleDeposits),
				slog.Int("compensated", report.Compensated),
				slog.Int("abandoned", report.Abandoned),
				slog.Int("errors", report.Errors),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass. Every action is conditional on the record's
// current state, so concurrent passes in other processes are harmless; within
// one process a pass that starts while another is running returns at once.
func (s *Sweeper) RunOnce(ctx context.Context) Report {
	var report Report
	if !s.running.TryLock() {
		s.logger.Debug("sweep already running")
		return report
	}
	defer s.running.Unlock()

	now := s.now()
	s.expireDeposits(ctx, now, &report)
	s.recoverHalfApplied(ctx, now, &report)
	s.recoverAbandoned(ctx, now, &report)
	return report
}

func (s *Sweeper) expireDeposits(ctx context.Context, now time.Time, report *Report) {
	stale, err := s.store.StalePending(ctx, ledger.KindDeposit, now.Add(-s.opts.StaleDepositAfter), s.opts.BatchSize)
	if err != nil {
		report.Errors++
		s.logger.Error("list stale deposits", slog.Any("error", err))
		return
	}
	for _, rec := range stale {
		n, err := s.store.FailLegs(ctx, rec.Reference, reasonDepositExpired, ledger.KindDeposit)
		if err != nil {
			report.Errors++
			s.logger.Error("expire deposit", slog.String("reference", rec.Reference), slog.Any("error", err))
			continue
		}
		if n > 0 {
			report.StaleDeposits++
			s.logger.Info("stale deposit failed",
				slog.String("reference", rec.Reference),
				slog.String("account", rec.AccountID),
			)
		}
	}
}

func (s *Sweeper) recoverHalfApplied(ctx context.Context, now time.Time, report *Report) {
	refs, err := s.store.HalfApplied(ctx, now.Add(-s.opts.TransferGrace), s.opts.BatchSize)
	if err != nil {
		report.Errors++
		s.logger.Error("list half-applied transfers", slog.Any("error", err))
		return
	}
	for _, ref := range refs {
		s.recover(ctx, ref, report)
	}
}

func (s *Sweeper) recoverAbandoned(ctx context.Context, now time.Time, report *Report) {
	refs, err := s.store.Abandoned(ctx, now.Add(-s.opts.TransferGrace), s.opts.BatchSize)
	if err != nil {
		report.Errors++
		s.logger.Error("list abandoned transfers", slog.Any("error", err))
		return
	}
	for _, ref := range refs {
		s.recover(ctx, ref, report)
	}
}

func (s *Sweeper) recover(ctx context.Context, reference string, report *Report) {
	rec, err := s.transfers.RecoverTransfer(ctx, reference)
	if err != nil {
		if errors.Is(err, transfer.ErrTransferNotFound) {
			return
		}
		report.Errors++
		s.logger.Error("recover transfer", slog.String("reference", reference), slog.Any("error", err))
		return
	}
	switch rec.Action {
	case transfer.RecoveryCompensated:
		report.Compensated++
	case transfer.RecoveryFailed:
		report.Abandoned++
	}
}
