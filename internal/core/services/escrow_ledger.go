package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/manthysbr/aule-escrow/internal/core/ports"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FeeSource yields the platform fee percent in force right now.
type FeeSource interface {
	FeePercent() decimal.Decimal
}

// StaticFee is a fixed FeeSource.
type StaticFee decimal.Decimal

func (f StaticFee) FeePercent() decimal.Decimal { return decimal.Decimal(f) }

// SplitFee divides amount into the platform fee, rounded to cents, and the
// worker payout, which takes the remainder.
func SplitFee(amount, percent decimal.Decimal) (fee, payout decimal.Decimal) {
	fee = amount.Mul(percent).Div(hundred).Round(2)
	return fee, amount.Sub(fee)
}

// ValidateAmount accepts strictly positive amounts with at most two decimals.
func ValidateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.Invalid(field, "must be greater than zero")
	}
	if !amount.Equal(amount.Round(2)) {
		return domain.Invalid(field, "must have at most two decimal places")
	}
	return nil
}

// EscrowLedger moves money between requester wallets, escrows and payees.
// Lock, Release and Refund run inside a caller-owned transaction so they
// commit or roll back together with the job write that caused them.
type EscrowLedger struct {
	logger   *slog.Logger
	store    ports.Store
	payments ports.PaymentBackend
	fees     FeeSource
	clock    clock.Clock
}

func NewEscrowLedger(logger *slog.Logger, store ports.Store, payments ports.PaymentBackend, fees FeeSource, clk clock.Clock) *EscrowLedger {
	if clk == nil {
		clk = clock.New()
	}
	return &EscrowLedger{
		logger:   logger,
		store:    store,
		payments: payments,
		fees:     fees,
		clock:    clk,
	}
}

// Lock debits the requester and freezes the fee split in a new locked escrow.
func (l *EscrowLedger) Lock(ctx context.Context, tx ports.Tx, jobID domain.JobID, requesterID string, payee domain.WorkerID, amount decimal.Decimal) (domain.Escrow, error) {
	if err := ValidateAmount("budget", amount); err != nil {
		return domain.Escrow{}, err
	}

	wallet, err := tx.GetWallet(ctx, requesterID)
	if errors.Is(err, domain.ErrWalletNotFound) {
		wallet = domain.Wallet{RequesterID: requesterID, Balance: decimal.Zero}
	} else if err != nil {
		return domain.Escrow{}, fmt.Errorf("load wallet: %w", err)
	}
	if wallet.Balance.LessThan(amount) {
		return domain.Escrow{}, &domain.InsufficientFundsError{Balance: wallet.Balance, Required: amount}
	}

	now := l.clock.Now().UTC()
	wallet.Balance = wallet.Balance.Sub(amount)
	wallet.UpdatedAt = now
	if err := tx.SaveWallet(ctx, wallet); err != nil {
		return domain.Escrow{}, fmt.Errorf("debit wallet: %w", err)
	}

	fee, payout := SplitFee(amount, l.fees.FeePercent())
	escrow := domain.Escrow{
		JobID:        jobID,
		RequesterID:  requesterID,
		PayeeID:      payee,
		Amount:       amount,
		PlatformFee:  fee,
		WorkerPayout: payout,
		Status:       domain.EscrowStatusLocked,
		LockedAt:     now,
	}
	if err := tx.InsertEscrow(ctx, escrow); err != nil {
		return domain.Escrow{}, fmt.Errorf("insert escrow: %w", err)
	}

	txn := domain.NewTransaction(requesterID, &jobID, domain.TxDeduction, amount, now)
	txn.BalanceAfter = decimal.NewNullDecimal(wallet.Balance)
	if err := tx.AppendTransaction(ctx, txn); err != nil {
		return domain.Escrow{}, fmt.Errorf("append deduction: %w", err)
	}

	l.logger.Info("escrow locked",
		"job_id", jobID,
		"requester_id", requesterID,
		"amount", amount.StringFixed(2),
		"platform_fee", fee.StringFixed(2),
		"worker_payout", payout.StringFixed(2),
	)
	return escrow, nil
}

func lockedEscrow(ctx context.Context, tx ports.Tx, jobID domain.JobID) (domain.Escrow, error) {
	escrow, err := tx.GetEscrow(ctx, jobID)
	if err != nil {
		return domain.Escrow{}, err
	}
	if escrow.Status != domain.EscrowStatusLocked {
		return escrow, &domain.EscrowStateError{JobID: jobID, Status: escrow.Status}
	}
	return escrow, nil
}

// Release pays the worker share to the payee's payout destination. The job
// id is the transfer idempotency key, so a retried release after a lost
// commit cannot pay twice.
func (l *EscrowLedger) Release(ctx context.Context, tx ports.Tx, jobID domain.JobID) (domain.Escrow, error) {
	escrow, err := lockedEscrow(ctx, tx, jobID)
	if err != nil {
		return escrow, err
	}

	payee, err := tx.GetWorker(ctx, escrow.PayeeID)
	if errors.Is(err, domain.ErrWorkerNotFound) {
		return escrow, fmt.Errorf("payee %s: %w", escrow.PayeeID, domain.ErrPayoutDestinationMissing)
	}
	if err != nil {
		return escrow, fmt.Errorf("look up payee %s: %w", escrow.PayeeID, err)
	}
	if payee.PayoutDestination == "" {
		return escrow, fmt.Errorf("payee %s: %w", escrow.PayeeID, domain.ErrPayoutDestinationMissing)
	}

	ref, err := l.payments.Transfer(ctx, payee.PayoutDestination, escrow.WorkerPayout, string(jobID))
	if err != nil {
		if errors.Is(err, domain.ErrPayoutDestinationMissing) {
			return escrow, err
		}
		return escrow, fmt.Errorf("%w: %w", domain.ErrPaymentFailed, err)
	}

	now := l.clock.Now().UTC()
	escrow.Status = domain.EscrowStatusReleased
	escrow.SettledAt = &now
	escrow.TransferRef = ref
	if err := tx.UpdateEscrow(ctx, escrow); err != nil {
		return escrow, fmt.Errorf("mark escrow released: %w", err)
	}

	txn := domain.NewTransaction(string(escrow.PayeeID), &jobID, domain.TxPayout, escrow.WorkerPayout, now)
	txn.Reference = ref
	if err := tx.AppendTransaction(ctx, txn); err != nil {
		return escrow, fmt.Errorf("append payout: %w", err)
	}

	l.logger.Info("escrow released",
		"job_id", jobID,
		"payee_id", escrow.PayeeID,
		"worker_payout", escrow.WorkerPayout.StringFixed(2),
		"transfer_ref", ref,
	)
	return escrow, nil
}

// Refund returns the full locked amount, fee included, to the requester.
func (l *EscrowLedger) Refund(ctx context.Context, tx ports.Tx, jobID domain.JobID) (domain.Escrow, error) {
	escrow, err := lockedEscrow(ctx, tx, jobID)
	if err != nil {
		return escrow, err
	}

	now := l.clock.Now().UTC()
	wallet, err := l.credit(ctx, tx, escrow.RequesterID, escrow.Amount, now)
	if err != nil {
		return escrow, err
	}

	escrow.Status = domain.EscrowStatusRefunded
	escrow.SettledAt = &now
	if err := tx.UpdateEscrow(ctx, escrow); err != nil {
		return escrow, fmt.Errorf("mark escrow refunded: %w", err)
	}

	txn := domain.NewTransaction(escrow.RequesterID, &jobID, domain.TxRefund, escrow.Amount, now)
	txn.BalanceAfter = decimal.NewNullDecimal(wallet.Balance)
	if err := tx.AppendTransaction(ctx, txn); err != nil {
		return escrow, fmt.Errorf("append refund: %w", err)
	}

	l.logger.Info("escrow refunded",
		"job_id", jobID,
		"requester_id", escrow.RequesterID,
		"amount", escrow.Amount.StringFixed(2),
	)
	return escrow, nil
}

func (l *EscrowLedger) credit(ctx context.Context, tx ports.Tx, requesterID string, amount decimal.Decimal, now time.Time) (domain.Wallet, error) {
	wallet, err := tx.GetWallet(ctx, requesterID)
	if errors.Is(err, domain.ErrWalletNotFound) {
		wallet = domain.Wallet{RequesterID: requesterID, Balance: decimal.Zero}
	} else if err != nil {
		return wallet, fmt.Errorf("load wallet: %w", err)
	}
	wallet.Balance = wallet.Balance.Add(amount)
	wallet.UpdatedAt = now
	if err := tx.SaveWallet(ctx, wallet); err != nil {
		return wallet, fmt.Errorf("credit wallet: %w", err)
	}
	return wallet, nil
}

// ReleaseJob runs Release in its own transaction.
func (l *EscrowLedger) ReleaseJob(ctx context.Context, jobID domain.JobID) (domain.Escrow, error) {
	var escrow domain.Escrow
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		escrow, err = l.Release(ctx, tx, jobID)
		return err
	})
	return escrow, err
}

// RefundJob runs Refund in its own transaction.
func (l *EscrowLedger) RefundJob(ctx context.Context, jobID domain.JobID) (domain.Escrow, error) {
	var escrow domain.Escrow
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		escrow, err = l.Refund(ctx, tx, jobID)
		return err
	})
	return escrow, err
}

// Deposit charges source through the payment backend and credits the wallet.
// An empty idempotency key gets a fresh one.
func (l *EscrowLedger) Deposit(ctx context.Context, requesterID string, amount decimal.Decimal, source, idempotencyKey string) (domain.Wallet, error) {
	if requesterID == "" {
		return domain.Wallet{}, domain.Invalid("requester_id", "is required")
	}
	if err := ValidateAmount("amount", amount); err != nil {
		return domain.Wallet{}, err
	}
	if source == "" {
		return domain.Wallet{}, domain.Invalid("source", "is required")
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	}

	ref, err := l.payments.CreateCharge(ctx, source, amount, idempotencyKey)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("%w: %w", domain.ErrPaymentFailed, err)
	}

	var wallet domain.Wallet
	err = l.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		now := l.clock.Now().UTC()
		var err error
		wallet, err = l.credit(ctx, tx, requesterID, amount, now)
		if err != nil {
			return err
		}
		txn := domain.NewTransaction(requesterID, nil, domain.TxDeposit, amount, now)
		txn.BalanceAfter = decimal.NewNullDecimal(wallet.Balance)
		txn.Reference = ref
		return tx.AppendTransaction(ctx, txn)
	})
	if err != nil {
		l.logger.Error("deposit charged but not credited", "requester_id", requesterID, "charge_ref", ref, "error", err)
		return domain.Wallet{}, err
	}

	l.logger.Info("wallet deposit", "requester_id", requesterID, "amount", amount.StringFixed(2), "charge_ref", ref)
	return wallet, nil
}

// Balance returns the requester's wallet. Unknown requesters have a zero balance.
func (l *EscrowLedger) Balance(ctx context.Context, requesterID string) (domain.Wallet, error) {
	var wallet domain.Wallet
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		wallet, err = tx.GetWallet(ctx, requesterID)
		if errors.Is(err, domain.ErrWalletNotFound) {
			wallet = domain.Wallet{RequesterID: requesterID, Balance: decimal.Zero}
			return nil
		}
		return err
	})
	return wallet, err
}

// Escrow returns the escrow locked for a job.
func (l *EscrowLedger) Escrow(ctx context.Context, jobID domain.JobID) (domain.Escrow, error) {
	var escrow domain.Escrow
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		escrow, err = tx.GetEscrow(ctx, jobID)
		return err
	})
	return escrow, err
}

// Transactions lists an account's ledger entries in the order they were written.
func (l *EscrowLedger) Transactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	var txns []domain.Transaction
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		txns, err = tx.ListTransactions(ctx, accountID)
		return err
	})
	return txns, err
}
