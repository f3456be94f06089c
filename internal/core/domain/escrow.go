package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EscrowStatus string

const (
	EscrowStatusLocked   EscrowStatus = "locked"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusRefunded EscrowStatus = "refunded"
)

// Escrow holds the money locked against exactly one job.
// Amount always equals PlatformFee + WorkerPayout.
type Escrow struct {
	JobID        JobID           `json:"job_id"`
	RequesterID  string          `json:"requester_id"`
	PayeeID      WorkerID        `json:"payee_id"`
	Amount       decimal.Decimal `json:"amount"`
	PlatformFee  decimal.Decimal `json:"platform_fee"`
	WorkerPayout decimal.Decimal `json:"worker_payout"`
	Status       EscrowStatus    `json:"status"`
	LockedAt     time.Time       `json:"locked_at"`
	SettledAt    *time.Time      `json:"settled_at,omitempty"`
	TransferRef  string          `json:"transfer_ref,omitempty"`
}

// Wallet is a requester's spendable balance. Balance never goes negative.
type Wallet struct {
	RequesterID string          `json:"requester_id"`
	Balance     decimal.Decimal `json:"balance"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type TransactionType string

const (
	TxDeposit   TransactionType = "deposit"
	TxDeduction TransactionType = "deduction"
	TxRefund    TransactionType = "refund"
	TxPayout    TransactionType = "payout"
)

// Transaction is an append-only record of a balance change.
type Transaction struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"` // requester id, or payee id for payouts
	JobID     *JobID          `json:"job_id,omitempty"`
	Type      TransactionType `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	// BalanceAfter is null for payouts, which never touch a requester wallet.
	BalanceAfter decimal.NullDecimal `json:"balance_after"`
	Reference    string              `json:"reference,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// NewTransaction stamps a fresh id and creation time.
func NewTransaction(account string, jobID *JobID, typ TransactionType, amount decimal.Decimal, now time.Time) Transaction {
	return Transaction{
		ID:        uuid.New().String(),
		AccountID: account,
		JobID:     jobID,
		Type:      typ,
		Amount:    amount,
		CreatedAt: now,
	}
}
