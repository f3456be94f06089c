package ports

import (
	"context"
	"time"

	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/shopspring/decimal"
)

// Store abstracts the transactional ledger/job store (DuckDB, SQLite, Postgres, memory).
type Store interface {
	// WithinTx runs fn inside one atomic unit. Returning an error rolls back
	// every write fn made through tx.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetSetting and SaveSetting back the platform settings store.
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error

	Close() error
}

// Tx is the set of reads and writes available inside one store transaction.
// Reads of jobs, escrows and wallets lock the row until the transaction ends.
type Tx interface {
	// Jobs
	InsertJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	UpdateJob(ctx context.Context, job domain.Job) error
	// ListExpiredJobs returns open jobs whose timeout is at or before now.
	ListExpiredJobs(ctx context.Context, now time.Time) ([]domain.Job, error)

	// Escrow
	InsertEscrow(ctx context.Context, escrow domain.Escrow) error
	GetEscrow(ctx context.Context, jobID domain.JobID) (domain.Escrow, error)
	UpdateEscrow(ctx context.Context, escrow domain.Escrow) error

	// Wallets and the append-only transaction log
	GetWallet(ctx context.Context, requesterID string) (domain.Wallet, error)
	SaveWallet(ctx context.Context, wallet domain.Wallet) error
	AppendTransaction(ctx context.Context, txn domain.Transaction) error
	ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error)

	// Workers and skill listings
	SaveWorker(ctx context.Context, worker domain.Worker) error
	GetWorker(ctx context.Context, id domain.WorkerID) (domain.Worker, error)
	SaveSkill(ctx context.Context, skill domain.SkillListing) error
	GetSkill(ctx context.Context, id domain.SkillID) (domain.SkillListing, error)
}

// WorkerProfile is what the lifecycle needs to reach and pay a worker.
// Secret is already decrypted.
type WorkerProfile struct {
	ID                domain.WorkerID
	Endpoint          string
	Secret            string
	P90Completion     time.Duration
	PayoutDestination string
}

// WorkerDirectory resolves worker endpoints and records reputation.
type WorkerDirectory interface {
	Lookup(ctx context.Context, id domain.WorkerID) (WorkerProfile, error)
	// RecordRating folds a 1-5 rating into the worker's aggregate reputation.
	RecordRating(ctx context.Context, id domain.WorkerID, rating int) error
}

// PaymentBackend moves money outside the platform.
type PaymentBackend interface {
	// Transfer pays amount to destination. It fails with
	// domain.ErrPayoutDestinationMissing when destination is unset or unknown.
	// Repeating a call with the same idempotency key returns the first reference.
	Transfer(ctx context.Context, destination string, amount decimal.Decimal, idempotencyKey string) (string, error)

	// CreateCharge collects amount from a funding source into the platform.
	CreateCharge(ctx context.Context, source string, amount decimal.Decimal, idempotencyKey string) (string, error)
}

// SecretsScanner inspects job context before it leaves the platform.
type SecretsScanner interface {
	Scan(ctx context.Context, jobContext map[string]any) (domain.ScanResult, error)
}

// RateLimiter admits at most limit calls per identifier per window.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, limit int, window time.Duration) (bool, error)
}

// AuditLogger records security-relevant events.
type AuditLogger interface {
	Record(ctx context.Context, event domain.AuditEvent)
}

// Dispatcher delivers signed webhooks to worker endpoints.
type Dispatcher interface {
	// Send POSTs body to endpoint, signing it when secret is non-empty.
	Send(ctx context.Context, endpoint string, body []byte, secret string) error
}

// SecretCipher encrypts values at rest. config.SecretKey implements it.
type SecretCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}
