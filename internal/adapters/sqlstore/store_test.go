package sqlstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/manthysbr/aule-escrow/internal/core/ports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), testLogger, "sqlite", filepath.Join(t.TempDir(), "escrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func within(t *testing.T, s *Store, fn func(ctx context.Context, tx ports.Tx)) {
	t.Helper()
	require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx ports.Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y IN (?, ?)`
	assert.Equal(t, q, rebind(DialectSQLite, q))
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)`, rebind(DialectPostgres, q))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), testLogger, "oracle", "")
	assert.ErrorContains(t, err, "unsupported store driver")
}

func TestStore_JobRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	deadline := now.Add(30 * time.Minute)
	worker := domain.WorkerID("w-1")

	job := domain.Job{
		ID:          "j-1",
		RequesterID: "req-1",
		Type:        domain.JobTypeWorker,
		WorkerID:    &worker,
		PayeeID:     worker,
		Task:        "summarise",
		Inputs:      map[string]any{"lang": "en"},
		Context:     map[string]any{"notes.md": "hello"},
		Budget:      decimal.RequireFromString("50.00"),
		Status:      domain.JobStatusPosted,
		CreatedAt:   now,
		TimeoutAt:   &deadline,
	}
	within(t, s, func(ctx context.Context, tx ports.Tx) {
		require.NoError(t, tx.InsertJob(ctx, job))
	})

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx ports.Tx) error {
		return tx.InsertJob(ctx, job)
	})
	assert.Error(t, err, "duplicate id must be rejected")

	within(t, s, func(ctx context.Context, tx ports.Tx) {
		got, err := tx.GetJob(ctx, "j-1")
		require.NoError(t, err)
		assert.Equal(t, "summarise", got.Task)
		assert.Equal(t, "en", got.Inputs["lang"])
		assert.Equal(t, "hello", got.Context["notes.md"])
		assert.True(t, got.Budget.Equal(job.Budget))
		require.NotNil(t, got.WorkerID)
		assert.Equal(t, worker, *got.WorkerID)
		assert.Nil(t, got.SkillID)
		assert.Nil(t, got.Deliverable)
		assert.True(t, got.CreatedAt.Equal(now))
		require.NotNil(t, got.TimeoutAt)
		assert.True(t, got.TimeoutAt.Equal(deadline))

		delivered := now.Add(time.Minute)
		rating := 4
		got.Status = domain.JobStatusApproved
		got.Deliverable = &domain.Deliverable{Text: "done", URL: "https://example.com/r"}
		got.DeliveredAt = &delivered
		got.Rating = &rating
		got.Feedback = "good"
		require.NoError(t, tx.UpdateJob(ctx, got))
	})

	within(t, s, func(ctx context.Context, tx ports.Tx) {
		got, err := tx.GetJob(ctx, "j-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusApproved, got.Status)
		require.NotNil(t, got.Deliverable)
		assert.Equal(t, "done", got.Deliverable.Text)
		require.NotNil(t, got.Rating)
		assert.Equal(t, 4, *got.Rating)
		assert.Equal(t, "good", got.Feedback)

		assert.ErrorIs(t, tx.UpdateJob(ctx, domain.Job{ID: "missing"}), domain.ErrJobNotFound)
		_, err = tx.GetJob(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestStore_RollbackDiscardsWrites(t *testing.T) {
	s := openTestStore(t)
	boom := errors.New("boom")

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx ports.Tx) error {
		require.NoError(t, tx.SaveWallet(ctx, domain.Wallet{RequesterID: "r1", Balance: decimal.NewFromInt(5)}))
		require.NoError(t, tx.AppendTransaction(ctx, domain.Transaction{ID: "t1", AccountID: "r1", Type: domain.TxDeposit, Amount: decimal.NewFromInt(5)}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	within(t, s, func(ctx context.Context, tx ports.Tx) {
		_, err := tx.GetWallet(ctx, "r1")
		assert.ErrorIs(t, err, domain.ErrWalletNotFound)
		txns, err := tx.ListTransactions(ctx, "r1")
		require.NoError(t, err)
		assert.Empty(t, txns)
	})
}

func TestStore_EscrowAndLedger(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	jobID := domain.JobID("j-1")

	within(t, s, func(ctx context.Context, tx ports.Tx) {
		require.NoError(t, tx.InsertEscrow(ctx, domain.Escrow{
			JobID:        jobID,
			RequesterID:  "req-1",
			PayeeID:      "w-1",
			Amount:       decimal.RequireFromString("50.00"),
			PlatformFee:  decimal.RequireFromString("5.00"),
			WorkerPayout: decimal.RequireFromString("45.00"),
			Status:       domain.EscrowStatusLocked,
			LockedAt:     now,
		}))
		require.NoError(t, tx.SaveWallet(ctx, domain.Wallet{RequesterID: "req-1", Balance: decimal.RequireFromString("100"), UpdatedAt: now}))
		require.NoError(t, tx.SaveWallet(ctx, domain.Wallet{RequesterID: "req-1", Balance: decimal.RequireFromString("50"), UpdatedAt: now}))

		dep := domain.NewTransaction("req-1", nil, domain.TxDeposit, decimal.RequireFromString("100"), now)
		dep.BalanceAfter = decimal.NewNullDecimal(decimal.RequireFromString("100"))
		dep.Reference = "ch_1"
		ded := domain.NewTransaction("req-1", &jobID, domain.TxDeduction, decimal.RequireFromString("50"), now)
		ded.BalanceAfter = decimal.NewNullDecimal(decimal.RequireFromString("50"))
		pay := domain.NewTransaction("w-1", &jobID, domain.TxPayout, decimal.RequireFromString("45"), now)
		require.NoError(t, tx.AppendTransaction(ctx, dep))
		require.NoError(t, tx.AppendTransaction(ctx, ded))
		require.NoError(t, tx.AppendTransaction(ctx, pay))
	})

	within(t, s, func(ctx context.Context, tx ports.Tx) {
		e, err := tx.GetEscrow(ctx, jobID)
		require.NoError(t, err)
		assert.True(t, e.Amount.Equal(e.PlatformFee.Add(e.WorkerPayout)))
		assert.Nil(t, e.SettledAt)

		settled := now.Add(time.Hour)
		e.Status = domain.EscrowStatusReleased
		e.SettledAt = &settled
		e.TransferRef = "tr_1"
		require.NoError(t, tx.UpdateEscrow(ctx, e))

		w, err := tx.GetWallet(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, "50.00", w.Balance.StringFixed(2))

		txns, err := tx.ListTransactions(ctx, "req-1")
		require.NoError(t, err)
		require.Len(t, txns, 2)
		assert.Equal(t, domain.TxDeposit, txns[0].Type)
		assert.Equal(t, "ch_1", txns[0].Reference)
		assert.Equal(t, domain.TxDeduction, txns[1].Type)
		require.NotNil(t, txns[1].JobID)
		assert.Equal(t, jobID, *txns[1].JobID)

		payouts, err := tx.ListTransactions(ctx, "w-1")
		require.NoError(t, err)
		require.Len(t, payouts, 1)
		assert.False(t, payouts[0].BalanceAfter.Valid)

		assert.ErrorIs(t, tx.UpdateEscrow(ctx, domain.Escrow{JobID: "nope"}), domain.ErrEscrowNotFound)
	})

	within(t, s, func(ctx context.Context, tx ports.Tx) {
		e, err := tx.GetEscrow(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, domain.EscrowStatusReleased, e.Status)
		assert.Equal(t, "tr_1", e.TransferRef)
		require.NotNil(t, e.SettledAt)
		assert.Equal(t, "45", e.WorkerPayout.String())
	})
}

func TestStore_WorkersAndSkills(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	within(t, s, func(ctx context.Context, tx ports.Tx) {
		require.NoError(t, tx.SaveWorker(ctx, domain.Worker{
			ID: "w-1", Name: "summariser", Endpoint: "https://w.example.com", Secret: "enc:abc",
			P90Completion: 15 * time.Minute, PayoutDestination: "acct_1", CreatedAt: now,
		}))
		require.NoError(t, tx.SaveWorker(ctx, domain.Worker{
			ID: "w-1", Name: "summariser", Endpoint: "https://w2.example.com", Secret: "enc:abc",
			P90Completion: 15 * time.Minute, PayoutDestination: "acct_1", RatingCount: 2, RatingAverage: 4.5, CreatedAt: now,
		}))
		require.NoError(t, tx.SaveSkill(ctx, domain.SkillListing{ID: "s-1", Name: "badge", PublisherID: "w-1", Price: decimal.RequireFromString("1.50")}))
	})

	within(t, s, func(ctx context.Context, tx ports.Tx) {
		w, err := tx.GetWorker(ctx, "w-1")
		require.NoError(t, err)
		assert.Equal(t, "https://w2.example.com", w.Endpoint)
		assert.Equal(t, 15*time.Minute, w.P90Completion)
		assert.Equal(t, 2, w.RatingCount)
		assert.InDelta(t, 4.5, w.RatingAverage, 0.0001)
		assert.True(t, w.CreatedAt.Equal(now))

		_, err = tx.GetWorker(ctx, "w-2")
		assert.ErrorIs(t, err, domain.ErrWorkerNotFound)

		sk, err := tx.GetSkill(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, domain.WorkerID("w-1"), sk.PublisherID)
		assert.Equal(t, "1.5", sk.Price.String())

		_, err = tx.GetSkill(ctx, "s-2")
		assert.ErrorIs(t, err, domain.ErrSkillNotFound)
	})
}

func TestStore_ListExpiredJobs(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { v := now.Add(d); return &v }

	jobs := []domain.Job{
		{ID: "late", Status: domain.JobStatusInProgress, TimeoutAt: at(-time.Minute)},
		{ID: "later", Status: domain.JobStatusPosted, TimeoutAt: at(-time.Hour)},
		{ID: "edge", Status: domain.JobStatusPosted, TimeoutAt: at(0)},
		{ID: "future", Status: domain.JobStatusPosted, TimeoutAt: at(time.Minute)},
		{ID: "delivered", Status: domain.JobStatusDelivered, TimeoutAt: at(-time.Hour)},
		{ID: "skill", Status: domain.JobStatusInProgress},
	}
	within(t, s, func(ctx context.Context, tx ports.Tx) {
		for _, j := range jobs {
			j.RequesterID, j.Type, j.PayeeID, j.Task, j.Budget, j.CreatedAt = "r", domain.JobTypeWorker, "w", "t", decimal.NewFromInt(1), now
			require.NoError(t, tx.InsertJob(ctx, j))
		}
	})

	within(t, s, func(ctx context.Context, tx ports.Tx) {
		got, err := tx.ListExpiredJobs(ctx, now)
		require.NoError(t, err)
		ids := make([]domain.JobID, 0, len(got))
		for _, j := range got {
			ids = append(ids, j.ID)
		}
		assert.Equal(t, []domain.JobID{"later", "late", "edge"}, ids)
	})
}

func TestStore_Settings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetSetting(ctx, "platform_settings")
	assert.ErrorIs(t, err, domain.ErrSettingNotFound)

	require.NoError(t, s.SaveSetting(ctx, "platform_settings", `{"fee_percent":"10"}`))
	require.NoError(t, s.SaveSetting(ctx, "platform_settings", `{"fee_percent":"12.5"}`))
	v, err := s.GetSetting(ctx, "platform_settings")
	require.NoError(t, err)
	assert.Equal(t, `{"fee_percent":"12.5"}`, v)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.db")
	ctx := context.Background()

	s, err := Open(ctx, testLogger, "sqlite", path)
	require.NoError(t, err)
	require.NoError(t, s.SaveSetting(ctx, "k", "v"))
	require.NoError(t, s.Close())

	s, err = Open(ctx, testLogger, "sqlite", path)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.GetSetting(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func transactionSeqs(t *testing.T, s *Store) []int64 {
	t.Helper()
	rows, err := s.db.QueryContext(context.Background(), `SELECT seq FROM transactions ORDER BY seq`)
	require.NoError(t, err)
	defer rows.Close()
	var seqs []int64
	for rows.Next() {
		var seq int64
		require.NoError(t, rows.Scan(&seq))
		seqs = append(seqs, seq)
	}
	require.NoError(t, rows.Err())
	return seqs
}

func TestStore_TransactionSeqUniqueAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "seq.db")
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	s, err := Open(ctx, testLogger, "sqlite", path)
	require.NoError(t, err)
	within(t, s, func(ctx context.Context, tx ports.Tx) {
		require.NoError(t, tx.AppendTransaction(ctx, domain.NewTransaction("req-1", nil, domain.TxDeposit, decimal.NewFromInt(5), now)))
		require.NoError(t, tx.AppendTransaction(ctx, domain.NewTransaction("req-2", nil, domain.TxDeposit, decimal.NewFromInt(7), now)))
	})

	// A rolled back append does not consume a seq.
	err = s.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		require.NoError(t, tx.AppendTransaction(ctx, domain.NewTransaction("req-1", nil, domain.TxDeposit, decimal.NewFromInt(1), now)))
		return errors.New("abort")
	})
	require.Error(t, err)
	assert.Equal(t, []int64{1, 2}, transactionSeqs(t, s))
	require.NoError(t, s.Close())

	// Re-applying the schema keeps the counter.
	s, err = Open(ctx, testLogger, "sqlite", path)
	require.NoError(t, err)
	defer s.Close()
	within(t, s, func(ctx context.Context, tx ports.Tx) {
		require.NoError(t, tx.AppendTransaction(ctx, domain.NewTransaction("req-1", nil, domain.TxDeposit, decimal.NewFromInt(3), now)))
	})
	assert.Equal(t, []int64{1, 2, 3}, transactionSeqs(t, s))

	_, err = s.db.ExecContext(ctx, `INSERT INTO transactions (id, seq, account_id, type, amount, created_at)
	VALUES ('dup', 3, 'req-3', 'deposit', '1', 0)`)
	assert.Error(t, err, "seq is unique")
}
