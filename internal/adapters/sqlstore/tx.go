package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/shopspring/decimal"
)

// sqlClient is satisfied by *sql.DB and *sql.Tx.
type sqlClient interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type tx struct {
	q       sqlClient
	dialect Dialect
}

func (t *tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.q.ExecContext(ctx, rebind(t.dialect, query), args...)
}

func (t *tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.q.QueryRowContext(ctx, rebind(t.dialect, query), args...)
}

func (t *tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.q.QueryContext(ctx, rebind(t.dialect, query), args...)
}

// forUpdate appends a row lock where the engine supports one.
func (t *tx) forUpdate(query string) string {
	if t.dialect == DialectPostgres {
		return query + " FOR UPDATE"
	}
	return query
}

func mustAffect(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, requester_id, type, skill_id, worker_id, payee_id, task, inputs, context,
	budget, status, deliverable, rating, feedback, cancel_reason,
	created_at, accepted_at, delivered_at, completed_at, timeout_at`

func jobArgs(j domain.Job) ([]any, error) {
	inputs, err := marshalNullable(j.Inputs, len(j.Inputs) == 0)
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	jobCtx, err := marshalNullable(j.Context, len(j.Context) == 0)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	deliverable, err := marshalNullable(j.Deliverable, j.Deliverable == nil)
	if err != nil {
		return nil, fmt.Errorf("encode deliverable: %w", err)
	}
	var skillID, workerID sql.NullString
	if j.SkillID != nil {
		skillID = sql.NullString{String: string(*j.SkillID), Valid: true}
	}
	if j.WorkerID != nil {
		workerID = sql.NullString{String: string(*j.WorkerID), Valid: true}
	}
	var rating sql.NullInt64
	if j.Rating != nil {
		rating = sql.NullInt64{Int64: int64(*j.Rating), Valid: true}
	}
	return []any{
		string(j.ID), j.RequesterID, string(j.Type), skillID, workerID, string(j.PayeeID), j.Task,
		inputs, jobCtx, j.Budget.String(), string(j.Status), deliverable, rating, j.Feedback, j.CancelReason,
		j.CreatedAt.UnixNano(), nullTime(j.AcceptedAt), nullTime(j.DeliveredAt), nullTime(j.CompletedAt), nullTime(j.TimeoutAt),
	}, nil
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j                                      domain.Job
		id, typ, payee, budget, status         string
		skillID, workerID                      sql.NullString
		inputs, jobCtx, deliverable            sql.NullString
		rating                                 sql.NullInt64
		created                                int64
		accepted, delivered, completed, expiry sql.NullInt64
	)
	err := row.Scan(&id, &j.RequesterID, &typ, &skillID, &workerID, &payee, &j.Task, &inputs, &jobCtx,
		&budget, &status, &deliverable, &rating, &j.Feedback, &j.CancelReason,
		&created, &accepted, &delivered, &completed, &expiry)
	if err != nil {
		return domain.Job{}, err
	}

	j.ID = domain.JobID(id)
	j.Type = domain.JobType(typ)
	j.PayeeID = domain.WorkerID(payee)
	j.Status = domain.JobStatus(status)
	if skillID.Valid {
		v := domain.SkillID(skillID.String)
		j.SkillID = &v
	}
	if workerID.Valid {
		v := domain.WorkerID(workerID.String)
		j.WorkerID = &v
	}
	if rating.Valid {
		v := int(rating.Int64)
		j.Rating = &v
	}
	if j.Budget, err = decimal.NewFromString(budget); err != nil {
		return domain.Job{}, fmt.Errorf("decode budget: %w", err)
	}
	if err := unmarshalNullable(inputs, &j.Inputs); err != nil {
		return domain.Job{}, fmt.Errorf("decode inputs: %w", err)
	}
	if err := unmarshalNullable(jobCtx, &j.Context); err != nil {
		return domain.Job{}, fmt.Errorf("decode context: %w", err)
	}
	if deliverable.Valid {
		j.Deliverable = &domain.Deliverable{}
		if err := json.Unmarshal([]byte(deliverable.String), j.Deliverable); err != nil {
			return domain.Job{}, fmt.Errorf("decode deliverable: %w", err)
		}
	}
	j.CreatedAt = fromNanos(created)
	j.AcceptedAt = timePtr(accepted)
	j.DeliveredAt = timePtr(delivered)
	j.CompletedAt = timePtr(completed)
	j.TimeoutAt = timePtr(expiry)
	return j, nil
}

func (t *tx) InsertJob(ctx context.Context, job domain.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (t *tx) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := t.queryRow(ctx, t.forUpdate(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), string(id))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return j, err
}

func (t *tx) UpdateJob(ctx context.Context, job domain.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	// Identity columns are immutable; only the mutable tail is rewritten.
	mutable := make([]any, 0, 10)
	mutable = append(mutable, args[10:15]...)
	mutable = append(mutable, args[16:]...)
	mutable = append(mutable, string(job.ID))
	res, err := t.exec(ctx, `UPDATE jobs SET
		status = ?, deliverable = ?, rating = ?, feedback = ?, cancel_reason = ?,
		accepted_at = ?, delivered_at = ?, completed_at = ?, timeout_at = ?
	WHERE id = ?`, mutable...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return mustAffect(res, domain.ErrJobNotFound)
}

func (t *tx) ListExpiredJobs(ctx context.Context, now time.Time) ([]domain.Job, error) {
	rows, err := t.query(ctx, `SELECT `+jobColumns+` FROM jobs
	WHERE status IN (?, ?) AND timeout_at IS NOT NULL AND timeout_at <= ?
	ORDER BY timeout_at, id`,
		string(domain.JobStatusPosted), string(domain.JobStatusInProgress), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Escrow ---

const escrowColumns = `job_id, requester_id, payee_id, amount, platform_fee, worker_payout,
	status, locked_at, settled_at, transfer_ref`

func scanEscrow(row rowScanner) (domain.Escrow, error) {
	var (
		e                    domain.Escrow
		jobID, payee, status string
		amount, fee, payout  string
		locked               int64
		settled              sql.NullInt64
	)
	if err := row.Scan(&jobID, &e.RequesterID, &payee, &amount, &fee, &payout,
		&status, &locked, &settled, &e.TransferRef); err != nil {
		return domain.Escrow{}, err
	}
	e.JobID = domain.JobID(jobID)
	e.PayeeID = domain.WorkerID(payee)
	e.Status = domain.EscrowStatus(status)
	e.LockedAt = fromNanos(locked)
	e.SettledAt = timePtr(settled)

	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Escrow{}, fmt.Errorf("decode amount: %w", err)
	}
	if e.PlatformFee, err = decimal.NewFromString(fee); err != nil {
		return domain.Escrow{}, fmt.Errorf("decode platform fee: %w", err)
	}
	if e.WorkerPayout, err = decimal.NewFromString(payout); err != nil {
		return domain.Escrow{}, fmt.Errorf("decode worker payout: %w", err)
	}
	return e, nil
}

func (t *tx) InsertEscrow(ctx context.Context, e domain.Escrow) error {
	_, err := t.exec(ctx, `INSERT INTO escrows (`+escrowColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.JobID), e.RequesterID, string(e.PayeeID), e.Amount.String(), e.PlatformFee.String(), e.WorkerPayout.String(),
		string(e.Status), e.LockedAt.UnixNano(), nullTime(e.SettledAt), e.TransferRef)
	if err != nil {
		return fmt.Errorf("insert escrow for job %s: %w", e.JobID, err)
	}
	return nil
}

func (t *tx) GetEscrow(ctx context.Context, jobID domain.JobID) (domain.Escrow, error) {
	row := t.queryRow(ctx, t.forUpdate(`SELECT `+escrowColumns+` FROM escrows WHERE job_id = ?`), string(jobID))
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Escrow{}, domain.ErrEscrowNotFound
	}
	return e, err
}

// UpdateEscrow rewrites the settlement fields. Amounts are frozen at lock.
func (t *tx) UpdateEscrow(ctx context.Context, e domain.Escrow) error {
	res, err := t.exec(ctx, `UPDATE escrows SET status = ?, settled_at = ?, transfer_ref = ? WHERE job_id = ?`,
		string(e.Status), nullTime(e.SettledAt), e.TransferRef, string(e.JobID))
	if err != nil {
		return fmt.Errorf("update escrow for job %s: %w", e.JobID, err)
	}
	return mustAffect(res, domain.ErrEscrowNotFound)
}

// --- Wallets and transactions ---

func (t *tx) GetWallet(ctx context.Context, requesterID string) (domain.Wallet, error) {
	var (
		balance string
		updated int64
	)
	err := t.queryRow(ctx, t.forUpdate(`SELECT balance, updated_at FROM wallets WHERE requester_id = ?`), requesterID).
		Scan(&balance, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Wallet{}, domain.ErrWalletNotFound
	}
	if err != nil {
		return domain.Wallet{}, err
	}
	d, err := decimal.NewFromString(balance)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("decode balance: %w", err)
	}
	return domain.Wallet{RequesterID: requesterID, Balance: d, UpdatedAt: fromNanos(updated)}, nil
}

func (t *tx) SaveWallet(ctx context.Context, w domain.Wallet) error {
	_, err := t.exec(ctx, `INSERT INTO wallets (requester_id, balance, updated_at) VALUES (?, ?, ?)
	ON CONFLICT (requester_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		w.RequesterID, w.Balance.String(), w.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save wallet %s: %w", w.RequesterID, err)
	}
	return nil
}

func (t *tx) AppendTransaction(ctx context.Context, txn domain.Transaction) error {
	var seq int64
	if err := t.queryRow(ctx, `UPDATE sequences SET value = value + 1 WHERE name = 'transactions' RETURNING value`).Scan(&seq); err != nil {
		return fmt.Errorf("next transaction seq: %w", err)
	}
	var jobID sql.NullString
	if txn.JobID != nil {
		jobID = sql.NullString{String: string(*txn.JobID), Valid: true}
	}
	var after sql.NullString
	if txn.BalanceAfter.Valid {
		after = sql.NullString{String: txn.BalanceAfter.Decimal.String(), Valid: true}
	}
	_, err := t.exec(ctx, `INSERT INTO transactions
	(id, seq, account_id, job_id, type, amount, balance_after, reference, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, seq, txn.AccountID, jobID, string(txn.Type), txn.Amount.String(), after, txn.Reference, txn.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

func (t *tx) ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	rows, err := t.query(ctx, `SELECT id, account_id, job_id, type, amount, balance_after, reference, created_at
	FROM transactions WHERE account_id = ? ORDER BY seq`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			txn          domain.Transaction
			typ, amount  string
			jobID, after sql.NullString
			created      int64
		)
		if err := rows.Scan(&txn.ID, &txn.AccountID, &jobID, &typ, &amount, &after, &txn.Reference, &created); err != nil {
			return nil, err
		}
		txn.Type = domain.TransactionType(typ)
		txn.CreatedAt = fromNanos(created)
		if jobID.Valid {
			v := domain.JobID(jobID.String)
			txn.JobID = &v
		}
		if txn.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("decode amount: %w", err)
		}
		if after.Valid {
			d, err := decimal.NewFromString(after.String)
			if err != nil {
				return nil, fmt.Errorf("decode balance after: %w", err)
			}
			txn.BalanceAfter = decimal.NewNullDecimal(d)
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// --- Workers and skills ---

func (t *tx) SaveWorker(ctx context.Context, w domain.Worker) error {
	_, err := t.exec(ctx, `INSERT INTO workers
	(id, name, endpoint, secret, p90_completion_ns, payout_destination, rating_count, rating_average, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		name = excluded.name,
		endpoint = excluded.endpoint,
		secret = excluded.secret,
		p90_completion_ns = excluded.p90_completion_ns,
		payout_destination = excluded.payout_destination,
		rating_count = excluded.rating_count,
		rating_average = excluded.rating_average`,
		string(w.ID), w.Name, w.Endpoint, w.Secret, int64(w.P90Completion), w.PayoutDestination,
		w.RatingCount, w.RatingAverage, w.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save worker %s: %w", w.ID, err)
	}
	return nil
}

func (t *tx) GetWorker(ctx context.Context, id domain.WorkerID) (domain.Worker, error) {
	var (
		w       domain.Worker
		p90     int64
		created int64
	)
	err := t.queryRow(ctx, t.forUpdate(`SELECT name, endpoint, secret, p90_completion_ns, payout_destination,
		rating_count, rating_average, created_at FROM workers WHERE id = ?`), string(id)).
		Scan(&w.Name, &w.Endpoint, &w.Secret, &p90, &w.PayoutDestination, &w.RatingCount, &w.RatingAverage, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Worker{}, domain.ErrWorkerNotFound
	}
	if err != nil {
		return domain.Worker{}, err
	}
	w.ID = id
	w.P90Completion = time.Duration(p90)
	w.CreatedAt = fromNanos(created)
	return w, nil
}

func (t *tx) SaveSkill(ctx context.Context, s domain.SkillListing) error {
	_, err := t.exec(ctx, `INSERT INTO skills (id, name, publisher_id, price) VALUES (?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET name = excluded.name, publisher_id = excluded.publisher_id, price = excluded.price`,
		string(s.ID), s.Name, string(s.PublisherID), s.Price.String())
	if err != nil {
		return fmt.Errorf("save skill %s: %w", s.ID, err)
	}
	return nil
}

func (t *tx) GetSkill(ctx context.Context, id domain.SkillID) (domain.SkillListing, error) {
	var name, publisher, price string
	err := t.queryRow(ctx, `SELECT name, publisher_id, price FROM skills WHERE id = ?`, string(id)).
		Scan(&name, &publisher, &price)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SkillListing{}, domain.ErrSkillNotFound
	}
	if err != nil {
		return domain.SkillListing{}, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return domain.SkillListing{}, fmt.Errorf("decode price: %w", err)
	}
	return domain.SkillListing{ID: id, Name: name, PublisherID: domain.WorkerID(publisher), Price: d}, nil
}

// --- codecs ---

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func marshalNullable(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalNullable(s sql.NullString, dst *map[string]any) error {
	if !s.Valid {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}
