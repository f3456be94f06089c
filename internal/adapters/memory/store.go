package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/manthysbr/aule-escrow/internal/core/ports"
)

// Store is an in-process ports.Store. Transactions are serialized by one
// mutex and their writes are staged until fn returns nil.
type Store struct {
	mu      sync.Mutex
	jobs    map[domain.JobID]domain.Job
	escrows map[domain.JobID]domain.Escrow
	wallets map[string]domain.Wallet
	txns    []domain.Transaction
	workers map[domain.WorkerID]domain.Worker
	skills  map[domain.SkillID]domain.SkillListing

	settingsMu sync.RWMutex
	settings   map[string]string
}

var _ ports.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		jobs:     make(map[domain.JobID]domain.Job),
		escrows:  make(map[domain.JobID]domain.Escrow),
		wallets:  make(map[string]domain.Wallet),
		workers:  make(map[domain.WorkerID]domain.Worker),
		skills:   make(map[domain.SkillID]domain.SkillListing),
		settings: make(map[string]string),
	}
}

// WithinTx runs fn with exclusive access to the store. fn must not call
// WithinTx again.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{
		base:    s,
		jobs:    make(map[domain.JobID]domain.Job),
		escrows: make(map[domain.JobID]domain.Escrow),
		wallets: make(map[string]domain.Wallet),
		workers: make(map[domain.WorkerID]domain.Worker),
		skills:  make(map[domain.SkillID]domain.SkillListing),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	t.commit()
	return nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	v, ok := s.settings[key]
	if !ok {
		return "", domain.ErrSettingNotFound
	}
	return v, nil
}

func (s *Store) SaveSetting(ctx context.Context, key string, value string) error {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *Store) Close() error { return nil }

// tx stages writes over the committed maps.
type tx struct {
	base    *Store
	jobs    map[domain.JobID]domain.Job
	escrows map[domain.JobID]domain.Escrow
	wallets map[string]domain.Wallet
	txns    []domain.Transaction
	workers map[domain.WorkerID]domain.Worker
	skills  map[domain.SkillID]domain.SkillListing
}

func (t *tx) commit() {
	for k, v := range t.jobs {
		t.base.jobs[k] = v
	}
	for k, v := range t.escrows {
		t.base.escrows[k] = v
	}
	for k, v := range t.wallets {
		t.base.wallets[k] = v
	}
	for k, v := range t.workers {
		t.base.workers[k] = v
	}
	for k, v := range t.skills {
		t.base.skills[k] = v
	}
	t.base.txns = append(t.base.txns, t.txns...)
}

func (t *tx) lookupJob(id domain.JobID) (domain.Job, bool) {
	if j, ok := t.jobs[id]; ok {
		return j, true
	}
	j, ok := t.base.jobs[id]
	return j, ok
}

func (t *tx) InsertJob(ctx context.Context, job domain.Job) error {
	if _, ok := t.lookupJob(job.ID); ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	t.jobs[job.ID] = cloneJob(job)
	return nil
}

func (t *tx) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	j, ok := t.lookupJob(id)
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return cloneJob(j), nil
}

func (t *tx) UpdateJob(ctx context.Context, job domain.Job) error {
	if _, ok := t.lookupJob(job.ID); !ok {
		return domain.ErrJobNotFound
	}
	t.jobs[job.ID] = cloneJob(job)
	return nil
}

func (t *tx) ListExpiredJobs(ctx context.Context, now time.Time) ([]domain.Job, error) {
	seen := make(map[domain.JobID]bool)
	var out []domain.Job
	consider := func(j domain.Job) {
		if seen[j.ID] {
			return
		}
		seen[j.ID] = true
		if j.Status.IsOpen() && j.TimeoutAt != nil && !j.TimeoutAt.After(now) {
			out = append(out, cloneJob(j))
		}
	}
	for _, j := range t.jobs {
		consider(j)
	}
	for _, j := range t.base.jobs {
		consider(j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].TimeoutAt.Before(*out[k].TimeoutAt) })
	return out, nil
}

func (t *tx) lookupEscrow(id domain.JobID) (domain.Escrow, bool) {
	if e, ok := t.escrows[id]; ok {
		return e, true
	}
	e, ok := t.base.escrows[id]
	return e, ok
}

func (t *tx) InsertEscrow(ctx context.Context, escrow domain.Escrow) error {
	if _, ok := t.lookupEscrow(escrow.JobID); ok {
		return fmt.Errorf("escrow for job %s already exists", escrow.JobID)
	}
	t.escrows[escrow.JobID] = escrow
	return nil
}

func (t *tx) GetEscrow(ctx context.Context, jobID domain.JobID) (domain.Escrow, error) {
	e, ok := t.lookupEscrow(jobID)
	if !ok {
		return domain.Escrow{}, domain.ErrEscrowNotFound
	}
	return e, nil
}

func (t *tx) UpdateEscrow(ctx context.Context, escrow domain.Escrow) error {
	if _, ok := t.lookupEscrow(escrow.JobID); !ok {
		return domain.ErrEscrowNotFound
	}
	t.escrows[escrow.JobID] = escrow
	return nil
}

func (t *tx) GetWallet(ctx context.Context, requesterID string) (domain.Wallet, error) {
	if w, ok := t.wallets[requesterID]; ok {
		return w, nil
	}
	if w, ok := t.base.wallets[requesterID]; ok {
		return w, nil
	}
	return domain.Wallet{}, domain.ErrWalletNotFound
}

func (t *tx) SaveWallet(ctx context.Context, wallet domain.Wallet) error {
	t.wallets[wallet.RequesterID] = wallet
	return nil
}

func (t *tx) AppendTransaction(ctx context.Context, txn domain.Transaction) error {
	t.txns = append(t.txns, txn)
	return nil
}

func (t *tx) ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, list := range [][]domain.Transaction{t.base.txns, t.txns} {
		for _, txn := range list {
			if txn.AccountID == accountID {
				out = append(out, txn)
			}
		}
	}
	return out, nil
}

func (t *tx) SaveWorker(ctx context.Context, worker domain.Worker) error {
	t.workers[worker.ID] = worker
	return nil
}

func (t *tx) GetWorker(ctx context.Context, id domain.WorkerID) (domain.Worker, error) {
	if w, ok := t.workers[id]; ok {
		return w, nil
	}
	if w, ok := t.base.workers[id]; ok {
		return w, nil
	}
	return domain.Worker{}, domain.ErrWorkerNotFound
}

func (t *tx) SaveSkill(ctx context.Context, skill domain.SkillListing) error {
	t.skills[skill.ID] = skill
	return nil
}

func (t *tx) GetSkill(ctx context.Context, id domain.SkillID) (domain.SkillListing, error) {
	if s, ok := t.skills[id]; ok {
		return s, nil
	}
	if s, ok := t.base.skills[id]; ok {
		return s, nil
	}
	return domain.SkillListing{}, domain.ErrSkillNotFound
}

// cloneJob detaches the pointer fields so callers never share state with
// the store.
func cloneJob(j domain.Job) domain.Job {
	if j.Deliverable != nil {
		d := *j.Deliverable
		if d.Files != nil {
			files := make(map[string]string, len(d.Files))
			for k, v := range d.Files {
				files[k] = v
			}
			d.Files = files
		}
		j.Deliverable = &d
	}
	j.Rating = clonePtr(j.Rating)
	j.SkillID = clonePtr(j.SkillID)
	j.WorkerID = clonePtr(j.WorkerID)
	j.AcceptedAt = clonePtr(j.AcceptedAt)
	j.DeliveredAt = clonePtr(j.DeliveredAt)
	j.CompletedAt = clonePtr(j.CompletedAt)
	j.TimeoutAt = clonePtr(j.TimeoutAt)
	return j
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
