package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/manthysbr/aule-escrow/internal/core/ports"
	"github.com/microcosm-cc/bluemonday"
)

const (
	// ReasonDeadlineExceeded is the cancel reason used by the timeout sweep.
	ReasonDeadlineExceeded = "deadline exceeded"
	ReasonDispatchFailed   = "dispatch failed"
	ReasonSecurityBlock    = "context blocked by secrets scan"
	ReasonScannerError     = "secrets scan unavailable"
	ReasonNoEndpoint       = "worker has no endpoint"
	ReasonRequester        = "cancelled by requester"
)

const (
	// DefaultWorkerTimeout bounds worker jobs whose worker reports no p90.
	DefaultWorkerTimeout = 24 * time.Hour

	// refundTimeout bounds the cancel that follows a failed dispatch. It runs
	// detached from the caller so a dropped request cannot strand the escrow.
	refundTimeout = 30 * time.Second
)

// LifecycleConfig tunes the job lifecycle.
type LifecycleConfig struct {
	// CallbackBaseURL prefixes the delivery callback sent to workers.
	CallbackBaseURL string
	// RequireWebhookSecret refuses to dispatch unsigned webhooks.
	RequireWebhookSecret bool
	// DefaultSkillTimeout sets TimeoutAt on skill jobs when positive.
	DefaultSkillTimeout time.Duration
	// DefaultWorkerTimeout is the deadline for worker jobs whose worker has
	// no p90 completion time. Zero means DefaultWorkerTimeout.
	DefaultWorkerTimeout time.Duration
	Clock                clock.Clock
}

// JobLifecycle drives jobs through posted, in_progress, delivered and a
// terminal state, keeping every escrow movement in the same transaction as
// the status change that causes it.
type JobLifecycle struct {
	logger     *slog.Logger
	store      ports.Store
	ledger     *EscrowLedger
	workers    ports.WorkerDirectory
	scanner    ports.SecretsScanner
	dispatcher ports.Dispatcher
	audit      ports.AuditLogger
	events     *EventBus
	cfg        LifecycleConfig
	clock      clock.Clock
	policy     *bluemonday.Policy
}

func NewJobLifecycle(
	logger *slog.Logger,
	store ports.Store,
	ledger *EscrowLedger,
	workers ports.WorkerDirectory,
	scanner ports.SecretsScanner,
	dispatcher ports.Dispatcher,
	audit ports.AuditLogger,
	events *EventBus,
	cfg LifecycleConfig,
) *JobLifecycle {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	if cfg.DefaultWorkerTimeout <= 0 {
		cfg.DefaultWorkerTimeout = DefaultWorkerTimeout
	}
	return &JobLifecycle{
		logger:     logger,
		store:      store,
		ledger:     ledger,
		workers:    workers,
		scanner:    scanner,
		dispatcher: dispatcher,
		audit:      audit,
		events:     events,
		cfg:        cfg,
		clock:      clk,
		policy:     bluemonday.UGCPolicy(),
	}
}

func (l *JobLifecycle) now() time.Time { return l.clock.Now().UTC() }

func (l *JobLifecycle) publish(job domain.Job, reason string) {
	if l.events == nil {
		return
	}
	l.events.Publish(domain.JobEvent{JobID: job.ID, Status: job.Status, Reason: reason, Timestamp: l.now()})
}

func (l *JobLifecycle) record(ctx context.Context, action, actor string, jobID domain.JobID, outcome, detail string) {
	if l.audit == nil {
		return
	}
	l.audit.Record(ctx, domain.AuditEvent{
		Action:  action,
		ActorID: actor,
		JobID:   jobID,
		Outcome: outcome,
		Detail:  detail,
		At:      l.now(),
	})
}

func validateCreate(in domain.CreateJobInput) error {
	if strings.TrimSpace(in.RequesterID) == "" {
		return domain.Invalid("requester_id", "is required")
	}
	if strings.TrimSpace(in.Task) == "" {
		return domain.Invalid("task", "is required")
	}
	switch in.Type {
	case domain.JobTypeWorker:
		if in.WorkerID == nil || *in.WorkerID == "" {
			return domain.Invalid("worker_id", "is required for worker jobs")
		}
		if in.SkillID != nil {
			return domain.Invalid("skill_id", "must not be set for worker jobs")
		}
	case domain.JobTypeSkill:
		if in.SkillID == nil || *in.SkillID == "" {
			return domain.Invalid("skill_id", "is required for skill jobs")
		}
		if in.WorkerID != nil {
			return domain.Invalid("worker_id", "must not be set for skill jobs")
		}
	default:
		return domain.Invalid("type", "must be %q or %q", domain.JobTypeSkill, domain.JobTypeWorker)
	}
	return ValidateAmount("budget", in.Budget)
}

// Create writes the job and locks its budget in one transaction, then
// dispatches worker jobs. A failed dispatch returns the cancelled job with
// the dispatch error.
func (l *JobLifecycle) Create(ctx context.Context, in domain.CreateJobInput) (domain.Job, error) {
	if err := validateCreate(in); err != nil {
		return domain.Job{}, err
	}

	now := l.now()
	job := domain.Job{
		ID:          domain.NewJobID(),
		RequesterID: in.RequesterID,
		Type:        in.Type,
		SkillID:     in.SkillID,
		WorkerID:    in.WorkerID,
		Task:        in.Task,
		Inputs:      in.Inputs,
		Context:     in.Context,
		Budget:      in.Budget,
		CreatedAt:   now,
	}

	if in.Type == domain.JobTypeWorker {
		profile, err := l.workers.Lookup(ctx, *in.WorkerID)
		if err != nil {
			return domain.Job{}, fmt.Errorf("look up worker: %w", err)
		}
		job.PayeeID = profile.ID
		job.Status = domain.JobStatusPosted
		// Every worker job gets a deadline so the sweep can always refund it.
		window := l.cfg.DefaultWorkerTimeout
		if profile.P90Completion > 0 {
			window = 2 * profile.P90Completion
		}
		timeout := now.Add(window)
		job.TimeoutAt = &timeout
	} else {
		job.Status = domain.JobStatusInProgress
		job.AcceptedAt = &now
		if l.cfg.DefaultSkillTimeout > 0 {
			timeout := now.Add(l.cfg.DefaultSkillTimeout)
			job.TimeoutAt = &timeout
		}
	}

	err := l.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		if job.Type == domain.JobTypeSkill {
			listing, err := tx.GetSkill(ctx, *job.SkillID)
			if err != nil {
				return fmt.Errorf("look up skill: %w", err)
			}
			job.PayeeID = listing.PublisherID
		}
		if err := tx.InsertJob(ctx, job); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		_, err := l.ledger.Lock(ctx, tx, job.ID, job.RequesterID, job.PayeeID, job.Budget)
		return err
	})
	if err != nil {
		l.logger.Warn("job creation failed", "requester_id", in.RequesterID, "error", err)
		return domain.Job{}, err
	}

	l.logger.Info("job created",
		"job_id", job.ID,
		"type", job.Type,
		"requester_id", job.RequesterID,
		"payee_id", job.PayeeID,
		"budget", job.Budget.StringFixed(2),
	)
	l.record(ctx, "job.create", job.RequesterID, job.ID, "ok", "")
	l.publish(job, "")

	if job.Type == domain.JobTypeWorker {
		return l.Dispatch(ctx, job.ID)
	}
	return job, nil
}

// Get returns a job by id.
func (l *JobLifecycle) Get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	var job domain.Job
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		job, err = tx.GetJob(ctx, id)
		return err
	})
	return job, err
}

type dispatchPayload struct {
	JobID       domain.JobID   `json:"jobId"`
	Task        string         `json:"task"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	CallbackURL string         `json:"callbackUrl"`
	Budget      string         `json:"budget"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
}

// CallbackURL is where a worker posts its delivery for job id.
func (l *JobLifecycle) CallbackURL(id domain.JobID) string {
	return strings.TrimRight(l.cfg.CallbackBaseURL, "/") + "/v1/jobs/" + url.PathEscape(string(id)) + "/deliver"
}

// Dispatch sends a posted worker job to its worker. Every failure cancels the
// job and refunds the escrow before the error is returned, so funds are never
// left locked without a notified worker.
func (l *JobLifecycle) Dispatch(ctx context.Context, id domain.JobID) (domain.Job, error) {
	job, err := l.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Type != domain.JobTypeWorker || job.WorkerID == nil {
		return job, domain.Invalid("type", "only worker jobs are dispatched")
	}
	if job.Status != domain.JobStatusPosted {
		return job, &domain.TransitionError{JobID: id, From: job.Status, Action: "dispatch"}
	}
	logger := l.logger.With("job_id", id, "worker_id", *job.WorkerID)

	fail := func(reason string, cause error) (domain.Job, error) {
		logger.Warn("dispatch failed, cancelling job", "reason", reason, "error", cause)
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
		defer cancel()

		cancelled, cerr := l.Cancel(rctx, id, reason)
		if cerr != nil && !errors.Is(cerr, domain.ErrInvalidTransition) {
			logger.Error("cancel after failed dispatch failed", "error", cerr)
			return job, fmt.Errorf("%w (refund failed: %v)", cause, cerr)
		}
		if cerr != nil {
			cancelled, _ = l.Get(rctx, id)
		}
		l.record(rctx, "job.dispatch", job.RequesterID, id, "failed", reason)
		return cancelled, cause
	}

	profile, err := l.workers.Lookup(ctx, *job.WorkerID)
	if err != nil {
		return fail(ReasonDispatchFailed, fmt.Errorf("%w: %w", domain.ErrWorkerUnreachable, err))
	}
	if profile.Endpoint == "" {
		return fail(ReasonNoEndpoint, fmt.Errorf("%w: no endpoint configured", domain.ErrWorkerUnreachable))
	}

	scan, err := l.scanner.Scan(ctx, job.Context)
	if err != nil {
		return fail(ReasonScannerError, fmt.Errorf("secrets scan: %w", err))
	}
	if !scan.Safe {
		l.record(ctx, "job.security_block", job.RequesterID, id, "blocked",
			strings.Join(append(append([]string{}, scan.BlockedFiles...), scan.BlockedPatterns...), ","))
		return fail(ReasonSecurityBlock, &domain.SecurityBlockError{
			BlockedFiles:    scan.BlockedFiles,
			BlockedPatterns: scan.BlockedPatterns,
		})
	}

	if profile.Secret == "" {
		if l.cfg.RequireWebhookSecret {
			return fail(ReasonDispatchFailed, fmt.Errorf("%w: %w", domain.ErrWorkerUnreachable, domain.ErrMissingWebhookSecret))
		}
		logger.Warn("dispatching unsigned webhook")
	}

	body, err := json.Marshal(dispatchPayload{
		JobID:       job.ID,
		Task:        job.Task,
		Inputs:      job.Inputs,
		Context:     job.Context,
		CallbackURL: l.CallbackURL(job.ID),
		Budget:      job.Budget.StringFixed(2),
		Deadline:    job.TimeoutAt,
	})
	if err != nil {
		return fail(ReasonDispatchFailed, fmt.Errorf("encode payload: %w", err))
	}

	if err := l.dispatcher.Send(ctx, profile.Endpoint, body, profile.Secret); err != nil {
		return fail(ReasonDispatchFailed, fmt.Errorf("%w: %w", domain.ErrWorkerUnreachable, err))
	}

	// A worker may deliver before this commit; keep whatever it wrote.
	var accepted bool
	err = l.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		current, err := tx.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == domain.JobStatusPosted {
			now := l.now()
			current.Status = domain.JobStatusInProgress
			current.AcceptedAt = &now
			if err := tx.UpdateJob(ctx, current); err != nil {
				return err
			}
			accepted = true
		}
		job = current
		return nil
	})
	if err != nil {
		return job, fmt.Errorf("mark job in progress: %w", err)
	}

	logger.Info("job dispatched", "status", job.Status)
	l.record(ctx, "job.dispatch", job.RequesterID, id, "ok", "")
	if accepted {
		l.publish(job, "")
	}
	return job, nil
}

func (l *JobLifecycle) sanitizeDeliverable(d domain.Deliverable) (domain.Deliverable, error) {
	if d.URL != "" {
		u, err := url.Parse(d.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return d, domain.Invalid("deliverable_url", "must be an absolute http(s) URL")
		}
	}
	d.Text = l.policy.Sanitize(d.Text)
	return d, nil
}

// Deliver records a worker's deliverable. Repeated deliveries for a job that
// is already delivered or settled return the stored job unchanged.
func (l *JobLifecycle) Deliver(ctx context.Context, id domain.JobID, d domain.Deliverable) (domain.Job, error) {
	clean, err := l.sanitizeDeliverable(d)
	if err != nil {
		return domain.Job{}, err
	}

	var job domain.Job
	var changed bool
	err = l.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		job, err = tx.GetJob(ctx, id)
		if err != nil {
			return err
		}
		switch job.Status {
		case domain.JobStatusDelivered, domain.JobStatusApproved, domain.JobStatusRejected:
			return nil
		case domain.JobStatusPosted, domain.JobStatusInProgress:
		default:
			return &domain.TransitionError{JobID: id, From: job.Status, Action: "deliver"}
		}

		now := l.now()
		job.Status = domain.JobStatusDelivered
		job.Deliverable = &clean
		job.DeliveredAt = &now
		changed = true
		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		return domain.Job{}, err
	}

	if !changed {
		l.logger.Info("duplicate delivery ignored", "job_id", id, "status", job.Status)
		return job, nil
	}
	l.logger.Info("job delivered", "job_id", id)
	l.publish(job, "")
	return job, nil
}

func (l *JobLifecycle) owned(ctx context.Context, tx ports.Tx, id domain.JobID, requesterID, action string) (domain.Job, error) {
	job, err := tx.GetJob(ctx, id)
	if err != nil {
		return job, err
	}
	if job.RequesterID != requesterID {
		l.logger.Warn("unauthorized job action", "job_id", id, "action", action, "caller_id", requesterID)
		return job, fmt.Errorf("%s job %s: %w", action, id, domain.ErrForbidden)
	}
	return job, nil
}

// Approve settles a delivered job in the worker's favour. The status change
// and the payout commit together; if the transfer fails the job stays
// delivered and the error is returned.
func (l *JobLifecycle) Approve(ctx context.Context, id domain.JobID, requesterID string, rating int, feedback string) (domain.Job, error) {
	var job domain.Job
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		job, err = l.owned(ctx, tx, id, requesterID, "approve")
		if err != nil {
			return err
		}
		if job.Status != domain.JobStatusDelivered {
			return &domain.TransitionError{JobID: id, From: job.Status, Action: "approve"}
		}
		if rating < 1 || rating > 5 {
			return domain.Invalid("rating", "must be between 1 and 5")
		}

		now := l.now()
		job.Status = domain.JobStatusApproved
		job.CompletedAt = &now
		job.Rating = &rating
		job.Feedback = l.policy.Sanitize(feedback)
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		_, err = l.ledger.Release(ctx, tx, id)
		return err
	})
	if err != nil {
		outcome := "failed"
		if errors.Is(err, domain.ErrForbidden) {
			outcome = "forbidden"
		}
		l.record(ctx, "job.approve", requesterID, id, outcome, err.Error())
		return domain.Job{}, err
	}

	// Money has moved; a reputation failure must not undo the approval.
	if err := l.workers.RecordRating(ctx, job.PayeeID, rating); err != nil {
		l.logger.Warn("failed to update worker reputation", "job_id", id, "worker_id", job.PayeeID, "error", err)
	}

	l.logger.Info("job approved", "job_id", id, "rating", rating)
	l.record(ctx, "job.approve", requesterID, id, "ok", "")
	l.publish(job, "")
	return job, nil
}

// Reject settles a delivered job in the requester's favour and refunds the
// full locked amount.
func (l *JobLifecycle) Reject(ctx context.Context, id domain.JobID, requesterID, reason string) (domain.Job, error) {
	clean := strings.TrimSpace(l.policy.Sanitize(reason))

	var job domain.Job
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		job, err = l.owned(ctx, tx, id, requesterID, "reject")
		if err != nil {
			return err
		}
		if job.Status != domain.JobStatusDelivered {
			return &domain.TransitionError{JobID: id, From: job.Status, Action: "reject"}
		}
		if clean == "" {
			return domain.Invalid("reason", "is required")
		}

		now := l.now()
		job.Status = domain.JobStatusRejected
		job.CompletedAt = &now
		job.Feedback = clean
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		_, err = l.ledger.Refund(ctx, tx, id)
		return err
	})
	if err != nil {
		outcome := "failed"
		if errors.Is(err, domain.ErrForbidden) {
			outcome = "forbidden"
		}
		l.record(ctx, "job.reject", requesterID, id, outcome, err.Error())
		return domain.Job{}, err
	}

	l.logger.Info("job rejected", "job_id", id)
	l.record(ctx, "job.reject", requesterID, id, "ok", "")
	l.publish(job, clean)
	return job, nil
}

func (l *JobLifecycle) cancelTx(ctx context.Context, tx ports.Tx, job domain.Job, reason string) (domain.Job, error) {
	if !job.Status.IsOpen() {
		return job, &domain.TransitionError{JobID: job.ID, From: job.Status, Action: "cancel"}
	}
	now := l.now()
	job.Status = domain.JobStatusCancelled
	job.CancelReason = reason
	job.CompletedAt = &now
	if err := tx.UpdateJob(ctx, job); err != nil {
		return job, err
	}
	if _, err := l.ledger.Refund(ctx, tx, job.ID); err != nil {
		return job, fmt.Errorf("refund: %w", err)
	}
	return job, nil
}

// Cancel moves an open job to cancelled and refunds it in the same
// transaction. Terminal jobs fail with a TransitionError.
func (l *JobLifecycle) Cancel(ctx context.Context, id domain.JobID, reason string) (domain.Job, error) {
	var job domain.Job
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		current, err := tx.GetJob(ctx, id)
		if err != nil {
			return err
		}
		job, err = l.cancelTx(ctx, tx, current, reason)
		return err
	})
	if err != nil {
		return job, err
	}
	l.logger.Info("job cancelled", "job_id", id, "reason", reason)
	l.publish(job, reason)
	return job, nil
}

// CancelByRequester lets the owner withdraw a job no worker has accepted yet.
func (l *JobLifecycle) CancelByRequester(ctx context.Context, id domain.JobID, requesterID string) (domain.Job, error) {
	var job domain.Job
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		current, err := l.owned(ctx, tx, id, requesterID, "cancel")
		if err != nil {
			return err
		}
		if current.Status != domain.JobStatusPosted {
			return &domain.TransitionError{JobID: id, From: current.Status, Action: "cancel"}
		}
		job, err = l.cancelTx(ctx, tx, current, ReasonRequester)
		return err
	})
	if err != nil {
		outcome := "failed"
		if errors.Is(err, domain.ErrForbidden) {
			outcome = "forbidden"
		}
		l.record(ctx, "job.cancel", requesterID, id, outcome, err.Error())
		return domain.Job{}, err
	}
	l.logger.Info("job cancelled", "job_id", id, "reason", ReasonRequester)
	l.record(ctx, "job.cancel", requesterID, id, "ok", "")
	l.publish(job, ReasonRequester)
	return job, nil
}

// ExpiredJobs lists open jobs whose deadline is at or before now.
func (l *JobLifecycle) ExpiredJobs(ctx context.Context, now time.Time) ([]domain.Job, error) {
	var jobs []domain.Job
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		jobs, err = tx.ListExpiredJobs(ctx, now)
		return err
	})
	return jobs, err
}
