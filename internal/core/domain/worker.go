package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type WorkerID string

type SkillID string

// Worker is an external service reachable only through its webhook endpoint.
type Worker struct {
	ID                WorkerID      `json:"id"`
	Name              string        `json:"name"`
	Endpoint          string        `json:"endpoint"`
	Secret            string        `json:"-"` // encrypted at rest
	P90Completion     time.Duration `json:"p90_completion"`
	PayoutDestination string        `json:"payout_destination,omitempty"`
	RatingCount       int           `json:"rating_count"`
	RatingAverage     float64       `json:"rating_average"`
	CreatedAt         time.Time     `json:"created_at"`
}

// HasSecret reports whether signed webhooks are possible for this worker.
func (w Worker) HasSecret() bool {
	return w.Secret != ""
}

// RegisterWorkerInput is a worker's self-registration.
type RegisterWorkerInput struct {
	ID                WorkerID
	Name              string
	Endpoint          string
	Secret            string
	P90Completion     time.Duration
	PayoutDestination string
	// Replace allows overwriting an existing registration. Callers set it only
	// after verifying a request signed with the worker's current secret.
	Replace bool
}

// SkillListing is a published skill and who gets paid when it is used.
type SkillListing struct {
	ID          SkillID         `json:"id"`
	Name        string          `json:"name"`
	PublisherID WorkerID        `json:"publisher_id"`
	Price       decimal.Decimal `json:"price"`
}

// ScanResult is the secrets scanner's verdict on a job context.
type ScanResult struct {
	Safe            bool     `json:"safe"`
	BlockedFiles    []string `json:"blocked_files,omitempty"`
	BlockedPatterns []string `json:"blocked_patterns,omitempty"`
}

// AuditEvent is a security-relevant action handed to the audit sink.
type AuditEvent struct {
	Action  string    `json:"action"`
	ActorID string    `json:"actor_id"`
	JobID   JobID     `json:"job_id,omitempty"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}
