package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type JobID string

// NewJobID pre-allocates an identifier before any row is written.
func NewJobID() JobID {
	return JobID(uuid.New().String())
}

type JobType string

const (
	JobTypeSkill  JobType = "skill"
	JobTypeWorker JobType = "worker"
)

type JobStatus string

const (
	JobStatusPosted     JobStatus = "posted"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusDelivered  JobStatus = "delivered"
	JobStatusApproved   JobStatus = "approved"
	JobStatusRejected   JobStatus = "rejected"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusApproved, JobStatusRejected, JobStatusCancelled:
		return true
	}
	return false
}

// IsOpen reports whether the job can still be delivered or cancelled.
func (s JobStatus) IsOpen() bool {
	return s == JobStatusPosted || s == JobStatusInProgress
}

// Deliverable is what a worker hands back. All fields are optional.
type Deliverable struct {
	Text  string            `json:"text,omitempty"`
	URL   string            `json:"url,omitempty"`
	Files map[string]string `json:"files,omitempty"`
}

// IsEmpty reports whether nothing was delivered.
func (d Deliverable) IsEmpty() bool {
	return d.Text == "" && d.URL == "" && len(d.Files) == 0
}

// Job is a unit of paid work requested by a requester.
type Job struct {
	ID          JobID           `json:"id"`
	RequesterID string          `json:"requester_id"`
	Type        JobType         `json:"type"`
	SkillID     *SkillID        `json:"skill_id,omitempty"`
	WorkerID    *WorkerID       `json:"worker_id,omitempty"`
	PayeeID     WorkerID        `json:"payee_id"`
	Task        string          `json:"task"`
	Inputs      map[string]any  `json:"inputs,omitempty"`
	Context     map[string]any  `json:"context,omitempty"`
	Budget      decimal.Decimal `json:"budget"` // fixed at creation
	Status      JobStatus       `json:"status"`
	Deliverable *Deliverable    `json:"deliverable,omitempty"`
	Rating      *int            `json:"rating,omitempty"`
	Feedback    string          `json:"feedback,omitempty"`

	CancelReason string `json:"cancel_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TimeoutAt   *time.Time `json:"timeout_at,omitempty"`
}

// CreateJobInput is the requester's job submission.
type CreateJobInput struct {
	RequesterID string
	Type        JobType
	SkillID     *SkillID
	WorkerID    *WorkerID
	Task        string
	Inputs      map[string]any
	Context     map[string]any
	Budget      decimal.Decimal
}

// JobEvent is published on every job status change.
type JobEvent struct {
	JobID     JobID     `json:"job_id"`
	Status    JobStatus `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
