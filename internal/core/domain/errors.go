package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrWorkerNotFound    = errors.New("worker not found")
	ErrWorkerExists      = errors.New("worker already registered")
	ErrSkillNotFound     = errors.New("skill not found")
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrSettingNotFound   = errors.New("setting not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrForbidden         = errors.New("caller does not own this job")
	ErrValidation        = errors.New("validation failed")
	ErrWorkerUnreachable = errors.New("worker unreachable")
	ErrRateLimited       = errors.New("rate limit exceeded")

	// ErrPayoutDestinationMissing is returned by payment backends when the
	// payee never connected a payout account.
	ErrPayoutDestinationMissing = errors.New("payout destination not connected")
	ErrPaymentFailed            = errors.New("payment transfer failed")
	ErrMissingWebhookSecret     = errors.New("worker has no webhook secret configured")
)

// ValidationError is a synchronous rejection surfaced verbatim to the caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InsufficientFundsError names the balance, the required amount and the shortfall.
type InsufficientFundsError struct {
	Balance  decimal.Decimal
	Required decimal.Decimal
}

func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Balance)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %s, required %s, short by %s",
		e.Balance.StringFixed(2), e.Required.StringFixed(2), e.Shortfall().StringFixed(2))
}

// EscrowStateError is returned when money would move out of a non-locked escrow.
type EscrowStateError struct {
	JobID  JobID
	Status EscrowStatus
}

func (e *EscrowStateError) Error() string {
	return fmt.Sprintf("escrow for job %s is %s, not locked", e.JobID, e.Status)
}

// TransitionError wraps ErrInvalidTransition with the offending states.
type TransitionError struct {
	JobID  JobID
	From   JobStatus
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s job %s in status %s", e.Action, e.JobID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// SecurityBlockError names the files and patterns that stopped a dispatch.
type SecurityBlockError struct {
	BlockedFiles    []string
	BlockedPatterns []string
}

func (e *SecurityBlockError) Error() string {
	var b strings.Builder
	b.WriteString("context blocked by secrets scan")
	if len(e.BlockedFiles) > 0 {
		b.WriteString("; files: ")
		b.WriteString(strings.Join(e.BlockedFiles, ", "))
	}
	if len(e.BlockedPatterns) > 0 {
		b.WriteString("; patterns: ")
		b.WriteString(strings.Join(e.BlockedPatterns, ", "))
	}
	return b.String()
}
