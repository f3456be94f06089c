package kernel

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/manthysbr/aule-escrow/internal/webhook"
)

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error           string      `json:"error"`
	Shortfall       string      `json:"shortfall,omitempty"`
	BlockedFiles    []string    `json:"blocked_files,omitempty"`
	BlockedPatterns []string    `json:"blocked_patterns,omitempty"`
	Job             *domain.Job `json:"job,omitempty"`
}

// unauthorizedBody is returned for every failed webhook verification,
// whatever the reason.
const unauthorizedBody = "unauthorized"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	var (
		validation *domain.ValidationError
		funds      *domain.InsufficientFundsError
		escrow     *domain.EscrowStateError
		block      *domain.SecurityBlockError
	)
	switch {
	case errors.As(err, &block):
		return http.StatusUnprocessableEntity
	case errors.As(err, &funds):
		return http.StatusPaymentRequired
	case errors.As(err, &validation), errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, webhook.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrEscrowNotFound),
		errors.Is(err, domain.ErrWorkerNotFound),
		errors.Is(err, domain.ErrSkillNotFound),
		errors.Is(err, domain.ErrWalletNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrWorkerExists),
		errors.As(err, &escrow):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrWorkerUnreachable),
		errors.Is(err, domain.ErrPaymentFailed),
		errors.Is(err, domain.ErrPayoutDestinationMissing):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError renders err with its mapped status. job is attached when the
// operation left a job behind, such as a cancelled dispatch.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, job *domain.Job) {
	status := statusFor(err)
	body := errorResponse{Error: err.Error(), Job: job}

	var (
		funds *domain.InsufficientFundsError
		block *domain.SecurityBlockError
	)
	if errors.As(err, &funds) {
		body.Shortfall = funds.Shortfall().StringFixed(2)
	}
	if errors.As(err, &block) {
		body.BlockedFiles = block.BlockedFiles
		body.BlockedPatterns = block.BlockedPatterns
	}

	switch {
	case status == http.StatusUnauthorized:
		body = errorResponse{Error: unauthorizedBody}
	case status >= 500:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		if status == http.StatusInternalServerError {
			body.Error = "internal error"
		}
	default:
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}
