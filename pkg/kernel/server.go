package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/routers"
	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	"github.com/shopspring/decimal"

	"github.com/manthysbr/aule-escrow/internal/config"
	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/manthysbr/aule-escrow/internal/core/ports"
	"github.com/manthysbr/aule-escrow/internal/core/services"
	"github.com/manthysbr/aule-escrow/internal/export"
	"github.com/manthysbr/aule-escrow/internal/webhook"
)

// HeaderRequesterID carries the authenticated caller. It is set by the
// gateway in front of the kernel.
const HeaderRequesterID = "X-Requester-ID"

const defaultMaxBodyBytes = 1 << 20

// Config tunes request handling.
type Config struct {
	// RequireWebhookSecret rejects unsigned deliveries from workers that
	// never registered a secret.
	RequireWebhookSecret bool
	// JobsPerMinute caps job creation per requester. Zero disables the cap.
	JobsPerMinute int
	MaxBodyBytes  int64
}

type Server struct {
	logger    *slog.Logger
	lifecycle *services.JobLifecycle
	ledger    *services.EscrowLedger
	workers   *services.WorkerDirectory
	eventBus  *services.EventBus
	settings  *config.SettingsStore
	limiter   ports.RateLimiter
	verifier  *webhook.Verifier
	exporter  *export.Service
	router    routers.Router
	cfg       Config
}

func NewServer(
	ctx context.Context,
	logger *slog.Logger,
	lifecycle *services.JobLifecycle,
	ledger *services.EscrowLedger,
	workers *services.WorkerDirectory,
	eventBus *services.EventBus,
	settings *config.SettingsStore,
	limiter ports.RateLimiter,
	verifier *webhook.Verifier,
	exporter *export.Service,
	cfg Config,
) (*Server, error) {
	router, err := loadRouter(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if verifier == nil {
		verifier = webhook.NewVerifier()
	}
	return &Server{
		logger:    logger,
		lifecycle: lifecycle,
		ledger:    ledger,
		workers:   workers,
		eventBus:  eventBus,
		settings:  settings,
		limiter:   limiter,
		verifier:  verifier,
		exporter:  exporter,
		router:    router,
		cfg:       cfg,
	}, nil
}

// Handler returns the HTTP handler for the kernel API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.limitBody)
	r.Use(s.validateRequests)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Route("/jobs/{jobId}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Post("/approve", s.handleApproveJob)
			r.Post("/reject", s.handleRejectJob)
			r.Post("/cancel", s.handleCancelJob)
			r.Post("/deliver", s.handleDeliverJob)
			r.Get("/events", s.handleJobSSE)
		})

		r.Get("/wallet", s.handleGetWallet)
		r.Post("/wallet/deposit", s.handleDeposit)
		r.Get("/wallet/transactions", s.handleListTransactions)
		r.Get("/wallet/export", s.handleExportLedger)

		r.Post("/workers", s.handleRegisterWorker)
		r.Post("/skills", s.handlePublishSkill)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleUpdateSettings)
	})

	return r
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requester returns the calling requester, writing a 401 when absent.
func requester(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(HeaderRequesterID))
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + HeaderRequesterID + " header"})
		return "", false
	}
	return id, true
}

func jobIDParam(r *http.Request) (domain.JobID, error) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "jobId", chi.URLParam(r, "jobId"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		return "", domain.Invalid("jobId", "%s", err.Error())
	}
	return domain.JobID(id), nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Invalid("", "invalid request body: %s", err.Error())
	}
	return nil
}

func parseMoney(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, domain.Invalid(field, "must be a decimal amount")
	}
	return d, nil
}

// --- jobs ---

type createJobRequest struct {
	Type     domain.JobType `json:"type"`
	SkillID  string         `json:"skillId,omitempty"`
	WorkerID string         `json:"workerId,omitempty"`
	Task     string         `json:"task"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
	Budget   string         `json:"budget"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := requester(w, r)
	if !ok {
		return
	}
	if err := s.allowJobCreate(r.Context(), requesterID); err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	var req createJobRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	budget, err := parseMoney("budget", req.Budget)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	in := domain.CreateJobInput{
		RequesterID: requesterID,
		Type:        req.Type,
		Task:        req.Task,
		Inputs:      req.Inputs,
		Context:     req.Context,
		Budget:      budget,
	}
	if req.SkillID != "" {
		id := domain.SkillID(req.SkillID)
		in.SkillID = &id
	}
	if req.WorkerID != "" {
		id := domain.WorkerID(req.WorkerID)
		in.WorkerID = &id
	}

	job, err := s.lifecycle.Create(r.Context(), in)
	if err != nil {
		var left *domain.Job
		if job.ID != "" {
			left = &job
		}
		s.writeError(w, r, err, left)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// allowJobCreate applies the per-requester creation cap. A limiter outage
// is logged and the request admitted.
func (s *Server) allowJobCreate(ctx context.Context, requesterID string) error {
	if s.limiter == nil || s.cfg.JobsPerMinute <= 0 {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, "jobs:"+requesterID, s.cfg.JobsPerMinute, time.Minute)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, admitting request", "requester_id", requesterID, "error", err)
		return nil
	}
	if !ok {
		s.logger.Info("job creation rate limited", "requester_id", requesterID)
		return fmt.Errorf("create job: %w", domain.ErrRateLimited)
	}
	return nil
}

// ownedJob loads a job the caller must own.
func (s *Server) ownedJob(ctx context.Context, id domain.JobID, requesterID string) (domain.Job, error) {
	job, err := s.lifecycle.Get(ctx, id)
	if err != nil {
		return job, err
	}
	if job.RequesterID != requesterID {
		return domain.Job{}, fmt.Errorf("read job %s: %w", id, domain.ErrForbidden)
	}
	return job, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := requester(w, r)
	if !ok {
		return
	}
	id, err := jobIDParam(r)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	job, err := s.ownedJob(r.Context(), id, requesterID)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type approveRequest struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback,omitempty"`
}

func (s *Server) handleApproveJob(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := requester(w, r)
	if !ok {
		return
	}
	id, err := jobIDParam(r)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	job, err := s.lifecycle.Approve(r.Context(), id, requesterID, req.Rating, req.Feedback)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectJob(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := requester(w, r)
	if !ok {
		return
	}
	id, err := jobIDParam(r)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	var req rejectRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	job, err := s.lifecycle.Reject(r.Context(), id, requesterID, req.Reason)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := requester(w, r)
	if !ok {
		return
	}
	id, err := jobIDParam(r)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	job, err := s.lifecycle.CancelByRequester(r.Context(), id, requesterID)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type deliverRequest struct {
	DeliverableText  string            `json:"deliverableText,omitempty"`
	DeliverableURL   string            `json:"deliverableUrl,omitempty"`
	DeliverableFiles map[string]string `json:"deliverableFiles,omitempty"`
}

// handleDeliverJob is the worker callback. The signature covers the raw
// body, so it is checked before the body is decoded.
func (s *Server) handleDeliverJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, domain.Invalid("", "read body: %s", err.Error()), nil)
		return
	}
	if err := s.authenticateDelivery(r.Context(), id, body, r.Header); err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	var req deliverRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, domain.Invalid("", "invalid request body: %s", err.Error()), nil)
		return
	}
	job, err := s.lifecycle.Deliver(r.Context(), id, domain.Deliverable{
		Text:  req.DeliverableText,
		URL:   req.DeliverableURL,
		Files: req.DeliverableFiles,
	})
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// authenticateDelivery checks the callback signature against the payee's
// secret. Every rejection surfaces as webhook.ErrUnauthorized; the reason is
// only logged.
func (s *Server) authenticateDelivery(ctx context.Context, id domain.JobID, body []byte, h http.Header) error {
	logger := s.logger.With("job_id", id)
	reject := func(reason webhook.Reason, cause error) error {
		logger.Warn("webhook verification failed", "reason", reason, "error", cause)
		return fmt.Errorf("deliver job %s: %w", id, webhook.ErrUnauthorized)
	}

	job, err := s.lifecycle.Get(ctx, id)
	if errors.Is(err, domain.ErrJobNotFound) {
		return reject("unknown_job", err)
	}
	if err != nil {
		return err
	}
	profile, err := s.workers.Lookup(ctx, job.PayeeID)
	if errors.Is(err, domain.ErrWorkerNotFound) {
		return reject("unknown_worker", err)
	}
	if err != nil {
		return err
	}

	if profile.Secret == "" {
		if s.cfg.RequireWebhookSecret {
			return reject("missing_secret", domain.ErrMissingWebhookSecret)
		}
		logger.Warn("accepting unsigned delivery", "worker_id", profile.ID)
		return nil
	}

	if err := s.verifier.Verify(body, h.Get(webhook.HeaderSignature), h.Get(webhook.HeaderTimestamp), profile.Secret); err != nil {
		return reject(webhook.ReasonOf(err), err)
	}
	return nil
}

// --- wallet ---

type depositRequest struct {
	Amount         string `json:"amount"`
	Source         string `json:"source"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := requester(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	amount, err := parseMoney("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	wallet, err := s.ledger.Deposit(r.Context(), requesterID, amount, req.Source, req.IdempotencyKey)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := requester(w, r)
	if !ok {
		return
	}
	wallet, err := s.ledger.Balance(r.Context(), requesterID)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := requester(w, r)
	if !ok {
		return
	}
	txns, err := s.ledger.Transactions(r.Context(), requesterID)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	if txns == nil {
		txns = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

func (s *Server) handleExportLedger(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := requester(w, r)
	if !ok {
		return
	}
	if s.exporter == nil {
		http.NotFound(w, r)
		return
	}
	from, err := parseDay("from", r.URL.Query().Get("from"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	to, err := parseDay("to", r.URL.Query().Get("to"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	data, err := s.exporter.ExportLedgerXLSX(r.Context(), requesterID, from, to)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "ledger-"+requesterID+".xlsx"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func parseDay(field, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, domain.Invalid(field, "must be a YYYY-MM-DD date")
	}
	return &t, nil
}

// --- workers and skills ---

type registerWorkerRequest struct {
	ID                   string `json:"id"`
	Name                 string `json:"name,omitempty"`
	Endpoint             string `json:"endpoint,omitempty"`
	Secret               string `json:"secret,omitempty"`
	P90CompletionSeconds int64  `json:"p90CompletionSeconds,omitempty"`
	PayoutDestination    string `json:"payoutDestination,omitempty"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, domain.Invalid("", "read body: %s", err.Error()), nil)
		return
	}
	var req registerWorkerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, domain.Invalid("", "invalid request body: %s", err.Error()), nil)
		return
	}
	id := domain.WorkerID(req.ID)

	replace := false
	if r.Header.Get(webhook.HeaderSignature) != "" {
		if err := s.authenticateWorkerUpdate(r.Context(), id, body, r.Header); err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		replace = true
	}

	worker, err := s.workers.Register(r.Context(), domain.RegisterWorkerInput{
		ID:                id,
		Name:              req.Name,
		Endpoint:          req.Endpoint,
		Secret:            req.Secret,
		P90Completion:     time.Duration(req.P90CompletionSeconds) * time.Second,
		PayoutDestination: req.PayoutDestination,
		Replace:           replace,
	})
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, worker)
}

// authenticateWorkerUpdate checks that a re-registration is signed with the
// worker's current secret. A worker without a secret cannot be replaced.
func (s *Server) authenticateWorkerUpdate(ctx context.Context, id domain.WorkerID, body []byte, h http.Header) error {
	reject := func(reason webhook.Reason, cause error) error {
		s.logger.Warn("worker update verification failed", "worker_id", id, "reason", reason, "error", cause)
		return fmt.Errorf("update worker %s: %w", id, webhook.ErrUnauthorized)
	}

	profile, err := s.workers.Lookup(ctx, id)
	if errors.Is(err, domain.ErrWorkerNotFound) {
		return reject("unknown_worker", err)
	}
	if err != nil {
		return err
	}
	if profile.Secret == "" {
		return reject("missing_secret", domain.ErrMissingWebhookSecret)
	}
	if err := s.verifier.Verify(body, h.Get(webhook.HeaderSignature), h.Get(webhook.HeaderTimestamp), profile.Secret); err != nil {
		return reject(webhook.ReasonOf(err), err)
	}
	return nil
}

type publishSkillRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	PublisherID string `json:"publisherId"`
	Price       string `json:"price"`
}

func (s *Server) handlePublishSkill(w http.ResponseWriter, r *http.Request) {
	var req publishSkillRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	price, err := parseMoney("price", req.Price)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	listing, err := s.workers.PublishSkill(r.Context(), domain.SkillListing{
		ID:          domain.SkillID(req.ID),
		Name:        req.Name,
		PublisherID: domain.WorkerID(req.PublisherID),
		Price:       price,
	})
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}
