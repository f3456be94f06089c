package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/manthysbr/aule-escrow/internal/adapters/memory"
	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/manthysbr/aule-escrow/internal/webhook"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type transfer struct {
	Destination string
	Amount      decimal.Decimal
	Key         string
}

// fakePayments records transfers and charges; failTransfer makes every
// transfer fail.
type fakePayments struct {
	mu           sync.Mutex
	transfers    []transfer
	charges      []transfer
	failTransfer error
	failCharge   error
}

func (p *fakePayments) Transfer(ctx context.Context, destination string, amount decimal.Decimal, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failTransfer != nil {
		return "", p.failTransfer
	}
	p.transfers = append(p.transfers, transfer{destination, amount, key})
	return "tr_" + key, nil
}

func (p *fakePayments) CreateCharge(ctx context.Context, source string, amount decimal.Decimal, key string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCharge != nil {
		return "", p.failCharge
	}
	p.charges = append(p.charges, transfer{source, amount, key})
	return "ch_" + key, nil
}

func (p *fakePayments) Transfers() []transfer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]transfer(nil), p.transfers...)
}

type fakeScanner struct {
	result domain.ScanResult
	err    error
	seen   []map[string]any
}

func (s *fakeScanner) Scan(ctx context.Context, jobContext map[string]any) (domain.ScanResult, error) {
	s.seen = append(s.seen, jobContext)
	if s.err != nil {
		return domain.ScanResult{}, s.err
	}
	return s.result, nil
}

type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *recordingAudit) Record(ctx context.Context, e domain.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *recordingAudit) find(action, outcome string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e.Action == action && e.Outcome == outcome {
			return true
		}
	}
	return false
}

type prefixCipher struct{}

func (prefixCipher) Encrypt(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	return "sealed:" + s, nil
}

func (prefixCipher) Decrypt(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	if !strings.HasPrefix(s, "sealed:") {
		return "", errors.New("not sealed")
	}
	return strings.TrimPrefix(s, "sealed:"), nil
}

// workerServer is a worker endpoint that verifies signatures the way a real
// worker would.
type workerServer struct {
	*httptest.Server
	mu       sync.Mutex
	status   int
	secret   string
	bodies   []map[string]any
	verified []bool
}

func newWorkerServer(t *testing.T, secret string) *workerServer {
	t.Helper()
	ws := &workerServer{status: http.StatusAccepted, secret: secret}
	ws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ok := webhook.Verify(body, r.Header.Get(webhook.HeaderSignature), r.Header.Get(webhook.HeaderTimestamp), ws.secret) == nil

		var payload map[string]any
		_ = json.Unmarshal(body, &payload)

		ws.mu.Lock()
		ws.bodies = append(ws.bodies, payload)
		ws.verified = append(ws.verified, ok)
		status := ws.status
		ws.mu.Unlock()

		w.WriteHeader(status)
	}))
	t.Cleanup(ws.Close)
	return ws
}

func (ws *workerServer) calls() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.bodies)
}

type harness struct {
	store     *memory.Store
	clock     *clock.Mock
	payments  *fakePayments
	scanner   *fakeScanner
	audit     *recordingAudit
	events    *EventBus
	ledger    *EscrowLedger
	workers   *WorkerDirectory
	lifecycle *JobLifecycle
}

func newHarness(t *testing.T, opts ...func(*LifecycleConfig)) *harness {
	t.Helper()
	h := &harness{
		store:    memory.NewStore(),
		clock:    clock.NewMock(),
		payments: &fakePayments{},
		scanner:  &fakeScanner{result: domain.ScanResult{Safe: true}},
		audit:    &recordingAudit{},
	}
	h.clock.Set(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	h.events = NewEventBus(testLogger)
	h.ledger = NewEscrowLedger(testLogger, h.store, h.payments, StaticFee(decimal.NewFromInt(10)), h.clock)
	h.workers = NewWorkerDirectory(testLogger, h.store, prefixCipher{}, false, h.clock)

	cfg := LifecycleConfig{CallbackBaseURL: "https://escrow.example.com", Clock: h.clock}
	for _, opt := range opts {
		opt(&cfg)
	}
	dispatcher := webhook.NewClient(testLogger, webhook.ClientConfig{Timeout: 2 * time.Second, MaxRetries: 0}, nil)
	h.lifecycle = NewJobLifecycle(testLogger, h.store, h.ledger, h.workers, h.scanner, dispatcher, h.audit, h.events, cfg)
	return h
}

func (h *harness) fund(t *testing.T, requester, amount string) {
	t.Helper()
	_, err := h.ledger.Deposit(context.Background(), requester, dec(amount), "card_test", "")
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, requester string) decimal.Decimal {
	t.Helper()
	w, err := h.ledger.Balance(context.Background(), requester)
	require.NoError(t, err)
	return w.Balance
}

func (h *harness) escrow(t *testing.T, id domain.JobID) domain.Escrow {
	t.Helper()
	e, err := h.ledger.Escrow(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (h *harness) registerWorker(t *testing.T, id domain.WorkerID, endpoint, secret string, p90 time.Duration) {
	t.Helper()
	_, err := h.workers.Register(context.Background(), domain.RegisterWorkerInput{
		ID:                id,
		Name:              string(id),
		Endpoint:          endpoint,
		Secret:            secret,
		P90Completion:     p90,
		PayoutDestination: "acct_" + string(id),
	})
	require.NoError(t, err)
}

func workerJob(requester string, worker domain.WorkerID, budget string) domain.CreateJobInput {
	return domain.CreateJobInput{
		RequesterID: requester,
		Type:        domain.JobTypeWorker,
		WorkerID:    &worker,
		Task:        "summarize the attached report",
		Inputs:      map[string]any{"length": "short"},
		Context:     map[string]any{"report.md": "quarterly numbers"},
		Budget:      dec(budget),
	}
}
