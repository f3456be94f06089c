package payments

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/manthysbr/aule-escrow/internal/core/ports"
	"github.com/shopspring/decimal"
)

// Movement is one transfer or charge seen by the simulated backend.
type Movement struct {
	Kind           string // "transfer" or "charge"
	Counterparty   string
	Amount         decimal.Decimal
	IdempotencyKey string
	Reference      string
}

// Simulated is an in-process payment backend for local runs and tests.
// Repeated idempotency keys return the first reference without moving money again.
type Simulated struct {
	mu        sync.Mutex
	refs      map[string]string
	movements []Movement
}

var _ ports.PaymentBackend = (*Simulated)(nil)

func NewSimulated() *Simulated {
	return &Simulated{refs: make(map[string]string)}
}

func (s *Simulated) Transfer(ctx context.Context, destination string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	if destination == "" {
		return "", domain.ErrPayoutDestinationMissing
	}
	return s.record(ctx, "transfer", "tr_", destination, amount, idempotencyKey)
}

func (s *Simulated) CreateCharge(ctx context.Context, source string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	return s.record(ctx, "charge", "ch_", source, amount, idempotencyKey)
}

func (s *Simulated) record(ctx context.Context, kind, prefix, counterparty string, amount decimal.Decimal, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if key == "" {
		key = uuid.New().String()
	}
	if ref, ok := s.refs[kind+":"+key]; ok {
		return ref, nil
	}
	ref := prefix + uuid.New().String()
	s.refs[kind+":"+key] = ref
	s.movements = append(s.movements, Movement{
		Kind:           kind,
		Counterparty:   counterparty,
		Amount:         amount,
		IdempotencyKey: key,
		Reference:      ref,
	})
	return ref, nil
}

// Movements returns a copy of every money movement in order.
func (s *Simulated) Movements() []Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Movement(nil), s.movements...)
}
