package services

import (
	"context"
	"testing"
	"time"

	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerDirectory_SecretEncryptedAtRest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.workers.Register(ctx, domain.RegisterWorkerInput{
		ID:                "w-1",
		Endpoint:          "https://worker.example.com/hook",
		Secret:            "s3cret",
		P90Completion:     10 * time.Minute,
		PayoutDestination: "acct_1",
	})
	require.NoError(t, err)

	stored, err := h.workers.Get(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, "sealed:s3cret", stored.Secret)

	profile, err := h.workers.Lookup(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", profile.Secret)
	assert.Equal(t, 10*time.Minute, profile.P90Completion)
	assert.Equal(t, "acct_1", profile.PayoutDestination)

	_, err = h.workers.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

func TestWorkerDirectory_RegistrationValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	strict := NewWorkerDirectory(testLogger, h.store, prefixCipher{}, true, h.clock)

	tests := []struct {
		name string
		dir  *WorkerDirectory
		in   domain.RegisterWorkerInput
	}{
		{"missing id", h.workers, domain.RegisterWorkerInput{Endpoint: "https://a.example.com"}},
		{"bad scheme", h.workers, domain.RegisterWorkerInput{ID: "w", Endpoint: "ftp://a.example.com"}},
		{"relative endpoint", h.workers, domain.RegisterWorkerInput{ID: "w", Endpoint: "/hook"}},
		{"negative p90", h.workers, domain.RegisterWorkerInput{ID: "w", P90Completion: -time.Second}},
		{"endpoint without p90", h.workers, domain.RegisterWorkerInput{ID: "w", Endpoint: "https://a.example.com"}},
		{"secret required", strict, domain.RegisterWorkerInput{ID: "w", Endpoint: "https://a.example.com", P90Completion: time.Minute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.dir.Register(ctx, tt.in)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	_, err := strict.Register(ctx, domain.RegisterWorkerInput{ID: "w", Endpoint: "https://a.example.com", Secret: "x", P90Completion: time.Minute})
	assert.NoError(t, err)
}

func TestWorkerDirectory_RatingAverage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerWorker(t, "w-1", "", "", 0)

	for _, r := range []int{5, 4, 3} {
		require.NoError(t, h.workers.RecordRating(ctx, "w-1", r))
	}
	assert.ErrorIs(t, h.workers.RecordRating(ctx, "w-1", 9), domain.ErrValidation)

	w, err := h.workers.Get(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, 3, w.RatingCount)
	assert.InDelta(t, 4.0, w.RatingAverage, 0.0001)

	// Replacing the registration keeps reputation.
	_, err = h.workers.Register(ctx, domain.RegisterWorkerInput{
		ID:            "w-1",
		Endpoint:      "https://new.example.com",
		P90Completion: time.Minute,
		Replace:       true,
	})
	require.NoError(t, err)
	w, err = h.workers.Get(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, 3, w.RatingCount)
	assert.Equal(t, "https://new.example.com", w.Endpoint)
}

func TestWorkerDirectory_DuplicateIDNeedsReplace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerWorker(t, "w-1", "https://worker.example.com", "s3cret", time.Minute)

	_, err := h.workers.Register(ctx, domain.RegisterWorkerInput{
		ID:                "w-1",
		Endpoint:          "https://attacker.example.com",
		Secret:            "other",
		P90Completion:     time.Minute,
		PayoutDestination: "acct_attacker",
	})
	require.ErrorIs(t, err, domain.ErrWorkerExists)

	profile, err := h.workers.Lookup(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, "https://worker.example.com", profile.Endpoint)
	assert.Equal(t, "s3cret", profile.Secret)
	assert.Equal(t, "acct_w-1", profile.PayoutDestination)
}

func TestWorkerDirectory_PublishSkill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.workers.PublishSkill(ctx, domain.SkillListing{ID: "s-1", PublisherID: "nobody"})
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)

	_, err = h.workers.PublishSkill(ctx, domain.SkillListing{PublisherID: "nobody"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	h.registerWorker(t, "pub", "", "", 0)
	listing, err := h.workers.PublishSkill(ctx, domain.SkillListing{ID: "s-1", Name: "badge", PublisherID: "pub", Price: dec("1.50")})
	require.NoError(t, err)
	assert.Equal(t, domain.SkillID("s-1"), listing.ID)
}
