package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/manthysbr/aule-escrow/internal/core/ports"
)

// WorkerDirectory stores worker registrations and skill listings. Webhook
// secrets are encrypted before they reach the store.
type WorkerDirectory struct {
	logger        *slog.Logger
	store         ports.Store
	cipher        ports.SecretCipher
	clock         clock.Clock
	requireSecret bool
}

var _ ports.WorkerDirectory = (*WorkerDirectory)(nil)

// NewWorkerDirectory creates the directory. With requireSecret set, workers
// cannot register without a webhook secret.
func NewWorkerDirectory(logger *slog.Logger, store ports.Store, cipher ports.SecretCipher, requireSecret bool, clk clock.Clock) *WorkerDirectory {
	if clk == nil {
		clk = clock.New()
	}
	return &WorkerDirectory{
		logger:        logger,
		store:         store,
		cipher:        cipher,
		clock:         clk,
		requireSecret: requireSecret,
	}
}

// Register creates a worker. An existing worker is only replaced when the
// caller has proven it holds the worker's current secret (in.Replace);
// otherwise the call fails with domain.ErrWorkerExists. Reputation survives
// replacement.
func (d *WorkerDirectory) Register(ctx context.Context, in domain.RegisterWorkerInput) (domain.Worker, error) {
	if strings.TrimSpace(string(in.ID)) == "" {
		return domain.Worker{}, domain.Invalid("id", "is required")
	}
	if err := validateEndpoint(in.Endpoint); err != nil {
		return domain.Worker{}, err
	}
	if in.P90Completion < 0 {
		return domain.Worker{}, domain.Invalid("p90_completion", "must not be negative")
	}
	if in.Endpoint != "" && in.P90Completion == 0 {
		return domain.Worker{}, domain.Invalid("p90_completion", "is required for workers with an endpoint")
	}
	if in.Secret == "" && d.requireSecret {
		return domain.Worker{}, &domain.ValidationError{Field: "secret", Message: domain.ErrMissingWebhookSecret.Error()}
	}

	encrypted, err := d.cipher.Encrypt(in.Secret)
	if err != nil {
		return domain.Worker{}, fmt.Errorf("encrypt worker secret: %w", err)
	}

	var worker domain.Worker
	err = d.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		existing, err := tx.GetWorker(ctx, in.ID)
		switch {
		case errors.Is(err, domain.ErrWorkerNotFound):
			existing = domain.Worker{CreatedAt: d.clock.Now().UTC()}
		case err != nil:
			return err
		case !in.Replace:
			return fmt.Errorf("worker %s: %w", in.ID, domain.ErrWorkerExists)
		}

		worker = domain.Worker{
			ID:                in.ID,
			Name:              in.Name,
			Endpoint:          in.Endpoint,
			Secret:            encrypted,
			P90Completion:     in.P90Completion,
			PayoutDestination: in.PayoutDestination,
			RatingCount:       existing.RatingCount,
			RatingAverage:     existing.RatingAverage,
			CreatedAt:         existing.CreatedAt,
		}
		return tx.SaveWorker(ctx, worker)
	})
	if err != nil {
		return domain.Worker{}, fmt.Errorf("save worker: %w", err)
	}

	d.logger.Info("worker registered", "worker_id", worker.ID, "signed", worker.HasSecret())
	return worker, nil
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.Invalid("endpoint", "must be an absolute http(s) URL")
	}
	return nil
}

// Get returns the stored worker. The secret stays encrypted.
func (d *WorkerDirectory) Get(ctx context.Context, id domain.WorkerID) (domain.Worker, error) {
	var worker domain.Worker
	err := d.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		var err error
		worker, err = tx.GetWorker(ctx, id)
		return err
	})
	return worker, err
}

// Lookup returns what dispatch and payout need, with the secret decrypted.
func (d *WorkerDirectory) Lookup(ctx context.Context, id domain.WorkerID) (ports.WorkerProfile, error) {
	worker, err := d.Get(ctx, id)
	if err != nil {
		return ports.WorkerProfile{}, err
	}
	secret, err := d.cipher.Decrypt(worker.Secret)
	if err != nil {
		return ports.WorkerProfile{}, fmt.Errorf("decrypt secret for worker %s: %w", id, err)
	}
	return ports.WorkerProfile{
		ID:                worker.ID,
		Endpoint:          worker.Endpoint,
		Secret:            secret,
		P90Completion:     worker.P90Completion,
		PayoutDestination: worker.PayoutDestination,
	}, nil
}

// RecordRating folds rating into the running average.
func (d *WorkerDirectory) RecordRating(ctx context.Context, id domain.WorkerID, rating int) error {
	if rating < 1 || rating > 5 {
		return domain.Invalid("rating", "must be between 1 and 5")
	}
	return d.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		worker, err := tx.GetWorker(ctx, id)
		if err != nil {
			return err
		}
		total := worker.RatingAverage*float64(worker.RatingCount) + float64(rating)
		worker.RatingCount++
		worker.RatingAverage = total / float64(worker.RatingCount)
		return tx.SaveWorker(ctx, worker)
	})
}

// PublishSkill registers a skill listing. The publisher must be a known worker
// so skill jobs always have someone to pay.
func (d *WorkerDirectory) PublishSkill(ctx context.Context, listing domain.SkillListing) (domain.SkillListing, error) {
	if listing.ID == "" {
		return listing, domain.Invalid("id", "is required")
	}
	if listing.PublisherID == "" {
		return listing, domain.Invalid("publisher_id", "is required")
	}
	if listing.Price.IsNegative() {
		return listing, domain.Invalid("price", "must not be negative")
	}
	err := d.store.WithinTx(ctx, func(ctx context.Context, tx ports.Tx) error {
		if _, err := tx.GetWorker(ctx, listing.PublisherID); err != nil {
			return fmt.Errorf("publisher %s: %w", listing.PublisherID, err)
		}
		return tx.SaveSkill(ctx, listing)
	})
	if err != nil {
		return listing, err
	}
	d.logger.Info("skill published", "skill_id", listing.ID, "publisher_id", listing.PublisherID)
	return listing, nil
}
