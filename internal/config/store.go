package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/manthysbr/aule-escrow/internal/core/domain"
)

const settingsKey = "platform_settings"

// SettingsRepository is the minimal store interface for settings persistence.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// OnChangeFunc is called after settings are updated.
type OnChangeFunc func(s domain.PlatformSettings)

// SettingsStore holds runtime-editable platform settings, persisted as JSON
// with the processor API key encrypted at rest and masked on read.
type SettingsStore struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	secret   *SecretKey
	repo     SettingsRepository
	current  domain.PlatformSettings
	onChange []OnChangeFunc
}

// NewSettingsStore loads saved settings, or persists defaults when none exist.
func NewSettingsStore(ctx context.Context, logger *slog.Logger, repo SettingsRepository, secret *SecretKey, defaults domain.PlatformSettings) (*SettingsStore, error) {
	store := &SettingsStore{
		logger: logger,
		secret: secret,
		repo:   repo,
	}

	cfg, err := store.load(ctx)
	switch {
	case errors.Is(err, domain.ErrSettingNotFound):
		logger.Info("no saved platform settings, using defaults", "fee_percent", defaults.FeePercent.String())
		if err := store.save(ctx, defaults); err != nil {
			return nil, fmt.Errorf("failed to save default settings: %w", err)
		}
		cfg = defaults
	case err != nil:
		return nil, err
	}

	store.current = cfg
	return store, nil
}

// OnChange registers a callback run after every successful update.
func (s *SettingsStore) OnChange(fn OnChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Get returns the current settings with secrets decrypted.
func (s *SettingsStore) Get() domain.PlatformSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Masked returns settings safe for an API response.
func (s *SettingsStore) Masked() domain.PlatformSettings {
	cp := s.Get()
	cp.PaymentsAPIKey = MaskSecret(cp.PaymentsAPIKey)
	return cp
}

// FeePercent is read at escrow lock time.
func (s *SettingsStore) FeePercent() decimal.Decimal {
	return s.Get().FeePercent
}

// Update validates, persists and notifies. An empty or masked API key keeps
// the stored one.
func (s *SettingsStore) Update(ctx context.Context, update domain.PlatformSettings) (domain.PlatformSettings, error) {
	if err := ValidateFeePercent(update.FeePercent); err != nil {
		return domain.PlatformSettings{}, domain.Invalid("fee_percent", "%s", err.Error())
	}
	if !update.FeePercent.Equal(update.FeePercent.Round(2)) {
		return domain.PlatformSettings{}, domain.Invalid("fee_percent", "at most 2 decimal places")
	}

	s.mu.Lock()
	if update.PaymentsAPIKey == "" || isMasked(update.PaymentsAPIKey) {
		update.PaymentsAPIKey = s.current.PaymentsAPIKey
	}
	if err := s.save(ctx, update); err != nil {
		s.mu.Unlock()
		return domain.PlatformSettings{}, err
	}
	s.current = update
	callbacks := append([]OnChangeFunc(nil), s.onChange...)
	s.mu.Unlock()

	s.logger.Info("platform settings updated", "fee_percent", update.FeePercent.String())

	// Callbacks run without the lock so they may read settings.
	for _, fn := range callbacks {
		fn(update)
	}
	return update, nil
}

// storedSettings is the persisted form with encrypted fields.
type storedSettings struct {
	FeePercent              string `json:"fee_percent"`
	EncryptedPaymentsAPIKey string `json:"encrypted_payments_api_key,omitempty"`
}

func (s *SettingsStore) load(ctx context.Context) (domain.PlatformSettings, error) {
	raw, err := s.repo.GetSetting(ctx, settingsKey)
	if err != nil {
		return domain.PlatformSettings{}, err
	}

	var stored storedSettings
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return domain.PlatformSettings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	fee, err := decimal.NewFromString(stored.FeePercent)
	if err != nil {
		return domain.PlatformSettings{}, fmt.Errorf("stored fee_percent: %w", err)
	}
	cfg := domain.PlatformSettings{FeePercent: fee}

	if stored.EncryptedPaymentsAPIKey != "" {
		key, err := s.secret.Decrypt(stored.EncryptedPaymentsAPIKey)
		if err != nil {
			s.logger.Warn("failed to decrypt payments API key", "error", err)
		} else {
			cfg.PaymentsAPIKey = key
		}
	}
	return cfg, nil
}

func (s *SettingsStore) save(ctx context.Context, cfg domain.PlatformSettings) error {
	stored := storedSettings{FeePercent: cfg.FeePercent.String()}
	if cfg.PaymentsAPIKey != "" {
		enc, err := s.secret.Encrypt(cfg.PaymentsAPIKey)
		if err != nil {
			return fmt.Errorf("encrypt payments API key: %w", err)
		}
		stored.EncryptedPaymentsAPIKey = enc
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.repo.SaveSetting(ctx, settingsKey, string(raw))
}
