package config

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/aule-escrow/internal/adapters/memory"
	"github.com/manthysbr/aule-escrow/internal/core/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newSettings(t *testing.T, repo SettingsRepository) *SettingsStore {
	t.Helper()
	sk, err := NewSecretKey("settings-test-key", "")
	require.NoError(t, err)
	s, err := NewSettingsStore(context.Background(), testLogger, repo, sk, domain.PlatformSettings{
		FeePercent:     decimal.NewFromInt(10),
		PaymentsAPIKey: "sk_live_original1234",
	})
	require.NoError(t, err)
	return s
}

func TestSettingsStore_DefaultsPersistedEncrypted(t *testing.T) {
	repo := memory.NewStore()
	s := newSettings(t, repo)

	assert.Equal(t, "10", s.FeePercent().String())
	assert.Equal(t, "sk_live_original1234", s.Get().PaymentsAPIKey)
	assert.Equal(t, "****1234", s.Masked().PaymentsAPIKey)

	raw, err := repo.GetSetting(context.Background(), settingsKey)
	require.NoError(t, err)
	assert.NotContains(t, raw, "sk_live_original1234")

	var stored storedSettings
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.True(t, strings.HasPrefix(stored.EncryptedPaymentsAPIKey, "enc:"))
}

func TestSettingsStore_UpdateAndReload(t *testing.T) {
	repo := memory.NewStore()
	s := newSettings(t, repo)
	ctx := context.Background()

	var seen []string
	s.OnChange(func(p domain.PlatformSettings) {
		seen = append(seen, p.FeePercent.String())
		// Reading inside a callback must not deadlock.
		_ = s.FeePercent()
	})

	// A masked key keeps the stored one.
	got, err := s.Update(ctx, domain.PlatformSettings{FeePercent: decimal.RequireFromString("12.5"), PaymentsAPIKey: "****1234"})
	require.NoError(t, err)
	assert.Equal(t, "sk_live_original1234", got.PaymentsAPIKey)
	assert.Equal(t, []string{"12.5"}, seen)

	// A fresh store over the same repo sees the saved values, not the defaults.
	reloaded := newSettings(t, repo)
	assert.Equal(t, "12.5", reloaded.FeePercent().String())
	assert.Equal(t, "sk_live_original1234", reloaded.Get().PaymentsAPIKey)
}

func TestSettingsStore_UpdateValidation(t *testing.T) {
	s := newSettings(t, memory.NewStore())
	ctx := context.Background()

	for _, fee := range []string{"-1", "100", "150", "10.125"} {
		_, err := s.Update(ctx, domain.PlatformSettings{FeePercent: decimal.RequireFromString(fee)})
		assert.ErrorIs(t, err, domain.ErrValidation, "fee %s", fee)
	}
	assert.Equal(t, "10", s.FeePercent().String(), "failed updates leave settings unchanged")

	_, err := s.Update(ctx, domain.PlatformSettings{FeePercent: decimal.Zero})
	assert.NoError(t, err)
}

func TestSettingsStore_CorruptRow(t *testing.T) {
	repo := memory.NewStore()
	require.NoError(t, repo.SaveSetting(context.Background(), settingsKey, "{not json"))

	sk, err := NewSecretKey("k", "")
	require.NoError(t, err)
	_, err = NewSettingsStore(context.Background(), testLogger, repo, sk, domain.DefaultSettings())
	assert.ErrorContains(t, err, "unmarshal settings")
}
