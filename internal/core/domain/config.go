package domain

import "github.com/shopspring/decimal"

// PlatformSettings holds runtime-editable platform configuration.
type PlatformSettings struct {
	// FeePercent is applied at lock time and frozen into each escrow.
	FeePercent decimal.Decimal `json:"fee_percent"`
	// PaymentsAPIKey is encrypted in storage.
	PaymentsAPIKey string `json:"payments_api_key,omitempty"`
}

// DefaultSettings returns the settings used before any are saved.
func DefaultSettings() PlatformSettings {
	return PlatformSettings{
		FeePercent: decimal.NewFromInt(10),
	}
}
