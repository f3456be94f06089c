package kernel

import (
	"net/http"

	"github.com/manthysbr/aule-escrow/internal/core/domain"
)

// settingsBody is the API shape of the platform settings.
type settingsBody struct {
	FeePercent     string `json:"feePercent"`
	PaymentsAPIKey string `json:"paymentsApiKey,omitempty"`
}

func settingsToAPI(cfg domain.PlatformSettings) settingsBody {
	return settingsBody{
		FeePercent:     cfg.FeePercent.String(),
		PaymentsAPIKey: cfg.PaymentsAPIKey,
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, settingsToAPI(s.settings.Masked()))
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsBody
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	fee, err := parseMoney("feePercent", req.FeePercent)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	if _, err := s.settings.Update(r.Context(), domain.PlatformSettings{
		FeePercent:     fee,
		PaymentsAPIKey: req.PaymentsAPIKey,
	}); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, settingsToAPI(s.settings.Masked()))
}
