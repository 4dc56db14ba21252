package api

import (
	"io"
	"net/http"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/apperr"
	"github.com/mcpluginbuilder/mcplugin/billing/internal/ledger"
)

// handleStripeWebhook records and dispatches one gateway delivery. The raw body is
// passed through untouched because the signature covers its exact bytes.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, webhookMaxBytes))
	if err != nil {
		s.writeAppError(w, r, apperr.Validation("unreadable body"))
		return
	}

	outcome, err := s.ledger.ProcessEvent(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if outcome == ledger.Rejected {
			s.logger.Warn("webhook rejected", "remote", clientIP(r), "error", err)
		}
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"received":  true,
		"duplicate": outcome == ledger.Duplicate,
	})
}
