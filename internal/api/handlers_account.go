package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apperrors "github.com/citation-checker/internal/errors"
	"github.com/citation-checker/internal/models"
)

// PurchaseAck is returned by the purchase webhook
type PurchaseAck struct {
	OrderRef string `json:"order_ref"`
	Applied  bool   `json:"applied"`
}

// handleGetCredits handles GET /credits
func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get(HeaderAccountToken))

	balance, err := s.validation.Balance(r.Context(), token, clientID(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, balance)
}

// handlePurchaseWebhook handles POST /webhooks/purchase
func (s *Server) handlePurchaseWebhook(w http.ResponseWriter, r *http.Request) {
	if s.config.WebhookSecret == "" {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Purchase webhook is not configured", nil)
		return
	}
	got := r.Header.Get(HeaderWebhookSecret)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.config.WebhookSecret)) != 1 {
		respondServiceError(w, r, apperrors.NewUnauthorizedError("invalid webhook secret"))
		return
	}

	var ev models.PurchaseEvent
	if err := parseJSONBody(r, &ev); err != nil {
		respondServiceError(w, r, apperrors.NewInvalidInputError("body", err.Error()))
		return
	}

	applied, err := s.validation.ApplyPurchase(r.Context(), &ev)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, PurchaseAck{OrderRef: ev.OrderRef, Applied: applied})
}
