package issuerapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/wallet-provisioning-backend/api"
	"github.com/ruteri/wallet-provisioning-backend/interfaces"
	"github.com/ruteri/wallet-provisioning-backend/issuer"
)

// maxBodySize bounds a provisioning request (64KB).
const maxBodySize = 64 * 1024

// Responder seals pass data for a device challenge.
type Responder interface {
	Respond(challenge *interfaces.ChallengePayload, card issuer.Card) (*interfaces.IssuerData, error)
}

// Handler processes HTTP requests for the issuer simulator.
// It plays the part of a card issuer's backend: it receives the challenge a
// caller collected from the provisioning API together with the card it wants
// to provision, and returns the issuer data to finalize the session with.
type Handler struct {
	issuer Responder
	log    *slog.Logger
}

// NewHandler creates a new HTTP request handler for the issuer simulator.
//
// Parameters:
//   - issuer: verifies the device challenge and seals pass data
//   - log: Structured logger for operational insights
func NewHandler(issuer Responder, log *slog.Logger) *Handler {
	return &Handler{
		issuer: issuer,
		log:    log,
	}
}

// RegisterRoutes configures the HTTP router with issuer endpoints.
// It registers the following routes:
//   - POST /api/issuer/v1/provision - Turn a device challenge into issuer data
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/issuer/v1/provision", h.HandleProvision)
}

// HandleProvision verifies a device challenge and seals pass data for the card.
//
// URL format: POST /api/issuer/v1/provision
//
// Request body: JSON-encoded api.IssuerProvisionRequest
//
// Response: JSON-encoded interfaces.IssuerData
//
// Status codes:
//   - 200 OK: Pass data sealed for the device
//   - 400 Bad Request: Malformed request or invalid card details
//   - 403 Forbidden: Device challenge failed verification
//   - 500 Internal Server Error: Failed to seal pass data
func (h *Handler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	var req api.IssuerProvisionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		h.log.Error("Malformed issuer request", "err", err)
		http.Error(w, "Malformed request body", http.StatusBadRequest)
		return
	}

	data, err := h.issuer.Respond(&req.Challenge, issuer.Card{
		AccountReferenceID:   req.AccountReferenceID,
		PrimaryAccountSuffix: req.PrimaryAccountSuffix,
		CardholderName:       req.CardholderName,
	})
	switch {
	case errors.Is(err, issuer.ErrInvalidCard):
		h.log.Warn("Invalid card details", "err", err, "accountReferenceID", req.AccountReferenceID)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, issuer.ErrInvalidChallenge):
		h.log.Warn("Device challenge refused", "err", err, "accountReferenceID", req.AccountReferenceID)
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case err != nil:
		h.log.Error("Failed to seal pass data", "err", err, "accountReferenceID", req.AccountReferenceID)
		http.Error(w, fmt.Errorf("Failed to seal pass data: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("Failed to encode response", "err", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}
