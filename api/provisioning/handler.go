package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/wallet-provisioning-backend/api"
	"github.com/ruteri/wallet-provisioning-backend/coordinator"
	"github.com/ruteri/wallet-provisioning-backend/interfaces"
)

const (
	// maxBodySize is the maximum allowed request body size (64KB).
	maxBodySize = 64 * 1024

	defaultWait = 25 * time.Second
	maxWait     = 2 * time.Minute
)

// Coordinator is the subset of coordinator.Coordinator the handler drives.
type Coordinator interface {
	CheckEligibility(ctx context.Context, accountReferenceID string) interfaces.Eligibility
	BeginProvisioning(ctx context.Context, req coordinator.BeginRequest) (*coordinator.Session, error)
	SupplyIssuerData(ctx context.Context, sessionID string, data interfaces.IssuerData) error
	Cancel(ctx context.Context, sessionID string) error
	RemoveCard(ctx context.Context, accountReferenceID string) (int, error)
	Session(id string) (*coordinator.Session, bool)
}

// RequestError provides structured error information for HTTP responses.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Code is the stable wire code.
	Code string

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Handler exposes the provisioning coordinator to callers over HTTP.
// Begin and finalize results are collected with long-poll requests.
type Handler struct {
	coord Coordinator
	cfg   api.ProvisioningConfig
	log   *slog.Logger
}

// NewHandler creates a new HTTP request handler for the coordinator.
func NewHandler(coord Coordinator, cfg api.ProvisioningConfig, log *slog.Logger) *Handler {
	if cfg.DefaultWait <= 0 {
		cfg.DefaultWait = defaultWait
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = maxWait
	}
	return &Handler{
		coord: coord,
		cfg:   cfg,
		log:   log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/v1/eligibility/{account_reference_id}", h.HandleEligibility)
	r.Post("/api/v1/sessions", h.HandleBegin)
	r.Get("/api/v1/sessions/{session_id}", h.HandleSession)
	r.Delete("/api/v1/sessions/{session_id}", h.HandleCancel)
	r.Get("/api/v1/sessions/{session_id}/challenge", h.HandleChallenge)
	r.Post("/api/v1/sessions/{session_id}/issuer-data", h.HandleIssuerData)
	r.Get("/api/v1/sessions/{session_id}/result", h.HandleResult)
	r.Delete("/api/v1/passes/{account_reference_id}", h.HandleRemoveCard)
}

// HandleEligibility reports whether a pass for the account can be added.
//
// URL format: GET /api/v1/eligibility/{account_reference_id}
//
// Response: JSON, see api.EligibilityResponse
func (h *Handler) HandleEligibility(w http.ResponseWriter, r *http.Request) {
	accountReferenceID := r.PathValue("account_reference_id")
	status := h.coord.CheckEligibility(r.Context(), accountReferenceID)

	h.writeJSON(w, http.StatusOK, api.EligibilityResponse{
		AccountReferenceID: accountReferenceID,
		Status:             status,
	})
}

// HandleBegin starts a provisioning session.
//
// URL format: POST /api/v1/sessions
//
// Request body: JSON, see api.BeginProvisioningRequest
//
// Response: 202 with api.SessionResponse. The challenge is collected from
// /api/v1/sessions/{session_id}/challenge.
func (h *Handler) HandleBegin(w http.ResponseWriter, r *http.Request) {
	var req api.BeginProvisioningRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	// The session outlives this request.
	s, err := h.coord.BeginProvisioning(context.WithoutCancel(r.Context()), coordinator.BeginRequest{
		CardholderName:     req.CardholderName,
		LastFour:           req.LastFour,
		AccountReferenceID: req.AccountReferenceID,
		EncryptionScheme:   req.EncryptionScheme,
	})
	if err != nil {
		h.log.Info("Provisioning request refused", "err", err)
		h.writeError(w, err)
		return
	}

	h.supervise(s)
	h.writeSession(w, http.StatusAccepted, s.Snapshot())
}

// HandleSession returns a session status snapshot.
//
// URL format: GET /api/v1/sessions/{session_id}
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.writeSession(w, http.StatusOK, s.Snapshot())
}

// HandleCancel abandons the active session.
//
// URL format: DELETE /api/v1/sessions/{session_id}
//
// Response: api.SessionResponse of the cancelled session.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if err := h.coord.Cancel(r.Context(), sessionID); err != nil {
		h.writeError(w, err)
		return
	}

	s, ok := h.coord.Session(sessionID)
	if !ok {
		h.writeError(w, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, sessionID))
		return
	}
	h.writeSession(w, http.StatusOK, s.Snapshot())
}

// HandleChallenge waits for the begin phase of a session to resolve.
//
// URL format: GET /api/v1/sessions/{session_id}/challenge?wait=25s
//
// Response: 200 with interfaces.ChallengePayload; 202 with api.SessionResponse
// if the wait elapsed first; 410 with api.ErrorResponse if the session failed
// before a challenge was issued.
func (h *Handler) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	wait, err := h.parseWait(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	payload, err := s.Challenge(ctx)
	switch {
	case err == nil:
		w.Header().Set(api.SessionStateHeader, s.Snapshot().State.String())
		h.writeJSON(w, http.StatusOK, payload)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		h.writeSession(w, http.StatusAccepted, s.Snapshot())
	default:
		w.Header().Set(api.SessionStateHeader, s.Snapshot().State.String())
		h.writeError(w, &RequestError{StatusCode: http.StatusGone, Code: interfaces.ErrorCode(err), Err: err})
	}
}

// HandleIssuerData forwards the issuer's response to the secure subsystem.
//
// URL format: POST /api/v1/sessions/{session_id}/issuer-data
//
// Request body: JSON, see interfaces.IssuerData
//
// Response: 202 with api.SessionResponse. The outcome is collected from
// /api/v1/sessions/{session_id}/result.
func (h *Handler) HandleIssuerData(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	var data interfaces.IssuerData
	if err := decodeBody(w, r, &data); err != nil {
		h.writeError(w, err)
		return
	}

	// Held before supplying so the reply survives the session leaving history.
	s, found := h.coord.Session(sessionID)

	err := h.coord.SupplyIssuerData(context.WithoutCancel(r.Context()), sessionID, data)
	if err == nil && !found {
		err = fmt.Errorf("%w: session %s", interfaces.ErrNoPendingChallenge, sessionID)
	}
	if err != nil {
		h.log.Info("Issuer data refused", "sessionID", sessionID, "err", err)
		h.writeError(w, err)
		return
	}

	h.writeSession(w, http.StatusAccepted, s.Snapshot())
}

// HandleResult waits for a session to resolve.
//
// URL format: GET /api/v1/sessions/{session_id}/result?wait=25s
//
// Response: 200 with api.ResultResponse, failures included; 202 with
// api.SessionResponse if the wait elapsed first.
func (h *Handler) HandleResult(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	wait, err := h.parseWait(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	res, err := s.Wait(ctx)
	if err != nil {
		h.writeSession(w, http.StatusAccepted, s.Snapshot())
		return
	}

	w.Header().Set(api.SessionStateHeader, res.State.String())
	h.writeJSON(w, http.StatusOK, resultResponse(res))
}

// HandleRemoveCard removes every pass for the account.
//
// URL format: DELETE /api/v1/passes/{account_reference_id}
//
// Response: JSON, see api.RemoveCardResponse
func (h *Handler) HandleRemoveCard(w http.ResponseWriter, r *http.Request) {
	accountReferenceID := r.PathValue("account_reference_id")

	removed, err := h.coord.RemoveCard(r.Context(), accountReferenceID)
	if err != nil {
		h.log.Error("Failed to remove card", "accountReferenceID", accountReferenceID, "removed", removed, "err", err)
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, api.RemoveCardResponse{
		AccountReferenceID: accountReferenceID,
		Removed:            removed,
	})
}

// supervise cancels the session if it is still unresolved after SessionTimeout.
func (h *Handler) supervise(s *coordinator.Session) {
	if h.cfg.SessionTimeout <= 0 {
		return
	}

	go func() {
		timer := time.NewTimer(h.cfg.SessionTimeout)
		defer timer.Stop()

		select {
		case <-s.Done():
		case <-timer.C:
			if err := h.coord.Cancel(context.Background(), s.ID); err == nil {
				h.log.Warn("Provisioning session timed out", "sessionID", s.ID, "timeout", h.cfg.SessionTimeout)
			}
		}
	}()
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*coordinator.Session, bool) {
	sessionID := r.PathValue("session_id")
	s, ok := h.coord.Session(sessionID)
	if !ok {
		h.writeError(w, fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, sessionID))
		return nil, false
	}
	return s, true
}

func (h *Handler) parseWait(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get(api.WaitParam)
	if raw == "" {
		return h.cfg.DefaultWait, nil
	}

	wait, err := time.ParseDuration(raw)
	if err != nil || wait < 0 {
		return 0, fmt.Errorf("%w: invalid wait %q", interfaces.ErrInvalidRequest, raw)
	}
	if wait > h.cfg.MaxWait {
		wait = h.cfg.MaxWait
	}
	return wait, nil
}

func (h *Handler) writeSession(w http.ResponseWriter, status int, snap coordinator.Snapshot) {
	w.Header().Set(api.SessionStateHeader, snap.State.String())
	h.writeJSON(w, status, sessionResponse(snap))
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		reqErr = &RequestError{StatusCode: statusFor(err), Code: interfaces.ErrorCode(err), Err: err}
	}
	h.writeJSON(w, reqErr.StatusCode, api.ErrorResponse{
		Code:    reqErr.Code,
		Message: reqErr.Err.Error(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &RequestError{
			StatusCode: http.StatusBadRequest,
			Code:       interfaces.CodeInvalidRequest,
			Err:        fmt.Errorf("%w: malformed request body: %v", interfaces.ErrInvalidRequest, err),
		}
	}
	return nil
}

func statusFor(err error) int {
	switch interfaces.ErrorCode(err) {
	case interfaces.CodeInvalidRequest, interfaces.CodeDecodeFailure:
		return http.StatusBadRequest
	case interfaces.CodeAlreadyInProgress, interfaces.CodeNoPendingChallenge:
		return http.StatusConflict
	case interfaces.CodeSessionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func sessionResponse(snap coordinator.Snapshot) api.SessionResponse {
	resp := api.SessionResponse{
		SessionID:          snap.ID,
		State:              snap.State.String(),
		AccountReferenceID: snap.AccountReferenceID,
		EncryptionScheme:   string(snap.EncryptionScheme),
		CreatedAt:          snap.CreatedAt,
		UpdatedAt:          snap.UpdatedAt,
	}
	if snap.Err != nil {
		resp.ErrorCode = interfaces.ErrorCode(snap.Err)
		resp.Error = snap.Err.Error()
	}
	return resp
}

func resultResponse(res coordinator.Result) api.ResultResponse {
	resp := api.ResultResponse{
		SessionID:  res.SessionID,
		State:      res.State.String(),
		Success:    res.Succeeded(),
		ResolvedAt: res.ResolvedAt,
	}
	if res.Err != nil {
		resp.ErrorCode = res.Code()
		resp.Error = res.Err.Error()
	}
	return resp
}
