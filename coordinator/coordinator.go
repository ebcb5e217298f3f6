// Package coordinator mediates wallet card provisioning between a caller, the
// caller's issuer backend and the device's secure subsystem.
//
// At most one session is active at a time. A session moves through
// AWAITING_CHALLENGE, AWAITING_ISSUER_RESPONSE and FINALIZING to exactly one
// of SUCCEEDED or FAILED; every waiter observes the same terminal Result.
// Callbacks from a flow that no longer owns the active session are ignored.
package coordinator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/wallet-provisioning-backend/interfaces"
)

const defaultHistorySize = 32

// Observer is notified of session lifecycle events. Implementations must not
// block and must not call back into the coordinator.
type Observer interface {
	SessionStarted()
	ChallengeIssued(elapsed time.Duration)
	SessionResolved(code string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) SessionStarted()                       {}
func (nopObserver) ChallengeIssued(time.Duration)         {}
func (nopObserver) SessionResolved(string, time.Duration) {}

// Config tunes the coordinator.
type Config struct {
	// AppVersion is reported to issuers as provisioning_app_version.
	AppVersion string

	// LenientDecode forwards issuer fields that fail base64 decoding as nil
	// instead of failing the session.
	LenientDecode bool

	// HistorySize bounds how many resolved sessions stay reachable through Session.
	HistorySize int

	Observer Observer
}

// Coordinator mediates one wallet provisioning attempt at a time between a
// caller, the issuer backend (through the caller) and the secure subsystem.
type Coordinator struct {
	subsystem interfaces.SecureSubsystem
	cfg       Config
	observer  Observer
	log       *slog.Logger

	mu      sync.Mutex
	active  *Session
	history []*Session
}

// New creates a coordinator in the Idle state.
func New(subsystem interfaces.SecureSubsystem, cfg Config, log *slog.Logger) *Coordinator {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Coordinator{
		subsystem: subsystem,
		cfg:       cfg,
		observer:  observer,
		log:       log,
	}
}

// CheckEligibility reports whether a pass for the account can be added.
func (c *Coordinator) CheckEligibility(ctx context.Context, accountReferenceID string) interfaces.Eligibility {
	if !c.subsystem.CanProvision(ctx) {
		return interfaces.EligibilityBlocked
	}
	if c.subsystem.HasExistingPass(ctx, accountReferenceID) {
		return interfaces.EligibilityAlreadyAdded
	}
	return interfaces.EligibilityCanAdd
}

// BeginProvisioning starts a session and asks the subsystem to begin its
// interactive flow. It does not wait for the flow: the challenge and the
// terminal result are observed through the returned session. Rejections by
// the subsystem resolve the session instead of failing this call.
func (c *Coordinator) BeginProvisioning(ctx context.Context, req BeginRequest) (*Session, error) {
	cfg, err := req.config()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.active != nil {
		activeID := c.active.ID
		c.mu.Unlock()
		c.log.Warn("Rejected provisioning request, another session is active", "activeSession", activeID)
		return nil, fmt.Errorf("%w: session %s", interfaces.ErrAlreadyInProgress, activeID)
	}
	s := newSession(&c.mu, uuid.NewString(), cfg)
	c.active = s
	c.mu.Unlock()

	c.observer.SessionStarted()
	c.log.Info("Provisioning session started",
		"sessionID", s.ID,
		"accountReferenceID", s.AccountReferenceID,
		"scheme", string(s.EncryptionScheme))

	// The subsystem may call back synchronously, so the lock is not held here.
	flow, err := c.subsystem.StartProvisioning(ctx, cfg, &sessionDelegate{c: c, s: s})
	if err != nil {
		var rejection *interfaces.RejectionError
		if !errors.As(err, &rejection) {
			err = &interfaces.SubsystemError{Description: fmt.Sprintf("start provisioning: %v", err)}
		}
		c.log.Warn("Secure subsystem refused to start provisioning", "sessionID", s.ID, "err", err)
		c.resolve(s, err)
		return s, nil
	}

	c.mu.Lock()
	if s.state.Terminal() {
		c.mu.Unlock()
		dismiss(flow)
		return s, nil
	}
	s.flow = flow
	c.mu.Unlock()

	return s, nil
}

// SupplyIssuerData finalizes the active session with the issuer's response.
func (c *Coordinator) SupplyIssuerData(ctx context.Context, sessionID string, data interfaces.IssuerData) error {
	c.mu.Lock()
	s := c.active
	if s == nil || s.ID != sessionID || s.state != StateAwaitingIssuerResponse {
		c.mu.Unlock()
		return fmt.Errorf("%w: session %s", interfaces.ErrNoPendingChallenge, sessionID)
	}

	req, decodeErr := decodeIssuerData(data)
	if decodeErr != nil {
		if !c.cfg.LenientDecode {
			flow := c.resolveLocked(s, decodeErr)
			c.mu.Unlock()
			dismiss(flow)
			c.log.Warn("Issuer data rejected", "sessionID", s.ID, "err", decodeErr)
			return decodeErr
		}
		c.log.Warn("Forwarding partially decoded issuer data", "sessionID", s.ID, "err", decodeErr)
	}

	completion := s.completion
	s.completion = nil
	s.setState(StateFinalizing)
	c.mu.Unlock()

	c.log.Info("Forwarding issuer data to secure subsystem", "sessionID", s.ID)
	completion(req)
	return nil
}

// Cancel abandons the active session, resolving it as cancelled.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	s := c.active
	if s == nil || s.ID != sessionID {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", interfaces.ErrSessionNotFound, sessionID)
	}
	flow := c.resolveLocked(s, fmt.Errorf("%w: abandoned by caller", interfaces.ErrCancelled))
	c.mu.Unlock()

	dismiss(flow)
	c.log.Info("Provisioning session cancelled", "sessionID", sessionID)
	return nil
}

// RemoveCard removes every local and remote pass issued for the account.
// Removing zero passes is not an error.
func (c *Coordinator) RemoveCard(ctx context.Context, accountReferenceID string) (int, error) {
	if strings.TrimSpace(accountReferenceID) == "" {
		return 0, fmt.Errorf("%w: account reference id is required", interfaces.ErrInvalidRequest)
	}

	passes, err := c.subsystem.ListProvisionedPasses(ctx)
	if err != nil {
		return 0, fmt.Errorf("list provisioned passes: %w", err)
	}

	removed := 0
	for _, pass := range passes {
		if pass.AccountReferenceID != accountReferenceID {
			continue
		}
		err := c.subsystem.RemovePass(ctx, pass)
		if errors.Is(err, interfaces.ErrPassNotFound) {
			// Removed elsewhere since the listing.
			c.log.Debug("Pass already removed", "serialNumber", pass.SerialNumber)
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("remove pass %s: %w", pass.SerialNumber, err)
		}
		removed++
	}

	c.log.Info("Removed passes", "accountReferenceID", accountReferenceID, "count", removed)
	return removed, nil
}

// Session returns the active session or a recently resolved one.
func (c *Coordinator) Session(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && c.active.ID == id {
		return c.active, true
	}
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].ID == id {
			return c.history[i], true
		}
	}
	return nil, false
}

// State reports the state of the active-session slot.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return StateIdle
	}
	return c.active.state
}

func (c *Coordinator) onChallengeRequested(s *Session, challenge interfaces.ChallengeBundle, completion interfaces.CompletionHandler) {
	c.mu.Lock()
	if c.active != s || s.state != StateAwaitingChallenge {
		state := s.state
		c.mu.Unlock()
		c.log.Warn("Ignoring challenge for inactive session", "sessionID", s.ID, "state", state.String())
		return
	}

	if len(challenge.Certificates) == 0 || completion == nil {
		flow := c.resolveLocked(s, &interfaces.SubsystemError{Description: "incomplete challenge: missing certificate chain or completion handler"})
		c.mu.Unlock()
		dismiss(flow)
		return
	}

	stored := challenge.Clone()
	s.challenge = &stored
	s.completion = completion
	s.payload = interfaces.NewChallengePayload(stored, c.cfg.AppVersion)
	s.setState(StateAwaitingIssuerResponse)
	close(s.challengeReady)
	elapsed := time.Since(s.CreatedAt)
	c.mu.Unlock()

	c.observer.ChallengeIssued(elapsed)
	c.log.Info("Challenge issued", "sessionID", s.ID, "certificates", len(stored.Certificates))
}

func (c *Coordinator) onProvisioningFinished(s *Session, err error) {
	c.mu.Lock()
	if s.state.Terminal() {
		c.mu.Unlock()
		c.log.Debug("Ignoring completion for resolved session", "sessionID", s.ID, "err", err)
		return
	}

	var terminal error
	switch {
	case err != nil:
		terminal = subsystemError(err)
	case s.state != StateFinalizing:
		terminal = fmt.Errorf("%w: flow closed before issuer data was supplied", interfaces.ErrCancelled)
	}
	flow := c.resolveLocked(s, terminal)
	c.mu.Unlock()

	dismiss(flow)
}

// resolve is resolveLocked for callers not holding the lock.
func (c *Coordinator) resolve(s *Session, err error) {
	c.mu.Lock()
	flow := c.resolveLocked(s, err)
	c.mu.Unlock()
	dismiss(flow)
}

// resolveLocked moves s to its terminal state exactly once, wakes every waiter
// and frees the active slot. It returns the flow the caller must dismiss once
// the lock is released.
func (c *Coordinator) resolveLocked(s *Session, err error) interfaces.ProvisioningFlow {
	if s.state.Terminal() {
		return nil
	}

	if err == nil {
		s.setState(StateSucceeded)
	} else {
		s.setState(StateFailed)
	}
	s.result = Result{
		SessionID:  s.ID,
		State:      s.state,
		Err:        err,
		ResolvedAt: s.updatedAt,
	}

	if s.payload == nil {
		s.challengeErr = err
		if s.challengeErr == nil {
			s.challengeErr = fmt.Errorf("%w: session resolved without a challenge", interfaces.ErrSubsystem)
		}
		close(s.challengeReady)
	}
	close(s.done)

	flow := s.flow
	s.flow = nil
	s.challenge = nil
	s.completion = nil

	if c.active == s {
		c.active = nil
	}
	c.history = append(c.history, s)
	if len(c.history) > c.cfg.HistorySize {
		c.history = c.history[len(c.history)-c.cfg.HistorySize:]
	}

	c.observer.SessionResolved(s.result.Code(), s.updatedAt.Sub(s.CreatedAt))
	if err != nil {
		c.log.Info("Provisioning session failed", "sessionID", s.ID, "code", s.result.Code(), "err", err)
	} else {
		c.log.Info("Provisioning session succeeded", "sessionID", s.ID)
	}
	return flow
}

func subsystemError(err error) error {
	var subsystemErr *interfaces.SubsystemError
	if errors.As(err, &subsystemErr) || errors.Is(err, interfaces.ErrCancelled) {
		return err
	}
	return &interfaces.SubsystemError{Description: err.Error()}
}

func dismiss(flow interfaces.ProvisioningFlow) {
	if flow != nil {
		flow.Dismiss()
	}
}

func decodeIssuerData(data interfaces.IssuerData) (interfaces.AddPassRequest, error) {
	var failed []string
	decode := func(field, value string) []byte {
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			failed = append(failed, field)
			return nil
		}
		return raw
	}

	req := interfaces.AddPassRequest{
		EncryptedPassData:  decode("encrypted_pass_data", data.EncryptedPassData),
		ActivationData:     decode("activation_data", data.ActivationData),
		EphemeralPublicKey: decode("ephemeral_public_key", data.EphemeralPublicKey),
	}
	if len(failed) > 0 {
		return req, fmt.Errorf("%w: invalid base64 in %s", interfaces.ErrDecodeFailure, strings.Join(failed, ", "))
	}
	return req, nil
}
