package coordinator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/wallet-provisioning-backend/interfaces"
)

// State is the lifecycle position of a provisioning session.
type State int

const (
	StateIdle State = iota
	StateAwaitingChallenge
	StateAwaitingIssuerResponse
	StateFinalizing
	StateSucceeded
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:                   "IDLE",
	StateAwaitingChallenge:      "AWAITING_CHALLENGE",
	StateAwaitingIssuerResponse: "AWAITING_ISSUER_RESPONSE",
	StateFinalizing:             "FINALIZING",
	StateSucceeded:              "SUCCEEDED",
	StateFailed:                 "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// MarshalText lets State appear by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var lastFourPattern = regexp.MustCompile(`^[0-9]{4}$`)

// BeginRequest carries the caller's inputs for a new session.
type BeginRequest struct {
	CardholderName     string
	LastFour           string
	AccountReferenceID string
	// EncryptionScheme is the wire name; empty selects ECC_V2.
	EncryptionScheme string
}

func (r BeginRequest) config() (interfaces.ProvisioningConfig, error) {
	name := strings.TrimSpace(r.CardholderName)
	if name == "" {
		return interfaces.ProvisioningConfig{}, fmt.Errorf("%w: cardholder name is required", interfaces.ErrInvalidRequest)
	}
	if !lastFourPattern.MatchString(r.LastFour) {
		return interfaces.ProvisioningConfig{}, fmt.Errorf("%w: last four must be exactly 4 digits", interfaces.ErrInvalidRequest)
	}
	scheme, err := interfaces.ParseEncryptionScheme(r.EncryptionScheme)
	if err != nil {
		return interfaces.ProvisioningConfig{}, err
	}

	return interfaces.ProvisioningConfig{
		CardholderName:       name,
		PrimaryAccountSuffix: r.LastFour,
		AccountReferenceID:   strings.TrimSpace(r.AccountReferenceID),
		EncryptionScheme:     scheme,
	}, nil
}

// Result is the terminal outcome of a session.
type Result struct {
	SessionID string
	State     State
	// Err is nil when State is StateSucceeded.
	Err        error
	ResolvedAt time.Time
}

// Succeeded reports whether the pass was installed.
func (r Result) Succeeded() bool {
	return r.State == StateSucceeded
}

// Code returns the wire error code, empty on success.
func (r Result) Code() string {
	return interfaces.ErrorCode(r.Err)
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID                 string
	State              State
	AccountReferenceID string
	EncryptionScheme   interfaces.EncryptionScheme
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Err                error
}

// Session is one provisioning attempt. Its mutable fields are guarded by the
// owning coordinator's mutex.
type Session struct {
	ID                 string
	CardholderName     string
	LastFour           string
	AccountReferenceID string
	EncryptionScheme   interfaces.EncryptionScheme
	CreatedAt          time.Time

	mu         *sync.Mutex
	state      State
	updatedAt  time.Time
	challenge  *interfaces.ChallengeBundle
	completion interfaces.CompletionHandler
	flow       interfaces.ProvisioningFlow

	// Written once before challengeReady is closed.
	challengeReady chan struct{}
	payload        *interfaces.ChallengePayload
	challengeErr   error

	// Written once before done is closed.
	done   chan struct{}
	result Result
}

func newSession(mu *sync.Mutex, id string, cfg interfaces.ProvisioningConfig) *Session {
	now := time.Now()
	return &Session{
		ID:                 id,
		CardholderName:     cfg.CardholderName,
		LastFour:           cfg.PrimaryAccountSuffix,
		AccountReferenceID: cfg.AccountReferenceID,
		EncryptionScheme:   cfg.EncryptionScheme,
		CreatedAt:          now,
		mu:                 mu,
		state:              StateAwaitingChallenge,
		updatedAt:          now,
		challengeReady:     make(chan struct{}),
		done:               make(chan struct{}),
	}
}

// Challenge blocks until the begin phase resolves: either the challenge
// payload for the issuer, or the terminal error if the session failed first.
func (s *Session) Challenge(ctx context.Context) (*interfaces.ChallengePayload, error) {
	select {
	case <-s.challengeReady:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if s.challengeErr != nil {
		return nil, s.challengeErr
	}
	payload := *s.payload
	payload.Certificates = append([]string(nil), s.payload.Certificates...)
	return &payload, nil
}

// Wait blocks until the session reaches a terminal state. The returned error
// is only ever the context's.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done is closed once the session is resolved.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns the current status.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		ID:                 s.ID,
		State:              s.state,
		AccountReferenceID: s.AccountReferenceID,
		EncryptionScheme:   s.EncryptionScheme,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.updatedAt,
		Err:                s.result.Err,
	}
}

func (s *Session) setState(state State) {
	s.state = state
	s.updatedAt = time.Now()
}

// sessionDelegate binds subsystem callbacks to the session that started the flow,
// so callbacks from an abandoned flow can never touch a newer session.
type sessionDelegate struct {
	c *Coordinator
	s *Session
}

func (d *sessionDelegate) OnChallengeRequested(challenge interfaces.ChallengeBundle, completion interfaces.CompletionHandler) {
	d.c.onChallengeRequested(d.s, challenge, completion)
}

func (d *sessionDelegate) OnProvisioningFinished(err error) {
	d.c.onProvisioningFinished(d.s, err)
}
