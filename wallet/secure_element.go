// Package wallet provides a software secure subsystem: a device identity, an
// interactive add-card flow driven by delegate callbacks, and pass storage on
// interfaces.PassStore backends.
package wallet

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/wallet-provisioning-backend/cryptoutils"
	"github.com/ruteri/wallet-provisioning-backend/interfaces"
	"go.uber.org/atomic"
)

const (
	nonceSize             = 16
	defaultCertValidity   = 365 * 24 * time.Hour
	defaultInstallTimeout = 30 * time.Second
)

// ErrUserCancelled is reported when a flow is dismissed before it finished.
var ErrUserCancelled = fmt.Errorf("%w: user dismissed the add-card flow", interfaces.ErrCancelled)

// Config configures a software secure element.
type Config struct {
	// DeviceName is the common name of the device certificate.
	DeviceName string

	// Blocked simulates a device policy that forbids adding payment passes.
	Blocked bool

	// Local holds passes installed on this device. Required.
	Local interfaces.PassStore

	// Remote holds passes installed on paired devices. Optional.
	Remote interfaces.PassStore

	// InstallTimeout bounds pass store writes during finalization.
	InstallTimeout time.Duration
}

// SecureElement is a software implementation of interfaces.SecureSubsystem.
// It issues a real certificate chain and nonce, and only installs a pass when
// the issuer's pass data opens with the device key and echoes the nonce.
type SecureElement struct {
	cfg      Config
	identity *cryptoutils.DeviceIdentity
	keyAgree *ecdh.PrivateKey
	blocked  atomic.Bool
	log      *slog.Logger

	mu    sync.Mutex
	flows map[string]*flow
}

var _ interfaces.SecureSubsystem = (*SecureElement)(nil)

// NewSecureElement creates a secure element with a fresh device identity.
func NewSecureElement(cfg Config, log *slog.Logger) (*SecureElement, error) {
	if cfg.Local == nil {
		return nil, errors.New("local pass store is required")
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "software-secure-element"
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = defaultInstallTimeout
	}

	identity, err := cryptoutils.NewDeviceIdentity(cfg.DeviceName, defaultCertValidity)
	if err != nil {
		return nil, fmt.Errorf("failed to create device identity: %w", err)
	}
	keyAgree, err := identity.KeyAgreementKey()
	if err != nil {
		return nil, err
	}

	se := &SecureElement{
		cfg:      cfg,
		identity: identity,
		keyAgree: keyAgree,
		log:      log,
		flows:    make(map[string]*flow),
	}
	se.blocked.Store(cfg.Blocked)
	return se, nil
}

// SetBlocked toggles the simulated device policy.
func (se *SecureElement) SetBlocked(blocked bool) {
	se.blocked.Store(blocked)
}

// CertificateChain returns the DER device chain, leaf first.
func (se *SecureElement) CertificateChain() [][]byte {
	return interfaces.ChallengeBundle{Certificates: se.identity.Chain}.Clone().Certificates
}

func (se *SecureElement) CanProvision(ctx context.Context) bool {
	if se.blocked.Load() {
		return false
	}
	return se.cfg.Local.Available(ctx)
}

func (se *SecureElement) HasExistingPass(ctx context.Context, accountReferenceID string) bool {
	if accountReferenceID == "" {
		return false
	}
	passes, err := se.ListProvisionedPasses(ctx)
	if err != nil {
		se.log.Warn("Failed to list passes for eligibility", "err", err)
		return false
	}
	for _, pass := range passes {
		if pass.AccountReferenceID == accountReferenceID {
			return true
		}
	}
	return false
}

func (se *SecureElement) StartProvisioning(ctx context.Context, cfg interfaces.ProvisioningConfig, delegate interfaces.ProvisioningDelegate) (interfaces.ProvisioningFlow, error) {
	if se.blocked.Load() {
		return nil, &interfaces.RejectionError{Reason: "payment passes are disabled by device policy"}
	}
	if cfg.EncryptionScheme != interfaces.EncryptionSchemeECCV2 {
		return nil, &interfaces.RejectionError{Reason: fmt.Sprintf("encryption scheme %s is not supported", cfg.EncryptionScheme)}
	}
	if cfg.CardholderName == "" || cfg.PrimaryAccountSuffix == "" {
		return nil, &interfaces.RejectionError{Reason: "cardholder name and primary account suffix are required"}
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	signature, err := se.identity.SignNonce(nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to sign nonce: %w", err)
	}

	flowCtx, cancel := context.WithCancel(context.Background())
	f := &flow{
		id:       uuid.NewString(),
		se:       se,
		cfg:      cfg,
		delegate: delegate,
		nonce:    nonce,
		ctx:      flowCtx,
		cancel:   cancel,
	}
	se.mu.Lock()
	se.flows[f.id] = f
	se.mu.Unlock()

	challenge := interfaces.ChallengeBundle{
		Certificates:   se.identity.Chain,
		Nonce:          nonce,
		NonceSignature: signature,
	}
	go delegate.OnChallengeRequested(challenge.Clone(), f.complete)

	se.log.Debug("Started provisioning flow", "flowID", f.id)
	return f, nil
}

func (se *SecureElement) ListProvisionedPasses(ctx context.Context) ([]interfaces.ProvisionedPass, error) {
	passes, err := se.cfg.Local.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list local passes: %w", err)
	}
	if se.cfg.Remote == nil {
		return passes, nil
	}

	remote, err := se.cfg.Remote.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list remote passes: %w", err)
	}
	for _, pass := range remote {
		pass.Remote = true
		passes = append(passes, pass)
	}
	return passes, nil
}

func (se *SecureElement) RemovePass(ctx context.Context, pass interfaces.ProvisionedPass) error {
	store := se.cfg.Local
	if pass.Remote {
		if se.cfg.Remote == nil {
			return fmt.Errorf("%w: no remote pass library", interfaces.ErrPassNotFound)
		}
		store = se.cfg.Remote
	}
	if err := store.Delete(ctx, pass.SerialNumber); err != nil {
		return err
	}
	se.log.Info("Removed pass", "serialNumber", pass.SerialNumber, "remote", pass.Remote)
	return nil
}

// ActiveFlows returns how many flows have not finished yet.
func (se *SecureElement) ActiveFlows() int {
	se.mu.Lock()
	defer se.mu.Unlock()
	return len(se.flows)
}

// install opens the issuer's pass data and writes the pass to the local
// library. It returns the serial number of the written pass.
func (se *SecureElement) install(ctx context.Context, f *flow, req interfaces.AddPassRequest) (string, error) {
	if len(req.EncryptedPassData) == 0 || len(req.EphemeralPublicKey) == 0 {
		return "", &interfaces.SubsystemError{Description: "missing encrypted pass data or ephemeral public key"}
	}
	if len(req.ActivationData) == 0 {
		return "", &interfaces.SubsystemError{Description: "missing activation data"}
	}

	plaintext, err := cryptoutils.OpenPassData(se.keyAgree, req.EphemeralPublicKey, f.nonce, req.EncryptedPassData)
	if err != nil {
		return "", &interfaces.SubsystemError{Description: fmt.Sprintf("pass data rejected: %v", err)}
	}

	var payload interfaces.PassPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return "", &interfaces.SubsystemError{Description: "pass data is not a valid pass payload"}
	}
	if string(payload.Nonce) != string(f.nonce) {
		return "", &interfaces.SubsystemError{Description: "nonce mismatch"}
	}
	if payload.PrimaryAccountSuffix != f.cfg.PrimaryAccountSuffix {
		return "", &interfaces.SubsystemError{Description: "primary account suffix mismatch"}
	}

	accountReferenceID := payload.AccountReferenceID
	if accountReferenceID == "" {
		accountReferenceID = f.cfg.AccountReferenceID
	}
	pass := interfaces.ProvisionedPass{
		SerialNumber:         uuid.NewString(),
		AccountReferenceID:   accountReferenceID,
		PrimaryAccountSuffix: payload.PrimaryAccountSuffix,
		CardholderName:       f.cfg.CardholderName,
		Activated:            true,
		ProvisionedAt:        time.Now().UTC(),
	}

	if ctx.Err() != nil {
		return "", ErrUserCancelled
	}
	putCtx, cancel := context.WithTimeout(ctx, se.cfg.InstallTimeout)
	defer cancel()
	if err := se.cfg.Local.Put(putCtx, pass); err != nil {
		if ctx.Err() != nil {
			return "", ErrUserCancelled
		}
		return "", &interfaces.SubsystemError{Description: fmt.Sprintf("failed to store pass: %v", err)}
	}

	se.log.Info("Installed pass", "serialNumber", pass.SerialNumber, "accountReferenceID", pass.AccountReferenceID)
	return pass.SerialNumber, nil
}

// rollback removes a pass whose flow was dismissed while it was being written.
func (se *SecureElement) rollback(serialNumber string) {
	ctx, cancel := context.WithTimeout(context.Background(), se.cfg.InstallTimeout)
	defer cancel()
	if err := se.cfg.Local.Delete(ctx, serialNumber); err != nil && !errors.Is(err, interfaces.ErrPassNotFound) {
		se.log.Error("Failed to roll back pass of dismissed flow", "serialNumber", serialNumber, "err", err)
		return
	}
	se.log.Info("Rolled back pass of dismissed flow", "serialNumber", serialNumber)
}

func (se *SecureElement) forget(f *flow) {
	se.mu.Lock()
	delete(se.flows, f.id)
	se.mu.Unlock()
}

// flow is one interactive provisioning flow. It reports exactly one
// terminal callback to its delegate.
type flow struct {
	id       string
	se       *SecureElement
	cfg      interfaces.ProvisioningConfig
	delegate interfaces.ProvisioningDelegate
	nonce    []byte

	// ctx is cancelled by Dismiss.
	ctx    context.Context
	cancel context.CancelFunc

	completed atomic.Bool
	finished  atomic.Bool

	mu         sync.Mutex
	dismissed  bool
	installing bool
	// settled is set once the install outcome is final; Dismiss is a no-op after it.
	settled bool
}

func (f *flow) complete(req interfaces.AddPassRequest) {
	if !f.completed.CompareAndSwap(false, true) {
		f.se.log.Warn("Completion handler called more than once", "flowID", f.id)
		return
	}

	f.mu.Lock()
	if f.dismissed {
		f.mu.Unlock()
		return
	}
	f.installing = true
	f.mu.Unlock()

	go func() {
		serialNumber, err := f.se.install(f.ctx, f, req)

		// A dismissal that raced the install wins: the pass must not outlive
		// a flow reported as cancelled.
		f.mu.Lock()
		f.installing = false
		dismissed := f.dismissed
		f.settled = !dismissed
		f.mu.Unlock()

		if dismissed {
			if err == nil {
				f.se.rollback(serialNumber)
			}
			err = ErrUserCancelled
		}
		f.finish(err)
	}()
}

func (f *flow) finish(err error) {
	if !f.finished.CompareAndSwap(false, true) {
		return
	}
	f.cancel()
	f.se.forget(f)
	f.delegate.OnProvisioningFinished(err)
}

// Dismiss closes the flow. An unfinished flow reports ErrUserCancelled, and a
// pass being installed is rolled back.
func (f *flow) Dismiss() {
	f.mu.Lock()
	if f.finished.Load() || f.dismissed || f.settled {
		f.mu.Unlock()
		return
	}
	f.dismissed = true
	installing := f.installing
	f.mu.Unlock()

	f.cancel()
	if installing {
		// The install goroutine reports once the store call returns.
		return
	}
	go f.finish(ErrUserCancelled)
}
