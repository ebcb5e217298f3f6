package interfaces

import "context"

// SecureSubsystem is the platform capability that performs the actual
// provisioning into the secure element. The coordinator treats it as opaque.
type SecureSubsystem interface {
	// CanProvision reports whether the device allows provisioning at all.
	CanProvision(ctx context.Context) bool

	// HasExistingPass reports whether a pass with this account reference is installed.
	HasExistingPass(ctx context.Context, accountReferenceID string) bool

	// StartProvisioning begins an interactive flow. A *RejectionError means the
	// configuration was refused immediately and no callback will follow.
	// Callbacks on delegate may be delivered from any goroutine, including
	// synchronously before StartProvisioning returns.
	StartProvisioning(ctx context.Context, cfg ProvisioningConfig, delegate ProvisioningDelegate) (ProvisioningFlow, error)

	// ListProvisionedPasses returns local and remote payment passes.
	ListProvisionedPasses(ctx context.Context) ([]ProvisionedPass, error)

	// RemovePass deletes a single pass. A pass that is already gone yields ErrPassNotFound.
	RemovePass(ctx context.Context, pass ProvisionedPass) error
}

// CompletionHandler finishes a flow with issuer-supplied pass material.
// It must be called at most once.
type CompletionHandler func(req AddPassRequest)

// ProvisioningDelegate receives the subsystem's callbacks for one flow.
type ProvisioningDelegate interface {
	OnChallengeRequested(challenge ChallengeBundle, completion CompletionHandler)
	OnProvisioningFinished(err error)
}

// ProvisioningFlow is the handle to a running interactive flow.
type ProvisioningFlow interface {
	// Dismiss releases the flow and any UI it presents. It is safe to call
	// more than once and after the flow finished.
	Dismiss()
}
