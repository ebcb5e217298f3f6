// Package interfaces defines the contracts and wire types shared by the wallet
// provisioning components, separating interface definitions from their
// implementations.
//
// # Secure Subsystem
//
// SecureSubsystem is the device side of provisioning: it reports eligibility,
// runs the interactive add-card flow and owns the installed passes. The flow
// talks back through a ProvisioningDelegate: OnChallengeRequested hands out the
// challenge and a one-shot CompletionHandler, OnProvisioningFinished reports
// the single terminal outcome. ProvisioningFlow.Dismiss releases the flow.
//
// # Wire Types
//
// ChallengePayload and IssuerData are the JSON documents exchanged with the
// issuer backend. Their field names are a stable contract; every binary field
// is standard base64.
//
// # Pass Stores
//
// PassStore persists provisioned passes. Stores are addressed by URI
// (memory, file, s3, vault, redis) and created by a PassStoreFactory.
//
// # Errors
//
// Failures are classified by sentinel errors (ErrInvalidRequest,
// ErrAlreadyInProgress, ...) and the typed SubsystemError and RejectionError.
// ErrorCode maps any error to its stable wire code.
package interfaces
