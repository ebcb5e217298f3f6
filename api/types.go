package api

import (
	"time"

	"github.com/ruteri/wallet-provisioning-backend/interfaces"
)

// ProvisioningProvider is the caller's view of a wallet provisioning service,
// implemented remotely by provisioning.Client.
type ProvisioningProvider interface {
	CheckEligibility(accountReferenceID string) (*EligibilityResponse, error)
	BeginProvisioning(req BeginProvisioningRequest) (*SessionResponse, error)
	Challenge(sessionID string, wait time.Duration) (*interfaces.ChallengePayload, error)
	SupplyIssuerData(sessionID string, data interfaces.IssuerData) error
	Result(sessionID string, wait time.Duration) (*ResultResponse, error)
	Session(sessionID string) (*SessionResponse, error)
	Cancel(sessionID string) error
	RemoveCard(accountReferenceID string) (*RemoveCardResponse, error)
}

// IssuerProvider turns a device challenge into issuer data, implemented
// remotely by issuerapi.Client.
type IssuerProvider interface {
	Provision(req IssuerProvisionRequest) (*interfaces.IssuerData, error)
}

// EligibilityResponse is returned by GET /api/v1/eligibility/{account_reference_id}.
type EligibilityResponse struct {
	AccountReferenceID string                 `json:"account_reference_id"`
	Status             interfaces.Eligibility `json:"status"`
}

// BeginProvisioningRequest is the body of POST /api/v1/sessions.
type BeginProvisioningRequest struct {
	CardholderName     string `json:"cardholder_name"`
	LastFour           string `json:"last_four"`
	AccountReferenceID string `json:"account_reference_id,omitempty"`

	// EncryptionScheme is ECC_V2 or RSA_V2; empty selects ECC_V2.
	EncryptionScheme string `json:"encryption_scheme,omitempty"`
}

// SessionResponse describes a provisioning session.
type SessionResponse struct {
	SessionID          string    `json:"session_id"`
	State              string    `json:"state"`
	AccountReferenceID string    `json:"account_reference_id,omitempty"`
	EncryptionScheme   string    `json:"encryption_scheme,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	ErrorCode          string    `json:"error_code,omitempty"`
	Error              string    `json:"error,omitempty"`
}

// ResultResponse is the terminal outcome of a session.
type ResultResponse struct {
	SessionID  string    `json:"session_id"`
	State      string    `json:"state"`
	Success    bool      `json:"success"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// RemoveCardResponse is returned by DELETE /api/v1/passes/{account_reference_id}.
type RemoveCardResponse struct {
	AccountReferenceID string `json:"account_reference_id"`
	Removed            int    `json:"removed"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

// IssuerProvisionRequest is the body of POST /api/issuer/v1/provision.
type IssuerProvisionRequest struct {
	Challenge            interfaces.ChallengePayload `json:"challenge"`
	AccountReferenceID   string                      `json:"account_reference_id"`
	PrimaryAccountSuffix string                      `json:"primary_account_suffix"`
	CardholderName       string                      `json:"cardholder_name"`
}

const (
	// WaitParam is the query parameter bounding how long a long-poll request
	// blocks, as a Go duration ("30s").
	WaitParam = "wait"

	// SessionStateHeader carries the session state on every session response.
	SessionStateHeader = "X-Session-State"
)
