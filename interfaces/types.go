package interfaces

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Eligibility is the outcome of an add-to-wallet eligibility query.
// None of the values is an error: "cannot add" is an expected answer.
type Eligibility string

const (
	EligibilityCanAdd       Eligibility = "CAN_ADD"
	EligibilityAlreadyAdded Eligibility = "ALREADY_ADDED"
	EligibilityBlocked      Eligibility = "BLOCKED"
)

func (e Eligibility) String() string {
	return string(e)
}

// EncryptionScheme selects how the issuer encrypts pass data for the secure element.
type EncryptionScheme string

const (
	// EncryptionSchemeECCV2 is ECDH on P-256 with an ephemeral issuer key.
	EncryptionSchemeECCV2 EncryptionScheme = "ECC_V2"
	// EncryptionSchemeRSAV2 is RSA-OAEP key transport.
	EncryptionSchemeRSAV2 EncryptionScheme = "RSA_V2"
)

// ParseEncryptionScheme accepts the wire name of a scheme. An empty string
// selects ECC_V2.
func ParseEncryptionScheme(s string) (EncryptionScheme, error) {
	switch EncryptionScheme(strings.ToUpper(strings.TrimSpace(s))) {
	case "", EncryptionSchemeECCV2:
		return EncryptionSchemeECCV2, nil
	case EncryptionSchemeRSAV2:
		return EncryptionSchemeRSAV2, nil
	default:
		return "", fmt.Errorf("%w: unknown encryption scheme %q", ErrInvalidRequest, s)
	}
}

// DeviceTypeMobilePhone is the only device type this service reports to issuers.
const DeviceTypeMobilePhone = "MOBILE_PHONE"

// ProvisioningConfig is what the secure subsystem needs to start an interactive flow.
type ProvisioningConfig struct {
	CardholderName       string
	PrimaryAccountSuffix string
	AccountReferenceID   string
	EncryptionScheme     EncryptionScheme
}

// ChallengeBundle is emitted by the secure subsystem once it is ready for issuer data.
type ChallengeBundle struct {
	// Certificates is ordered leaf first.
	Certificates   [][]byte
	Nonce          []byte
	NonceSignature []byte
}

// Clone returns a deep copy so the caller cannot mutate stored challenge material.
func (b ChallengeBundle) Clone() ChallengeBundle {
	certs := make([][]byte, len(b.Certificates))
	for i, c := range b.Certificates {
		certs[i] = append([]byte(nil), c...)
	}
	return ChallengeBundle{
		Certificates:   certs,
		Nonce:          append([]byte(nil), b.Nonce...),
		NonceSignature: append([]byte(nil), b.NonceSignature...),
	}
}

// ChallengePayload is the JSON document the caller forwards to its issuer backend.
// Field names are part of the stable contract.
type ChallengePayload struct {
	Certificates           []string `json:"certificates"`
	Nonce                  string   `json:"nonce"`
	NonceSignature         string   `json:"nonce_signature"`
	ProvisioningAppVersion string   `json:"provisioning_app_version"`
	DeviceType             string   `json:"device_type"`
}

// NewChallengePayload base64-encodes a challenge bundle for delivery to the caller.
func NewChallengePayload(b ChallengeBundle, appVersion string) *ChallengePayload {
	certs := make([]string, 0, len(b.Certificates))
	for _, c := range b.Certificates {
		certs = append(certs, base64.StdEncoding.EncodeToString(c))
	}
	return &ChallengePayload{
		Certificates:           certs,
		Nonce:                  base64.StdEncoding.EncodeToString(b.Nonce),
		NonceSignature:         base64.StdEncoding.EncodeToString(b.NonceSignature),
		ProvisioningAppVersion: appVersion,
		DeviceType:             DeviceTypeMobilePhone,
	}
}

// Bundle decodes the payload back into raw challenge material.
func (p *ChallengePayload) Bundle() (ChallengeBundle, error) {
	var b ChallengeBundle
	for i, c := range p.Certificates {
		raw, err := base64.StdEncoding.DecodeString(c)
		if err != nil {
			return ChallengeBundle{}, fmt.Errorf("certificate %d: %w", i, err)
		}
		b.Certificates = append(b.Certificates, raw)
	}

	var err error
	if b.Nonce, err = base64.StdEncoding.DecodeString(p.Nonce); err != nil {
		return ChallengeBundle{}, fmt.Errorf("nonce: %w", err)
	}
	if b.NonceSignature, err = base64.StdEncoding.DecodeString(p.NonceSignature); err != nil {
		return ChallengeBundle{}, fmt.Errorf("nonce_signature: %w", err)
	}
	return b, nil
}

// IssuerData is the issuer backend's response, every field base64-encoded.
type IssuerData struct {
	EncryptedPassData  string `json:"encrypted_pass_data"`
	ActivationData     string `json:"activation_data"`
	EphemeralPublicKey string `json:"ephemeral_public_key"`
}

// AddPassRequest is the decoded issuer data handed to the secure subsystem.
// A nil field means the value was absent or could not be decoded.
type AddPassRequest struct {
	EncryptedPassData  []byte
	ActivationData     []byte
	EphemeralPublicKey []byte
}

// ProvisionedPass is a payment pass installed on this device or a paired one.
type ProvisionedPass struct {
	SerialNumber         string    `json:"serial_number"`
	AccountReferenceID   string    `json:"account_reference_id"`
	PrimaryAccountSuffix string    `json:"primary_account_suffix"`
	CardholderName       string    `json:"cardholder_name"`
	Activated            bool      `json:"activated"`
	Remote               bool      `json:"remote"`
	ProvisionedAt        time.Time `json:"provisioned_at"`
}

// PassPayload is the plaintext an issuer seals into EncryptedPassData.
type PassPayload struct {
	AccountReferenceID   string `json:"account_reference_id"`
	PrimaryAccountSuffix string `json:"primary_account_suffix"`
	CardholderName       string `json:"cardholder_name"`
	Nonce                []byte `json:"nonce"`
}
