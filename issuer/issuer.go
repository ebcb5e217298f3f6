// Package issuer is a software card issuer. It checks device challenges and
// seals pass data for the device.
package issuer

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/ruteri/wallet-provisioning-backend/cryptoutils"
	"github.com/ruteri/wallet-provisioning-backend/interfaces"
)

var (
	// ErrInvalidChallenge is returned when the device challenge cannot be trusted.
	ErrInvalidChallenge = errors.New("invalid provisioning challenge")

	// ErrInvalidCard is returned when the card details are malformed.
	ErrInvalidCard = errors.New("invalid card details")
)

var suffixPattern = regexp.MustCompile(`^[0-9]{4}$`)

const activationDataSize = 16

// Card identifies the account the issuer provisions.
type Card struct {
	AccountReferenceID   string
	PrimaryAccountSuffix string
	CardholderName       string
}

// Issuer is a software issuer backend. It verifies the device certificate
// chain and nonce signature, then seals pass data for the device's leaf key
// using ECC_V2.
type Issuer struct {
	roots *x509.CertPool
	log   *slog.Logger
}

// New creates an issuer. With a nil pool the root presented in each
// challenge is trusted, which is only suitable for development.
func New(roots *x509.CertPool, log *slog.Logger) *Issuer {
	return &Issuer{roots: roots, log: log}
}

// Respond turns a challenge payload into issuer data for the given card.
func (i *Issuer) Respond(challenge *interfaces.ChallengePayload, card Card) (*interfaces.IssuerData, error) {
	if challenge == nil {
		return nil, fmt.Errorf("%w: missing challenge", ErrInvalidChallenge)
	}
	if challenge.DeviceType != interfaces.DeviceTypeMobilePhone {
		return nil, fmt.Errorf("%w: unsupported device type %q", ErrInvalidChallenge, challenge.DeviceType)
	}
	if !suffixPattern.MatchString(card.PrimaryAccountSuffix) {
		return nil, fmt.Errorf("%w: primary account suffix must be 4 digits", ErrInvalidCard)
	}

	bundle, err := challenge.Bundle()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChallenge, err)
	}
	if len(bundle.Nonce) == 0 {
		return nil, fmt.Errorf("%w: empty nonce", ErrInvalidChallenge)
	}

	leaf, err := cryptoutils.VerifyDeviceChain(bundle.Certificates, i.roots)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChallenge, err)
	}
	signingKey, agreementKey, err := cryptoutils.LeafKeys(leaf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChallenge, err)
	}
	if !cryptoutils.VerifyNonceSignature(signingKey, bundle.Nonce, bundle.NonceSignature) {
		return nil, fmt.Errorf("%w: nonce signature mismatch", ErrInvalidChallenge)
	}

	plaintext, err := json.Marshal(interfaces.PassPayload{
		AccountReferenceID:   card.AccountReferenceID,
		PrimaryAccountSuffix: card.PrimaryAccountSuffix,
		CardholderName:       card.CardholderName,
		Nonce:                bundle.Nonce,
	})
	if err != nil {
		return nil, err
	}

	sealed, ephemeral, err := cryptoutils.SealPassData(agreementKey, bundle.Nonce, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to seal pass data: %w", err)
	}

	activation := make([]byte, activationDataSize)
	if _, err := rand.Read(activation); err != nil {
		return nil, fmt.Errorf("failed to generate activation data: %w", err)
	}

	i.log.Info("Issued pass data",
		"accountReferenceID", card.AccountReferenceID,
		"device", leaf.Subject.CommonName,
		"appVersion", challenge.ProvisioningAppVersion)

	return &interfaces.IssuerData{
		EncryptedPassData:  base64.StdEncoding.EncodeToString(sealed),
		ActivationData:     base64.StdEncoding.EncodeToString(activation),
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(ephemeral),
	}, nil
}
