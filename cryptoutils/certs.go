package cryptoutils

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// DeviceIdentity is the certificate chain and keys of a software secure element.
// The leaf key both signs challenge nonces and receives ECDH key agreement.
type DeviceIdentity struct {
	RootKey *ecdsa.PrivateKey
	LeafKey *ecdsa.PrivateKey

	// Chain holds DER certificates, leaf first.
	Chain [][]byte
}

// NewDeviceIdentity creates a self-signed root and a leaf certificate issued by it.
func NewDeviceIdentity(commonName string, validity time.Duration) (*DeviceIdentity, error) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate root key: %w", err)
	}
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key: %w", err)
	}

	now := time.Now()
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName + " Root CA"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, rootKey.Public(), rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create root certificate: %w", err)
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, err
	}

	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyAgreement,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, rootCert, leafKey.Public(), rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create leaf certificate: %w", err)
	}

	return &DeviceIdentity{
		RootKey: rootKey,
		LeafKey: leafKey,
		Chain:   [][]byte{leafDER, rootDER},
	}, nil
}

// KeyAgreementKey returns the leaf key as an ECDH private key.
func (d *DeviceIdentity) KeyAgreementKey() (*ecdh.PrivateKey, error) {
	return d.LeafKey.ECDH()
}

// SignNonce signs the SHA-256 digest of nonce with the leaf key.
func (d *DeviceIdentity) SignNonce(nonce []byte) ([]byte, error) {
	digest := sha256.Sum256(nonce)
	return ecdsa.SignASN1(rand.Reader, d.LeafKey, digest[:])
}

// VerifyDeviceChain checks that the leaf chains up to a trusted root and
// returns the leaf certificate. With a nil pool the last certificate of the
// chain is trusted as the root.
func VerifyDeviceChain(chain [][]byte, roots *x509.CertPool) (*x509.Certificate, error) {
	if len(chain) == 0 {
		return nil, errors.New("empty certificate chain")
	}

	certs := make([]*x509.Certificate, 0, len(chain))
	for i, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}

	if roots == nil {
		roots = x509.NewCertPool()
		roots.AddCert(certs[len(certs)-1])
	}
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	leaf := certs[0]
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("certificate chain verification failed: %w", err)
	}
	return leaf, nil
}

// LeafKeys extracts the signature and key agreement forms of a leaf's P-256 key.
func LeafKeys(leaf *x509.Certificate) (*ecdsa.PublicKey, *ecdh.PublicKey, error) {
	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, nil, errors.New("leaf certificate does not carry an ECDSA key")
	}
	agreement, err := pub.ECDH()
	if err != nil {
		return nil, nil, fmt.Errorf("leaf key unusable for key agreement: %w", err)
	}
	return pub, agreement, nil
}

// VerifyNonceSignature checks a signature produced by SignNonce.
func VerifyNonceSignature(pub *ecdsa.PublicKey, nonce, signature []byte) bool {
	digest := sha256.Sum256(nonce)
	return ecdsa.VerifyASN1(pub, digest[:], signature)
}
