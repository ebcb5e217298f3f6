package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	eccV2KeySize = 32
	gcmIVSize    = 12
)

var eccV2Info = []byte("wallet-provisioning ECC_V2 pass data")

// DeriveECCV2Key derives the AES-256 key protecting pass data from an ECDH
// shared secret. The challenge nonce is the HKDF salt, binding the key to one
// provisioning attempt.
func DeriveECCV2Key(sharedSecret, nonce []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, sharedSecret, nonce, eccV2Info)
	key := make([]byte, eccV2KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return key, nil
}

// SealPassData encrypts plaintext for the secure element's key agreement key.
// It returns the sealed data ([iv][ciphertext]) and the uncompressed ephemeral
// public key the secure element needs to open it.
func SealPassData(recipient *ecdh.PublicKey, nonce, plaintext []byte) (sealed []byte, ephemeralPublicKey []byte, err error) {
	ephemeralKey, err := recipient.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	sharedSecret, err := ephemeralKey.ECDH(recipient)
	if err != nil {
		return nil, nil, fmt.Errorf("ecdh: %w", err)
	}

	aead, err := newECCV2AEAD(sharedSecret, nonce)
	if err != nil {
		return nil, nil, err
	}

	iv := make([]byte, gcmIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ephemeralPublicKey = ephemeralKey.PublicKey().Bytes()
	sealed = aead.Seal(iv, iv, plaintext, ephemeralPublicKey)
	return sealed, ephemeralPublicKey, nil
}

// OpenPassData reverses SealPassData using the secure element's private key.
func OpenPassData(priv *ecdh.PrivateKey, ephemeralPublicKey, nonce, sealed []byte) ([]byte, error) {
	if len(sealed) < gcmIVSize {
		return nil, errors.New("encrypted pass data too short")
	}

	ephemeral, err := priv.Curve().NewPublicKey(ephemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral public key: %w", err)
	}

	sharedSecret, err := priv.ECDH(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	aead, err := newECCV2AEAD(sharedSecret, nonce)
	if err != nil {
		return nil, err
	}

	// Empty pass data opens to an empty, non-nil slice.
	plaintext, err := aead.Open([]byte{}, sealed[:gcmIVSize], sealed[gcmIVSize:], ephemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newECCV2AEAD(sharedSecret, nonce []byte) (cipher.AEAD, error) {
	key, err := DeriveECCV2Key(sharedSecret, nonce)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
