// Package cryptoutils implements the cryptography of the provisioning flow.
//
// Device identity: a DeviceIdentity holds a self-signed root and a leaf
// certificate carrying the device's P-256 key. The same key signs challenge
// nonces (ECDSA) and receives pass data (ECDH). VerifyDeviceChain, LeafKeys
// and VerifyNonceSignature are the issuer-side checks.
//
// ECC_V2 pass data encryption:
//
//   - Ephemeral P-256 key agreement with the device leaf key
//   - HKDF-SHA256 with the challenge nonce as salt
//   - AES-256-GCM, sealed data laid out as [iv][ciphertext]
//
// SealPassData runs on the issuer, OpenPassData on the secure element.
package cryptoutils
