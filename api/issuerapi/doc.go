// Package issuerapi serves a software card issuer over HTTP.
//
// Real issuers run their own backends; this one lets the provisioning flow be
// exercised end to end in development. It verifies the device certificate
// chain and nonce signature in the challenge, then seals pass data for the
// device's leaf key.
package issuerapi
