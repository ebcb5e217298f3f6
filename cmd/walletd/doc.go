// Package main (cmd/walletd) serves the wallet card provisioning API.
//
// walletd runs a provisioning coordinator over a software secure element whose
// passes live in configurable pass stores. Callers drive sessions through the
// HTTP API; session metrics are exported on the metrics listener.
//
// Pass stores are selected by URI and may be repeated to mirror writes:
//
//	walletd --local-store file:///var/lib/wallet/passes \
//	        --local-store redis://:secret@127.0.0.1:6379/wallet \
//	        --remote-store s3://bucket/paired?region=eu-west-1
//
// With --enable-issuer-sim the server also plays the issuer backend, so the
// whole flow can be exercised with walletctl provision.
package main
