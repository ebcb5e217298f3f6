/*
Package api provides the HTTP surface of the wallet provisioning backend.

This package holds the wire types and server configuration shared by its
subpackages:

1. provisioning - caller-facing session API driving the coordinator
2. issuerapi - issuer backend simulator for development and end-to-end tests

# Session Flow

A caller provisions a card in four requests:

 1. POST /api/v1/sessions starts a session and returns its id
 2. GET /api/v1/sessions/{id}/challenge long-polls for the device challenge,
    which the caller forwards to its issuer backend
 3. POST /api/v1/sessions/{id}/issuer-data hands the issuer's response back
 4. GET /api/v1/sessions/{id}/result long-polls for the outcome

Only one session is active at a time. Errors carry a stable code in
ErrorResponse; failures of an accepted session are reported by the result
endpoint with success set to false.
*/
package api
