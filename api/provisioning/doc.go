// Package provisioning exposes the provisioning coordinator over HTTP.
//
// Handler registers the session routes on a chi router. Begin and finalize
// return immediately with 202; the challenge and the result are collected
// with long-poll GET requests bounded by the wait query parameter. A request
// whose wait elapses gets 202 with the current session status.
//
// Status codes follow the error code of the failure:
//
//   - 400 INVALID_REQUEST, DECODE_FAILURE
//   - 404 SESSION_NOT_FOUND
//   - 409 ALREADY_IN_PROGRESS, NO_PENDING_CHALLENGE
//   - 410 from the challenge endpoint when the session failed before a
//     challenge was issued
//
// Client implements api.ProvisioningProvider against a remote server and
// maps error codes back to the sentinels in package interfaces:
//
//	client := &provisioning.Client{ServerAddr: "http://localhost:8080"}
//	session, err := client.BeginProvisioning(api.BeginProvisioningRequest{
//		CardholderName: "Jane Doe",
//		LastFour:       "4242",
//	})
//	if err != nil {
//		return err
//	}
//	challenge, err := client.Challenge(session.SessionID, 25*time.Second)
package provisioning
