// Package gsa implements the account backend client: endpoint lookup, SRP login with
// the second-factor sub-protocol, and app token issuance.
//
// # Client and endpoint lookup
//
// A Client is the long-lived context shared by everything that talks to the account
// backend. It owns a LookupManager which resolves the endpoint directory once and
// caches it for the client's lifetime:
//
//	client := gsa.NewClient(gsa.ClientConfig{DeviceInfo: deviceInfo, Log: log})
//	url, err := client.Lookup().URL(ctx, gsa.EndpointGsService)
//
// # Operations
//
// Account operations are plist documents of the form
//
//	{Header: {Version: "1.0.1"}, Request: {o: <op>, u: <user>, cpd: {...}, ...params}}
//
// where cpd carries the client flags, the device identity and a fresh anisette
// attestation. Every response carries a status dictionary {ec, em} inside Response;
// a non-zero ec is returned as *OperationError whatever the HTTP status was.
//
// # Login
//
// LoginManager.LogIn runs SRP-6a over the RFC 5054 2048-bit group with SHA-256. The
// password is stretched with PBKDF2-SHA256 (s2k or s2k_fo). If the backend answers the
// exchange with a second-factor demand, the challenge is triggered and codes from the
// TwoFactorDelegate are validated, up to three attempts for wrong codes, before
// logging in again. The session is finally exchanged for the developer-services app
// token which, with the account's ADSID, forms the AuthToken.
//
// # Testing
//
// MockServer implements the server side of all of the above, including machine
// provisioning, and is used by this package's tests and by the anisette tests.
package gsa
