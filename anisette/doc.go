// Package anisette produces the device attestation ("anisette data") that must
// accompany every authenticated account request.
//
// ADIProvider drives the machine provisioning protocol against the account backend
// on top of a RawADIProvider, the vendor attestation primitive:
//
//	unprovisioned -> provisioning -> provisioned
//
// Unprovisioned, a local user id is created and a device id derived from it is
// registered with the primitive. Provisioning exchanges spim/cpim and ptm/tk with the
// backend and yields the adi.pb blob, persisted as interfaces.ProvisioningData in the
// key-value store. Provisioned, every fetch only asks the primitive for a fresh
// one-time password. ResetProvisioning returns to unprovisioned.
//
// Concurrent fetches on an unprovisioned provider share one provisioning run.
//
// RemoteRawProvider reaches the primitive on a remote ADI host, and RemoteProvider
// skips local provisioning entirely by reading headers from an anisette relay such as
// the one served by package adiserver.
package anisette
