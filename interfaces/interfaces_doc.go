// Package interfaces defines the contracts between supersign components and the
// external collaborators they depend on, without implementation details.
//
// # Identity
//
// DeviceInfo describes the pseudo-device presented to the account backend. AnisetteData
// is the per-request attestation produced by an AnisetteDataProvider. AuthToken is the
// durable result of an account login.
//
// # Collaborators
//
//   - KeyValueStorage: persistence for tokens, provisioning state and signing identities
//   - SignerImpl: the code-signing primitive operating on a bundle on disk
//   - DeviceTransport / Connection: the device lockdown and installation transport
//   - Archiver: package decompression and compression
//   - TwoFactorDelegate: second-factor code entry
//
// Errors shared across packages (ErrUserCancelled, ErrPairingDialogResponsePending,
// ErrPasswordProtected, ErrNotFound) are defined here so callers can match them with
// errors.Is regardless of which component produced them.
package interfaces
