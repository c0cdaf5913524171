// Package storage provides the key-value secret store with pluggable backends.
//
// The store keeps the few durable values supersign needs between runs: the account
// AuthToken, the anisette provisioning blob and per-team signing identities. Every
// backend implements interfaces.KeyValueStorage:
//
//   - FileStorage: one file per key in a local directory, written atomically
//   - S3Storage: private, server-side encrypted objects in an S3-compatible bucket
//   - VaultStorage: HashiCorp Vault KV v2, values base64 encoded under "content"
//   - MemoryStorage: process-local, for ephemeral sessions and tests
//   - MirroredStorage: writes to several backends and reads with fallback
//
// # Storage URI Format
//
// Stores are selected with URIs:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Examples:
//
//   - file:///var/lib/supersign/
//   - s3://ACCESS:SECRET@bucket-name/prefix/?region=us-west-2
//   - vault://vault.example.com:8200/secret/supersign
//   - memory://
//
// # Deletion
//
// Setting a nil value deletes the key. Reading a missing key returns
// interfaces.ErrNotFound from every backend.
//
// # Usage Example
//
//	factory := storage.NewStorageFactory(logger)
//	store, err := factory.StorageForURIs([]string{
//	    "file:///var/lib/supersign/",
//	    "vault://vault.example.com:8200/secret/supersign",
//	})
//	if err != nil {
//	    log.Fatalf("Failed to create storage: %v", err)
//	}
package storage
