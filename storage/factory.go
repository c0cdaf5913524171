package storage

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ruteri/supersign/interfaces"
)

// StorageFactory creates key-value stores from location URIs.
type StorageFactory struct {
	log *slog.Logger
}

// NewStorageFactory creates a new factory instance.
func NewStorageFactory(logger *slog.Logger) *StorageFactory {
	return &StorageFactory{log: logger}
}

// StorageFor creates a store from a location.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem directory
//   - s3:// - Amazon S3 or compatible object storage
//   - vault:// - HashiCorp Vault KV v2 mount
//   - memory:// - Process-local store
func (sf *StorageFactory) StorageFor(location interfaces.StorageLocation) (interfaces.KeyValueStorage, error) {
	switch strings.ToLower(location.Scheme) {
	case "file":
		return sf.createFileStorage(location)
	case "s3":
		return sf.createS3Storage(location)
	case "vault":
		return sf.createVaultStorage(location)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// StorageForURIs parses every URI and returns a single store. More than one URI yields
// a MirroredStorage.
func (sf *StorageFactory) StorageForURIs(uris []string) (interfaces.KeyValueStorage, error) {
	backends := make([]interfaces.KeyValueStorage, 0, len(uris))

	for _, uri := range uris {
		location, err := interfaces.NewStorageLocation(uri)
		if err != nil {
			return nil, err
		}
		backend, err := sf.StorageFor(location)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage for %s: %w", uri, err)
		}
		backends = append(backends, backend)
	}

	switch len(backends) {
	case 0:
		return nil, fmt.Errorf("no storage configured")
	case 1:
		return backends[0], nil
	default:
		return NewMirroredStorage(backends, sf.log), nil
	}
}

// createS3Storage creates an S3 or S3-compatible store.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/prefix/?region=us-west-2&endpoint=custom.s3.com
func (sf *StorageFactory) createS3Storage(location interfaces.StorageLocation) (interfaces.KeyValueStorage, error) {
	sf.log.Debug("Creating S3 storage", slog.String("bucket", location.Host))

	if location.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket in %s", interfaces.ErrInvalidLocationURI, location.Raw)
	}

	region := location.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if location.Auth != nil {
		accessKey = location.Auth.Username()
		secretKey, _ = location.Auth.Password()
	}

	return NewS3Storage(location.Host, strings.TrimPrefix(location.Path, "/"), region,
		location.GetParam("endpoint"), accessKey, secretKey, sf.log)
}

// createVaultStorage creates a Vault store.
// URI format: vault://[token@]vault.example.com:8200/<mount>/<path>?tls=false
func (sf *StorageFactory) createVaultStorage(location interfaces.StorageLocation) (interfaces.KeyValueStorage, error) {
	sf.log.Debug("Creating Vault storage", slog.String("host", location.Host))

	parts := strings.SplitN(strings.Trim(location.Path, "/"), "/", 2)
	if location.Host == "" || parts[0] == "" {
		return nil, fmt.Errorf("%w: expected vault://host/mount[/path] in %s", interfaces.ErrInvalidLocationURI, location.Raw)
	}

	scheme := "https"
	if location.GetParam("tls") == "false" {
		scheme = "http"
	}

	opts := VaultOptions{
		Address:   fmt.Sprintf("%s://%s", scheme, location.Host),
		MountPath: parts[0],
		Token:     os.Getenv("VAULT_TOKEN"),
	}
	if len(parts) > 1 {
		opts.DataPath = parts[1]
	}
	if location.Auth != nil && location.Auth.Username() != "" {
		opts.Token = location.Auth.Username()
	}

	return NewVaultStorage(opts, sf.log)
}

// createFileStorage creates a file system store.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *StorageFactory) createFileStorage(location interfaces.StorageLocation) (interfaces.KeyValueStorage, error) {
	sf.log.Debug("Creating file storage", slog.String("uri", location.Raw))

	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}

	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", location.Raw)
	}

	return NewFileStorage(path, sf.log)
}
