package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// Well-known storage keys.
const (
	KeyAuthToken           = "AuthToken"
	KeyADIProvisioningData = "ADIProvisioningData"
	KeySigningInfoPrefix   = "SigningInfo-"
	KeyDeviceInfo          = "DeviceInfo"
)

// StorageLocation represents the URI of a key-value storage backend.
type StorageLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   *url.Userinfo
}

// NewStorageLocation parses and validates a storage URI.
func NewStorageLocation(uri string) (StorageLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "vault", "memory":
	default:
		return StorageLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	return StorageLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   parsed.User,
	}, nil
}

// String returns the original URI string.
func (loc StorageLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc StorageLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc StorageLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

var (
	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// KeyValueStorage is the secret store used for auth tokens, anisette provisioning state
// and signing identities.
type KeyValueStorage interface {
	// Data returns the value stored under key, or ErrNotFound.
	Data(ctx context.Context, key string) ([]byte, error)

	// SetData stores value under key. A nil value deletes the key.
	SetData(ctx context.Context, key string, value []byte) error

	// Name returns identifier for logging.
	Name() string
}

// StorageFactory creates storage backends.
type StorageFactory interface {
	// StorageFor creates a backend from a location.
	// Supports file://, s3://, vault://, memory://
	StorageFor(location StorageLocation) (KeyValueStorage, error)
}
