package interfaces

import "context"

// ProgressFunc receives fractional progress in [0, 1].
type ProgressFunc func(fraction float64)

// SigningRequest is everything the signer capability needs to sign an app in place.
type SigningRequest struct {
	// AppDir is the root .app directory.
	AppDir string
	// CertificateDER is the signing certificate.
	CertificateDER []byte
	// PrivateKey is the PEM encoded private key matching CertificateDER.
	PrivateKey []byte
	// Entitlements maps each component directory (absolute) to its XML plist entitlements.
	Entitlements map[string][]byte
}

// SignerImpl is the opaque code-signing primitive. It mutates the bundle on disk.
type SignerImpl interface {
	// Sign signs every component of req.AppDir. Errors may carry a human readable
	// message from the underlying tool.
	Sign(ctx context.Context, req SigningRequest, progress ProgressFunc) error

	// Analyze returns the entitlements plist embedded in a Mach-O executable,
	// or nil when it carries none.
	Analyze(ctx context.Context, executable string) ([]byte, error)
}

// Archiver packs and unpacks application archives.
type Archiver interface {
	// Decompress extracts archive into dir.
	Decompress(ctx context.Context, archive, dir string, progress ProgressFunc) error

	// Compress packs dir into a new archive next to it and returns the archive path.
	Compress(ctx context.Context, dir string, progress ProgressFunc) (string, error)
}
