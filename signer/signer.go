package signer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ruteri/supersign/bundle"
	"github.com/ruteri/supersign/interfaces"
)

// Status labels reported through SignOptions.Status.
const (
	StatusProvisioning = "Provisioning"
	StatusSigning      = "Signing"
)

// SignOptions carries the optional callbacks of one Sign call.
type SignOptions struct {
	Status   func(status string)
	Progress interfaces.ProgressFunc
	// DidProvision runs after provisioning and before the bundle is modified. An error
	// aborts signing.
	DidProvision func(ctx context.Context) error
}

func (o SignOptions) status(s string) {
	if o.Status != nil {
		o.Status(s)
	}
}

func (o SignOptions) progress(f float64) {
	if o.Progress != nil {
		o.Progress(f)
	}
}

// Signer provisions and signs apps for one SigningContext.
type Signer struct {
	context *SigningContext
	log     *slog.Logger
}

func NewSigner(sc *SigningContext, log *slog.Logger) *Signer {
	return &Signer{context: sc, log: log}
}

// Sign provisions the app at appDir, rewrites its manifests and profiles and signs it
// in place. It returns the provisioned bundle identifier of the app.
func (s *Signer) Sign(ctx context.Context, appDir string, opts SignOptions) (string, error) {
	opts.status(StatusProvisioning)
	result, err := s.provision(ctx, appDir, opts.progress)
	if err != nil {
		return "", err
	}

	if opts.DidProvision != nil {
		if err := opts.DidProvision(ctx); err != nil {
			return "", err
		}
	}

	entitlements := make(map[string][]byte, len(result.components))
	for _, component := range result.components {
		if err := rewrite(component); err != nil {
			return "", err
		}
		encoded, err := encodeEntitlements(component.entitlements)
		if err != nil {
			return "", &SignerError{Kind: ErrorSigning, Err: err}
		}
		entitlements[component.dir] = encoded
	}

	opts.status(StatusSigning)
	req := interfaces.SigningRequest{
		AppDir:         appDir,
		CertificateDER: result.signingInfo.Certificate,
		PrivateKey:     result.signingInfo.PrivateKey,
		Entitlements:   entitlements,
	}

	// The signer mutates the bundle in place. Sign does not return until it
	// has finished, so callers may remove the bundle as soon as Sign returns.
	err = s.context.SignerImpl.Sign(context.WithoutCancel(ctx), req, opts.progress)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		var signErr *SignerError
		if !errors.As(err, &signErr) {
			err = &SignerError{Kind: ErrorSigning, Err: err}
		}
		return "", err
	}

	s.log.Info("Signed app", slog.String("bundleID", result.components[0].newBundleID))
	return result.components[0].newBundleID, nil
}

// rewrite points the component's manifest at its new bundle id and embeds its profile.
func rewrite(component provisioningInfo) error {
	manifest, format, err := bundle.ReadInfo(component.dir)
	if err != nil {
		return &SignerError{Kind: ErrorReading, File: bundle.InfoPlistName, Err: err}
	}
	manifest["CFBundleIdentifier"] = component.newBundleID
	if err := bundle.WriteInfo(component.dir, manifest, format); err != nil {
		return &SignerError{Kind: ErrorWriting, File: bundle.InfoPlistName, Err: err}
	}
	if err := bundle.ReplaceProfile(component.dir, component.profile); err != nil {
		return &SignerError{Kind: ErrorWriting, File: bundle.ProfileName, Err: err}
	}
	return nil
}
