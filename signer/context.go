package signer

import (
	"errors"

	"github.com/ruteri/supersign/devservices"
	"github.com/ruteri/supersign/interfaces"
)

// SigningContext is everything the signer needs besides the app itself.
type SigningContext struct {
	// UDID is the device the app is provisioned for.
	UDID string
	// DeviceName is used when the device has to be registered.
	DeviceName string
	Scope      devservices.Scope

	SigningInfoManager devservices.SigningInfoManager
	Confirmer          devservices.RevocationConfirmer
	SignerImpl         interfaces.SignerImpl

	// MachineName marks certificates issued for this host.
	MachineName string
}

// NewSigningContext validates ctx and fills in defaults.
func NewSigningContext(ctx SigningContext) (*SigningContext, error) {
	switch {
	case ctx.UDID == "":
		return nil, errors.New("signing context: missing device udid")
	case ctx.Scope.Client == nil:
		return nil, errors.New("signing context: missing developer services client")
	case ctx.Scope.TeamID == "":
		return nil, errors.New("signing context: missing team")
	case ctx.SigningInfoManager == nil:
		return nil, errors.New("signing context: missing signing info manager")
	case ctx.SignerImpl == nil:
		return nil, errors.New("signing context: missing signer")
	}
	if ctx.Scope.Platform == "" {
		ctx.Scope.Platform = devservices.PlatformIOS
	}
	if ctx.DeviceName == "" {
		ctx.DeviceName = ctx.UDID
	}
	if ctx.MachineName == "" {
		ctx.MachineName = DefaultMachineName
	}
	return &ctx, nil
}

// DefaultMachineName is the machine name used for certificates when none is configured.
const DefaultMachineName = "Supersign"
