package installer

import (
	"errors"
	"time"

	"github.com/ruteri/supersign/connection"
	"github.com/ruteri/supersign/devservices"
	"github.com/ruteri/supersign/gsa"
	"github.com/ruteri/supersign/interfaces"
)

// Stage names reported to Delegate.InstallerDidUpdate. The signer contributes its own
// "Provisioning" and "Signing" stages.
const (
	StageUnpacking       = "Unpacking app"
	StageLoggingIn       = "Logging in"
	StagePreparingDevice = "Preparing device"
	StagePackaging       = "Packaging"
	StageInstalling      = "Installing"
)

// ConnectionLabel identifies supersign to the device.
const ConnectionLabel = "supersign"

const defaultRecoveryInterval = 100 * time.Millisecond

// Credentials authenticate the installer. A Token skips the login.
type Credentials struct {
	Username string
	Password string
	Token    *interfaces.AuthToken
}

// Config describes one installation.
type Config struct {
	UDID        string
	Credentials Credentials

	// PreferredTeamID selects a team without asking the delegate when the account has it.
	PreferredTeamID string
	// ConfigureDevice enables wireless connections and derives a dedicated pair record,
	// which is embedded into the app.
	ConfigureDevice bool

	Platform    devservices.Platform
	Lookup      interfaces.LookupMode
	MachineName string

	// StagingDir is created and removed by the installer. Defaults to a fresh
	// temporary directory.
	StagingDir string
	// RecoveryInterval is the pause between attempts while waiting on the user.
	RecoveryInterval time.Duration
}

// Dependencies are the long-lived collaborators shared between installations.
type Dependencies struct {
	// LoginManager is required for password credentials.
	LoginManager *gsa.LoginManager
	// TokenStore, when set, receives the token of a successful login.
	TokenStore *gsa.TokenStore

	Anisette       interfaces.AnisetteDataProvider
	DevServicesURL string
	DeviceInfo     interfaces.DeviceInfo

	Registry           *connection.Registry
	Archiver           interfaces.Archiver
	SignerImpl         interfaces.SignerImpl
	SigningInfoManager devservices.SigningInfoManager
}

func (c *Config) validate(deps Dependencies) error {
	switch {
	case c.UDID == "":
		return errors.New("installer: missing device udid")
	case c.Credentials.Token == nil && (c.Credentials.Username == "" || c.Credentials.Password == ""):
		return ErrNoCredentials
	case c.Credentials.Token == nil && deps.LoginManager == nil:
		return errors.New("installer: password credentials need a login manager")
	case deps.Anisette == nil:
		return errors.New("installer: missing anisette provider")
	case deps.Registry == nil:
		return errors.New("installer: missing connection registry")
	case deps.Archiver == nil:
		return errors.New("installer: missing archiver")
	case deps.SignerImpl == nil:
		return errors.New("installer: missing signer")
	case deps.SigningInfoManager == nil:
		return errors.New("installer: missing signing info manager")
	}
	if c.Platform == "" {
		c.Platform = devservices.PlatformIOS
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = defaultRecoveryInterval
	}
	return nil
}
