package installer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ruteri/supersign/devservices"
	"github.com/ruteri/supersign/interfaces"
	"howett.net/plist"
)

// DeviceConfigName is the file DeviceConfig is stored in, inside the app bundle.
const DeviceConfigName = "supersign.plist"

// DeviceConfig is embedded into configured apps so that they can refresh themselves
// over the network without this host.
type DeviceConfig struct {
	UDID            string
	PairingKeys     []byte
	DeviceInfo      interfaces.DeviceInfo
	PreferredTeamID string
	SigningInfo     *devservices.SigningInfo
	AppleID         string
	Token           interfaces.AuthToken
}

func (c *DeviceConfig) encode() map[string]interface{} {
	out := map[string]interface{}{
		"udid":            c.UDID,
		"pairingKeys":     c.PairingKeys,
		"preferredTeamID": c.PreferredTeamID,
		"appleID":         c.AppleID,
		"deviceInfo": map[string]interface{}{
			"deviceID":        c.DeviceInfo.DeviceID,
			"romAddress":      c.DeviceInfo.ROMAddress,
			"mlbSerialNumber": c.DeviceInfo.MLBSerialNumber,
			"serialNumber":    c.DeviceInfo.SerialNumber,
			"modelID":         c.DeviceInfo.ModelID,
		},
		"token": map[string]interface{}{
			"accountIdentifier": c.Token.AccountIdentifier,
			"adsid":             c.Token.ADSID,
			"sessionToken":      c.Token.SessionToken,
		},
	}
	if c.SigningInfo != nil {
		out["preferredSigningInfo"] = map[string]interface{}{
			"certificate": c.SigningInfo.Certificate,
			"privateKey":  c.SigningInfo.PrivateKey,
		}
	}
	return out
}

// Save writes the configuration into the app bundle at appDir.
func (c *DeviceConfig) Save(appDir string) error {
	data, err := plist.Marshal(c.encode(), plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", DeviceConfigName, err)
	}
	return os.WriteFile(filepath.Join(appDir, DeviceConfigName), data, 0o644)
}
