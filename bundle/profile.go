package bundle

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/smallstep/pkcs7"
	"howett.net/plist"
)

// Profile is the payload of a provisioning profile.
type Profile struct {
	UUID                  string                 `plist:"UUID"`
	Name                  string                 `plist:"Name"`
	AppIDName             string                 `plist:"AppIDName"`
	TeamIdentifier        []string               `plist:"TeamIdentifier"`
	CreationDate          time.Time              `plist:"CreationDate"`
	ExpirationDate        time.Time              `plist:"ExpirationDate"`
	DeveloperCertificates [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices    []string               `plist:"ProvisionedDevices"`
	Entitlements          map[string]interface{} `plist:"Entitlements"`
}

// ParseProfile decodes a DER encoded, CMS signed provisioning profile. The signature
// is not verified.
func ParseProfile(data []byte) (*Profile, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid provisioning profile: %w", err)
	}

	var profile Profile
	if _, err := plist.Unmarshal(p7.Content, &profile); err != nil {
		return nil, fmt.Errorf("invalid provisioning profile payload: %w", err)
	}
	return &profile, nil
}

// HasCertificate reports whether the profile embeds the DER certificate.
func (p *Profile) HasCertificate(der []byte) bool {
	for _, cert := range p.DeveloperCertificates {
		if bytes.Equal(cert, der) {
			return true
		}
	}
	return false
}

// HasDevice reports whether the profile provisions the device.
func (p *Profile) HasDevice(udid string) bool {
	for _, device := range p.ProvisionedDevices {
		if strings.EqualFold(device, udid) {
			return true
		}
	}
	return false
}

// Usable reports whether the profile can sign for the certificate and device at now.
func (p *Profile) Usable(certificate []byte, udid string, now time.Time) bool {
	return now.Before(p.ExpirationDate) && p.HasCertificate(certificate) && p.HasDevice(udid)
}
