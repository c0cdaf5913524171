package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// XcodeVersion is sent as X-Xcode-Version on developer-services and 2FA requests.
	XcodeVersion = "11.2 (11B41)"

	macOSVersion     = "10.14.6"
	macOSBuild       = "18G103"
	authKitVersion   = "1"
	akdVersion       = "1.0"
	cfNetworkVersion = "978.0.7"
	darwinVersion    = "18.7.0"
)

// Header names derived from DeviceInfo.
const (
	HeaderDeviceID     = "X-Mme-Device-Id"
	HeaderROMAddress   = "X-Apple-I-ROM"
	HeaderMLBSerial    = "X-Apple-I-MLB"
	HeaderSerialNumber = "X-Apple-I-SRL-NO"
	HeaderClientInfo   = "X-MMe-Client-Info"
	HeaderXcodeVersion = "X-Xcode-Version"
)

// DeviceInfo is the immutable fingerprint of the pseudo-device presented to the backend.
type DeviceInfo struct {
	DeviceID        string `json:"deviceID"`
	ROMAddress      string `json:"romAddress"`
	MLBSerialNumber string `json:"mlbSerialNumber"`
	SerialNumber    string `json:"serialNumber"`
	ModelID         string `json:"modelID"`
}

// Validate checks that every fingerprint field is populated.
func (d DeviceInfo) Validate() error {
	switch {
	case d.DeviceID == "":
		return errors.New("device info: missing device id")
	case d.ROMAddress == "":
		return errors.New("device info: missing ROM address")
	case d.MLBSerialNumber == "":
		return errors.New("device info: missing MLB serial number")
	case d.SerialNumber == "":
		return errors.New("device info: missing serial number")
	case d.ModelID == "":
		return errors.New("device info: missing model id")
	}
	return nil
}

// ClientInfo is the X-MMe-Client-Info value, e.g.
// "<MacBookPro11,5> <Mac OS X;10.14.6;18G103> <com.apple.AuthKit/1 (com.apple.akd/1.0)>".
func (d DeviceInfo) ClientInfo() string {
	return fmt.Sprintf("<%s> <Mac OS X;%s;%s> <com.apple.AuthKit/%s (com.apple.akd/%s)>",
		d.ModelID, macOSVersion, macOSBuild, authKitVersion, akdVersion)
}

// UserAgent is the User-Agent sent on account requests.
func (d DeviceInfo) UserAgent() string {
	return fmt.Sprintf("akd/%s CFNetwork/%s Darwin/%s", akdVersion, cfNetworkVersion, darwinVersion)
}

// Headers returns the identity headers carried by every authenticated request.
func (d DeviceInfo) Headers() map[string]string {
	return map[string]string{
		HeaderDeviceID:     d.DeviceID,
		HeaderROMAddress:   d.ROMAddress,
		HeaderMLBSerial:    d.MLBSerialNumber,
		HeaderSerialNumber: d.SerialNumber,
	}
}

// AuthToken is the result of a successful account login. It has no expiry of its own
// and is used until the backend rejects it.
type AuthToken struct {
	// AccountIdentifier is the username the token was issued for.
	AccountIdentifier string `json:"accountIdentifier"`
	// ADSID is the account's directory services id, sent as X-Apple-I-Identity-Id.
	ADSID string `json:"adsid"`
	// SessionToken is the developer-services app token, sent as X-Apple-GS-Token.
	SessionToken string `json:"sessionToken"`
}

// Validate checks that the token can authorize requests.
func (t AuthToken) Validate() error {
	if t.AccountIdentifier == "" || t.ADSID == "" || t.SessionToken == "" {
		return errors.New("incomplete auth token")
	}
	return nil
}

// Marshal encodes the token for persistence.
func (t AuthToken) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// ParseAuthToken decodes a token produced by Marshal.
func ParseAuthToken(data []byte) (AuthToken, error) {
	var t AuthToken
	if err := json.Unmarshal(data, &t); err != nil {
		return AuthToken{}, fmt.Errorf("invalid auth token: %w", err)
	}
	if err := t.Validate(); err != nil {
		return AuthToken{}, err
	}
	return t, nil
}

// TwoFactorDelegate supplies second-factor codes. ok=false means the user declined.
type TwoFactorDelegate interface {
	FetchCode(ctx context.Context) (code string, ok bool)
}
