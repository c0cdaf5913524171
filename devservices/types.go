package devservices

import (
	"time"
)

// Team is a developer team the account belongs to.
type Team struct {
	ID          string       `plist:"teamId"`
	Name        string       `plist:"name"`
	Status      string       `plist:"status"`
	Type        string       `plist:"type"`
	Memberships []Membership `plist:"memberships"`
}

// Membership is a developer program membership of a team.
type Membership struct {
	Name     string `plist:"name"`
	Platform string `plist:"platform"`
	Status   string `plist:"status"`
}

// Active reports whether the team can provision for platform.
func (t Team) Active(platform Platform) bool {
	if t.Status != "" && t.Status != "active" {
		return false
	}
	if len(t.Memberships) == 0 {
		return true
	}
	for _, m := range t.Memberships {
		if m.Platform == string(platform) {
			return true
		}
	}
	return false
}

// Device is a device registered with a team.
type Device struct {
	ID       string `plist:"deviceId"`
	Name     string `plist:"name"`
	UDID     string `plist:"deviceNumber"`
	Platform string `plist:"devicePlatform"`
	Status   string `plist:"status"`
}

// Certificate is a development certificate as listed by developer services.
type Certificate struct {
	ID             string    `plist:"certificateId"`
	SerialNumber   string    `plist:"serialNumber"`
	Name           string    `plist:"name"`
	MachineName    string    `plist:"machineName"`
	MachineID      string    `plist:"machineId"`
	Status         string    `plist:"status"`
	Content        []byte    `plist:"certContent"`
	ExpirationDate time.Time `plist:"expirationDate"`
}

// CSRResponse is the result of submitting a certificate signing request.
type CSRResponse struct {
	ID           string `plist:"certRequestId"`
	SerialNumber string `plist:"serialNum"`
	Status       int    `plist:"statusCode"`
}

// AppID is an explicit app identifier registered with a team.
type AppID struct {
	ID             string                 `plist:"appIdId"`
	Identifier     string                 `plist:"identifier"`
	Name           string                 `plist:"name"`
	Features       map[string]interface{} `plist:"features"`
	ExpirationDate time.Time              `plist:"expirationDate"`
}

// AppGroup is an application group registered with a team.
type AppGroup struct {
	ID         string `plist:"applicationGroup"`
	Identifier string `plist:"identifier"`
	Name       string `plist:"name"`
}

// Profile is a team provisioning profile.
type Profile struct {
	ID             string    `plist:"provisioningProfileId"`
	UUID           string    `plist:"UUID"`
	Name           string    `plist:"name"`
	Encoded        []byte    `plist:"encodedProfile"`
	ExpirationDate time.Time `plist:"expirationDate"`
}
