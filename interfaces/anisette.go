package interfaces

import (
	"context"
	"strconv"
	"time"
)

// Anisette header names.
const (
	HeaderMachineID   = "X-Apple-I-MD-M"
	HeaderOTP         = "X-Apple-I-MD"
	HeaderRoutingInfo = "X-Apple-I-MD-RINFO"
	HeaderLocalUser   = "X-Apple-I-MD-LU"
	HeaderClientTime  = "X-Apple-I-Client-Time"
	HeaderTimeZone    = "X-Apple-I-TimeZone"
	HeaderLocale      = "X-Apple-Locale"
	HeaderILocale     = "X-Apple-I-Locale"
)

// AnisetteData is a single-use device attestation. A fresh value must be fetched for
// every authenticated request.
type AnisetteData struct {
	ClientTime   time.Time
	RoutingInfo  uint64
	MachineID    string // base64
	OneTimeCode  string // base64
	LocalUserUID string // upper-case hex of the local user id
	DeviceInfo   DeviceInfo
	Locale       string
	TimeZone     string

	// ClientInfo overrides DeviceInfo.ClientInfo() when the attestation was produced
	// by a relay that presents its own client identity.
	ClientInfo string
}

// Headers returns the anisette headers together with the device identity headers.
func (a *AnisetteData) Headers() map[string]string {
	h := a.DeviceInfo.Headers()
	h[HeaderClientInfo] = a.DeviceInfo.ClientInfo()
	if a.ClientInfo != "" {
		h[HeaderClientInfo] = a.ClientInfo
	}
	h[HeaderMachineID] = a.MachineID
	h[HeaderOTP] = a.OneTimeCode
	h[HeaderRoutingInfo] = strconv.FormatUint(a.RoutingInfo, 10)
	h[HeaderLocalUser] = a.LocalUserUID
	h[HeaderClientTime] = a.ClientTime.UTC().Format("2006-01-02T15:04:05Z")
	h[HeaderTimeZone] = a.TimeZone
	h[HeaderLocale] = a.Locale
	return h
}

// CPD returns the client-provided-data dictionary embedded in account requests.
func (a *AnisetteData) CPD() map[string]interface{} {
	cpd := map[string]interface{}{
		"bootstrap": true,
		"icscrec":   true,
		"pbe":       false,
		"prkgen":    true,
		"svct":      "iCloud",
		"loc":       a.Locale,
	}
	for k, v := range a.Headers() {
		cpd[k] = v
	}
	return cpd
}

// ProvisioningData is the durable outcome of anisette provisioning for one local user.
type ProvisioningData struct {
	LocalUserUID string `json:"localUserUID"`
	RoutingInfo  uint64 `json:"routingInfo"`
	AdiPb        []byte `json:"adiPb"`
}

// AnisetteDataProvider produces anisette data for outgoing account requests.
type AnisetteDataProvider interface {
	// FetchAnisetteData returns fresh attestation headers, provisioning first if needed.
	FetchAnisetteData(ctx context.Context) (*AnisetteData, error)

	// ResetProvisioning forgets any provisioned state. The next fetch provisions again.
	ResetProvisioning(ctx context.Context) error
}
