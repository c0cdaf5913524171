package interfaces

import (
	"context"
	"fmt"
)

// LookupMode selects how a device is reached.
type LookupMode int

const (
	LookupUSB LookupMode = iota
	LookupNetwork
	LookupBoth
)

func (m LookupMode) String() string {
	switch m {
	case LookupUSB:
		return "usb"
	case LookupNetwork:
		return "network"
	case LookupBoth:
		return "both"
	default:
		return "unknown"
	}
}

// ConnectionPreferences is part of a connection's identity. It must stay comparable.
type ConnectionPreferences struct {
	Lookup LookupMode
	Label  string
}

// PairRecord holds the host/device pairing keys.
type PairRecord struct {
	HostID            string `plist:"HostID"`
	SystemBUID        string `plist:"SystemBUID"`
	HostCertificate   []byte `plist:"HostCertificate"`
	HostPrivateKey    []byte `plist:"HostPrivateKey"`
	DeviceCertificate []byte `plist:"DeviceCertificate"`
	RootCertificate   []byte `plist:"RootCertificate"`
	RootPrivateKey    []byte `plist:"RootPrivateKey"`
	WiFiMACAddress    string `plist:"WiFiMACAddress,omitempty"`
	UDID              string `plist:"UDID,omitempty"`
}

// Lockdown domains and keys used while preparing a device.
const (
	DomainWirelessLockdown = "com.apple.mobile.wireless_lockdown"
	KeyWirelessBuddyID     = "WirelessBuddyID"
	KeyEnableWifi          = "EnableWifiConnections"

	ServiceInstallationProxy = "com.apple.mobile.installation_proxy"
)

// Service is a started device service.
type Service interface {
	Name() string
	Close() error
}

// InstallationProxy installs packaged apps on a device.
type InstallationProxy interface {
	Service
	Install(ctx context.Context, archive string, progress ProgressFunc) error
}

// Connection is one live lockdown session with a device. Methods return
// ErrPairingDialogResponsePending or ErrPasswordProtected while the device is
// waiting on its user.
type Connection interface {
	UDID() string
	Value(ctx context.Context, domain, key string) (interface{}, error)
	SetValue(ctx context.Context, domain, key string, value interface{}) error
	PairRecord(ctx context.Context) (*PairRecord, error)
	Pair(ctx context.Context, record *PairRecord) error
	StartService(ctx context.Context, name string) (Service, error)
	Close() error
}

// DeviceTransport opens connections to devices.
type DeviceTransport interface {
	Connect(ctx context.Context, udid string, prefs ConnectionPreferences) (Connection, error)
}

// StartService starts a service and asserts its concrete contract.
func StartService[T Service](ctx context.Context, conn Connection, name string) (T, error) {
	var zero T
	svc, err := conn.StartService(ctx, name)
	if err != nil {
		return zero, err
	}
	typed, ok := svc.(T)
	if !ok {
		svc.Close()
		return zero, fmt.Errorf("service %s has unexpected type %T", name, svc)
	}
	return typed, nil
}
