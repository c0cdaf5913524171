package anisette

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// RawADIProvider is the vendor attestation primitive. Implementations hold no
// provisioning state of their own beyond what the ADIProvider hands them.
type RawADIProvider interface {
	// ClientInfo is the X-MMe-Client-Info the primitive impersonates.
	ClientInfo(ctx context.Context) (string, error)

	// SetDeviceID registers the device id derived from the local user id.
	SetDeviceID(ctx context.Context, deviceID string) error

	// StartProvisioning consumes the server's spim and returns the session along
	// with the cpim to send back.
	StartProvisioning(ctx context.Context, spim []byte, userID string) (ProvisioningSession, []byte, error)

	// RequestOTP produces a machine id and one-time password from a provisioned blob.
	RequestOTP(ctx context.Context, userID string, routingInfo uint64, adiPb []byte) (machineID, otp []byte, err error)
}

// ProvisioningSession is an in-flight provisioning started by StartProvisioning.
type ProvisioningSession interface {
	// EndProvisioning completes the session and returns the durable adi.pb blob.
	EndProvisioning(ctx context.Context, routingInfo uint64, ptm, tk []byte) ([]byte, error)
}

// ADIError is a non-zero status returned by the attestation primitive.
type ADIError struct {
	Code int
}

func (e *ADIError) Error() string {
	return fmt.Sprintf("ADI error %d", e.Code)
}

// DeriveDeviceID maps a local user id to the device id registered with the primitive:
// the SHA-256 of the id, hex encoded, lower-cased and truncated to 16 characters.
func DeriveDeviceID(localUserUID string) string {
	sum := sha256.Sum256([]byte(localUserUID))
	return hex.EncodeToString(sum[:])[:16]
}

// localUserHeader is the X-Apple-I-MD-LU value for a local user id.
func localUserHeader(localUserUID string) string {
	sum := sha256.Sum256([]byte(localUserUID))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
