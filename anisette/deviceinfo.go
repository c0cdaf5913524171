package anisette

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ruteri/supersign/interfaces"
)

// DefaultModelID is the hardware model the pseudo-device claims to be.
const DefaultModelID = "MacBookPro13,2"

const serialAlphabet = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// LoadDeviceInfo returns the persisted device fingerprint, generating and saving a new
// one on first use. The fingerprint must stay stable for the provisioning data and
// tokens issued to it to remain valid.
func LoadDeviceInfo(ctx context.Context, storage interfaces.KeyValueStorage) (interfaces.DeviceInfo, error) {
	data, err := storage.Data(ctx, interfaces.KeyDeviceInfo)
	switch {
	case err == nil:
		var info interfaces.DeviceInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return interfaces.DeviceInfo{}, fmt.Errorf("invalid stored device info: %w", err)
		}
		if err := info.Validate(); err != nil {
			return interfaces.DeviceInfo{}, err
		}
		return info, nil
	case !errors.Is(err, interfaces.ErrNotFound):
		return interfaces.DeviceInfo{}, fmt.Errorf("failed to read device info: %w", err)
	}

	info, err := NewDeviceInfo()
	if err != nil {
		return interfaces.DeviceInfo{}, err
	}
	encoded, err := json.Marshal(info)
	if err != nil {
		return interfaces.DeviceInfo{}, err
	}
	if err := storage.SetData(ctx, interfaces.KeyDeviceInfo, encoded); err != nil {
		return interfaces.DeviceInfo{}, fmt.Errorf("failed to save device info: %w", err)
	}
	return info, nil
}

// NewDeviceInfo generates a random fingerprint.
func NewDeviceInfo() (interfaces.DeviceInfo, error) {
	rom := make([]byte, 6)
	if _, err := rand.Read(rom); err != nil {
		return interfaces.DeviceInfo{}, err
	}
	mlb, err := randomSerial(17)
	if err != nil {
		return interfaces.DeviceInfo{}, err
	}
	serial, err := randomSerial(12)
	if err != nil {
		return interfaces.DeviceInfo{}, err
	}

	return interfaces.DeviceInfo{
		DeviceID:        strings.ToUpper(uuid.NewString()),
		ROMAddress:      hex.EncodeToString(rom),
		MLBSerialNumber: mlb,
		SerialNumber:    serial,
		ModelID:         DefaultModelID,
	}, nil
}

func randomSerial(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = serialAlphabet[int(b)%len(serialAlphabet)]
	}
	return string(buf), nil
}
