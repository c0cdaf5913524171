package device

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/ruteri/supersign/interfaces"
	"howett.net/plist"
)

// DefaultPairRecordDir is where usbmuxd keeps pair records on this platform.
func DefaultPairRecordDir() string {
	if runtime.GOOS == "darwin" {
		return "/var/db/lockdown"
	}
	return "/var/lib/lockdown"
}

// PairRecordStore reads the pair records usbmuxd keeps for paired devices.
type PairRecordStore struct {
	Dir string
}

// Load returns the pair record of udid.
func (s PairRecordStore) Load(udid string) (*interfaces.PairRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, udid+".plist"))
	if err != nil {
		return nil, err
	}
	var record interfaces.PairRecord
	if _, err := plist.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("invalid pair record for %s: %w", udid, err)
	}
	if record.UDID == "" {
		record.UDID = udid
	}
	return &record, nil
}

// All returns every readable pair record, keyed by udid.
func (s PairRecordStore) All() (map[string]*interfaces.PairRecord, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	records := make(map[string]*interfaces.PairRecord)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".plist") || name == "SystemConfiguration.plist" {
			continue
		}
		udid := strings.TrimSuffix(name, ".plist")
		if record, err := s.Load(udid); err == nil {
			records[udid] = record
		}
	}
	return records, nil
}

// ByWiFiMAC finds the udid of the paired device with the given Wi-Fi address.
func (s PairRecordStore) ByWiFiMAC(mac string) (string, bool) {
	records, err := s.All()
	if err != nil {
		return "", false
	}
	for udid, record := range records {
		if strings.EqualFold(record.WiFiMACAddress, mac) {
			return udid, true
		}
	}
	return "", false
}
