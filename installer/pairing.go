package installer

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ruteri/supersign/interfaces"
	"howett.net/plist"
)

// fetchPairingKeys enables wireless connections on the device and pairs it with a new
// record derived from the current one. The new record is returned as an XML plist.
func (i *Installer) fetchPairingKeys(ctx context.Context, conn interfaces.Connection) ([]byte, error) {
	if err := conn.SetValue(ctx, interfaces.DomainWirelessLockdown, interfaces.KeyWirelessBuddyID, i.cfg.UDID); err != nil {
		return nil, fmt.Errorf("failed to set wireless buddy id: %w", err)
	}
	if err := conn.SetValue(ctx, interfaces.DomainWirelessLockdown, interfaces.KeyEnableWifi, true); err != nil {
		return nil, fmt.Errorf("failed to enable wireless connections: %w", err)
	}
	i.progress(2.0 / 3)

	current, err := performWithRecovery(ctx, i, conn.PairRecord)
	if err != nil {
		return nil, err
	}

	record, err := derivePairRecord(current)
	if err != nil {
		return nil, err
	}

	if _, err := performWithRecovery(ctx, i, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, conn.Pair(ctx, record)
	}); err != nil {
		return nil, err
	}

	data, err := plist.Marshal(record, plist.XMLFormat)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// derivePairRecord copies record with a fresh HostID and a SystemBUID whose first
// byte is inverted, so this host can hold a connection alongside the original pairing.
func derivePairRecord(record *interfaces.PairRecord) (*interfaces.PairRecord, error) {
	if record == nil || len(record.DeviceCertificate) == 0 || len(record.HostCertificate) == 0 || len(record.RootCertificate) == 0 {
		return nil, fmt.Errorf("%w: incomplete pair record", ErrPairingFailed)
	}
	buid, err := uuid.Parse(record.SystemBUID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid SystemBUID: %w", ErrPairingFailed, err)
	}
	buid[0] = ^buid[0]

	derived := *record
	derived.SystemBUID = strings.ToUpper(buid.String())
	derived.HostID = strings.ToUpper(uuid.NewString())
	return &derived, nil
}
