package installer

import (
	"context"

	"github.com/ruteri/supersign/devservices"
	"github.com/ruteri/supersign/interfaces"
)

// Message is an instruction the user has to act on before installation can continue.
type Message int

const (
	MessagePairDevice Message = iota
	MessageUnlockDevice
)

func (m Message) String() string {
	switch m {
	case MessagePairDevice:
		return "Tap Trust on the device to pair it with this computer"
	case MessageUnlockDevice:
		return "Unlock the device to continue"
	default:
		return "unknown"
	}
}

// Delegate receives installer events and answers its questions. Methods may be called
// from any goroutine, but never concurrently.
type Delegate interface {
	interfaces.TwoFactorDelegate
	devservices.RevocationConfirmer

	// FetchTeam picks one of teams. Returning nil cancels the installation.
	FetchTeam(ctx context.Context, teams []devservices.Team) *devservices.Team

	// SetPresentedMessage shows msg, or hides any message if msg is nil.
	SetPresentedMessage(msg *Message)

	// InstallerDidUpdate reports a stage and its progress in [0, 1]; nil progress is
	// indeterminate.
	InstallerDidUpdate(stage string, progress *float64)

	// InstallerDidComplete is called exactly once with the outcome. A cancelled
	// installation completes with interfaces.ErrUserCancelled.
	InstallerDidComplete(bundleID string, err error)
}
