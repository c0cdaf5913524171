package interfaces

import "errors"

var (
	// ErrUserCancelled is returned when the operator cancels an operation or a delegate
	// declines to provide a required answer. It is a terminal outcome, not a failure.
	ErrUserCancelled = errors.New("operation cancelled by user")

	// ErrNotFound is returned by KeyValueStorage when no value exists for a key.
	ErrNotFound = errors.New("not found")

	// ErrPairingDialogResponsePending is returned by the device transport while the
	// "Trust this computer" dialog is shown on the device.
	ErrPairingDialogResponsePending = errors.New("pairing dialog response pending")

	// ErrPasswordProtected is returned by the device transport while the device is locked.
	ErrPasswordProtected = errors.New("device is password protected")
)
