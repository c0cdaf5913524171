// Package device reaches iOS devices through the libimobiledevice command-line tools
// (idevicepair, ideviceinfo and ideviceinstaller) and the usbmuxd pair record store.
//
// Tool output reporting the trust dialog or a locked device is mapped to
// interfaces.ErrPairingDialogResponsePending and interfaces.ErrPasswordProtected, so
// callers can wait for the user and retry.
package device
