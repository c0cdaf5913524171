// Package installer drives a complete installation: it unpacks an app package, logs
// in, selects a team, prepares the device, provisions and signs the app, repackages it
// and installs it through the device's installation proxy.
//
// Every stage boundary checks for cancellation. Cancel and normal completion race
// safely: the delegate's InstallerDidComplete fires exactly once and the staging
// directory is always removed.
//
// Steps that talk to the device run inside a recovery loop. While the device shows the
// pairing dialog or is locked, the delegate is asked to present MessagePairDevice or
// MessageUnlockDevice and the step is retried after a short pause, with no attempt
// limit; only cancellation ends the wait.
package installer
