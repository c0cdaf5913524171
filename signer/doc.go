// Package signer provisions an app bundle against developer services and signs it.
//
// Signer.Sign runs in two phases. Provisioning registers the target device, obtains
// a development certificate and, for the app and each nested extension, upserts the
// app id and its app groups and fetches a provisioning profile that embeds both the
// certificate and the device. The bundle is then rewritten: every Info.plist gets the
// provisioned bundle identifier and every embedded.mobileprovision is replaced. The
// actual code signing is delegated to an interfaces.SignerImpl such as CommandSigner.
//
// A failure to read or write a manifest aborts the whole operation with a
// *SignerError naming the file.
package signer
