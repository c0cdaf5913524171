// Package bundle reads and modifies app bundles on disk: Info.plist manifests,
// embedded provisioning profiles and the list of separately signed components.
package bundle
