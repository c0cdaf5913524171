// Package discovery browses the local network for devices that accept wireless
// lockdown connections.
package discovery
