// Package connection deduplicates live device connections.
//
// A Registry hands out reference counted Handles keyed by device udid and
// interfaces.ConnectionPreferences. Two Acquire calls for the same key while a handle is
// held return the same connection; releasing the last handle closes and evicts it, so
// the next Acquire opens a fresh one.
package connection
