// Package flags holds the command-line flags shared by the supersign commands and
// the helpers that turn them into a logger and a server configuration.
package flags
