package signer

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a SignerError.
type ErrorKind int

const (
	ErrorReading ErrorKind = iota
	ErrorWriting
	ErrorSigning
)

// SignerError is returned when a bundle cannot be rewritten or signed. Any
// SignerError aborts the whole operation.
type SignerError struct {
	Kind ErrorKind
	// File is the base name of the offending file for ErrorReading and ErrorWriting.
	File string
	// Message is the signing tool's own description, if it gave one.
	Message string
	Err     error
}

func (e *SignerError) Error() string {
	switch e.Kind {
	case ErrorReading:
		return fmt.Sprintf("error while reading %s", e.File)
	case ErrorWriting:
		return fmt.Sprintf("error while writing %s", e.File)
	default:
		if e.Message != "" {
			return "signing failed: " + e.Message
		}
		if e.Err != nil {
			return "signing failed: " + e.Err.Error()
		}
		return "signing failed"
	}
}

func (e *SignerError) Unwrap() error { return e.Err }

// ErrNoSigningIdentity is returned when no certificate could be obtained for the team.
var ErrNoSigningIdentity = errors.New("no signing identity available")
