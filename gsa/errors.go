package gsa

import (
	"errors"
	"fmt"
)

// Status codes returned by the account backend that the client reacts to.
const (
	CodeIncorrectVerificationCode = -21669
	CodeAnisetteReprovisionNeeded = -45061
)

// OperationError is a non-zero status returned by the account backend. The backend
// wraps every response in a status envelope, so this is returned even when the HTTP
// exchange itself succeeded.
type OperationError struct {
	Code    int
	Message string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

var (
	// ErrServerProofMismatch is returned when the server's SRP proof does not verify.
	ErrServerProofMismatch = errors.New("server proof mismatch")

	// ErrUnsupportedProtocol is returned for password derivation protocols other than s2k and s2k_fo.
	ErrUnsupportedProtocol = errors.New("unsupported password protocol")

	// ErrUnknownEndpoint is returned when the lookup did not advertise an endpoint.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)
