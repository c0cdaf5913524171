package devservices

import (
	"errors"
	"fmt"
)

// Result codes the client reacts to.
const (
	CodeSessionExpired   = 1100
	CodeCertificateQuota = 7460
)

// APIError is a non-zero resultCode returned by developer services.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

var (
	// ErrCertificateNotIssued is returned when a submitted CSR does not appear in the
	// team's certificate list.
	ErrCertificateNotIssued = errors.New("submitted certificate was not issued")

	// ErrInvalidIdentifier is returned for identifiers that sanitize to nothing.
	ErrInvalidIdentifier = errors.New("invalid identifier")
)
