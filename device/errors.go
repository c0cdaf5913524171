package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ruteri/supersign/interfaces"
)

// ErrUnsupported is returned for lockdown operations the command-line tools cannot
// perform.
var ErrUnsupported = errors.New("operation not supported by the command-line transport")

// ToolError is a failed tool invocation.
type ToolError struct {
	Tool   string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s failed: %s", e.Tool, e.Output)
	}
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

var (
	pairingPendingMarkers = []string{
		"trust dialog",
		"pairing_dialog_response_pending",
		"pairingdialogresponsepending",
	}
	passwordProtectedMarkers = []string{
		"passcode is set",
		"password protected",
		"password_protected",
		"passwordprotected",
	}
)

// classify maps tool output that reports a device waiting on its user to the
// corresponding interfaces error.
func classify(tool string, output []byte, err error) error {
	if err == nil {
		return nil
	}
	text := strings.TrimSpace(string(output))
	lower := strings.ToLower(text)
	for _, marker := range pairingPendingMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%s: %w", tool, interfaces.ErrPairingDialogResponsePending)
		}
	}
	for _, marker := range passwordProtectedMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%s: %w", tool, interfaces.ErrPasswordProtected)
		}
	}
	return &ToolError{Tool: tool, Output: text, Err: err}
}
