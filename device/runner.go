package device

import (
	"bytes"
	"context"
	"io"
	"os/exec"
)

// Runner runs a tool, streaming its standard output to stdout. The returned output
// holds everything the tool printed, for error reporting.
type Runner func(ctx context.Context, stdout io.Writer, name string, args ...string) (output []byte, err error)

// ExecRunner runs tools with os/exec.
func ExecRunner(ctx context.Context, stdout io.Writer, name string, args ...string) ([]byte, error) {
	var combined bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	if stdout != nil {
		cmd.Stdout = io.MultiWriter(stdout, &combined)
	} else {
		cmd.Stdout = &combined
	}
	cmd.Stderr = &combined
	err := cmd.Run()
	return combined.Bytes(), err
}
