package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ruteri/supersign/devservices"
	"github.com/ruteri/supersign/installer"
	"golang.org/x/crypto/ssh/terminal"
)

// terminalDelegate asks the user on the terminal and prints installer progress.
type terminalDelegate struct {
	in  *bufio.Reader
	out io.Writer

	mu        sync.Mutex
	lastStage string
}

func newTerminalDelegate() *terminalDelegate {
	return &terminalDelegate{in: bufio.NewReader(os.Stdin), out: os.Stdout}
}

func (d *terminalDelegate) prompt(question string) (string, bool) {
	fmt.Fprint(d.out, question)
	line, err := d.in.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimSpace(line), true
}

func (d *terminalDelegate) password(question string) (string, error) {
	fmt.Fprint(d.out, question)
	if !terminal.IsTerminal(int(os.Stdin.Fd())) {
		line, _ := d.prompt("")
		return line, nil
	}
	passBytes, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(d.out)
	if err != nil {
		return "", fmt.Errorf("error reading password: %w", err)
	}
	return string(passBytes), nil
}

func (d *terminalDelegate) FetchCode(ctx context.Context) (string, bool) {
	code, ok := d.prompt("Verification code (empty to cancel): ")
	if !ok || code == "" {
		return "", false
	}
	return code, true
}

func (d *terminalDelegate) ConfirmRevocation(ctx context.Context, certificates []devservices.Certificate) bool {
	fmt.Fprintln(d.out, "The team has reached its development certificate limit:")
	for _, cert := range certificates {
		fmt.Fprintf(d.out, "  %s  %s (%s)\n", cert.SerialNumber, cert.Name, cert.MachineName)
	}
	answer, ok := d.prompt("Revoke them and create a new one? [y/N] ")
	return ok && strings.EqualFold(answer, "y")
}

func (d *terminalDelegate) FetchTeam(ctx context.Context, teams []devservices.Team) *devservices.Team {
	for n, team := range teams {
		fmt.Fprintf(d.out, "  [%d] %s (%s)\n", n+1, team.Name, team.ID)
	}
	answer, ok := d.prompt("Team: ")
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(answer)
	if err != nil || n < 1 || n > len(teams) {
		return nil
	}
	return &teams[n-1]
}

func (d *terminalDelegate) SetPresentedMessage(msg *installer.Message) {
	if msg != nil {
		fmt.Fprintf(d.out, "\n>> %s\n", msg)
	}
}

func (d *terminalDelegate) InstallerDidUpdate(stage string, progress *float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if stage != d.lastStage {
		if d.lastStage != "" {
			fmt.Fprintln(d.out)
		}
		d.lastStage = stage
	}
	if progress == nil {
		fmt.Fprintf(d.out, "\r%s...", stage)
		return
	}
	fmt.Fprintf(d.out, "\r%s... %3.0f%%", stage, *progress*100)
}

func (d *terminalDelegate) InstallerDidComplete(bundleID string, err error) {
	fmt.Fprintln(d.out)
	if err == nil {
		fmt.Fprintf(d.out, "Installed %s\n", bundleID)
	}
}
