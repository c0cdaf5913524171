package device

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/ruteri/supersign/common"
	"github.com/ruteri/supersign/interfaces"
	"howett.net/plist"
)

// Tool names, resolved through PATH.
const (
	toolPair      = "idevicepair"
	toolInfo      = "ideviceinfo"
	toolInstaller = "ideviceinstaller"
)

// Transport implements interfaces.DeviceTransport on top of the libimobiledevice
// command-line tools. Writing lockdown values and pairing with a custom record are not
// possible with those tools and fail with ErrUnsupported.
type Transport struct {
	run         Runner
	pairRecords PairRecordStore
	log         *slog.Logger
}

func NewTransport(run Runner, pairRecords PairRecordStore, log *slog.Logger) *Transport {
	if run == nil {
		run = ExecRunner
	}
	if log == nil {
		log = common.DiscardLogger()
	}
	return &Transport{run: run, pairRecords: pairRecords, log: log}
}

// Connect makes sure the device is reachable and paired. Over USB an unpaired device is
// paired, which shows the trust dialog on the device.
func (t *Transport) Connect(ctx context.Context, udid string, prefs interfaces.ConnectionPreferences) (interfaces.Connection, error) {
	c := &conn{transport: t, udid: udid, network: prefs.Lookup == interfaces.LookupNetwork}

	if c.network {
		if _, err := c.Value(ctx, "", "DeviceName"); err != nil {
			return nil, err
		}
		return c, nil
	}

	out, err := t.run(ctx, nil, toolPair, "-u", udid, "validate")
	if err == nil {
		return c, nil
	}
	if err := classify(toolPair, out, err); err != nil && !isUnpaired(out) {
		return nil, err
	}

	t.log.Info("Pairing device", slog.String("udid", udid))
	out, err = t.run(ctx, nil, toolPair, "-u", udid, "pair")
	if err := classify(toolPair, out, err); err != nil {
		return nil, err
	}
	return c, nil
}

var unpairedPattern = regexp.MustCompile(`(?i)not paired|no pair record|invalid host id`)

func isUnpaired(output []byte) bool {
	return unpairedPattern.Match(output)
}

type conn struct {
	transport *Transport
	udid      string
	network   bool
}

func (c *conn) UDID() string { return c.udid }

func (c *conn) args(args ...string) []string {
	base := []string{"-u", c.udid}
	if c.network {
		base = append(base, "-n")
	}
	return append(base, args...)
}

func (c *conn) Value(ctx context.Context, domain, key string) (interface{}, error) {
	args := []string{"-x"}
	if domain != "" {
		args = append(args, "-q", domain)
	}
	if key != "" {
		args = append(args, "-k", key)
	}

	out, err := c.transport.run(ctx, nil, toolInfo, c.args(args...)...)
	if err := classify(toolInfo, out, err); err != nil {
		return nil, err
	}

	var value interface{}
	if _, err := plist.Unmarshal(out, &value); err != nil {
		return nil, fmt.Errorf("failed to decode %s output: %w", toolInfo, err)
	}
	return value, nil
}

func (c *conn) SetValue(ctx context.Context, domain, key string, value interface{}) error {
	return fmt.Errorf("set %s/%s: %w", domain, key, ErrUnsupported)
}

func (c *conn) PairRecord(ctx context.Context) (*interfaces.PairRecord, error) {
	return c.transport.pairRecords.Load(c.udid)
}

func (c *conn) Pair(ctx context.Context, record *interfaces.PairRecord) error {
	return fmt.Errorf("pair with custom record: %w", ErrUnsupported)
}

func (c *conn) StartService(ctx context.Context, name string) (interfaces.Service, error) {
	if name != interfaces.ServiceInstallationProxy {
		return nil, fmt.Errorf("service %s: %w", name, ErrUnsupported)
	}
	return &installationProxy{conn: c}, nil
}

func (c *conn) Close() error { return nil }

type installationProxy struct {
	conn *conn
}

func (p *installationProxy) Name() string { return interfaces.ServiceInstallationProxy }
func (p *installationProxy) Close() error { return nil }

var percentPattern = regexp.MustCompile(`\((\d{1,3})%\)`)

// Install installs the package, reporting the percentages the tool prints.
func (p *installationProxy) Install(ctx context.Context, archive string, progress interfaces.ProgressFunc) error {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			m := percentPattern.FindStringSubmatch(scanner.Text())
			if m == nil || progress == nil {
				continue
			}
			if pct, err := strconv.Atoi(m[1]); err == nil && pct <= 100 {
				progress(float64(pct) / 100)
			}
		}
		io.Copy(io.Discard, pr)
	}()

	out, err := p.conn.transport.run(ctx, pw, toolInstaller, p.conn.args("-i", archive)...)
	pw.Close()
	<-done

	return classify(toolInstaller, out, err)
}
