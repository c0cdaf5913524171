package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/ruteri/supersign/cmd/flags"
	"github.com/ruteri/supersign/device"
	"github.com/ruteri/supersign/discovery"
	"github.com/urfave/cli/v2"
)

var pairRecordsFlag = &cli.StringFlag{
	Name:  "pair-records",
	Value: device.DefaultPairRecordDir(),
	Usage: "directory holding usbmuxd pair records",
}

var devicesCommand = &cli.Command{
	Name:  "devices",
	Usage: "List devices reachable over the local network",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "timeout", Value: discovery.DefaultTimeout, Usage: "how long to wait for answers"},
		pairRecordsFlag,
	},
	Action: func(cCtx *cli.Context) error {
		log := flags.SetupLogger(cCtx)

		browser := discovery.NewBrowser(log)
		browser.Timeout = cCtx.Duration("timeout")

		services, err := browser.Browse(cCtx.Context)
		if err != nil {
			log.Error("Failed to browse for devices", "err", err)
			return err
		}

		records := device.PairRecordStore{Dir: cCtx.String(pairRecordsFlag.Name)}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "UDID\tWIFI\tADDRESS")
		for _, svc := range services {
			udid, ok := records.ByWiFiMAC(svc.MAC)
			if !ok {
				udid = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", udid, svc.MAC, address(svc))
		}
		return w.Flush()
	},
}

func address(svc discovery.Service) string {
	host := strings.TrimSuffix(svc.Host, ".")
	if len(svc.Addrs) > 0 {
		host = svc.Addrs[0].String()
	}
	if host == "" {
		return "-"
	}
	return net.JoinHostPort(host, strconv.Itoa(int(svc.Port)))
}
