package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/supersign/archive"
	"github.com/ruteri/supersign/connection"
	"github.com/ruteri/supersign/device"
	"github.com/ruteri/supersign/devservices"
	"github.com/ruteri/supersign/gsa"
	"github.com/ruteri/supersign/installer"
	"github.com/ruteri/supersign/interfaces"
	"github.com/ruteri/supersign/signer"
	"github.com/urfave/cli/v2"
)

var installCommand = &cli.Command{
	Name:      "install",
	Usage:     "Sign an app with the account and install it on a device",
	ArgsUsage: "<path.ipa>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "udid", Required: true, Usage: "target device"},
		&cli.StringFlag{Name: "team", Usage: "team id to sign with, asked when the account has several"},
		&cli.BoolFlag{Name: "configure-device", Usage: "enable wireless connections and embed pairing keys into the app"},
		&cli.BoolFlag{Name: "network", Usage: "reach the device over the network instead of USB"},
		&cli.StringFlag{Name: "signer", Value: "zsign", Usage: "code signing tool"},
		&cli.StringFlag{Name: "staging-dir", Usage: "working directory, a temporary one by default"},
		pairRecordsFlag,
	},
	Action: install,
}

func install(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return errors.New("expected exactly one app package")
	}
	ipa := cCtx.Args().First()

	env, err := newEnvironment(cCtx)
	if err != nil {
		return err
	}
	provider, err := env.anisetteProvider()
	if err != nil {
		return err
	}

	delegate := newTerminalDelegate()

	credentials := installer.Credentials{}
	token, err := env.tokens.Load(cCtx.Context)
	switch {
	case err == nil:
		credentials.Token = token
	case errors.Is(err, interfaces.ErrNotFound):
		credentials.Username, _ = delegate.prompt("Apple ID: ")
		if credentials.Password, err = delegate.password("Password: "); err != nil {
			return err
		}
	default:
		return fmt.Errorf("failed to load token: %w", err)
	}

	lookup := interfaces.LookupUSB
	if cCtx.Bool("network") {
		lookup = interfaces.LookupNetwork
	}

	transport := device.NewTransport(device.ExecRunner, device.PairRecordStore{Dir: cCtx.String(pairRecordsFlag.Name)}, env.log)
	registry := connection.NewRegistry(transport, env.log)
	defer registry.Close()

	inst, err := installer.NewInstaller(installer.Config{
		UDID:            cCtx.String("udid"),
		Credentials:     credentials,
		PreferredTeamID: cCtx.String("team"),
		ConfigureDevice: cCtx.Bool("configure-device"),
		Platform:        devservices.PlatformIOS,
		Lookup:          lookup,
		StagingDir:      cCtx.String("staging-dir"),
	}, installer.Dependencies{
		LoginManager:       gsa.NewLoginManager(env.gsaClient, provider, env.log),
		TokenStore:         env.tokens,
		Anisette:           provider,
		DevServicesURL:     env.devServicesURL,
		DeviceInfo:         env.deviceInfo,
		Registry:           registry,
		Archiver:           archive.NewZipArchiver(env.log),
		SignerImpl:         signer.NewCommandSigner(cCtx.String("signer"), env.log),
		SigningInfoManager: devservices.NewKeyValueSigningInfoManager(env.store),
	}, delegate, env.log)
	if err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-interrupt:
			inst.Cancel()
		case <-finished:
		}
	}()

	_, err = inst.Install(cCtx.Context, ipa)
	return err
}
