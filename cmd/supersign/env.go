package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/supersign/anisette"
	"github.com/ruteri/supersign/cmd/flags"
	"github.com/ruteri/supersign/devservices"
	"github.com/ruteri/supersign/gsa"
	"github.com/ruteri/supersign/interfaces"
	"github.com/ruteri/supersign/storage"
	"github.com/urfave/cli/v2"
)

var errNoAnisetteSource = errors.New("no anisette source configured, set --anisette-url or --adi-url")

// environment holds the collaborators every command builds from the global flags.
type environment struct {
	log        *slog.Logger
	store      interfaces.KeyValueStorage
	deviceInfo interfaces.DeviceInfo
	gsaClient  *gsa.Client
	tokens     *gsa.TokenStore

	anisetteURL    string
	adiURL         string
	devServicesURL string
}

func newEnvironment(cCtx *cli.Context) (*environment, error) {
	log := flags.SetupLogger(cCtx)

	store, err := storage.NewStorageFactory(log).StorageForURIs(cCtx.StringSlice(flags.StorageFlag.Name))
	if err != nil {
		log.Error("Failed to open storage", "err", err)
		return nil, err
	}

	deviceInfo, err := anisette.LoadDeviceInfo(cCtx.Context, store)
	if err != nil {
		log.Error("Failed to load device info", "err", err)
		return nil, err
	}

	gsaClient := gsa.NewClient(gsa.ClientConfig{
		DeviceInfo: deviceInfo,
		LookupURL:  cCtx.String(flags.LookupURLFlag.Name),
		Location:   time.Local,
		Log:        log,
	})

	return &environment{
		log:            log,
		store:          store,
		deviceInfo:     deviceInfo,
		gsaClient:      gsaClient,
		tokens:         gsa.NewTokenStore(store),
		anisetteURL:    cCtx.String(flags.AnisetteURLFlag.Name),
		adiURL:         cCtx.String(flags.ADIURLFlag.Name),
		devServicesURL: cCtx.String(flags.DevServicesURLFlag.Name),
	}, nil
}

// anisetteProvider prefers a relay over provisioning through a remote ADI host.
func (e *environment) anisetteProvider() (interfaces.AnisetteDataProvider, error) {
	switch {
	case e.anisetteURL != "":
		e.log.Debug("Using anisette relay", slog.String("url", e.anisetteURL))
		return anisette.NewRemoteProvider(e.anisetteURL, e.log), nil
	case e.adiURL != "":
		e.log.Debug("Using remote ADI host", slog.String("url", e.adiURL))
		return anisette.NewADIProvider(anisette.NewRemoteRawProvider(e.adiURL, e.log), e.gsaClient, e.store, e.log), nil
	default:
		return nil, errNoAnisetteSource
	}
}

// devServicesClient authorizes with the saved token.
func (e *environment) devServicesClient(cCtx *cli.Context) (*devservices.Client, error) {
	token, err := e.tokens.Load(cCtx.Context)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, errors.New("not logged in, run 'supersign auth login' first")
	} else if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	provider, err := e.anisetteProvider()
	if err != nil {
		return nil, err
	}

	return devservices.NewClient(devservices.ClientConfig{
		BaseURL:  e.devServicesURL,
		Token:    *token,
		Anisette: provider,
		Locale:   e.gsaClient.Locale(),
		Log:      e.log,
	}), nil
}
