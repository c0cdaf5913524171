package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ruteri/supersign/bundle"
	"github.com/ruteri/supersign/connection"
	"github.com/ruteri/supersign/devservices"
	"github.com/ruteri/supersign/interfaces"
	"github.com/ruteri/supersign/signer"
	"go.uber.org/atomic"
)

// Installer unpacks, signs and installs one app on one device. An Installer is single
// use.
type Installer struct {
	cfg      Config
	deps     Dependencies
	delegate Delegate
	log      *slog.Logger

	done    atomic.Bool
	started atomic.Bool

	mu       sync.Mutex
	stage    string
	staging  string
	cancel   context.CancelFunc
	bundleID string
	result   error
}

func NewInstaller(cfg Config, deps Dependencies, delegate Delegate, log *slog.Logger) (*Installer, error) {
	if err := cfg.validate(deps); err != nil {
		return nil, err
	}
	return &Installer{
		cfg:      cfg,
		deps:     deps,
		delegate: delegate,
		log:      log.With(slog.String("udid", cfg.UDID)),
	}, nil
}

// Install runs the installation of the app package at ipa to completion, failure or
// cancellation and returns the installed bundle identifier. The delegate's
// InstallerDidComplete receives the same outcome. The staging directory is removed
// before Install returns.
func (i *Installer) Install(ctx context.Context, ipa string) (string, error) {
	if !i.started.CompareAndSwap(false, true) {
		return "", ErrAlreadyInstalling
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	i.mu.Lock()
	i.cancel = cancel
	i.mu.Unlock()

	bundleID, err := i.run(ctx, ipa)
	i.complete(bundleID, err)
	i.removeStaging()

	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bundleID, i.result
}

// Cancel stops the installation at the next stage boundary. The installation completes
// with interfaces.ErrUserCancelled unless it already completed.
func (i *Installer) Cancel() {
	i.complete("", interfaces.ErrUserCancelled)
}

func (i *Installer) shouldContinue() bool {
	return !i.done.Load()
}

// complete records the outcome and notifies the delegate. Only the first call has any
// effect.
func (i *Installer) complete(bundleID string, err error) {
	if !i.done.CompareAndSwap(false, true) {
		return
	}

	i.mu.Lock()
	i.bundleID, i.result = bundleID, err
	cancel := i.cancel
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	switch {
	case err == nil:
		i.log.Info("Installation complete", slog.String("bundleID", bundleID))
	case errors.Is(err, interfaces.ErrUserCancelled):
		i.log.Info("Installation cancelled")
	default:
		i.log.Error("Installation failed", "err", err)
	}
	i.delegate.InstallerDidComplete(bundleID, err)
}

func (i *Installer) removeStaging() {
	i.mu.Lock()
	staging := i.staging
	i.mu.Unlock()

	if staging == "" {
		return
	}
	if err := os.RemoveAll(staging); err != nil {
		i.log.Warn("Failed to remove staging directory", slog.String("dir", staging), "err", err)
	}
}

func (i *Installer) updateStage(stage string, progress *float64) error {
	if !i.shouldContinue() {
		return interfaces.ErrUserCancelled
	}
	i.report(stage, progress)
	return nil
}

func (i *Installer) report(stage string, progress *float64) {
	i.mu.Lock()
	if stage == "" {
		stage = i.stage
	}
	i.stage = stage
	i.mu.Unlock()

	if i.shouldContinue() {
		i.delegate.InstallerDidUpdate(stage, progress)
	}
}

func (i *Installer) progress(fraction float64) {
	i.report("", &fraction)
}

func (i *Installer) run(ctx context.Context, ipa string) (string, error) {
	appDir, err := i.unpack(ctx, ipa)
	if err != nil {
		return "", err
	}

	if err := i.updateStage(StageLoggingIn, ptr(0.0)); err != nil {
		return "", err
	}
	token, err := i.logIn(ctx)
	if err != nil {
		return "", err
	}
	i.progress(0.5)

	client := devservices.NewClient(devservices.ClientConfig{
		BaseURL:  i.deps.DevServicesURL,
		Token:    *token,
		Anisette: i.deps.Anisette,
		Log:      i.log,
	})
	team, err := i.selectTeam(ctx, client)
	if err != nil {
		return "", err
	}
	i.progress(1)

	if err := i.updateStage(StagePreparingDevice, ptr(0.0)); err != nil {
		return "", err
	}
	handle, err := performWithRecovery(ctx, i, func(ctx context.Context) (*connection.Handle, error) {
		return i.deps.Registry.Acquire(ctx, i.cfg.UDID, interfaces.ConnectionPreferences{
			Lookup: i.cfg.Lookup,
			Label:  ConnectionLabel,
		})
	})
	if err != nil {
		return "", err
	}
	defer handle.Release()
	conn := handle.Connection()

	deviceName := i.deviceName(ctx, conn)
	i.progress(1.0 / 3)

	var pairingKeys []byte
	if i.cfg.ConfigureDevice {
		if pairingKeys, err = i.fetchPairingKeys(ctx, conn); err != nil {
			return "", err
		}
	}
	i.progress(1)

	bundleID, err := i.sign(ctx, client, team, deviceName, appDir, token, pairingKeys)
	if err != nil {
		return "", err
	}

	archive, err := i.pack(ctx, appDir)
	if err != nil {
		return "", err
	}

	if err := i.installArchive(ctx, conn, archive); err != nil {
		return "", err
	}
	return bundleID, nil
}

func (i *Installer) unpack(ctx context.Context, ipa string) (string, error) {
	if err := i.updateStage(StageUnpacking, nil); err != nil {
		return "", err
	}

	staging := i.cfg.StagingDir
	if staging == "" {
		dir, err := os.MkdirTemp("", "supersign-staging-")
		if err != nil {
			return "", err
		}
		staging = dir
	} else {
		if err := os.RemoveAll(staging); err != nil {
			return "", err
		}
		if err := os.MkdirAll(staging, 0o755); err != nil {
			return "", err
		}
	}
	i.mu.Lock()
	i.staging = staging
	i.mu.Unlock()

	if err := i.deps.Archiver.Decompress(ctx, ipa, staging, i.progress); err != nil {
		return "", fmt.Errorf("%w: %w", ErrAppExtractionFailed, err)
	}
	if !i.shouldContinue() {
		return "", interfaces.ErrUserCancelled
	}

	appDir, err := bundle.FindApp(staging)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAppExtractionFailed, err)
	}
	// Packaging compresses Payload/, so an app at the top level is moved there.
	appDir, err = bundle.MoveToPayload(staging, appDir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAppExtractionFailed, err)
	}
	i.progress(1)
	return appDir, nil
}

func (i *Installer) logIn(ctx context.Context) (*interfaces.AuthToken, error) {
	if token := i.cfg.Credentials.Token; token != nil {
		return token, nil
	}

	token, err := i.deps.LoginManager.LogIn(ctx, i.cfg.Credentials.Username, i.cfg.Credentials.Password, i.delegate)
	if err != nil {
		return nil, err
	}
	if i.deps.TokenStore != nil {
		if err := i.deps.TokenStore.Save(ctx, token); err != nil {
			i.log.Warn("Failed to persist auth token", "err", err)
		}
	}
	return token, nil
}

// selectTeam picks the team to provision with: the preferred team if the account has
// it, the only eligible team, or the delegate's choice.
func (i *Installer) selectTeam(ctx context.Context, client *devservices.Client) (*devservices.Team, error) {
	teams, err := devservices.ListTeams(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}

	eligible := teams[:0]
	for _, team := range teams {
		if team.Active(i.cfg.Platform) {
			eligible = append(eligible, team)
		}
	}

	if i.cfg.PreferredTeamID != "" {
		for _, team := range eligible {
			if team.ID == i.cfg.PreferredTeamID {
				return &team, nil
			}
		}
		i.log.Warn("Preferred team not available", slog.String("team", i.cfg.PreferredTeamID))
	}

	switch len(eligible) {
	case 0:
		return nil, ErrNoTeamFound
	case 1:
		return &eligible[0], nil
	}

	team := i.delegate.FetchTeam(ctx, eligible)
	if team == nil {
		return nil, interfaces.ErrUserCancelled
	}
	return team, nil
}

func (i *Installer) deviceName(ctx context.Context, conn interfaces.Connection) string {
	value, err := performWithRecovery(ctx, i, func(ctx context.Context) (interface{}, error) {
		return conn.Value(ctx, "", "DeviceName")
	})
	if name, ok := value.(string); err == nil && ok && name != "" {
		return name
	}
	return i.cfg.UDID
}

func (i *Installer) sign(ctx context.Context, client *devservices.Client, team *devservices.Team, deviceName, appDir string, token *interfaces.AuthToken, pairingKeys []byte) (string, error) {
	if !i.shouldContinue() {
		return "", interfaces.ErrUserCancelled
	}

	sc, err := signer.NewSigningContext(signer.SigningContext{
		UDID:               i.cfg.UDID,
		DeviceName:         deviceName,
		Scope:              devservices.Scope{Client: client, Platform: i.cfg.Platform, TeamID: team.ID},
		SigningInfoManager: i.deps.SigningInfoManager,
		Confirmer:          i.delegate,
		SignerImpl:         i.deps.SignerImpl,
		MachineName:        i.cfg.MachineName,
	})
	if err != nil {
		return "", err
	}

	return signer.NewSigner(sc, i.log).Sign(ctx, appDir, signer.SignOptions{
		Status:   func(status string) { i.report(status, ptr(0.0)) },
		Progress: i.progress,
		DidProvision: func(ctx context.Context) error {
			if pairingKeys == nil {
				return nil
			}
			info, err := i.deps.SigningInfoManager.SigningInfo(ctx, team.ID)
			if err != nil {
				return err
			}
			return (&DeviceConfig{
				UDID:            i.cfg.UDID,
				PairingKeys:     pairingKeys,
				DeviceInfo:      i.deps.DeviceInfo,
				PreferredTeamID: team.ID,
				SigningInfo:     info,
				AppleID:         token.AccountIdentifier,
				Token:           *token,
			}).Save(appDir)
		},
	})
}

func (i *Installer) pack(ctx context.Context, appDir string) (string, error) {
	if err := i.updateStage(StagePackaging, nil); err != nil {
		return "", err
	}
	// The archive is written next to Payload/, inside the staging directory.
	archive, err := i.deps.Archiver.Compress(ctx, filepath.Dir(appDir), i.progress)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAppPackagingFailed, err)
	}
	if !i.shouldContinue() {
		return "", interfaces.ErrUserCancelled
	}
	i.progress(1)
	return archive, nil
}

func (i *Installer) installArchive(ctx context.Context, conn interfaces.Connection, archive string) error {
	if err := i.updateStage(StageInstalling, ptr(0.0)); err != nil {
		return err
	}
	proxy, err := performWithRecovery(ctx, i, func(ctx context.Context) (interfaces.InstallationProxy, error) {
		return interfaces.StartService[interfaces.InstallationProxy](ctx, conn, interfaces.ServiceInstallationProxy)
	})
	if err != nil {
		return err
	}
	defer proxy.Close()

	if err := proxy.Install(ctx, archive, i.progress); err != nil {
		return fmt.Errorf("failed to install app: %w", err)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

// State is the lifecycle position of an Installer.
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// State reports where the installer is, along with the last reported stage.
func (i *Installer) State() (State, string) {
	i.mu.Lock()
	stage, result := i.stage, i.result
	i.mu.Unlock()

	switch {
	case i.done.Load() && result == nil:
		return StateCompleted, stage
	case i.done.Load() && errors.Is(result, interfaces.ErrUserCancelled):
		return StateCancelled, stage
	case i.done.Load():
		return StateFailed, stage
	case i.started.Load():
		return StateRunning, stage
	default:
		return StatePending, stage
	}
}
