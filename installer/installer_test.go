package installer

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/ruteri/supersign/archive"
	"github.com/ruteri/supersign/bundle"
	"github.com/ruteri/supersign/connection"
	"github.com/ruteri/supersign/devservices"
	"github.com/ruteri/supersign/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

const (
	testTeam = "ABCDE12345"
	testUDID = "00008030-001A2B3C4D5E6F70"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticAnisette struct{}

func (staticAnisette) FetchAnisetteData(ctx context.Context) (*interfaces.AnisetteData, error) {
	return &interfaces.AnisetteData{
		ClientTime:  time.Now(),
		RoutingInfo: 17106176,
		MachineID:   "bWFjaGluZQ==",
		OneTimeCode: "b3Rw",
		Locale:      "en_US",
		TimeZone:    "UTC",
	}, nil
}

func (staticAnisette) ResetProvisioning(ctx context.Context) error { return nil }

type noopSigner struct{}

func (noopSigner) Sign(ctx context.Context, req interfaces.SigningRequest, progress interfaces.ProgressFunc) error {
	progress(1)
	return nil
}

func (noopSigner) Analyze(ctx context.Context, executable string) ([]byte, error) {
	return nil, nil
}

// fakeProxy records installed archives and the entries they contained.
type fakeProxy struct {
	mu      sync.Mutex
	entries [][]string
}

func (p *fakeProxy) Name() string { return interfaces.ServiceInstallationProxy }
func (p *fakeProxy) Close() error { return nil }

func (p *fakeProxy) Install(ctx context.Context, path string, progress interfaces.ProgressFunc) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	p.mu.Lock()
	p.entries = append(p.entries, names)
	p.mu.Unlock()
	progress(1)
	return nil
}

// fakeConn fails StartService with the queued errors before succeeding.
type fakeConn struct {
	mu          sync.Mutex
	startErrors []error
	locked      bool
	values      map[string]interface{}
	record      *interfaces.PairRecord
	paired      *interfaces.PairRecord
	proxy       *fakeProxy
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		values: map[string]interface{}{},
		record: &interfaces.PairRecord{
			HostID:            "11111111-2222-4333-8444-555555555555",
			SystemBUID:        "0A1B2C3D-0000-4000-8000-000000000000",
			HostCertificate:   []byte("host"),
			DeviceCertificate: []byte("device"),
			RootCertificate:   []byte("root"),
		},
		proxy: &fakeProxy{},
	}
}

func (c *fakeConn) UDID() string { return testUDID }

func (c *fakeConn) Value(ctx context.Context, domain, key string) (interface{}, error) {
	if key == "DeviceName" {
		return "Test iPhone", nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[domain+"/"+key], nil
}

func (c *fakeConn) SetValue(ctx context.Context, domain, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[domain+"/"+key] = value
	return nil
}

func (c *fakeConn) PairRecord(ctx context.Context) (*interfaces.PairRecord, error) {
	return c.record, nil
}

func (c *fakeConn) Pair(ctx context.Context, record *interfaces.PairRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paired = record
	return nil
}

func (c *fakeConn) StartService(ctx context.Context, name string) (interfaces.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked {
		return nil, interfaces.ErrPasswordProtected
	}
	if len(c.startErrors) > 0 {
		err := c.startErrors[0]
		c.startErrors = c.startErrors[1:]
		return nil, err
	}
	return c.proxy, nil
}

func (c *fakeConn) Close() error { return nil }

type fakeTransport struct{ conn *fakeConn }

func (t *fakeTransport) Connect(ctx context.Context, udid string, prefs interfaces.ConnectionPreferences) (interfaces.Connection, error) {
	return t.conn, nil
}

type recordingDelegate struct {
	mu          sync.Mutex
	stages      []string
	messages    []*Message
	completions []error
	bundleIDs   []string
	team        func([]devservices.Team) *devservices.Team
	onStage     func(stage string)
	onMessage   func(msg *Message)
}

func (d *recordingDelegate) FetchCode(ctx context.Context) (string, bool) { return "", false }

func (d *recordingDelegate) ConfirmRevocation(ctx context.Context, certs []devservices.Certificate) bool {
	return true
}

func (d *recordingDelegate) FetchTeam(ctx context.Context, teams []devservices.Team) *devservices.Team {
	if d.team == nil {
		return nil
	}
	return d.team(teams)
}

func (d *recordingDelegate) SetPresentedMessage(msg *Message) {
	d.mu.Lock()
	d.messages = append(d.messages, msg)
	cb := d.onMessage
	d.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (d *recordingDelegate) InstallerDidUpdate(stage string, progress *float64) {
	d.mu.Lock()
	isNew := len(d.stages) == 0 || d.stages[len(d.stages)-1] != stage
	if isNew {
		d.stages = append(d.stages, stage)
	}
	cb := d.onStage
	d.mu.Unlock()
	if isNew && cb != nil {
		cb(stage)
	}
}

func (d *recordingDelegate) InstallerDidComplete(bundleID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completions = append(d.completions, err)
	d.bundleIDs = append(d.bundleIDs, bundleID)
}

type testEnv struct {
	mock     *devservices.MockServer
	conn     *fakeConn
	delegate *recordingDelegate
	staging  string
	ipa      string
	cfg      Config
	deps     Dependencies
}

func writeDemoApp(t *testing.T, app string) {
	require.NoError(t, os.MkdirAll(app, 0o755))
	require.NoError(t, bundle.WriteInfo(app, bundle.Info{
		"CFBundleIdentifier": "com.example.Demo",
		"CFBundleExecutable": "Demo",
	}, plist.XMLFormat))
	require.NoError(t, os.WriteFile(filepath.Join(app, "Demo"), []byte("binary"), 0o755))
}

func buildIPA(t *testing.T) string {
	payload := filepath.Join(t.TempDir(), bundle.PayloadDir)
	writeDemoApp(t, filepath.Join(payload, "Demo.app"))

	ipa, err := archive.NewZipArchiver(testLogger()).Compress(context.Background(), payload, nil)
	require.NoError(t, err)
	return ipa
}

// buildTopLevelIPA packages Demo.app at the root of the archive, without Payload/.
func buildTopLevelIPA(t *testing.T) string {
	app := filepath.Join(t.TempDir(), "Demo.app")
	writeDemoApp(t, app)

	ipa, err := archive.NewZipArchiver(testLogger()).Compress(context.Background(), app, nil)
	require.NoError(t, err)
	return ipa
}

func newTestEnv(t *testing.T, teams ...string) *testEnv {
	mock, err := devservices.NewMockServer()
	require.NoError(t, err)
	mock.SessionToken = "gs-token"
	for _, team := range teams {
		mock.AddTeam(team, "Team "+team)
	}
	server := httptest.NewServer(mock.Handler())
	t.Cleanup(server.Close)

	conn := newFakeConn()
	registry := connection.NewRegistry(&fakeTransport{conn: conn}, testLogger())
	t.Cleanup(func() { registry.Close() })

	staging := filepath.Join(t.TempDir(), "staging")
	return &testEnv{
		mock:     mock,
		conn:     conn,
		delegate: &recordingDelegate{},
		staging:  staging,
		ipa:      buildIPA(t),
		cfg: Config{
			UDID: testUDID,
			Credentials: Credentials{Token: &interfaces.AuthToken{
				AccountIdentifier: "user@example.com",
				ADSID:             "000123",
				SessionToken:      "gs-token",
			}},
			StagingDir:       staging,
			RecoveryInterval: time.Millisecond,
		},
		deps: Dependencies{
			Anisette:           staticAnisette{},
			DevServicesURL:     server.URL,
			Registry:           registry,
			Archiver:           archive.NewZipArchiver(testLogger()),
			SignerImpl:         noopSigner{},
			SigningInfoManager: devservices.NewMemorySigningInfoManager(),
		},
	}
}

func (e *testEnv) installer(t *testing.T) *Installer {
	i, err := NewInstaller(e.cfg, e.deps, e.delegate, testLogger())
	require.NoError(t, err)
	return i
}

func TestInstall(t *testing.T) {
	env := newTestEnv(t, testTeam)
	env.cfg.ConfigureDevice = true

	i := env.installer(t)
	state, _ := i.State()
	assert.Equal(t, StatePending, state)

	bundleID, err := i.Install(context.Background(), env.ipa)
	require.NoError(t, err)
	assert.Equal(t, "com.example.demo."+testTeam, bundleID)

	state, stage := i.State()
	assert.Equal(t, StateCompleted, state)
	assert.Equal(t, StageInstalling, stage)

	assert.Equal(t, []string{
		StageUnpacking, StageLoggingIn, StagePreparingDevice,
		"Provisioning", "Signing", StagePackaging, StageInstalling,
	}, env.delegate.stages)
	require.Len(t, env.delegate.completions, 1)
	assert.NoError(t, env.delegate.completions[0])
	assert.Equal(t, []string{bundleID}, env.delegate.bundleIDs)
	assert.NoDirExists(t, env.staging)

	require.Len(t, env.conn.proxy.entries, 1)
	assert.Contains(t, env.conn.proxy.entries[0], "Payload/Demo.app/"+DeviceConfigName)
	assert.Contains(t, env.conn.proxy.entries[0], "Payload/Demo.app/"+bundle.ProfileName)

	assert.Equal(t, testUDID, env.conn.values[interfaces.DomainWirelessLockdown+"/"+interfaces.KeyWirelessBuddyID])
	assert.Equal(t, true, env.conn.values[interfaces.DomainWirelessLockdown+"/"+interfaces.KeyEnableWifi])
	require.NotNil(t, env.conn.paired)
	assert.Equal(t, "F51B2C3D-0000-4000-8000-000000000000", env.conn.paired.SystemBUID)
	assert.NotEqual(t, env.conn.record.HostID, env.conn.paired.HostID)
	assert.Empty(t, env.delegate.messages)
}

func TestInstall_TopLevelApp(t *testing.T) {
	env := newTestEnv(t, testTeam)
	env.ipa = buildTopLevelIPA(t)

	_, err := env.installer(t).Install(context.Background(), env.ipa)
	require.NoError(t, err)

	require.Len(t, env.conn.proxy.entries, 1)
	entries := env.conn.proxy.entries[0]
	assert.Contains(t, entries, "Payload/Demo.app/"+bundle.InfoPlistName)
	assert.Contains(t, entries, "Payload/Demo.app/"+bundle.ProfileName)
	for _, name := range entries {
		assert.Regexp(t, "^Payload/", name)
	}

	assert.NoDirExists(t, env.staging)
	assert.NoFileExists(t, env.staging+archive.PackageExt)
}

func TestInstall_LockedDeviceRecovers(t *testing.T) {
	env := newTestEnv(t, testTeam)
	env.conn.startErrors = []error{
		interfaces.ErrPasswordProtected,
		interfaces.ErrPasswordProtected,
		interfaces.ErrPasswordProtected,
	}

	_, err := env.installer(t).Install(context.Background(), env.ipa)
	require.NoError(t, err)

	unlock := MessageUnlockDevice
	assert.Equal(t, []*Message{&unlock, &unlock, &unlock, nil}, env.delegate.messages)
	require.Len(t, env.delegate.completions, 1)
	assert.NoError(t, env.delegate.completions[0])
}

func TestInstall_PairingDialog(t *testing.T) {
	env := newTestEnv(t, testTeam)
	env.conn.startErrors = []error{interfaces.ErrPairingDialogResponsePending, interfaces.ErrPasswordProtected}

	_, err := env.installer(t).Install(context.Background(), env.ipa)
	require.NoError(t, err)

	pair, unlock := MessagePairDevice, MessageUnlockDevice
	assert.Equal(t, []*Message{&pair, &unlock, nil}, env.delegate.messages)
}

func TestInstall_CancelDuringRecovery(t *testing.T) {
	env := newTestEnv(t, testTeam)
	env.conn.locked = true

	i := env.installer(t)
	env.delegate.onMessage = func(msg *Message) {
		if msg != nil {
			i.Cancel()
		}
	}

	_, err := i.Install(context.Background(), env.ipa)
	require.ErrorIs(t, err, interfaces.ErrUserCancelled)
	require.Len(t, env.delegate.completions, 1)
	assert.ErrorIs(t, env.delegate.completions[0], interfaces.ErrUserCancelled)
	assert.Nil(t, env.delegate.messages[len(env.delegate.messages)-1])
	assert.NoDirExists(t, env.staging)
}

func TestInstall_CancelAtEveryStage(t *testing.T) {
	stages := []string{
		StageUnpacking, StageLoggingIn, StagePreparingDevice,
		"Provisioning", "Signing", StagePackaging, StageInstalling,
	}
	for _, stage := range stages {
		t.Run(stage, func(t *testing.T) {
			env := newTestEnv(t, testTeam)
			i := env.installer(t)
			env.delegate.onStage = func(s string) {
				if s == stage {
					i.Cancel()
				}
			}

			bundleID, err := i.Install(context.Background(), env.ipa)
			require.ErrorIs(t, err, interfaces.ErrUserCancelled)
			assert.Empty(t, bundleID)

			i.Cancel()
			require.Len(t, env.delegate.completions, 1)
			assert.ErrorIs(t, env.delegate.completions[0], interfaces.ErrUserCancelled)
			assert.NoDirExists(t, env.staging)
		})
	}
}

func TestInstall_CancelBeforeStart(t *testing.T) {
	env := newTestEnv(t, testTeam)
	i := env.installer(t)
	i.Cancel()

	_, err := i.Install(context.Background(), env.ipa)
	require.ErrorIs(t, err, interfaces.ErrUserCancelled)
	assert.Len(t, env.delegate.completions, 1)
	assert.Empty(t, env.delegate.stages)

	state, _ := i.State()
	assert.Equal(t, StateCancelled, state)

	_, err = i.Install(context.Background(), env.ipa)
	require.ErrorIs(t, err, ErrAlreadyInstalling)
}

func TestInstall_TeamSelection(t *testing.T) {
	t.Run("no team", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.installer(t).Install(context.Background(), env.ipa)
		require.ErrorIs(t, err, ErrNoTeamFound)
		assert.Len(t, env.delegate.completions, 1)
	})

	t.Run("declined", func(t *testing.T) {
		env := newTestEnv(t, testTeam, "ZZZZZ99999")
		_, err := env.installer(t).Install(context.Background(), env.ipa)
		require.ErrorIs(t, err, interfaces.ErrUserCancelled)
	})

	t.Run("chosen", func(t *testing.T) {
		env := newTestEnv(t, testTeam, "ZZZZZ99999")
		var offered int
		env.delegate.team = func(teams []devservices.Team) *devservices.Team {
			offered = len(teams)
			for _, team := range teams {
				if team.ID == "ZZZZZ99999" {
					return &team
				}
			}
			return nil
		}
		bundleID, err := env.installer(t).Install(context.Background(), env.ipa)
		require.NoError(t, err)
		assert.Equal(t, 2, offered)
		assert.Equal(t, "com.example.demo.ZZZZZ99999", bundleID)
	})

	t.Run("preferred", func(t *testing.T) {
		env := newTestEnv(t, testTeam, "ZZZZZ99999")
		env.cfg.PreferredTeamID = testTeam
		bundleID, err := env.installer(t).Install(context.Background(), env.ipa)
		require.NoError(t, err)
		assert.Equal(t, "com.example.demo."+testTeam, bundleID)
	})
}

func TestInstall_ExtractionFailure(t *testing.T) {
	env := newTestEnv(t, testTeam)
	broken := filepath.Join(t.TempDir(), "broken.ipa")
	require.NoError(t, os.WriteFile(broken, []byte("not a zip"), 0o644))

	_, err := env.installer(t).Install(context.Background(), broken)
	require.ErrorIs(t, err, ErrAppExtractionFailed)
	assert.NoDirExists(t, env.staging)
}

func TestNewInstaller_Validation(t *testing.T) {
	env := newTestEnv(t, testTeam)

	cfg := env.cfg
	cfg.Credentials = Credentials{Username: "user@example.com"}
	_, err := NewInstaller(cfg, env.deps, env.delegate, testLogger())
	require.ErrorIs(t, err, ErrNoCredentials)

	cfg.Credentials.Password = "hunter2"
	_, err = NewInstaller(cfg, env.deps, env.delegate, testLogger())
	require.Error(t, err)
}

func TestDerivePairRecord(t *testing.T) {
	record := &interfaces.PairRecord{
		HostID:            "HOST",
		SystemBUID:        "00112233-4455-4677-8899-AABBCCDDEEFF",
		HostCertificate:   []byte("h"),
		DeviceCertificate: []byte("d"),
		RootCertificate:   []byte("r"),
	}

	derived, err := derivePairRecord(record)
	require.NoError(t, err)
	assert.Equal(t, "FF112233-4455-4677-8899-AABBCCDDEEFF", derived.SystemBUID)
	_, err = uuid.Parse(derived.HostID)
	require.NoError(t, err)
	assert.Equal(t, "HOST", record.HostID)
	assert.Equal(t, record.DeviceCertificate, derived.DeviceCertificate)

	_, err = derivePairRecord(&interfaces.PairRecord{SystemBUID: "not-a-uuid"})
	require.ErrorIs(t, err, ErrPairingFailed)
}
