package bundle

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smallstep/pkcs7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

func mkBundle(t *testing.T, dir string) {
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, WriteInfo(dir, Info{"CFBundleIdentifier": filepath.Base(dir)}, plist.XMLFormat))
}

func TestInfoRoundTripKeepsFormat(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteInfo(dir, Info{
		"CFBundleIdentifier":  "com.example.app",
		"CFBundleExecutable":  "App",
		"CFBundleDisplayName": "Example",
		"UIDeviceFamily":      []interface{}{uint64(1), uint64(2)},
	}, plist.BinaryFormat))

	info, format, err := ReadInfo(dir)
	require.NoError(t, err)
	assert.Equal(t, plist.BinaryFormat, format)
	assert.Equal(t, "com.example.app", info.BundleID())
	assert.Equal(t, "App", info.Executable())
	assert.Equal(t, "Example", info.Name())

	info["CFBundleIdentifier"] = "com.example.other"
	require.NoError(t, WriteInfo(dir, info, format))

	info, format, err = ReadInfo(dir)
	require.NoError(t, err)
	assert.Equal(t, plist.BinaryFormat, format)
	assert.Equal(t, "com.example.other", info.BundleID())
	assert.Equal(t, []interface{}{uint64(1), uint64(2)}, info["UIDeviceFamily"])
}

func TestReadInfoErrors(t *testing.T) {
	dir := t.TempDir()
	_, _, err := ReadInfo(dir)
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(filepath.Join(dir, InfoPlistName), []byte(`<?xml version="1.0"?><plist version="1.0"><dict><key>a</key>`), 0o644))
	_, _, err = ReadInfo(dir)
	require.Error(t, err)
}

func TestComponents(t *testing.T) {
	app := filepath.Join(t.TempDir(), "Demo.app")
	mkBundle(t, app)
	mkBundle(t, filepath.Join(app, "PlugIns", "B.appex"))
	mkBundle(t, filepath.Join(app, "PlugIns", "A.appex"))
	mkBundle(t, filepath.Join(app, "Extensions", "C.appex"))
	mkBundle(t, filepath.Join(app, "Watch", "W.app"))
	mkBundle(t, filepath.Join(app, "Watch", "W.app", "PlugIns", "WK.appex"))
	mkBundle(t, filepath.Join(app, "Frameworks", "F.framework"))
	require.NoError(t, os.WriteFile(filepath.Join(app, "PlugIns", "stray.appex"), nil, 0o644))

	got, err := Components(app)
	require.NoError(t, err)
	assert.Equal(t, []string{
		app,
		filepath.Join(app, "PlugIns", "A.appex"),
		filepath.Join(app, "PlugIns", "B.appex"),
		filepath.Join(app, "Extensions", "C.appex"),
		filepath.Join(app, "Watch", "W.app"),
		filepath.Join(app, "Watch", "W.app", "PlugIns", "WK.appex"),
	}, got)
}

func TestFindApp(t *testing.T) {
	dir := t.TempDir()
	_, err := FindApp(dir)
	require.ErrorIs(t, err, ErrNoApp)

	mkBundle(t, filepath.Join(dir, "Payload", "Demo.app"))
	app, err := FindApp(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Payload", "Demo.app"), app)
}

func TestMoveToPayload(t *testing.T) {
	dir := t.TempDir()
	mkBundle(t, filepath.Join(dir, "Demo.app"))

	app, err := FindApp(dir)
	require.NoError(t, err)
	moved, err := MoveToPayload(dir, app)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, PayloadDir, "Demo.app"), moved)
	assert.NoDirExists(t, filepath.Join(dir, "Demo.app"))
	assert.FileExists(t, filepath.Join(moved, InfoPlistName))

	// Already in place.
	again, err := MoveToPayload(dir, moved)
	require.NoError(t, err)
	assert.Equal(t, moved, again)
}

func TestReplaceProfile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, ReplaceProfile(dir, []byte("one")))
	require.NoError(t, ReplaceProfile(dir, []byte("two")))
	data, err := os.ReadFile(filepath.Join(dir, ProfileName))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func signedProfile(t *testing.T, payload map[string]interface{}) []byte {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "Profile Signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	content, err := plist.Marshal(payload, plist.XMLFormat)
	require.NoError(t, err)
	sd, err := pkcs7.NewSignedData(content)
	require.NoError(t, err)
	require.NoError(t, sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}))
	out, err := sd.Finish()
	require.NoError(t, err)
	return out
}

func TestParseProfile(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	cert := []byte{0x30, 0x03, 0x02, 0x01, 0x01}

	data := signedProfile(t, map[string]interface{}{
		"UUID":                  "6C0B2A10-0000-4000-8000-000000000001",
		"Name":                  "Team Profile",
		"TeamIdentifier":        []interface{}{"ABCDE12345"},
		"ExpirationDate":        now.Add(24 * time.Hour),
		"DeveloperCertificates": []interface{}{cert},
		"ProvisionedDevices":    []interface{}{"00008030-001A2B3C4D5E6F70"},
		"Entitlements": map[string]interface{}{
			"application-identifier": "ABCDE12345.com.example.app",
			"get-task-allow":         true,
		},
	})

	profile, err := ParseProfile(data)
	require.NoError(t, err)
	assert.Equal(t, "Team Profile", profile.Name)
	assert.Equal(t, []string{"ABCDE12345"}, profile.TeamIdentifier)
	assert.Equal(t, "ABCDE12345.com.example.app", profile.Entitlements["application-identifier"])
	assert.True(t, profile.HasCertificate(cert))
	assert.False(t, profile.HasCertificate([]byte{1}))
	assert.True(t, profile.HasDevice("00008030-001a2b3c4d5e6f70"))

	assert.True(t, profile.Usable(cert, "00008030-001A2B3C4D5E6F70", now))
	assert.False(t, profile.Usable(cert, "other", now))
	assert.False(t, profile.Usable(cert, "00008030-001A2B3C4D5E6F70", now.Add(48*time.Hour)))

	_, err = ParseProfile([]byte("not a profile"))
	require.Error(t, err)
}
