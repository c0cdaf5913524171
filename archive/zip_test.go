package archive

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArchiver() *ZipArchiver {
	return NewZipArchiver(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestZipArchiver_RoundTrip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "Payload")
	app := filepath.Join(src, "Demo.app")
	require.NoError(t, os.MkdirAll(filepath.Join(app, "Frameworks", "A.framework"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(app, "Info.plist"), []byte("<plist/>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(app, "Demo"), []byte("binary"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(app, "Frameworks", "A.framework", "A"), []byte("framework"), 0o755))
	require.NoError(t, os.Symlink("A", filepath.Join(app, "Frameworks", "A.framework", "Current")))

	var last float64
	archivePath, err := testArchiver().Compress(context.Background(), src, func(f float64) { last = f })
	require.NoError(t, err)
	assert.Equal(t, src+PackageExt, archivePath)
	assert.Equal(t, 1.0, last)

	r, err := zip.OpenReader(archivePath)
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range r.File {
		names[f.Name] = true
	}
	r.Close()
	assert.True(t, names["Payload/Demo.app/Info.plist"])

	dst := t.TempDir()
	require.NoError(t, testArchiver().Decompress(context.Background(), archivePath, dst, nil))

	data, err := os.ReadFile(filepath.Join(dst, "Payload", "Demo.app", "Demo"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(data))

	fi, err := os.Stat(filepath.Join(dst, "Payload", "Demo.app", "Demo"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&0o100)

	link, err := os.Readlink(filepath.Join(dst, "Payload", "Demo.app", "Frameworks", "A.framework", "Current"))
	require.NoError(t, err)
	assert.Equal(t, "A", link)
}

func TestZipArchiver_RejectsEscapingEntries(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "evil.ipa")
	f, err := os.Create(archivePath)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	entry, err := w.Create("../escape.txt")
	require.NoError(t, err)
	_, err = entry.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	dst := t.TempDir()
	err = testArchiver().Decompress(context.Background(), archivePath, dst, nil)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dst), "escape.txt"))
}

func TestZipArchiver_NotAnArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.ipa")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))
	require.Error(t, testArchiver().Decompress(context.Background(), path, t.TempDir(), nil))
}
