package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/ruteri/supersign/interfaces"
)

// PackageExt is the extension of archives produced by Compress.
const PackageExt = ".ipa"

// ZipArchiver reads and writes app packages as zip archives. Symbolic links are kept.
type ZipArchiver struct {
	log *slog.Logger
}

func NewZipArchiver(log *slog.Logger) *ZipArchiver {
	return &ZipArchiver{log: log}
}

// Decompress extracts archive into dir. Entries escaping dir are rejected.
func (a *ZipArchiver) Decompress(ctx context.Context, archive, dir string, progress interfaces.ProgressFunc) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", archive, err)
	}
	defer r.Close()

	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	for i, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return fmt.Errorf("illegal path in archive: %s", f.Name)
		}

		if err := extract(f, target); err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
		if progress != nil {
			progress(float64(i+1) / float64(len(r.File)))
		}
	}

	a.log.Debug("Extracted archive", slog.String("archive", archive), slog.Int("entries", len(r.File)))
	return nil
}

func extract(f *zip.File, target string) error {
	mode := f.Mode()
	if mode.IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	if mode&fs.ModeSymlink != 0 {
		link, err := io.ReadAll(io.LimitReader(rc, 4096))
		if err != nil {
			return err
		}
		return os.Symlink(string(link), target)
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Compress packs dir into <dir>.ipa. Entries are stored under the base name of dir, so
// compressing "staging/Payload" yields entries "Payload/...".
func (a *ZipArchiver) Compress(ctx context.Context, dir string, progress interfaces.ProgressFunc) (string, error) {
	dir = filepath.Clean(dir)
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return "", err
	}

	output := dir + PackageExt
	out, err := os.Create(output)
	if err != nil {
		return "", err
	}
	defer out.Close()

	w := zip.NewWriter(out)
	base := filepath.Dir(dir)
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := addEntry(w, base, path); err != nil {
			return "", fmt.Errorf("failed to add %s: %w", path, err)
		}
		if progress != nil {
			progress(float64(i+1) / float64(len(paths)))
		}
	}

	if err := w.Close(); err != nil {
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	a.log.Debug("Created archive", slog.String("archive", output), slog.Int("entries", len(paths)))
	return output, nil
}

func addEntry(w *zip.Writer, base, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = filepath.ToSlash(rel)

	switch {
	case info.IsDir():
		header.Name += "/"
		header.Method = zip.Store
		_, err = w.CreateHeader(header)
		return err
	case info.Mode()&fs.ModeSymlink != 0:
		link, err := os.Readlink(path)
		if err != nil {
			return err
		}
		header.Method = zip.Store
		entry, err := w.CreateHeader(header)
		if err != nil {
			return err
		}
		_, err = io.WriteString(entry, link)
		return err
	}

	header.Method = zip.Deflate
	entry, err := w.CreateHeader(header)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(entry, f)
	return err
}
