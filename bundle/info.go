package bundle

import (
	"fmt"
	"os"
	"path/filepath"

	"howett.net/plist"
)

const (
	InfoPlistName = "Info.plist"
	ProfileName   = "embedded.mobileprovision"
)

// Info is the decoded Info.plist of a bundle.
type Info map[string]interface{}

func (i Info) str(key string) string {
	s, _ := i[key].(string)
	return s
}

func (i Info) BundleID() string   { return i.str("CFBundleIdentifier") }
func (i Info) Executable() string { return i.str("CFBundleExecutable") }
func (i Info) Name() string {
	if name := i.str("CFBundleDisplayName"); name != "" {
		return name
	}
	return i.str("CFBundleName")
}

// ReadInfo reads the Info.plist of the bundle at dir. The returned format is the
// plist encoding of the file, to be passed back to WriteInfo.
func ReadInfo(dir string) (Info, int, error) {
	data, err := os.ReadFile(filepath.Join(dir, InfoPlistName))
	if err != nil {
		return nil, 0, err
	}

	var info Info
	format, err := plist.Unmarshal(data, &info)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid %s: %w", InfoPlistName, err)
	}
	return info, format, nil
}

// WriteInfo replaces the Info.plist of the bundle at dir.
func WriteInfo(dir string, info Info, format int) error {
	if format == 0 {
		format = plist.XMLFormat
	}
	data, err := plist.Marshal(map[string]interface{}(info), format)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, InfoPlistName), data)
}

// ReplaceProfile removes any embedded provisioning profile in dir and writes data
// in its place.
func ReplaceProfile(dir string, data []byte) error {
	path := filepath.Join(dir, ProfileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
