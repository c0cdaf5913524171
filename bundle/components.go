package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ErrNoApp is returned by FindApp when a directory holds no app bundle.
var ErrNoApp = errors.New("no app bundle found")

// PayloadDir is the package directory holding the app bundle.
const PayloadDir = "Payload"

// nestedDirs are the bundle subdirectories holding separately signed bundles.
var nestedDirs = []struct {
	dir, ext string
}{
	{"PlugIns", ".appex"},
	{"Extensions", ".appex"},
	{"Watch", ".app"},
}

// Components returns the signable bundles of the app at appDir: the app itself first,
// then its extensions and watch apps, depth first, each in lexical order.
func Components(appDir string) ([]string, error) {
	components := []string{appDir}
	for _, nested := range nestedDirs {
		matches, err := filepath.Glob(filepath.Join(appDir, nested.dir, "*"+nested.ext))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		for _, match := range matches {
			if fi, err := os.Stat(match); err != nil || !fi.IsDir() {
				continue
			}
			children, err := Components(match)
			if err != nil {
				return nil, err
			}
			components = append(components, children...)
		}
	}
	return components, nil
}

// FindApp returns the app bundle inside an extracted package, looking in Payload/
// first and then at the top level.
func FindApp(dir string) (string, error) {
	for _, pattern := range []string{PayloadDir + "/*.app", "*.app"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return "", err
		}
		sort.Strings(matches)
		for _, match := range matches {
			if fi, err := os.Stat(match); err == nil && fi.IsDir() {
				return match, nil
			}
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoApp, dir)
}

// MoveToPayload moves appDir into the Payload directory of the extracted package at
// dir, unless it is already there, and returns its new location.
func MoveToPayload(dir, appDir string) (string, error) {
	payload := filepath.Join(dir, PayloadDir)
	if filepath.Dir(filepath.Clean(appDir)) == payload {
		return appDir, nil
	}
	if err := os.MkdirAll(payload, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(payload, filepath.Base(appDir))
	if err := os.Rename(appDir, target); err != nil {
		return "", err
	}
	return target, nil
}
