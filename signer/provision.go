package signer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/ruteri/supersign/bundle"
	"github.com/ruteri/supersign/devservices"
	"howett.net/plist"
)

// provisioningInfo is the outcome of provisioning one component.
type provisioningInfo struct {
	dir          string
	newBundleID  string
	profile      []byte
	entitlements map[string]interface{}
}

type provisioningResult struct {
	signingInfo *devservices.SigningInfo
	components  []provisioningInfo
}

// provision registers the device, fetches a signing identity and, for every component
// of the app, upserts its app id and groups and fetches a current profile.
func (s *Signer) provision(ctx context.Context, appDir string, progress func(float64)) (*provisioningResult, error) {
	sc := s.context

	dirs, err := bundle.Components(appDir)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate components: %w", err)
	}

	if _, err := devservices.RegisterDevice(ctx, sc.Scope, sc.UDID, sc.DeviceName); err != nil {
		return nil, err
	}

	info, err := devservices.FetchSigningInfo(ctx, sc.Scope, sc.SigningInfoManager, sc.Confirmer, sc.MachineName)
	if err != nil {
		return nil, err
	}

	steps := float64(len(dirs) + 1)
	progress(1 / steps)

	result := &provisioningResult{signingInfo: info}
	for i, dir := range dirs {
		component, err := s.provisionComponent(ctx, dir, info)
		if err != nil {
			return nil, err
		}
		result.components = append(result.components, *component)
		progress(float64(i+2) / steps)
	}
	return result, nil
}

func (s *Signer) provisionComponent(ctx context.Context, dir string, info *devservices.SigningInfo) (*provisioningInfo, error) {
	sc := s.context

	manifest, _, err := bundle.ReadInfo(dir)
	if err != nil {
		return nil, &SignerError{Kind: ErrorReading, File: bundle.InfoPlistName, Err: err}
	}
	bundleID := manifest.BundleID()
	if bundleID == "" {
		return nil, &SignerError{Kind: ErrorReading, File: bundle.InfoPlistName, Err: fmt.Errorf("missing bundle identifier")}
	}

	requested := map[string]interface{}{}
	if executable := manifest.Executable(); executable != "" {
		raw, err := sc.SignerImpl.Analyze(ctx, filepath.Join(dir, executable))
		if err != nil {
			return nil, fmt.Errorf("failed to analyze %s: %w", executable, err)
		}
		if len(raw) > 0 {
			if _, err := plist.Unmarshal(raw, &requested); err != nil {
				return nil, fmt.Errorf("invalid entitlements in %s: %w", executable, err)
			}
		}
	}

	appID, err := devservices.UpsertAppID(ctx, sc.Scope, bundleID, devservices.FeaturesForEntitlements(requested))
	if err != nil {
		return nil, err
	}

	groups := devservices.AppGroupsFromEntitlements(requested)
	var assigned []string
	if len(groups) > 0 {
		if assigned, err = devservices.AssignAppGroups(ctx, sc.Scope, appID, groups); err != nil {
			return nil, err
		}
	}

	profile, err := devservices.FetchProfile(ctx, sc.Scope, appID, func(p devservices.Profile) (bool, error) {
		parsed, err := bundle.ParseProfile(p.Encoded)
		if err != nil {
			return false, err
		}
		return parsed.Usable(info.Certificate, sc.UDID, time.Now()), nil
	})
	if err != nil {
		return nil, err
	}

	parsed, err := bundle.ParseProfile(profile.Encoded)
	if err != nil {
		return nil, err
	}

	s.log.Debug("Provisioned component",
		slog.String("bundleID", bundleID),
		slog.String("appID", appID.Identifier),
		slog.Int("groups", len(assigned)))

	return &provisioningInfo{
		dir:          dir,
		newBundleID:  appID.Identifier,
		profile:      profile.Encoded,
		entitlements: finalEntitlements(parsed.Entitlements, assigned),
	}, nil
}

// finalEntitlements returns the profile's entitlements with the app groups narrowed to
// the ones assigned to the component.
func finalEntitlements(granted map[string]interface{}, groups []string) map[string]interface{} {
	out := make(map[string]interface{}, len(granted))
	for k, v := range granted {
		out[k] = v
	}
	delete(out, devservices.EntitlementAppGroups)
	if len(groups) > 0 {
		list := make([]interface{}, len(groups))
		for i, g := range groups {
			list[i] = g
		}
		out[devservices.EntitlementAppGroups] = list
	}
	return out
}

func encodeEntitlements(entitlements map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := plist.NewEncoderForFormat(&buf, plist.XMLFormat)
	enc.Indent("\t")
	if err := enc.Encode(entitlements); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
