package devservices

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Scope binds resource operations to one team on one platform.
type Scope struct {
	Client   *Client
	Platform Platform
	TeamID   string
}

func (s Scope) Identifiers() Identifiers {
	return Identifiers{TeamID: s.TeamID}
}

func indexBy[R any](items []R, keyOf func(R) string) map[string]R {
	index := make(map[string]R, len(items))
	for _, item := range items {
		index[keyOf(item)] = item
	}
	return index
}

// upsert returns the resource stored under key, creating it if there is none.
func upsert[R any](ctx context.Context, key string, index map[string]R, create func(context.Context) (R, error)) (R, bool, error) {
	if existing, ok := index[key]; ok {
		return existing, false, nil
	}
	created, err := create(ctx)
	if err != nil {
		return created, false, err
	}
	return created, true, nil
}

// RegisterDevice makes sure the device with udid is registered with the team.
func RegisterDevice(ctx context.Context, s Scope, udid, name string) (Device, error) {
	devices, err := ListDevices(ctx, s.Client, s.Platform, s.TeamID)
	if err != nil {
		return Device{}, fmt.Errorf("failed to list devices: %w", err)
	}

	index := indexBy(devices, func(d Device) string { return strings.ToLower(d.UDID) })
	device, created, err := upsert(ctx, strings.ToLower(udid), index, func(ctx context.Context) (Device, error) {
		return AddDevice(ctx, s.Client, s.Platform, s.TeamID, udid, name)
	})
	if err != nil {
		return Device{}, fmt.Errorf("failed to add device: %w", err)
	}
	if created {
		s.Client.log.Info("Registered device", slog.String("udid", udid), slog.String("team", s.TeamID))
	}
	return device, nil
}

// UpsertAppID returns the app id registered for bundleID, registering it if needed,
// and makes sure it has at least the requested features enabled.
func UpsertAppID(ctx context.Context, s Scope, bundleID string, features map[string]interface{}) (AppID, error) {
	ids := s.Identifiers()
	key := ids.Sanitize(bundleID)
	if key == "" {
		return AppID{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, bundleID)
	}

	existing, err := ListAppIDs(ctx, s.Client, s.Platform, s.TeamID)
	if err != nil {
		return AppID{}, fmt.Errorf("failed to list app ids: %w", err)
	}

	index := indexBy(existing, func(a AppID) string { return ids.Sanitize(a.Identifier) })
	appID, created, err := upsert(ctx, key, index, func(ctx context.Context) (AppID, error) {
		return AddAppID(ctx, s.Client, s.Platform, s.TeamID, ids.AppID(key), ids.Name(key), features)
	})
	if err != nil {
		return AppID{}, fmt.Errorf("failed to add app id: %w", err)
	}
	if created || !missingFeatures(appID.Features, features) {
		return appID, nil
	}

	s.Client.log.Debug("Updating app id features", slog.String("appID", appID.Identifier))
	updated, err := UpdateAppID(ctx, s.Client, s.Platform, s.TeamID, appID.ID, features)
	if err != nil {
		return AppID{}, fmt.Errorf("failed to update app id: %w", err)
	}
	return updated, nil
}

func missingFeatures(have, want map[string]interface{}) bool {
	for k, v := range want {
		if h, ok := have[k]; !ok || fmt.Sprint(h) != fmt.Sprint(v) {
			return true
		}
	}
	return false
}

// UpsertAppGroup returns the group registered for groupID, registering it if needed.
func UpsertAppGroup(ctx context.Context, s Scope, groupID string) (AppGroup, error) {
	groups, err := ListAppGroups(ctx, s.Client, s.Platform, s.TeamID)
	if err != nil {
		return AppGroup{}, fmt.Errorf("failed to list app groups: %w", err)
	}
	return upsertAppGroup(ctx, s, groupID, groupIndex(s, groups))
}

func groupIndex(s Scope, groups []AppGroup) map[string]AppGroup {
	ids := s.Identifiers()
	return indexBy(groups, func(g AppGroup) string { return ids.Sanitize(g.Identifier) })
}

func upsertAppGroup(ctx context.Context, s Scope, groupID string, index map[string]AppGroup) (AppGroup, error) {
	ids := s.Identifiers()
	key := ids.Sanitize(groupID)
	if key == "" {
		return AppGroup{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, groupID)
	}

	group, _, err := upsert(ctx, key, index, func(ctx context.Context) (AppGroup, error) {
		return AddAppGroup(ctx, s.Client, s.Platform, s.TeamID, ids.GroupID(key), ids.Name(key))
	})
	if err != nil {
		return AppGroup{}, fmt.Errorf("failed to add app group %s: %w", key, err)
	}
	return group, nil
}

// AssignAppGroups upserts every group in groupIDs and assigns it to appID. Groups are
// handled concurrently; the first failure fails the whole call and assignments that
// already succeeded are kept. Identifiers sanitizing to the same key are handled
// once; the remote group identifiers are returned in first-seen order.
func AssignAppGroups(ctx context.Context, s Scope, appID AppID, groupIDs []string) ([]string, error) {
	ids := s.Identifiers()
	seen := make(map[string]bool, len(groupIDs))
	unique := make([]string, 0, len(groupIDs))
	for _, groupID := range groupIDs {
		if key := ids.Sanitize(groupID); !seen[key] {
			seen[key] = true
			unique = append(unique, groupID)
		}
	}
	groupIDs = unique

	groups, err := ListAppGroups(ctx, s.Client, s.Platform, s.TeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list app groups: %w", err)
	}
	index := groupIndex(s, groups)

	assigned := make([]string, len(groupIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, groupID := range groupIDs {
		g.Go(func() error {
			group, err := upsertAppGroup(gctx, s, groupID, index)
			if err != nil {
				return err
			}
			if err := AssignAppGroup(gctx, s.Client, s.Platform, s.TeamID, appID.ID, group.ID); err != nil {
				return fmt.Errorf("failed to assign app group %s: %w", group.Identifier, err)
			}
			assigned[i] = group.Identifier
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return assigned, nil
}

// FetchProfile downloads the profile for appID. If current reports the profile as
// stale, it is deleted and downloaded again.
func FetchProfile(ctx context.Context, s Scope, appID AppID, current func(Profile) (bool, error)) (Profile, error) {
	profile, err := DownloadProfile(ctx, s.Client, s.Platform, s.TeamID, appID.ID)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to download profile: %w", err)
	}

	ok, err := current(profile)
	if err != nil {
		return Profile{}, err
	}
	if ok {
		return profile, nil
	}

	s.Client.log.Info("Replacing stale profile", slog.String("profile", profile.ID), slog.String("appID", appID.Identifier))
	if err := DeleteProfile(ctx, s.Client, s.Platform, s.TeamID, profile.ID); err != nil {
		return Profile{}, fmt.Errorf("failed to delete stale profile: %w", err)
	}

	profile, err = DownloadProfile(ctx, s.Client, s.Platform, s.TeamID, appID.ID)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to download profile: %w", err)
	}
	return profile, nil
}
