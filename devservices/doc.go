// Package devservices is the developer services resource client: teams, devices,
// certificates, app ids, app groups and provisioning profiles.
//
// Every call goes through Client.Do, which attaches the account token and fresh
// anisette headers, posts a plist body to
//
//	/services/QH65B2/<platform>/<subAction>.action?clientId=XABBG36SBA
//
// and maps a non-zero resultCode to *APIError. Send decodes the value stored under the
// request's response key into a typed result.
//
// # Upsert
//
// Resources are created idempotently. Their human identifiers are reduced to a
// sanitized key (see Identifiers.Sanitize); an existing resource with the same key is
// reused, otherwise one is created under a team-qualified identifier. Running an
// upsert twice therefore never creates a second resource:
//
//	scope := devservices.Scope{Client: client, Platform: devservices.PlatformIOS, TeamID: team}
//	appID, err := devservices.UpsertAppID(ctx, scope, "com.example.app", nil)
//	groups, err := devservices.AssignAppGroups(ctx, scope, appID, []string{"group.com.example"})
//
// # Certificates
//
// FetchSigningInfo returns a signing identity for a team, reusing the one held by the
// SigningInfoManager while developer services still lists its certificate. Revoking
// certificates, including when the team's certificate quota is reached, always goes
// through the RevocationConfirmer first.
package devservices
