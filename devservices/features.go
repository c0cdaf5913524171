package devservices

import "sort"

// Entitlement keys with meaning to provisioning.
const (
	EntitlementAppGroups         = "com.apple.security.application-groups"
	EntitlementAppIdentifier     = "application-identifier"
	EntitlementTeamIdentifier    = "com.apple.developer.team-identifier"
	EntitlementKeychainGroups    = "keychain-access-groups"
	EntitlementGetTaskAllow      = "get-task-allow"
	EntitlementAssociatedDomains = "com.apple.developer.associated-domains"
	EntitlementPushEnvironment   = "aps-environment"
)

// entitlementFeatures maps entitlements to the app id feature they need.
var entitlementFeatures = map[string]string{
	EntitlementAppGroups:                              "APG3427HIY",
	EntitlementAssociatedDomains:                      "SKC3T5S89Y",
	EntitlementPushEnvironment:                        "push",
	"com.apple.developer.networking.networkextension": "NWEXT04537",
	"com.apple.developer.networking.vpn.api":          "V66P55NK2I",
	"com.apple.developer.homekit":                     "homeKit",
	"com.apple.developer.healthkit":                   "HK421J6T7P",
	"com.apple.developer.siri":                        "SI015DKUHP",
	"inter-app-audio":                                 "IAD53UNK2F",
	"com.apple.developer.networking.wifi-info":        "WFI3F3B2VQ",
}

// FeaturesForEntitlements returns the app id features required by entitlements.
func FeaturesForEntitlements(entitlements map[string]interface{}) map[string]interface{} {
	features := make(map[string]interface{})
	for key := range entitlements {
		if feature, ok := entitlementFeatures[key]; ok {
			features[feature] = true
		}
	}
	return features
}

// AppGroupsFromEntitlements returns the sorted app group identifiers requested by
// entitlements.
func AppGroupsFromEntitlements(entitlements map[string]interface{}) []string {
	raw, _ := entitlements[EntitlementAppGroups].([]interface{})
	groups := make([]string, 0, len(raw))
	for _, g := range raw {
		if s, ok := g.(string); ok && s != "" {
			groups = append(groups, s)
		}
	}
	sort.Strings(groups)
	return groups
}
