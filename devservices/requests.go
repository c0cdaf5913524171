package devservices

import (
	"context"
)

// ListTeams returns every team the account belongs to.
func ListTeams(ctx context.Context, c *Client) ([]Team, error) {
	return Send[[]Team](ctx, c, Request{
		SubAction:   "listTeams",
		ResponseKey: "teams",
	})
}

func ListDevices(ctx context.Context, c *Client, platform Platform, teamID string) ([]Device, error) {
	return Send[[]Device](ctx, c, Request{
		Platform:    platform,
		TeamID:      teamID,
		SubAction:   "listDevices",
		ResponseKey: "devices",
	})
}

func AddDevice(ctx context.Context, c *Client, platform Platform, teamID, udid, name string) (Device, error) {
	return Send[Device](ctx, c, Request{
		Platform:  platform,
		TeamID:    teamID,
		SubAction: "addDevice",
		Params: map[string]interface{}{
			"deviceNumber": udid,
			"name":         name,
		},
		ResponseKey: "device",
	})
}

func ListCertificates(ctx context.Context, c *Client, platform Platform, teamID string) ([]Certificate, error) {
	return Send[[]Certificate](ctx, c, Request{
		Platform:    platform,
		TeamID:      teamID,
		SubAction:   "listAllDevelopmentCerts",
		ResponseKey: "certificates",
	})
}

// SubmitCSR submits a PEM encoded certificate signing request.
func SubmitCSR(ctx context.Context, c *Client, platform Platform, teamID string, csrPEM []byte, machineName, machineID string) (CSRResponse, error) {
	return Send[CSRResponse](ctx, c, Request{
		Platform:  platform,
		TeamID:    teamID,
		SubAction: "submitDevelopmentCSR",
		Params: map[string]interface{}{
			"csrContent":  string(csrPEM),
			"machineId":   machineID,
			"machineName": machineName,
		},
		ResponseKey: "certRequest",
	})
}

func RevokeCertificate(ctx context.Context, c *Client, platform Platform, teamID, serialNumber string) error {
	return c.Do(ctx, Request{
		Platform:  platform,
		TeamID:    teamID,
		SubAction: "revokeDevelopmentCert",
		Params: map[string]interface{}{
			"serialNumber": serialNumber,
		},
	}, nil)
}

func ListAppIDs(ctx context.Context, c *Client, platform Platform, teamID string) ([]AppID, error) {
	return Send[[]AppID](ctx, c, Request{
		Platform:    platform,
		TeamID:      teamID,
		SubAction:   "listAppIds",
		ResponseKey: "appIds",
	})
}

// AddAppID registers identifier. Features are sent as top-level parameters.
func AddAppID(ctx context.Context, c *Client, platform Platform, teamID, identifier, name string, features map[string]interface{}) (AppID, error) {
	params := map[string]interface{}{
		"identifier": identifier,
		"name":       name,
	}
	for k, v := range features {
		params[k] = v
	}
	return Send[AppID](ctx, c, Request{
		Platform:    platform,
		TeamID:      teamID,
		SubAction:   "addAppId",
		Params:      params,
		ResponseKey: "appId",
	})
}

func UpdateAppID(ctx context.Context, c *Client, platform Platform, teamID, appIDID string, features map[string]interface{}) (AppID, error) {
	params := map[string]interface{}{
		"appIdId": appIDID,
	}
	for k, v := range features {
		params[k] = v
	}
	return Send[AppID](ctx, c, Request{
		Platform:    platform,
		TeamID:      teamID,
		SubAction:   "updateAppId",
		Params:      params,
		ResponseKey: "appId",
	})
}

func ListAppGroups(ctx context.Context, c *Client, platform Platform, teamID string) ([]AppGroup, error) {
	return Send[[]AppGroup](ctx, c, Request{
		Platform:    platform,
		TeamID:      teamID,
		SubAction:   "listApplicationGroups",
		ResponseKey: "applicationGroupList",
	})
}

func AddAppGroup(ctx context.Context, c *Client, platform Platform, teamID, identifier, name string) (AppGroup, error) {
	return Send[AppGroup](ctx, c, Request{
		Platform:  platform,
		TeamID:    teamID,
		SubAction: "addApplicationGroup",
		Params: map[string]interface{}{
			"identifier": identifier,
			"name":       name,
		},
		ResponseKey: "applicationGroup",
	})
}

// AssignAppGroup associates the group with remote id groupID to the app id appIDID.
func AssignAppGroup(ctx context.Context, c *Client, platform Platform, teamID, appIDID, groupID string) error {
	return c.Do(ctx, Request{
		Platform:  platform,
		TeamID:    teamID,
		SubAction: "assignApplicationGroupToAppId",
		Params: map[string]interface{}{
			"appIdId":           appIDID,
			"applicationGroups": groupID,
		},
	}, nil)
}

// DownloadProfile returns the team provisioning profile for an app id, generating
// it if necessary.
func DownloadProfile(ctx context.Context, c *Client, platform Platform, teamID, appIDID string) (Profile, error) {
	return Send[Profile](ctx, c, Request{
		Platform:  platform,
		TeamID:    teamID,
		SubAction: "downloadTeamProvisioningProfile",
		Params: map[string]interface{}{
			"appIdId": appIDID,
		},
		ResponseKey: "provisioningProfile",
	})
}

func DeleteProfile(ctx context.Context, c *Client, platform Platform, teamID, profileID string) error {
	return c.Do(ctx, Request{
		Platform:  platform,
		TeamID:    teamID,
		SubAction: "deleteProvisioningProfile",
		Params: map[string]interface{}{
			"provisioningProfileId": profileID,
		},
	}, nil)
}
