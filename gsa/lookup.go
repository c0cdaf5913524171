package gsa

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"howett.net/plist"
)

// DefaultLookupURL is the production endpoint directory.
const DefaultLookupURL = "https://gsa.apple.com/grandslam/GsService2/lookup"

// Endpoint names a URL advertised by the lookup service.
type Endpoint string

const (
	EndpointGsService                  Endpoint = "gsService"
	EndpointMidStartProvisioning       Endpoint = "midStartProvisioning"
	EndpointMidFinishProvisioning      Endpoint = "midFinishProvisioning"
	EndpointTrustedDeviceSecondaryAuth Endpoint = "trustedDeviceSecondaryAuth"
	EndpointSecondaryAuth              Endpoint = "secondaryAuth"
	EndpointValidateCode               Endpoint = "validateCode"
)

type lookupResponse struct {
	URLs map[string]string `plist:"urls"`
}

// LookupManager resolves backend endpoint URLs. The first successful lookup is cached
// for the lifetime of the manager; concurrent first calls share one request.
type LookupManager struct {
	client *Client
	url    string

	mu        sync.Mutex
	endpoints map[string]string
}

func newLookupManager(client *Client, url string) *LookupManager {
	return &LookupManager{client: client, url: url}
}

// URL returns the URL of the given endpoint, performing the lookup on first use.
func (m *LookupManager) URL(ctx context.Context, endpoint Endpoint) (string, error) {
	endpoints, err := m.fetchEndpoints(ctx)
	if err != nil {
		return "", err
	}

	url, ok := endpoints[string(endpoint)]
	if !ok || url == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	return url, nil
}

func (m *LookupManager) fetchEndpoints(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.endpoints != nil {
		return m.endpoints, nil
	}

	endpoints, err := m.performLookup(ctx)
	if err != nil {
		return nil, err
	}

	m.endpoints = endpoints
	return endpoints, nil
}

func (m *LookupManager) performLookup(ctx context.Context) (map[string]string, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup request: %w", err)
	}

	_, offset := time.Now().In(m.client.location).Zone()
	deviceInfo := m.client.deviceInfo
	req.Header.Set(headerClientInfo, deviceInfo.ClientInfo())
	req.Header.Set(headerDeviceID, deviceInfo.DeviceID)
	req.Header.Set(headerILocale, m.client.locale)
	req.Header.Set(headerTimeZone, m.client.location.String())
	req.Header.Set("X-Apple-I-TimeZone-Offset", strconv.Itoa(offset))
	req.Header.Set("X-MMe-Country", m.client.country())

	resp, err := m.client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lookup request failed with code %d", resp.StatusCode)
	}

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	var parsed lookupResponse
	if _, err := plist.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode lookup response: %w", err)
	}

	m.client.log.Debug("Resolved endpoints",
		slog.Int("count", len(parsed.URLs)),
		slog.Duration("duration", time.Since(start)))

	return parsed.URLs, nil
}
