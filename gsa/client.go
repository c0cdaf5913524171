package gsa

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/supersign/interfaces"
	"howett.net/plist"
)

const (
	headerClientInfo = interfaces.HeaderClientInfo
	headerDeviceID   = interfaces.HeaderDeviceID
	headerILocale    = interfaces.HeaderILocale
	headerTimeZone   = interfaces.HeaderTimeZone

	// authClientInfo replaces the device's own client info on account operations.
	authClientInfo = "<PC> <Windows;6.2(0,0);9200> <com.apple.AuthKitWin/1 (com.apple.iCloud/7.21)>"

	protocolVersion = "1.0.1"
	maxBodySize     = 4 << 20
)

// ClientConfig configures a Client.
type ClientConfig struct {
	DeviceInfo interfaces.DeviceInfo
	// LookupURL overrides DefaultLookupURL.
	LookupURL string
	// Locale is an identifier such as "en_US". Defaults to en_US.
	Locale string
	// Location defaults to UTC.
	Location   *time.Location
	HTTPClient *http.Client
	Log        *slog.Logger
}

// Client is the long-lived account backend context. It owns the endpoint cache, so
// independent sessions in one process use independent clients.
type Client struct {
	httpClient *http.Client
	deviceInfo interfaces.DeviceInfo
	locale     string
	location   *time.Location
	lookup     *LookupManager
	log        *slog.Logger
}

// NewClient creates a client. No network requests are made until first use.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		httpClient: cfg.HTTPClient,
		deviceInfo: cfg.DeviceInfo,
		locale:     cfg.Locale,
		location:   cfg.Location,
		log:        cfg.Log,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.locale == "" {
		c.locale = "en_US"
	}
	if c.location == nil {
		c.location = time.UTC
	}
	if c.log == nil {
		c.log = slog.Default()
	}

	lookupURL := cfg.LookupURL
	if lookupURL == "" {
		lookupURL = DefaultLookupURL
	}
	c.lookup = newLookupManager(c, lookupURL)
	return c
}

func (c *Client) DeviceInfo() interfaces.DeviceInfo { return c.deviceInfo }
func (c *Client) Lookup() *LookupManager            { return c.lookup }
func (c *Client) Locale() string                    { return c.locale }
func (c *Client) Location() *time.Location          { return c.location }

func (c *Client) country() string {
	if _, region, ok := strings.Cut(c.locale, "_"); ok {
		return region
	}
	return "US"
}

type operationStatus struct {
	Code     int    `plist:"ec"`
	Message  string `plist:"em"`
	AuthType string `plist:"au"`
}

type statusEnvelope struct {
	Response struct {
		Status operationStatus `plist:"Status"`
	} `plist:"Response"`
}

type responseEnvelope[T any] struct {
	Response T `plist:"Response"`
}

// decodeOperation checks the status envelope and then decodes the payload into T.
func decodeOperation[T any](body []byte) (*T, operationStatus, error) {
	var status statusEnvelope
	if _, err := plist.Unmarshal(body, &status); err != nil {
		return nil, operationStatus{}, fmt.Errorf("failed to decode response status: %w", err)
	}

	s := status.Response.Status
	if s.Code != 0 {
		return nil, s, &OperationError{Code: s.Code, Message: s.Message}
	}

	var payload responseEnvelope[T]
	if _, err := plist.Unmarshal(body, &payload); err != nil {
		return nil, s, fmt.Errorf("failed to decode response: %w", err)
	}
	return &payload.Response, s, nil
}

// post sends a plist body and returns the raw response body. Non-2xx responses are
// still returned when they carry a body so the status envelope can be inspected.
func (c *Client) post(ctx context.Context, url string, headers map[string]string, body interface{}) ([]byte, error) {
	encoded, err := plist.Marshal(body, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/x-xml-plist")
	req.Header.Set("Accept", "*/*")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 && len(data) == 0 {
		return nil, fmt.Errorf("request failed with code %d", resp.StatusCode)
	}
	return data, nil
}

// operation performs a GsService2 operation o for username u. The anisette data is
// embedded in the client-provided-data dictionary.
func operation[T any](ctx context.Context, c *Client, op, username string, params map[string]interface{}, anisette *interfaces.AnisetteData) (*T, operationStatus, error) {
	url, err := c.lookup.URL(ctx, EndpointGsService)
	if err != nil {
		return nil, operationStatus{}, err
	}

	cpd := anisette.CPD()
	cpd["loc"] = c.locale

	request := map[string]interface{}{
		"o":   op,
		"u":   username,
		"cpd": cpd,
	}
	for k, v := range params {
		request[k] = v
	}

	body := map[string]interface{}{
		"Header":  map[string]interface{}{"Version": protocolVersion},
		"Request": request,
	}

	headers := map[string]string{
		"User-Agent":     c.deviceInfo.UserAgent(),
		headerClientInfo: authClientInfo,
	}

	data, err := c.post(ctx, url, headers, body)
	if err != nil {
		return nil, operationStatus{}, fmt.Errorf("%s: %w", op, err)
	}

	return decodeOperation[T](data)
}

// Provision sends a machine provisioning message to endpoint. The request dictionary
// is wrapped in the provisioning envelope, which carries an empty header.
func (c *Client) Provision(ctx context.Context, endpoint Endpoint, headers map[string]string, request map[string]interface{}) (map[string]interface{}, error) {
	url, err := c.lookup.URL(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"Header":  map[string]interface{}{},
		"Request": request,
	}

	data, err := c.post(ctx, url, headers, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}

	resp, _, err := decodeOperation[map[string]interface{}](data)
	if err != nil {
		return nil, err
	}
	return *resp, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, nil
}
