package devservices

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/supersign/interfaces"
	"howett.net/plist"
)

const (
	// DefaultBaseURL is the developer services host.
	DefaultBaseURL = "https://developerservices2.apple.com"

	protocolVersion = "QH65B2"
	clientID        = "XABBG36SBA"
	xcodeAuthApp    = "com.apple.gs.xcode.auth"
	maxBodySize     = 8 << 20
)

// Platform selects the device family a request applies to.
type Platform string

const (
	PlatformIOS   Platform = "ios"
	PlatformTVOS  Platform = "tvos"
	PlatformMacOS Platform = "mac"
)

// Request describes one developer services call. ResponseKey names the response field
// holding the result; it is empty for calls whose result is only the status.
type Request struct {
	Platform    Platform
	TeamID      string
	SubAction   string
	Params      map[string]interface{}
	ResponseKey string
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL overrides DefaultBaseURL.
	BaseURL    string
	Token      interfaces.AuthToken
	Anisette   interfaces.AnisetteDataProvider
	Locale     string
	HTTPClient *http.Client
	Log        *slog.Logger
}

// Client sends authenticated developer services requests. Every resource operation
// goes through Do.
type Client struct {
	baseURL    string
	token      interfaces.AuthToken
	anisette   interfaces.AnisetteDataProvider
	locale     string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates a client authorized by cfg.Token.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		token:      cfg.Token,
		anisette:   cfg.Anisette,
		locale:     cfg.Locale,
		httpClient: cfg.HTTPClient,
		log:        cfg.Log,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.locale == "" {
		c.locale = "en_US"
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Token returns the token the client was created with.
func (c *Client) Token() interfaces.AuthToken {
	return c.token
}

func (c *Client) url(req Request) string {
	if req.Platform == "" {
		return fmt.Sprintf("%s/services/%s/%s.action?clientId=%s", c.baseURL, protocolVersion, req.SubAction, clientID)
	}
	return fmt.Sprintf("%s/services/%s/%s/%s.action?clientId=%s", c.baseURL, protocolVersion, req.Platform, req.SubAction, clientID)
}

// Do performs req and decodes the value under req.ResponseKey into out. out may be nil.
func (c *Client) Do(ctx context.Context, req Request, out interface{}) error {
	body := map[string]interface{}{
		"clientId":        clientID,
		"protocolVersion": protocolVersion,
		"requestId":       strings.ToUpper(uuid.NewString()),
		"userLocale":      []string{c.locale},
	}
	if req.TeamID != "" {
		body["teamId"] = req.TeamID
	}
	for k, v := range req.Params {
		body[k] = v
	}

	encoded, err := plist.Marshal(body, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", req.SubAction, err)
	}

	anisette, err := c.anisette.FetchAnisetteData(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch anisette data: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(req), bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "text/x-xml-plist")
	httpReq.Header.Set("Accept", "text/x-xml-plist")
	httpReq.Header.Set("User-Agent", "Xcode")
	httpReq.Header.Set("X-Apple-App-Info", xcodeAuthApp)
	httpReq.Header.Set(interfaces.HeaderXcodeVersion, interfaces.XcodeVersion)
	httpReq.Header.Set("X-Apple-I-Identity-Id", c.token.ADSID)
	httpReq.Header.Set("X-Apple-GS-Token", c.token.SessionToken)
	for k, v := range anisette.Headers() {
		httpReq.Header.Set(k, v)
	}

	c.log.Debug("Developer services request",
		slog.String("action", req.SubAction),
		slog.String("platform", string(req.Platform)),
		slog.String("team", req.TeamID))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", req.SubAction, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", req.SubAction, err)
	}

	var envelope map[string]interface{}
	if _, err := plist.Unmarshal(data, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s request failed with code %d", req.SubAction, resp.StatusCode)
		}
		return fmt.Errorf("failed to decode %s response: %w", req.SubAction, err)
	}

	if apiErr := envelopeError(envelope); apiErr != nil {
		c.log.Debug("Developer services error",
			slog.String("action", req.SubAction),
			slog.Int("code", apiErr.Code),
			slog.String("message", apiErr.Message))
		return apiErr
	}

	if out == nil || req.ResponseKey == "" {
		return nil
	}

	value, ok := envelope[req.ResponseKey]
	if !ok {
		return fmt.Errorf("%s response is missing %s", req.SubAction, req.ResponseKey)
	}
	return remarshal(value, out)
}

// Send performs req and returns the decoded value.
func Send[V any](ctx context.Context, c *Client, req Request) (V, error) {
	var v V
	err := c.Do(ctx, req, &v)
	return v, err
}

func envelopeError(envelope map[string]interface{}) *APIError {
	code := toInt(envelope["resultCode"])
	if code == 0 {
		return nil
	}

	message, _ := envelope["userString"].(string)
	if message == "" {
		message, _ = envelope["resultString"].(string)
	}
	return &APIError{Code: code, Message: message}
}

// remarshal decodes a value already parsed into generic plist types into out.
func remarshal(value interface{}, out interface{}) error {
	data, err := plist.Marshal(value, plist.BinaryFormat)
	if err != nil {
		return err
	}
	if _, err := plist.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response value: %w", err)
	}
	return nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case uint64:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	case string:
		var i int
		fmt.Sscanf(n, "%d", &i)
		return i
	default:
		return 0
	}
}
