package anisette

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/supersign/interfaces"
)

// DefaultClientInfo is the client identity presented by remote ADI hosts that do not
// report their own.
const DefaultClientInfo = "<MacBookPro13,2> <macOS;13.1;22C65> <com.apple.AuthKit/1 (com.apple.dt.Xcode/3594.4.19)>"

// RemoteRawProvider is a RawADIProvider that delegates the attestation primitive to a
// remote ADI host speaking JSON over HTTP:
//
//	POST /v3/client_info
//	POST /v3/start_provisioning  {identifier, spim}               -> {session, cpim}
//	POST /v3/end_provisioning    {identifier, session, ptm, tk, routing_info} -> {adi_pb}
//	POST /v3/request_otp         {identifier, adi_pb, routing_info} -> {machine_id, otp}
//
// Binary fields are base64 encoded. Failures carry {"error_code": n} and are returned
// as *ADIError.
type RemoteRawProvider struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger

	mu       sync.Mutex
	deviceID string
}

// NewRemoteRawProvider creates a provider for the ADI host at baseURL.
func NewRemoteRawProvider(baseURL string, log *slog.Logger) *RemoteRawProvider {
	return &RemoteRawProvider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

type remoteError struct {
	ErrorCode int `json:"error_code"`
}

func (r *RemoteRawProvider) identifier() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deviceID
}

func (r *RemoteRawProvider) ClientInfo(ctx context.Context) (string, error) {
	var resp struct {
		ClientInfo string `json:"client_info"`
	}
	if err := r.call(ctx, "client_info", struct{}{}, &resp); err != nil {
		return "", err
	}
	if resp.ClientInfo == "" {
		return DefaultClientInfo, nil
	}
	return resp.ClientInfo, nil
}

func (r *RemoteRawProvider) SetDeviceID(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deviceID = deviceID
	return nil
}

func (r *RemoteRawProvider) StartProvisioning(ctx context.Context, spim []byte, userID string) (ProvisioningSession, []byte, error) {
	var resp struct {
		Session uint32 `json:"session"`
		CPIM    []byte `json:"cpim"`
	}
	err := r.call(ctx, "start_provisioning", map[string]interface{}{
		"identifier": r.identifier(),
		"spim":       spim,
	}, &resp)
	if err != nil {
		return nil, nil, err
	}
	return &remoteSession{provider: r, id: resp.Session}, resp.CPIM, nil
}

func (r *RemoteRawProvider) RequestOTP(ctx context.Context, userID string, routingInfo uint64, adiPb []byte) ([]byte, []byte, error) {
	identifier := r.identifier()
	if identifier == "" {
		identifier = DeriveDeviceID(userID)
	}

	var resp struct {
		MachineID []byte `json:"machine_id"`
		OTP       []byte `json:"otp"`
	}
	err := r.call(ctx, "request_otp", map[string]interface{}{
		"identifier":   identifier,
		"adi_pb":       adiPb,
		"routing_info": routingInfo,
	}, &resp)
	if err != nil {
		return nil, nil, err
	}
	return resp.MachineID, resp.OTP, nil
}

type remoteSession struct {
	provider *RemoteRawProvider
	id       uint32
}

func (s *remoteSession) EndProvisioning(ctx context.Context, routingInfo uint64, ptm, tk []byte) ([]byte, error) {
	var resp struct {
		AdiPb []byte `json:"adi_pb"`
	}
	err := s.provider.call(ctx, "end_provisioning", map[string]interface{}{
		"identifier":   s.provider.identifier(),
		"session":      s.id,
		"ptm":          ptm,
		"tk":           tk,
		"routing_info": routingInfo,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.AdiPb, nil
}

func (r *RemoteRawProvider) call(ctx context.Context, method string, request, response interface{}) error {
	body, err := json.Marshal(request)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v3/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var status remoteError
	if err := json.Unmarshal(data, &status); err == nil && status.ErrorCode != 0 {
		r.log.Debug("ADI host returned error", slog.String("method", method), slog.Int("code", status.ErrorCode))
		return &ADIError{Code: status.ErrorCode}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s request failed with code %d", method, resp.StatusCode)
	}

	if err := json.Unmarshal(data, response); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

// RemoteProvider fetches ready-made anisette data from a relay serving the headers as
// a flat JSON object on GET /. The relay owns provisioning, so ResetProvisioning asks
// it to reset via POST /reset.
type RemoteProvider struct {
	url        string
	httpClient *http.Client
	log        *slog.Logger
}

// NewRemoteProvider creates a provider for the relay at url.
func NewRemoteProvider(url string, log *slog.Logger) *RemoteProvider {
	return &RemoteProvider{
		url:        strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

func (p *RemoteProvider) FetchAnisetteData(ctx context.Context) (*interfaces.AnisetteData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anisette relay request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anisette relay request failed with code %d", resp.StatusCode)
	}

	var headers map[string]string
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&headers); err != nil {
		return nil, fmt.Errorf("failed to decode anisette data: %w", err)
	}

	return ParseHeaders(headers)
}

func (p *RemoteProvider) ResetProvisioning(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/reset", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("anisette relay reset failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("anisette relay reset failed with code %d", resp.StatusCode)
	}
	p.log.Info("Anisette relay provisioning reset", slog.String("url", p.url))
	return nil
}

// ParseHeaders is the inverse of interfaces.AnisetteData.Headers.
func ParseHeaders(h map[string]string) (*interfaces.AnisetteData, error) {
	for _, required := range []string{interfaces.HeaderOTP, interfaces.HeaderMachineID} {
		if h[required] == "" {
			return nil, fmt.Errorf("anisette data is missing %s", required)
		}
	}

	data := &interfaces.AnisetteData{
		ClientTime:   time.Now(),
		MachineID:    h[interfaces.HeaderMachineID],
		OneTimeCode:  h[interfaces.HeaderOTP],
		LocalUserUID: h[interfaces.HeaderLocalUser],
		Locale:       h[interfaces.HeaderLocale],
		TimeZone:     h[interfaces.HeaderTimeZone],
		ClientInfo:   h[interfaces.HeaderClientInfo],
		DeviceInfo: interfaces.DeviceInfo{
			DeviceID:        h[interfaces.HeaderDeviceID],
			ROMAddress:      h[interfaces.HeaderROMAddress],
			MLBSerialNumber: h[interfaces.HeaderMLBSerial],
			SerialNumber:    h[interfaces.HeaderSerialNumber],
		},
	}

	if v := h[interfaces.HeaderRoutingInfo]; v != "" {
		routingInfo, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", interfaces.HeaderRoutingInfo, err)
		}
		data.RoutingInfo = routingInfo
	}
	if v := h[interfaces.HeaderClientTime]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			data.ClientTime = t
		}
	}
	if data.Locale == "" {
		data.Locale = "en_US"
	}
	if data.TimeZone == "" {
		data.TimeZone = "UTC"
	}
	return data, nil
}
