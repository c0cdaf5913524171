package anisette

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/supersign/gsa"
	"github.com/ruteri/supersign/interfaces"
	"golang.org/x/sync/singleflight"
)

// ADIProvider produces anisette data from a RawADIProvider, provisioning the machine
// with the account backend on first use and persisting the result.
//
// Concurrent callers that find the machine unprovisioned share one provisioning run.
// Failures are returned as-is and never retried here.
type ADIProvider struct {
	raw     RawADIProvider
	client  *gsa.Client
	storage interfaces.KeyValueStorage
	log     *slog.Logger

	flight singleflight.Group

	mu           sync.Mutex
	loaded       bool
	localUserUID string
	data         *interfaces.ProvisioningData
}

// NewADIProvider creates a provider. Provisioning state is read from storage lazily.
func NewADIProvider(raw RawADIProvider, client *gsa.Client, storage interfaces.KeyValueStorage, log *slog.Logger) *ADIProvider {
	return &ADIProvider{
		raw:     raw,
		client:  client,
		storage: storage,
		log:     log,
	}
}

// ProvisioningData returns the current provisioning outcome, or interfaces.ErrNotFound
// while the machine is unprovisioned.
func (p *ADIProvider) ProvisioningData(ctx context.Context) (*interfaces.ProvisioningData, error) {
	_, data, err := p.state(ctx)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, interfaces.ErrNotFound
	}
	return data, nil
}

// FetchAnisetteData returns a fresh one-time attestation, provisioning first if needed.
func (p *ADIProvider) FetchAnisetteData(ctx context.Context) (*interfaces.AnisetteData, error) {
	data, err := p.provisioned(ctx)
	if err != nil {
		return nil, err
	}

	machineID, otp, err := p.raw.RequestOTP(ctx, data.LocalUserUID, data.RoutingInfo, data.AdiPb)
	if err != nil {
		return nil, fmt.Errorf("failed to request OTP: %w", err)
	}

	clientInfo, err := p.raw.ClientInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch client info: %w", err)
	}

	now := time.Now()
	zone, _ := now.In(p.client.Location()).Zone()

	return &interfaces.AnisetteData{
		ClientTime:   now,
		RoutingInfo:  data.RoutingInfo,
		MachineID:    base64.StdEncoding.EncodeToString(machineID),
		OneTimeCode:  base64.StdEncoding.EncodeToString(otp),
		LocalUserUID: localUserHeader(data.LocalUserUID),
		DeviceInfo:   p.client.DeviceInfo(),
		Locale:       p.client.Locale(),
		TimeZone:     zone,
		ClientInfo:   clientInfo,
	}, nil
}

// ResetProvisioning deletes the persisted provisioning data. The next fetch provisions
// again under a new local user id.
func (p *ADIProvider) ResetProvisioning(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.storage.SetData(ctx, interfaces.KeyADIProvisioningData, nil); err != nil {
		return fmt.Errorf("failed to clear provisioning data: %w", err)
	}

	p.log.Info("Anisette provisioning reset", slog.String("localUserUID", p.localUserUID))
	p.loaded = false
	p.localUserUID = ""
	p.data = nil
	return nil
}

// state loads the persisted state once and assigns a local user id if there is none.
func (p *ADIProvider) state(ctx context.Context) (string, *interfaces.ProvisioningData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loaded {
		return p.localUserUID, p.data, nil
	}

	raw, err := p.storage.Data(ctx, interfaces.KeyADIProvisioningData)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
	case err != nil:
		return "", nil, fmt.Errorf("failed to load provisioning data: %w", err)
	default:
		var data interfaces.ProvisioningData
		if err := json.Unmarshal(raw, &data); err != nil {
			return "", nil, fmt.Errorf("invalid provisioning data: %w", err)
		}
		p.data = &data
		p.localUserUID = data.LocalUserUID
	}

	if p.localUserUID == "" {
		p.localUserUID = strings.ToUpper(uuid.NewString())
	}
	p.loaded = true
	return p.localUserUID, p.data, nil
}

func (p *ADIProvider) provisioned(ctx context.Context) (*interfaces.ProvisioningData, error) {
	uid, data, err := p.state(ctx)
	if err != nil {
		return nil, err
	}
	if data != nil {
		return data, nil
	}

	// The flight outlives any single caller; each caller stops waiting on its own ctx.
	ch := p.flight.DoChan(uid, func() (interface{}, error) {
		p.mu.Lock()
		data := p.data
		p.mu.Unlock()
		if data != nil && data.LocalUserUID == uid {
			return data, nil
		}
		return p.provision(context.WithoutCancel(ctx), uid)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			p.log.Debug("Joined in-flight provisioning", slog.String("localUserUID", uid))
		}
		return res.Val.(*interfaces.ProvisioningData), nil
	}
}

func (p *ADIProvider) provision(ctx context.Context, uid string) (*interfaces.ProvisioningData, error) {
	log := p.log.With(slog.String("localUserUID", uid))
	log.Info("Provisioning anisette")

	if err := p.raw.SetDeviceID(ctx, DeriveDeviceID(uid)); err != nil {
		return nil, fmt.Errorf("failed to register device id: %w", err)
	}

	headers, err := p.provisioningHeaders(ctx)
	if err != nil {
		return nil, err
	}

	start, err := p.client.Provision(ctx, gsa.EndpointMidStartProvisioning, headers, map[string]interface{}{})
	if err != nil {
		return nil, fmt.Errorf("failed to start provisioning: %w", err)
	}
	spim, err := dataField(start, "spim")
	if err != nil {
		return nil, err
	}

	session, cpim, err := p.raw.StartProvisioning(ctx, spim, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to start ADI provisioning: %w", err)
	}

	finish, err := p.client.Provision(ctx, gsa.EndpointMidFinishProvisioning, headers, map[string]interface{}{
		"cpim": base64.StdEncoding.EncodeToString(cpim),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to finish provisioning: %w", err)
	}

	ptm, err := dataField(finish, "ptm")
	if err != nil {
		return nil, err
	}
	tk, err := dataField(finish, "tk")
	if err != nil {
		return nil, err
	}
	routingInfo, err := routingInfoField(finish)
	if err != nil {
		return nil, err
	}

	adiPb, err := session.EndProvisioning(ctx, routingInfo, ptm, tk)
	if err != nil {
		return nil, fmt.Errorf("failed to end ADI provisioning: %w", err)
	}

	data := &interfaces.ProvisioningData{
		LocalUserUID: uid,
		RoutingInfo:  routingInfo,
		AdiPb:        adiPb,
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// A reset while provisioning retires uid. The result still serves the callers
	// that were waiting for it but is neither persisted nor cached.
	if !p.loaded || p.localUserUID != uid {
		log.Info("Discarding provisioning superseded by reset")
		return data, nil
	}
	if err := p.storage.SetData(ctx, interfaces.KeyADIProvisioningData, encoded); err != nil {
		return nil, fmt.Errorf("failed to persist provisioning data: %w", err)
	}
	p.data = data

	log.Info("Anisette provisioned", slog.Uint64("routingInfo", routingInfo))
	return data, nil
}

func (p *ADIProvider) provisioningHeaders(ctx context.Context) (map[string]string, error) {
	clientInfo, err := p.raw.ClientInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch client info: %w", err)
	}

	now := time.Now()
	zone, _ := now.In(p.client.Location()).Zone()

	headers := p.client.DeviceInfo().Headers()
	headers[interfaces.HeaderClientInfo] = clientInfo
	headers[interfaces.HeaderClientTime] = now.UTC().Format("2006-01-02T15:04:05Z")
	headers[interfaces.HeaderTimeZone] = zone
	headers[interfaces.HeaderLocale] = p.client.Locale()
	return headers, nil
}

func dataField(resp map[string]interface{}, key string) ([]byte, error) {
	switch v := resp[key].(type) {
	case []byte:
		return v, nil
	case string:
		data, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("provisioning response is missing %s", key)
	}
}

func routingInfoField(resp map[string]interface{}) (uint64, error) {
	switch v := resp[interfaces.HeaderRoutingInfo].(type) {
	case uint64:
		return v, nil
	case int64:
		return uint64(v), nil
	case string:
		return strconv.ParseUint(v, 10, 64)
	default:
		return 0, fmt.Errorf("provisioning response is missing %s", interfaces.HeaderRoutingInfo)
	}
}
