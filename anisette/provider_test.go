package anisette

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/supersign/gsa"
	"github.com/ruteri/supersign/interfaces"
	"github.com/ruteri/supersign/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDeviceInfo = interfaces.DeviceInfo{
	DeviceID:        "5E2C3C5A-4B22-4C1B-9F55-5C2E7F3E1A11",
	ROMAddress:      "a1b2c3d4e5f6",
	MLBSerialNumber: "C02123456789ABCDE",
	SerialNumber:    "C02ABCDEFGHI",
	ModelID:         "MacBookPro11,5",
}

func newTestClient(t *testing.T) (*gsa.Client, *gsa.MockServer) {
	mock := gsa.NewMockServer()
	server := httptest.NewServer(mock.Handler())
	t.Cleanup(server.Close)

	client := gsa.NewClient(gsa.ClientConfig{
		DeviceInfo: testDeviceInfo,
		LookupURL:  server.URL + "/grandslam/GsService2/lookup",
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return client, mock
}

func newTestProvider(t *testing.T, client *gsa.Client, raw RawADIProvider, store interfaces.KeyValueStorage) *ADIProvider {
	return NewADIProvider(raw, client, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestADIProvider_SingleProvisioning(t *testing.T) {
	client, mock := newTestClient(t)
	raw := &MockRawProvider{}
	store := storage.NewMemoryStorage()
	provider := newTestProvider(t, client, raw, store)

	const callers = 20
	results := make([]*interfaces.AnisetteData, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = provider.FetchAnisetteData(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, uint64(17106176), results[i].RoutingInfo)
		assert.NotEmpty(t, results[i].OneTimeCode)
		assert.NotEmpty(t, results[i].MachineID)
		assert.Equal(t, results[0].LocalUserUID, results[i].LocalUserUID)
	}

	assert.Equal(t, int32(1), mock.StartProvisioning.Load())
	assert.Equal(t, int32(1), mock.FinishProvisioning.Load())
	assert.Equal(t, int32(1), raw.Starts.Load())
	assert.Equal(t, int32(1), raw.Ends.Load())
	assert.Equal(t, int32(callers), raw.OTPs.Load())

	data, err := provider.ProvisioningData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DeriveDeviceID(data.LocalUserUID), raw.DeviceID.Load())
	assert.Equal(t, localUserHeader(data.LocalUserUID), results[0].LocalUserUID)

	stored, err := store.Data(context.Background(), interfaces.KeyADIProvisioningData)
	require.NoError(t, err)
	var persisted interfaces.ProvisioningData
	require.NoError(t, json.Unmarshal(stored, &persisted))
	assert.Equal(t, *data, persisted)
	assert.Contains(t, string(persisted.AdiPb), "adi:ptm:")
}

func TestADIProvider_PersistedState(t *testing.T) {
	client, mock := newTestClient(t)
	raw := &MockRawProvider{}
	store := storage.NewMemoryStorage()

	first := newTestProvider(t, client, raw, store)
	_, err := first.FetchAnisetteData(context.Background())
	require.NoError(t, err)

	second := newTestProvider(t, client, raw, store)
	anisette, err := second.FetchAnisetteData(context.Background())
	require.NoError(t, err)

	firstData, _ := first.ProvisioningData(context.Background())
	secondData, _ := second.ProvisioningData(context.Background())
	assert.Equal(t, firstData, secondData)
	assert.Equal(t, localUserHeader(firstData.LocalUserUID), anisette.LocalUserUID)
	assert.Equal(t, int32(1), mock.StartProvisioning.Load())
}

func TestADIProvider_Reset(t *testing.T) {
	client, mock := newTestClient(t)
	provider := newTestProvider(t, client, &MockRawProvider{}, storage.NewMemoryStorage())
	ctx := context.Background()

	_, err := provider.ProvisioningData(ctx)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = provider.FetchAnisetteData(ctx)
	require.NoError(t, err)
	before, err := provider.ProvisioningData(ctx)
	require.NoError(t, err)

	require.NoError(t, provider.ResetProvisioning(ctx))
	_, err = provider.ProvisioningData(ctx)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = provider.FetchAnisetteData(ctx)
	require.NoError(t, err)
	after, err := provider.ProvisioningData(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, before.LocalUserUID, after.LocalUserUID)
	assert.Equal(t, int32(2), mock.StartProvisioning.Load())
}

func TestADIProvider_ResetDuringProvisioning(t *testing.T) {
	client, mock := newTestClient(t)
	raw := &MockRawProvider{Block: make(chan struct{})}
	store := storage.NewMemoryStorage()
	provider := newTestProvider(t, client, raw, store)
	ctx := context.Background()

	fetched := make(chan error, 1)
	go func() {
		_, err := provider.FetchAnisetteData(ctx)
		fetched <- err
	}()

	require.Eventually(t, func() bool { return raw.Starts.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, provider.ResetProvisioning(ctx))
	close(raw.Block)
	require.NoError(t, <-fetched)

	// The retired run left nothing behind.
	_, err := provider.ProvisioningData(ctx)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = store.Data(ctx, interfaces.KeyADIProvisioningData)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = provider.FetchAnisetteData(ctx)
	require.NoError(t, err)
	data, err := provider.ProvisioningData(ctx)
	require.NoError(t, err)
	assert.Equal(t, DeriveDeviceID(data.LocalUserUID), raw.DeviceID.Load())
	assert.Equal(t, int32(2), mock.StartProvisioning.Load())

	stored, err := store.Data(ctx, interfaces.KeyADIProvisioningData)
	require.NoError(t, err)
	var persisted interfaces.ProvisioningData
	require.NoError(t, json.Unmarshal(stored, &persisted))
	assert.Equal(t, data.LocalUserUID, persisted.LocalUserUID)
}

func TestADIProvider_Failures(t *testing.T) {
	t.Run("backend status", func(t *testing.T) {
		client, mock := newTestClient(t)
		mock.ProvisioningError = gsa.CodeAnisetteReprovisionNeeded
		raw := &MockRawProvider{}
		store := storage.NewMemoryStorage()
		provider := newTestProvider(t, client, raw, store)

		_, err := provider.FetchAnisetteData(context.Background())

		var opErr *gsa.OperationError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, gsa.CodeAnisetteReprovisionNeeded, opErr.Code)
		assert.Equal(t, int32(1), mock.StartProvisioning.Load())
		assert.Equal(t, int32(0), raw.Starts.Load())

		_, err = store.Data(context.Background(), interfaces.KeyADIProvisioningData)
		assert.ErrorIs(t, err, interfaces.ErrNotFound)

		mock.ProvisioningError = 0
		_, err = provider.FetchAnisetteData(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(2), mock.StartProvisioning.Load())
	})

	t.Run("attestation primitive", func(t *testing.T) {
		client, mock := newTestClient(t)
		provider := newTestProvider(t, client, &MockRawProvider{StartError: -45061}, storage.NewMemoryStorage())

		_, err := provider.FetchAnisetteData(context.Background())

		var adiErr *ADIError
		require.ErrorAs(t, err, &adiErr)
		assert.Equal(t, -45061, adiErr.Code)
		assert.Equal(t, int32(0), mock.FinishProvisioning.Load())
	})
}

func TestADIProvider_CancelledCaller(t *testing.T) {
	client, _ := newTestClient(t)
	provider := newTestProvider(t, client, &MockRawProvider{}, storage.NewMemoryStorage())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := provider.FetchAnisetteData(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = provider.FetchAnisetteData(context.Background())
	assert.NoError(t, err)
}

func TestDeriveDeviceID(t *testing.T) {
	id := DeriveDeviceID("0E8B7AE3-1C8F-4D36-9A2B-3B0C5D8E2F11")

	assert.Len(t, id, 16)
	assert.Regexp(t, "^[0-9a-f]{16}$", id)
	assert.Equal(t, id, DeriveDeviceID("0E8B7AE3-1C8F-4D36-9A2B-3B0C5D8E2F11"))
	assert.NotEqual(t, id, DeriveDeviceID("0E8B7AE3-1C8F-4D36-9A2B-3B0C5D8E2F12"))
}

func TestLoginWithProvisionedAnisette(t *testing.T) {
	client, mock := newTestClient(t)
	mock.AddAccount(gsa.MockAccount{Username: "user@example.com", Password: "hunter2"})
	provider := newTestProvider(t, client, &MockRawProvider{}, storage.NewMemoryStorage())

	login := gsa.NewLoginManager(client, provider, slog.New(slog.NewTextHandler(io.Discard, nil)))
	token, err := login.LogIn(context.Background(), "user@example.com", "hunter2", nil)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", token.AccountIdentifier)
	assert.Equal(t, int32(1), mock.StartProvisioning.Load())
}
