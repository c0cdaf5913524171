package anisette

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/supersign/interfaces"
	"github.com/ruteri/supersign/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// newADIHost serves the remote ADI protocol on top of a MockRawProvider.
func newADIHost(t *testing.T, raw *MockRawProvider) *httptest.Server {
	var mu sync.Mutex
	sessions := map[uint32]ProvisioningSession{}

	writeJSON := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}
	writeErr := func(w http.ResponseWriter, err error) {
		code := -1
		if adiErr, ok := err.(*ADIError); ok {
			code = adiErr.Code
		}
		writeJSON(w, map[string]int{"error_code": code})
	}

	r := chi.NewRouter()
	r.Post("/v3/client_info", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"client_info": "<iMac20,1> <macOS;14.0;23A344> <com.apple.AuthKit/1 (com.apple.dt.Xcode/3594.4.19)>"})
	})
	r.Post("/v3/start_provisioning", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Identifier string `json:"identifier"`
			SPIM       []byte `json:"spim"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		raw.SetDeviceID(r.Context(), req.Identifier)

		session, cpim, err := raw.StartProvisioning(r.Context(), req.SPIM, req.Identifier)
		if err != nil {
			writeErr(w, err)
			return
		}
		mu.Lock()
		id := uint32(len(sessions) + 1)
		sessions[id] = session
		mu.Unlock()
		writeJSON(w, map[string]interface{}{"session": id, "cpim": cpim})
	})
	r.Post("/v3/end_provisioning", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Session     uint32 `json:"session"`
			PTM         []byte `json:"ptm"`
			TK          []byte `json:"tk"`
			RoutingInfo uint64 `json:"routing_info"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		mu.Lock()
		session := sessions[req.Session]
		mu.Unlock()

		adiPb, err := session.EndProvisioning(r.Context(), req.RoutingInfo, req.PTM, req.TK)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"adi_pb": adiPb})
	})
	r.Post("/v3/request_otp", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Identifier  string `json:"identifier"`
			AdiPb       []byte `json:"adi_pb"`
			RoutingInfo uint64 `json:"routing_info"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		mid, otp, err := raw.RequestOTP(r.Context(), req.Identifier, req.RoutingInfo, req.AdiPb)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"machine_id": mid, "otp": otp})
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func TestRemoteRawProvider(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("provisions through the host", func(t *testing.T) {
		raw := &MockRawProvider{}
		host := newADIHost(t, raw)
		client, mock := newTestClient(t)

		provider := NewADIProvider(NewRemoteRawProvider(host.URL, logger), client, storage.NewMemoryStorage(), logger)
		anisette, err := provider.FetchAnisetteData(context.Background())
		require.NoError(t, err)

		data, err := provider.ProvisioningData(context.Background())
		require.NoError(t, err)

		assert.Equal(t, DeriveDeviceID(data.LocalUserUID), raw.DeviceID.Load())
		assert.Equal(t, "<iMac20,1> <macOS;14.0;23A344> <com.apple.AuthKit/1 (com.apple.dt.Xcode/3594.4.19)>",
			anisette.Headers()[interfaces.HeaderClientInfo])
		assert.Equal(t, int32(1), raw.Starts.Load())
		assert.Equal(t, int32(1), mock.FinishProvisioning.Load())
	})

	t.Run("host error", func(t *testing.T) {
		host := newADIHost(t, &MockRawProvider{StartError: -45054})
		remote := NewRemoteRawProvider(host.URL, logger)

		_, _, err := remote.StartProvisioning(context.Background(), []byte("spim"), "user")

		var adiErr *ADIError
		require.ErrorAs(t, err, &adiErr)
		assert.Equal(t, -45054, adiErr.Code)
	})
}

func TestRemoteProvider(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	source := &interfaces.AnisetteData{
		ClientTime:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		RoutingInfo:  17106176,
		MachineID:    "bWFjaGluZQ==",
		OneTimeCode:  "b3Rw",
		LocalUserUID: "ABCDEF",
		DeviceInfo:   testDeviceInfo,
		Locale:       "en_GB",
		TimeZone:     "BST",
	}

	var resets atomic.Int32
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(source.Headers())
	})
	r.Post("/reset", func(w http.ResponseWriter, r *http.Request) {
		resets.Inc()
	})
	r.Get("/broken/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{interfaces.HeaderMachineID: "bWFjaGluZQ=="})
	})
	server := httptest.NewServer(r)
	defer server.Close()

	provider := NewRemoteProvider(server.URL, logger)
	data, err := provider.FetchAnisetteData(context.Background())
	require.NoError(t, err)

	assert.Equal(t, source.Headers(), data.Headers())
	assert.Equal(t, source.ClientTime, data.ClientTime)
	assert.Equal(t, testDeviceInfo.DeviceID, data.DeviceInfo.DeviceID)

	require.NoError(t, provider.ResetProvisioning(context.Background()))
	assert.Equal(t, int32(1), resets.Load())

	_, err = NewRemoteProvider(server.URL+"/broken", logger).FetchAnisetteData(context.Background())
	assert.ErrorContains(t, err, interfaces.HeaderOTP)
}
