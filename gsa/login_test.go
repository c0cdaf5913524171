package gsa

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

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

type staticAnisette struct{}

func (staticAnisette) FetchAnisetteData(ctx context.Context) (*interfaces.AnisetteData, error) {
	return &interfaces.AnisetteData{
		ClientTime:   time.Now(),
		RoutingInfo:  17106176,
		MachineID:    "bWFjaGluZS1pZA==",
		OneTimeCode:  "b25lLXRpbWUtY29kZQ==",
		LocalUserUID: "0123456789ABCDEF",
		DeviceInfo:   testDeviceInfo,
		Locale:       "en_US",
		TimeZone:     "UTC",
	}, nil
}

func (staticAnisette) ResetProvisioning(ctx context.Context) error { return nil }

// codeDelegate hands out codes in order and declines once they run out.
type codeDelegate struct {
	mu    sync.Mutex
	codes []string
	calls int
}

func (d *codeDelegate) FetchCode(ctx context.Context) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.codes) == 0 {
		return "", false
	}
	code := d.codes[0]
	d.codes = d.codes[1:]
	return code, true
}

func newTestLogin(t *testing.T, accounts ...MockAccount) (*LoginManager, *MockServer) {
	mock := NewMockServer()
	for _, a := range accounts {
		mock.AddAccount(a)
	}
	server := httptest.NewServer(mock.Handler())
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := NewClient(ClientConfig{
		DeviceInfo: testDeviceInfo,
		LookupURL:  server.URL + "/grandslam/GsService2/lookup",
		Log:        logger,
	})
	return NewLoginManager(client, staticAnisette{}, logger), mock
}

func TestLogIn_NoSecondFactor(t *testing.T) {
	manager, mock := newTestLogin(t, MockAccount{
		Username:     "user@example.com",
		Password:     "hunter2",
		ADSID:        "000123-08-abcdef",
		SessionToken: "opaque-session-token",
	})

	token, err := manager.LogIn(context.Background(), "user@example.com", "hunter2", &codeDelegate{})
	require.NoError(t, err)

	assert.Equal(t, "user@example.com", token.AccountIdentifier)
	assert.Equal(t, "000123-08-abcdef", token.ADSID)
	assert.Equal(t, "opaque-session-token", token.SessionToken)
	assert.Equal(t, StateAuthenticated, manager.State())
	assert.Equal(t, int32(0), mock.SecondFactorPrompts.Load())
}

func TestLogIn_SecondFactor(t *testing.T) {
	manager, mock := newTestLogin(t, MockAccount{
		Username:         "user@example.com",
		Password:         "hunter2",
		SecondFactorCode: "123456",
	})
	delegate := &codeDelegate{codes: []string{"123456"}}

	token, err := manager.LogIn(context.Background(), "user@example.com", "hunter2", delegate)
	require.NoError(t, err)

	assert.Equal(t, "user@example.com", token.AccountIdentifier)
	assert.NotEmpty(t, token.SessionToken)
	assert.Equal(t, 1, delegate.calls)
	assert.Equal(t, int32(1), mock.SecondFactorPrompts.Load())
	assert.Equal(t, int32(1), mock.CodeValidations.Load())
	assert.Equal(t, StateAuthenticated, manager.State())
}

func TestLogIn_SecondFactorCancelled(t *testing.T) {
	manager, mock := newTestLogin(t, MockAccount{
		Username:         "user@example.com",
		Password:         "hunter2",
		SecondFactorCode: "123456",
	})
	tokens := NewTokenStore(storage.NewMemoryStorage())

	token, err := manager.LogIn(context.Background(), "user@example.com", "hunter2", &codeDelegate{})

	assert.ErrorIs(t, err, interfaces.ErrUserCancelled)
	assert.Nil(t, token)
	assert.Equal(t, int32(0), mock.CodeValidations.Load())
	assert.Equal(t, StateFailed, manager.State())

	_, err = tokens.Load(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestLogIn_WrongCode(t *testing.T) {
	account := MockAccount{
		Username:         "user@example.com",
		Password:         "hunter2",
		SecondFactorCode: "123456",
	}

	t.Run("retried", func(t *testing.T) {
		manager, mock := newTestLogin(t, account)
		delegate := &codeDelegate{codes: []string{"000000", "123456"}}

		_, err := manager.LogIn(context.Background(), account.Username, account.Password, delegate)
		require.NoError(t, err)
		assert.Equal(t, 2, delegate.calls)
		assert.Equal(t, int32(2), mock.CodeValidations.Load())
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		manager, _ := newTestLogin(t, account)
		delegate := &codeDelegate{codes: []string{"1", "2", "3", "4"}}

		_, err := manager.LogIn(context.Background(), account.Username, account.Password, delegate)

		var opErr *OperationError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, CodeIncorrectVerificationCode, opErr.Code)
		assert.Equal(t, 3, delegate.calls)
	})
}

func TestLogIn_BadPassword(t *testing.T) {
	manager, _ := newTestLogin(t, MockAccount{Username: "user@example.com", Password: "hunter2"})

	_, err := manager.LogIn(context.Background(), "user@example.com", "wrong", &codeDelegate{})

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, mockCodeBadCredentials, opErr.Code)
	assert.Equal(t, StateFailed, manager.State())
}

func TestLookup_ResolvedOnce(t *testing.T) {
	manager, mock := newTestLogin(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			url, err := manager.client.Lookup().URL(context.Background(), EndpointGsService)
			assert.NoError(t, err)
			assert.Contains(t, url, "/grandslam/GsService2")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), mock.Lookups.Load())

	_, err := manager.client.Lookup().URL(context.Background(), Endpoint("nonexistent"))
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestOperation_StatusEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writePlist(w, map[string]interface{}{
				"urls": map[string]string{"gsService": "http://" + r.Host + "/gs"},
			})
			return
		}
		w.WriteHeader(http.StatusOK)
		writeStatus(w, -22406, "Account locked", nil)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{
		DeviceInfo: testDeviceInfo,
		LookupURL:  server.URL + "/lookup",
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	anisette, _ := staticAnisette{}.FetchAnisetteData(context.Background())

	_, _, err := operation[initResponse](context.Background(), client, "init", "user", nil, anisette)

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, -22406, opErr.Code)
	assert.Equal(t, "Account locked (-22406)", opErr.Error())
}

func TestTokenStore(t *testing.T) {
	ctx := context.Background()
	store := NewTokenStore(storage.NewMemoryStorage())

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	token := &interfaces.AuthToken{AccountIdentifier: "user@example.com", ADSID: "1", SessionToken: "t"}
	require.NoError(t, store.Save(ctx, token))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, token, loaded)

	require.NoError(t, store.Clear(ctx))
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
