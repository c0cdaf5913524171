package anisette

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

// MockRawProvider is a deterministic RawADIProvider for tests. Its blobs are derived
// from their inputs so that a test can check what was threaded where.
type MockRawProvider struct {
	// StartError, when non-zero, fails StartProvisioning with that ADI status.
	StartError int
	// Block, when set, holds StartProvisioning until it is closed.
	Block chan struct{}

	Starts   atomic.Int32
	Ends     atomic.Int32
	OTPs     atomic.Int32
	DeviceID atomic.String

	mu       sync.Mutex
	sessions uint32
}

func (m *MockRawProvider) ClientInfo(ctx context.Context) (string, error) {
	return DefaultClientInfo, nil
}

func (m *MockRawProvider) SetDeviceID(ctx context.Context, deviceID string) error {
	m.DeviceID.Store(deviceID)
	return nil
}

func (m *MockRawProvider) StartProvisioning(ctx context.Context, spim []byte, userID string) (ProvisioningSession, []byte, error) {
	m.Starts.Inc()
	if m.Block != nil {
		<-m.Block
	}
	if m.StartError != 0 {
		return nil, nil, &ADIError{Code: m.StartError}
	}

	m.mu.Lock()
	m.sessions++
	id := m.sessions
	m.mu.Unlock()

	return &mockSession{provider: m, id: id}, append([]byte("cpim:"), spim...), nil
}

func (m *MockRawProvider) RequestOTP(ctx context.Context, userID string, routingInfo uint64, adiPb []byte) ([]byte, []byte, error) {
	n := m.OTPs.Inc()
	if !bytes.HasPrefix(adiPb, []byte("adi:")) {
		return nil, nil, &ADIError{Code: -45054}
	}
	otp := sha256.Sum256([]byte(fmt.Sprintf("%s/%d/%d", userID, routingInfo, n)))
	return []byte("machine:" + userID), otp[:8], nil
}

type mockSession struct {
	provider *MockRawProvider
	id       uint32
}

func (s *mockSession) EndProvisioning(ctx context.Context, routingInfo uint64, ptm, tk []byte) ([]byte, error) {
	s.provider.Ends.Inc()
	return append([]byte("adi:"), ptm...), nil
}
