package devservices

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/supersign/interfaces"
)

// SigningInfo is a development identity: a certificate issued by developer services
// and the private key it was requested with.
type SigningInfo struct {
	// Certificate is DER encoded.
	Certificate []byte `json:"certificate"`
	// PrivateKey is a PEM encoded PKCS#1 RSA key.
	PrivateKey []byte `json:"privateKey"`
}

// SerialNumber returns the certificate serial in the form developer services lists it.
func (s *SigningInfo) SerialNumber() (string, error) {
	return CertificateSerial(s.Certificate)
}

// CertificateSerial returns the upper-case hex serial number of a DER certificate
// without leading zeros.
func CertificateSerial(der []byte) (string, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", fmt.Errorf("invalid certificate: %w", err)
	}
	return strings.TrimLeft(strings.ToUpper(hex.EncodeToString(cert.SerialNumber.Bytes())), "0"), nil
}

// SigningInfoManager stores one SigningInfo per team. SigningInfo returns
// interfaces.ErrNotFound for teams without one.
type SigningInfoManager interface {
	SigningInfo(ctx context.Context, teamID string) (*SigningInfo, error)
	SetSigningInfo(ctx context.Context, teamID string, info *SigningInfo) error
}

// RevocationConfirmer asks the user whether certificates may be revoked.
type RevocationConfirmer interface {
	ConfirmRevocation(ctx context.Context, certificates []Certificate) bool
}

// MemorySigningInfoManager keeps signing identities for the lifetime of the process.
type MemorySigningInfoManager struct {
	mu    sync.Mutex
	infos map[string]*SigningInfo
}

func NewMemorySigningInfoManager() *MemorySigningInfoManager {
	return &MemorySigningInfoManager{infos: make(map[string]*SigningInfo)}
}

func (m *MemorySigningInfoManager) SigningInfo(ctx context.Context, teamID string) (*SigningInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[teamID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return info, nil
}

func (m *MemorySigningInfoManager) SetSigningInfo(ctx context.Context, teamID string, info *SigningInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info == nil {
		delete(m.infos, teamID)
		return nil
	}
	m.infos[teamID] = info
	return nil
}

// KeyValueSigningInfoManager persists signing identities as JSON in a key-value store.
type KeyValueSigningInfoManager struct {
	storage interfaces.KeyValueStorage
}

func NewKeyValueSigningInfoManager(storage interfaces.KeyValueStorage) *KeyValueSigningInfoManager {
	return &KeyValueSigningInfoManager{storage: storage}
}

func (m *KeyValueSigningInfoManager) SigningInfo(ctx context.Context, teamID string) (*SigningInfo, error) {
	data, err := m.storage.Data(ctx, interfaces.KeySigningInfoPrefix+teamID)
	if err != nil {
		return nil, err
	}
	var info SigningInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("invalid signing info for team %s: %w", teamID, err)
	}
	return &info, nil
}

func (m *KeyValueSigningInfoManager) SetSigningInfo(ctx context.Context, teamID string, info *SigningInfo) error {
	if info == nil {
		return m.storage.SetData(ctx, interfaces.KeySigningInfoPrefix+teamID, nil)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return m.storage.SetData(ctx, interfaces.KeySigningInfoPrefix+teamID, data)
}

// FetchSigningInfo returns a usable signing identity for the team.
//
// A stored identity is reused while its certificate is still listed. Otherwise the
// certificates previously issued to machineName are revoked and a new one is
// requested. Nothing is revoked without confirmer's approval; a refusal returns
// interfaces.ErrUserCancelled. If the team is at its certificate quota, the oldest
// certificate is offered for revocation and the request is retried once.
func FetchSigningInfo(ctx context.Context, s Scope, manager SigningInfoManager, confirmer RevocationConfirmer, machineName string) (*SigningInfo, error) {
	log := s.Client.log.With(slog.String("team", s.TeamID))

	certs, err := ListCertificates(ctx, s.Client, s.Platform, s.TeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}

	stored, err := manager.SigningInfo(ctx, s.TeamID)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load signing info: %w", err)
	default:
		serial, err := stored.SerialNumber()
		if err == nil && findCertificate(certs, serial) != nil {
			log.Debug("Reusing stored signing info", slog.String("serial", serial))
			return stored, nil
		}
		log.Info("Stored certificate is no longer valid")
	}

	var ours []Certificate
	for _, cert := range certs {
		if cert.MachineName == machineName {
			ours = append(ours, cert)
		}
	}
	if len(ours) > 0 {
		if err := revoke(ctx, s, confirmer, ours); err != nil {
			return nil, err
		}
	}

	keyPEM, csrPEM, err := generateCSR()
	if err != nil {
		return nil, err
	}
	machineID := strings.ToUpper(uuid.NewString())

	submitted, err := SubmitCSR(ctx, s.Client, s.Platform, s.TeamID, csrPEM, machineName, machineID)
	if IsCode(err, CodeCertificateQuota) {
		log.Info("Certificate quota reached")
		if err := revokeOldest(ctx, s, confirmer); err != nil {
			return nil, err
		}
		submitted, err = SubmitCSR(ctx, s.Client, s.Platform, s.TeamID, csrPEM, machineName, machineID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to submit CSR: %w", err)
	}

	certs, err = ListCertificates(ctx, s.Client, s.Platform, s.TeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	cert := findCertificate(certs, submitted.SerialNumber)
	if cert == nil || len(cert.Content) == 0 {
		return nil, fmt.Errorf("%w: serial %s", ErrCertificateNotIssued, submitted.SerialNumber)
	}

	info := &SigningInfo{Certificate: cert.Content, PrivateKey: keyPEM}
	if err := manager.SetSigningInfo(ctx, s.TeamID, info); err != nil {
		return nil, fmt.Errorf("failed to store signing info: %w", err)
	}

	log.Info("Issued development certificate", slog.String("serial", cert.SerialNumber))
	return info, nil
}

func findCertificate(certs []Certificate, serial string) *Certificate {
	serial = strings.TrimLeft(strings.ToUpper(serial), "0")
	for i := range certs {
		if strings.TrimLeft(strings.ToUpper(certs[i].SerialNumber), "0") == serial {
			return &certs[i]
		}
	}
	return nil
}

func revoke(ctx context.Context, s Scope, confirmer RevocationConfirmer, certs []Certificate) error {
	if confirmer == nil || !confirmer.ConfirmRevocation(ctx, certs) {
		return interfaces.ErrUserCancelled
	}
	for _, cert := range certs {
		if err := RevokeCertificate(ctx, s.Client, s.Platform, s.TeamID, cert.SerialNumber); err != nil {
			return fmt.Errorf("failed to revoke certificate %s: %w", cert.SerialNumber, err)
		}
		s.Client.log.Info("Revoked certificate", slog.String("serial", cert.SerialNumber), slog.String("machine", cert.MachineName))
	}
	return nil
}

func revokeOldest(ctx context.Context, s Scope, confirmer RevocationConfirmer) error {
	certs, err := ListCertificates(ctx, s.Client, s.Platform, s.TeamID)
	if err != nil {
		return fmt.Errorf("failed to list certificates: %w", err)
	}
	if len(certs) == 0 {
		return &APIError{Code: CodeCertificateQuota, Message: "certificate quota reached with no certificates to revoke"}
	}
	sort.Slice(certs, func(i, j int) bool {
		return certs[i].ExpirationDate.Before(certs[j].ExpirationDate)
	})
	return revoke(ctx, s, confirmer, certs[:1])
}

func generateCSR() (keyPEM, csrPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   "CSR",
			Organization: []string{"Supersign"},
			Country:      []string{"US"},
		},
	}, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CSR: %w", err)
	}

	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	csrPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
	return keyPEM, csrPEM, nil
}
