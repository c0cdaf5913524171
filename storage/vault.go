package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/supersign/interfaces"
)

// VaultStorage implements a key-value store on a HashiCorp Vault KV v2 mount.
// Values are stored base64 encoded under the "content" field.
type VaultStorage struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// VaultOptions configures the Vault client. Token falls back to VAULT_TOKEN, and the
// client certificate is optional.
type VaultOptions struct {
	Address    string
	MountPath  string
	DataPath   string
	Token      string
	ClientCert *tls.Certificate
}

// NewVaultStorage creates a new Vault backed store.
//
// Parameters:
//   - opts.Address: Vault server address (e.g. https://vault.example.com:8200)
//   - opts.MountPath: KV v2 mount (e.g. "secret")
//   - opts.DataPath: path within the mount (e.g. "supersign")
func NewVaultStorage(opts VaultOptions, log *slog.Logger) (*VaultStorage, error) {
	config := api.DefaultConfig()
	config.Address = opts.Address

	if opts.ClientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{*opts.ClientCert},
				},
			},
			Timeout: 30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if opts.Token != "" {
		client.SetToken(opts.Token)
	}

	return &VaultStorage{
		client:    client,
		mountPath: strings.Trim(opts.MountPath, "/"),
		dataPath:  strings.Trim(opts.DataPath, "/"),
		log:       log,
	}, nil
}

// Data reads the value stored under key.
func (s *VaultStorage) Data(ctx context.Context, key string) ([]byte, error) {
	path := s.path("data", key)

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		s.log.Error("Failed to read from Vault", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrNotFound
	}

	// KV v2 returns data=nil for deleted versions
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok || data == nil {
		return nil, interfaces.ErrNotFound
	}

	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid content format in Vault data at %s", path)
	}

	value, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("invalid content encoding in Vault data at %s: %w", path, err)
	}

	s.log.Debug("Read value from Vault", slog.String("path", path), slog.Int("size", len(value)))
	return value, nil
}

// SetData writes value under key. A nil value removes every version of the key.
func (s *VaultStorage) SetData(ctx context.Context, key string, value []byte) error {
	if value == nil {
		path := s.path("metadata", key)
		if _, err := s.client.Logical().DeleteWithContext(ctx, path); err != nil {
			s.log.Error("Failed to delete from Vault", slog.String("path", path), "err", err)
			return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
		}
		return nil
	}

	path := s.path("data", key)
	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(value),
		},
	}

	if _, err := s.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		s.log.Error("Failed to write to Vault", slog.String("path", path), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	s.log.Debug("Stored value in Vault", slog.String("path", path))
	return nil
}

// Name returns a unique identifier for this storage backend.
func (s *VaultStorage) Name() string {
	return fmt.Sprintf("vault-%s-%s", s.mountPath, s.dataPath)
}

func (s *VaultStorage) path(kind, key string) string {
	if s.dataPath == "" {
		return fmt.Sprintf("%s/%s/%s", s.mountPath, kind, key)
	}
	return fmt.Sprintf("%s/%s/%s/%s", s.mountPath, kind, s.dataPath, key)
}
