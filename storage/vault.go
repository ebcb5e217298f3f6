package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/wallet-provisioning-backend/interfaces"
)

// VaultPassStore implements a pass library on a HashiCorp Vault KV v2 mount.
// Each pass is a secret at <mount>/data/<path>/passes/<serial>.
type VaultPassStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// VaultOptions carries the authentication material for Vault.
type VaultOptions struct {
	// Token authenticates requests. If empty, VAULT_TOKEN is used.
	Token string

	// ClientCert enables TLS client certificate authentication when set.
	ClientCert *tls.Certificate

	// InsecureSkipVerify disables server certificate verification (development only).
	InsecureSkipVerify bool
}

// NewVaultPassStore creates a Vault pass store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "wallet")
//   - opts: authentication options
//   - log: Structured logger for operational insights
func NewVaultPassStore(address, mountPath, dataPath string, opts VaultOptions, log *slog.Logger) (*VaultPassStore, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}
	if opts.ClientCert != nil {
		tlsConfig.Certificates = []tls.Certificate{*opts.ClientCert}
	}

	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
		Timeout:   30 * time.Second,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if opts.Token != "" {
		client.SetToken(opts.Token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultPassStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

// Put writes the pass as a new secret version.
func (b *VaultPassStore) Put(ctx context.Context, pass interfaces.ProvisionedPass) error {
	data, err := encodePass(pass)
	if err != nil {
		return err
	}

	path := b.secretPath("data", pass.SerialNumber)
	_, err = b.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"pass": string(data),
		},
	})
	if err != nil {
		b.log.Error("Failed to write to Vault", slog.String("path", path), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored pass in Vault", slog.String("serialNumber", pass.SerialNumber))
	return nil
}

// List enumerates the metadata keys and reads every pass.
func (b *VaultPassStore) List(ctx context.Context) ([]interfaces.ProvisionedPass, error) {
	listPath := fmt.Sprintf("%s/metadata/%s", b.mountPath, b.passesPath())
	secret, err := b.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		b.log.Error("Failed to list Vault keys", slog.String("path", listPath), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return []interfaces.ProvisionedPass{}, nil
	}

	rawKeys, _ := secret.Data["keys"].([]interface{})
	passes := make([]interfaces.ProvisionedPass, 0, len(rawKeys))
	for _, rawKey := range rawKeys {
		serial, ok := rawKey.(string)
		if !ok || strings.HasSuffix(serial, "/") {
			continue
		}

		pass, err := b.read(ctx, serial)
		if err == interfaces.ErrPassNotFound {
			continue
		} else if err != nil {
			return nil, err
		}
		passes = append(passes, pass)
	}
	return passes, nil
}

// Delete permanently removes every version of the pass secret.
func (b *VaultPassStore) Delete(ctx context.Context, serialNumber string) error {
	if err := validateSerial(serialNumber); err != nil {
		return err
	}
	if _, err := b.read(ctx, serialNumber); err != nil {
		return err
	}

	path := b.secretPath("metadata", serialNumber)
	if _, err := b.client.Logical().DeleteWithContext(ctx, path); err != nil {
		b.log.Error("Failed to delete from Vault", slog.String("path", path), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// Available checks if the Vault backend is accessible.
// It uses the health endpoint to verify that Vault is initialized and unsealed.
func (b *VaultPassStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *VaultPassStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultPassStore) LocationURI() string {
	return b.locationURI
}

func (b *VaultPassStore) read(ctx context.Context, serialNumber string) (interfaces.ProvisionedPass, error) {
	path := b.secretPath("data", serialNumber)
	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return interfaces.ProvisionedPass{}, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return interfaces.ProvisionedPass{}, interfaces.ErrPassNotFound
	}

	// KV v2 nests the payload and reports deleted versions with nil data.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return interfaces.ProvisionedPass{}, interfaces.ErrPassNotFound
	}
	content, ok := data["pass"].(string)
	if !ok {
		return interfaces.ProvisionedPass{}, fmt.Errorf("invalid pass format in Vault data at %s", path)
	}
	return decodePass([]byte(content))
}

func (b *VaultPassStore) passesPath() string {
	if b.dataPath == "" {
		return "passes"
	}
	return b.dataPath + "/passes"
}

func (b *VaultPassStore) secretPath(kind, serialNumber string) string {
	return fmt.Sprintf("%s/%s/%s/%s", b.mountPath, kind, b.passesPath(), serialNumber)
}
