// Package secrets reads configuration secrets from a HashiCorp Vault KV
// secrets engine for ${vault:path#key} references.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/avaserve/internal/observability"
)

// Environment variables read by ConfigFromEnv. VAULT_ADDR, VAULT_TOKEN
// and VAULT_NAMESPACE are the variables the Vault CLI uses.
const (
	EnvAddress   = "VAULT_ADDR"
	EnvToken     = "VAULT_TOKEN"
	EnvNamespace = "VAULT_NAMESPACE"
	EnvMount     = "AVASERVE_VAULT_MOUNT"
)

const (
	// DefaultMount is the mount of the KV engine.
	DefaultMount = "secret"

	// DefaultTimeout bounds one secret read.
	DefaultTimeout = 5 * time.Second
)

// ErrSecretNotFound is returned when the secret or the key does not exist.
var ErrSecretNotFound = errors.New("secret not found")

// Config configures the Vault source.
type Config struct {
	Address   string
	Token     string
	Namespace string
	Mount     string
	Timeout   time.Duration
}

// ConfigFromEnv builds a Config from the environment. It reports false
// when no Vault address is set.
func ConfigFromEnv(env func(string) (string, bool)) (Config, bool) {
	addr, ok := env(EnvAddress)
	if !ok || addr == "" {
		return Config{}, false
	}
	cfg := Config{Address: addr}
	cfg.Token, _ = env(EnvToken)
	cfg.Namespace, _ = env(EnvNamespace)
	cfg.Mount, _ = env(EnvMount)
	return cfg, true
}

// Vault reads secrets from a KV version 2 engine.
type Vault struct {
	api     *vaultapi.Client
	mount   string
	timeout time.Duration
	logger  observability.Logger
}

// NewVault creates a Vault source.
func NewVault(cfg Config, logger observability.Logger) (*Vault, error) {
	if cfg.Address == "" {
		return nil, errors.New("vault address is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	apiConfig := vaultapi.DefaultConfig()
	if apiConfig.Error != nil {
		return nil, fmt.Errorf("vault configuration: %w", apiConfig.Error)
	}
	apiConfig.Address = cfg.Address
	apiConfig.MaxRetries = 0

	api, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		api.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		api.SetNamespace(cfg.Namespace)
	}

	v := &Vault{
		api:     api,
		mount:   strings.Trim(cfg.Mount, "/"),
		timeout: cfg.Timeout,
		logger:  logger,
	}
	if v.mount == "" {
		v.mount = DefaultMount
	}
	if v.timeout <= 0 {
		v.timeout = DefaultTimeout
	}
	return v, nil
}

// Secret returns key of the secret stored at path.
func (v *Vault) Secret(ctx context.Context, path, key string) (any, error) {
	data, err := v.read(ctx, strings.Trim(path, "/"))
	if err != nil {
		return nil, err
	}
	value, ok := data[key]
	if !ok {
		return nil, fmt.Errorf("%s#%s: %w", path, key, ErrSecretNotFound)
	}
	return value, nil
}

func (v *Vault) read(ctx context.Context, path string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	fullPath := v.mount + "/data/" + path
	secret, err := v.api.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%s: %w", fullPath, ErrSecretNotFound)
	}

	// KV v2 nests the payload under "data"; a deleted version has null.
	raw, nested := secret.Data["data"]
	if nested && raw == nil {
		return nil, fmt.Errorf("%s: %w", fullPath, ErrSecretNotFound)
	}
	data, ok := raw.(map[string]any)
	if !ok {
		data = secret.Data
	}

	v.logger.Debug("secret read", observability.String("path", fullPath))
	return data, nil
}
