package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// VaultConfig holds Vault connection configuration
type VaultConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`     // e.g. "https://vault.example.com:8200"
	Token      string `mapstructure:"token"`       // from VAULT_TOKEN env var when empty
	AuthMethod string `mapstructure:"auth_method"` // "token" only for now
	MountPath  string `mapstructure:"mount_path"`  // secrets mount path (default "secret")
	SecretPath string `mapstructure:"secret_path"` // base path, e.g. "ordersync/production"
	Namespace  string `mapstructure:"namespace"`   // Vault Enterprise namespace
}

// VaultClient wraps the HashiCorp Vault client for secrets management
type VaultClient struct {
	client *vault.Client
	config VaultConfig
}

// NewVaultClient creates a new Vault client from configuration
func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is not enabled in configuration")
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	switch cfg.AuthMethod {
	case "token", "":
		if cfg.Token == "" {
			cfg.Token = os.Getenv("VAULT_TOKEN")
		}
		if cfg.Token == "" {
			return nil, fmt.Errorf("VAULT_TOKEN not set for token authentication")
		}
		client.SetToken(cfg.Token)
	default:
		return nil, fmt.Errorf("unsupported Vault auth method: %s", cfg.AuthMethod)
	}

	log.Info().
		Str("address", cfg.Address).
		Str("mount_path", cfg.MountPath).
		Str("secret_path", cfg.SecretPath).
		Msg("Vault client initialized")

	return &VaultClient{
		client: client,
		config: cfg,
	}, nil
}

// GetSecret retrieves a secret from Vault. path is relative to the
// configured SecretPath.
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("%s/data/%s/%s", vc.config.MountPath, vc.config.SecretPath, path)

	log.Debug().Str("path", fullPath).Msg("Reading secret from Vault")

	secret, err := vc.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from Vault: %w", err)
	}
	if secret == nil {
		return nil, fmt.Errorf("secret not found at path: %s", fullPath)
	}

	// KV v2 nests the payload under "data"
	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		return data, nil
	}
	return secret.Data, nil
}

// GetSecretString retrieves a single string value from Vault
func (vc *VaultClient) GetSecretString(ctx context.Context, path, key string) (string, error) {
	data, err := vc.GetSecret(ctx, path)
	if err != nil {
		return "", err
	}
	value, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("key %q not found or not a string at path %q", key, path)
	}
	return value, nil
}

// ResolveExchangeCredentials fills in API credentials for each configured
// exchange. Vault wins when enabled; environment variables of the form
// ORDERSYNC_<EXCHANGE>_API_KEY / _SECRET_KEY are the fallback.
func ResolveExchangeCredentials(ctx context.Context, cfg *Config) error {
	var vc *VaultClient
	if cfg.Vault.Enabled {
		client, err := NewVaultClient(cfg.Vault)
		if err != nil {
			return fmt.Errorf("vault credential resolution failed: %w", err)
		}
		vc = client
	}

	for name, exCfg := range cfg.Exchanges {
		if vc != nil {
			apiKey, err := vc.GetSecretString(ctx, "exchanges/"+name, "api_key")
			if err == nil {
				exCfg.APIKey = apiKey
			}
			secretKey, err := vc.GetSecretString(ctx, "exchanges/"+name, "secret_key")
			if err == nil {
				exCfg.SecretKey = secretKey
			}
		}

		prefix := "ORDERSYNC_" + strings.ToUpper(name)
		if exCfg.APIKey == "" {
			exCfg.APIKey = os.Getenv(prefix + "_API_KEY")
		}
		if exCfg.SecretKey == "" {
			exCfg.SecretKey = os.Getenv(prefix + "_SECRET_KEY")
		}

		cfg.Exchanges[name] = exCfg
	}

	return nil
}
