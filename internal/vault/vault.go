package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"paper-trading-engine/config"
)

// Credentials are the KuCoin API secrets fetched from a KV v2 mount.
type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

// Load reads the KuCoin credentials from Vault. Callers only reach here when
// the vault block is enabled, so a missing or partial secret is fatal rather
// than a fallback.
func Load(ctx context.Context, cfg config.VaultConfig, logger zerolog.Logger) (Credentials, error) {
	if !cfg.Enabled {
		return Credentials{}, fmt.Errorf("vault: disabled in config")
	}
	if cfg.Address == "" || cfg.Token == "" {
		return Credentials{}, fmt.Errorf("vault: address and token are required")
	}

	client, err := api.NewClient(&api.Config{Address: cfg.Address})
	if err != nil {
		return Credentials{}, fmt.Errorf("vault: client: %w", err)
	}
	client.SetToken(cfg.Token)

	secret, err := client.KVv2(cfg.MountPath).Get(ctx, cfg.SecretPath)
	if err != nil {
		return Credentials{}, fmt.Errorf("vault: read %s/%s: %w", cfg.MountPath, cfg.SecretPath, err)
	}

	creds := Credentials{
		Key:        stringField(secret.Data, "api_key"),
		Secret:     stringField(secret.Data, "api_secret"),
		Passphrase: stringField(secret.Data, "api_passphrase"),
	}
	if creds.Key == "" || creds.Secret == "" || creds.Passphrase == "" {
		return Credentials{}, fmt.Errorf("vault: secret %s/%s missing api_key, api_secret or api_passphrase", cfg.MountPath, cfg.SecretPath)
	}

	logger.Info().Str("mount", cfg.MountPath).Str("path", cfg.SecretPath).Msg("exchange credentials loaded from vault")
	return creds, nil
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
