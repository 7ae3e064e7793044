package config

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// VaultConfig holds HashiCorp Vault connectivity for credential loading.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	SecretPath string `json:"secret_path"` // KV v2 path holding the credentials
}

// LoadSecretsFromVault overlays credentials stored in Vault onto the config.
// Keys already set by file or environment are only replaced when Vault has a
// non-empty value. Disabled Vault is a no-op.
func LoadSecretsFromVault(ctx context.Context, cfg *Config) error {
	if !cfg.Vault.Enabled {
		return nil
	}
	if cfg.Vault.Address == "" || cfg.Vault.Token == "" {
		return fmt.Errorf("vault enabled but address or token missing")
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Vault.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Vault.Token)

	path := cfg.Vault.SecretPath
	if path == "" {
		path = "secret/data/dca-engine"
	}

	secret, err := client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to read vault secret %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("no secret at vault path %s", path)
	}

	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	overlay := func(dst *string, key string) {
		if value, ok := data[key].(string); ok && value != "" {
			*dst = value
		}
	}
	overlay(&cfg.Binance.APIKey, "binance_api_key")
	overlay(&cfg.Binance.SecretKey, "binance_secret_key")
	overlay(&cfg.Consensus.AgentA.APIKey, "agent_a_api_key")
	overlay(&cfg.Consensus.AgentB.APIKey, "agent_b_api_key")
	overlay(&cfg.Notification.Telegram.BotToken, "telegram_bot_token")
	overlay(&cfg.Notification.Discord.WebhookURL, "discord_webhook_url")

	return nil
}
