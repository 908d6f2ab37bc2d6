package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"autotrader/config"
)

// ErrCredentialsNotFound is returned when a user has no stored exchange keys
var ErrCredentialsNotFound = errors.New("exchange credentials not found")

// Credentials are a user's exchange API keys
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	TestNet   bool   `json:"testnet"`
}

// Client stores per-user exchange credentials in Vault's KV v2 engine.
// When Vault is disabled it keeps credentials in memory only.
type Client struct {
	client  *api.Client
	config  config.VaultConfig
	testnet bool

	mu    sync.RWMutex
	cache map[string]*Credentials // userID -> credentials
}

// NewClient creates a Vault-backed credential store
func NewClient(cfg config.VaultConfig, testnet bool) (*Client, error) {
	c := &Client{
		config:  cfg,
		testnet: testnet,
		cache:   make(map[string]*Credentials),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client

	return c, nil
}

// StoreCredentials writes a user's keys
func (c *Client) StoreCredentials(ctx context.Context, userID string, creds Credentials) error {
	if c.config.Enabled {
		secretData := map[string]interface{}{
			"data": map[string]interface{}{
				"api_key":    creds.APIKey,
				"secret_key": creds.SecretKey,
				"testnet":    creds.TestNet,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(userID), secretData); err != nil {
			return fmt.Errorf("failed to store credentials in vault: %w", err)
		}
	}

	c.mu.Lock()
	c.cache[userID] = &creds
	c.mu.Unlock()
	return nil
}

// GetCredentials returns a user's keys, from cache when possible
func (c *Client) GetCredentials(ctx context.Context, userID string) (*Credentials, error) {
	c.mu.RLock()
	cached, ok := c.cache[userID]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if !c.config.Enabled {
		return nil, ErrCredentialsNotFound
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrCredentialsNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format for user %s", userID)
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		TestNet:   getBool(data, "testnet"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, ErrCredentialsNotFound
	}

	c.mu.Lock()
	c.cache[userID] = creds
	c.mu.Unlock()
	return creds, nil
}

// DeleteCredentials removes a user's keys
func (c *Client) DeleteCredentials(ctx context.Context, userID string) error {
	c.InvalidateUser(userID)
	if !c.config.Enabled {
		return nil
	}
	if _, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(userID)); err != nil {
		return fmt.Errorf("failed to delete credentials from vault: %w", err)
	}
	return nil
}

// InvalidateUser drops cached credentials for userID
func (c *Client) InvalidateUser(userID string) {
	c.mu.Lock()
	delete(c.cache, userID)
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}

func (c *Client) network() string {
	if c.testnet {
		return "testnet"
	}
	return "mainnet"
}

func (c *Client) secretPath(userID string) string {
	return fmt.Sprintf("%s/data/%s/%s/binance_%s", c.config.MountPath, c.config.SecretPath, userID, c.network())
}

func (c *Client) metadataPath(userID string) string {
	return fmt.Sprintf("%s/metadata/%s/%s/binance_%s", c.config.MountPath, c.config.SecretPath, userID, c.network())
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
