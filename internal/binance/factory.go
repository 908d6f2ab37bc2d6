package binance

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"autotrader/internal/market"
	"autotrader/internal/vault"
)

// CredentialStore resolves per-user API keys
type CredentialStore interface {
	GetCredentials(ctx context.Context, userID string) (*vault.Credentials, error)
}

// ClientFactory hands out one Exchange per user. In paper mode every user
// gets an isolated PaperExchange fed with the public market prices.
type ClientFactory struct {
	base       SpotClientConfig
	creds      CredentialStore
	paper      bool
	quoteAsset string
	paperFunds float64
	logger     zerolog.Logger

	mu      sync.Mutex
	clients map[string]Exchange
}

// NewClientFactory creates a factory. creds may be nil in paper mode.
func NewClientFactory(base SpotClientConfig, creds CredentialStore, paper bool, quoteAsset string, paperFunds float64, logger zerolog.Logger) *ClientFactory {
	return &ClientFactory{
		base:       base,
		creds:      creds,
		paper:      paper,
		quoteAsset: quoteAsset,
		paperFunds: paperFunds,
		logger:     logger.With().Str("component", "exchange-factory").Logger(),
		clients:    make(map[string]Exchange),
	}
}

// ForUser returns the exchange client for userID
func (f *ClientFactory) ForUser(ctx context.Context, userID string) (Exchange, error) {
	f.mu.Lock()
	if c, ok := f.clients[userID]; ok {
		f.mu.Unlock()
		return c, nil
	}
	f.mu.Unlock()

	var client Exchange
	if f.paper {
		client = NewPaperExchange(f.quoteAsset, f.paperFunds)
	} else {
		if f.creds == nil {
			return nil, fmt.Errorf("no credential store configured")
		}
		creds, err := f.creds.GetCredentials(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("credentials for user %s: %w", userID, err)
		}
		cfg := f.base
		cfg.APIKey = creds.APIKey
		cfg.SecretKey = creds.SecretKey
		cfg.TestNet = cfg.TestNet || creds.TestNet
		client = NewSpotClient(cfg, f.logger)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.clients[userID]; ok {
		return existing, nil
	}
	f.clients[userID] = client
	f.logger.Debug().Str("user_id", userID).Bool("paper", f.paper).Msg("Created exchange client")
	return client, nil
}

// Forget drops the cached client for userID, e.g. after a key rotation
func (f *ClientFactory) Forget(userID string) {
	f.mu.Lock()
	delete(f.clients, userID)
	f.mu.Unlock()
}

// PublishTickers forwards the latest prices to every paper account
func (f *ClientFactory) PublishTickers(tickers []market.Ticker) {
	if !f.paper {
		return
	}
	f.mu.Lock()
	accounts := make([]*PaperExchange, 0, len(f.clients))
	for _, c := range f.clients {
		if p, ok := c.(*PaperExchange); ok {
			accounts = append(accounts, p)
		}
	}
	f.mu.Unlock()

	for _, p := range accounts {
		p.SetTickers(tickers)
	}
}
