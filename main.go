package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"autotrader/config"
	"autotrader/internal/api"
	"autotrader/internal/auth"
	"autotrader/internal/binance"
	"autotrader/internal/cache"
	"autotrader/internal/database"
	"autotrader/internal/engine"
	"autotrader/internal/events"
	"autotrader/internal/logging"
	"autotrader/internal/notification"
	"autotrader/internal/timeseries"
	"autotrader/internal/vault"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "autotrader",
		Short: "Multi-user spot trading automation engine",
		Long: `autotrader evaluates conditional orders, trading rules, bots and
auto-trading for every user on a fixed tick and executes the resulting
orders on Binance spot.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(indicatorsCmd())
	rootCmd.AddCommand(sampleConfigCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(credentialsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration and installs the process logger
func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		IncludeFile: cfg.Logging.IncludeFile,
	})
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("init logger: %w", err)
	}
	logging.SetDefault(logger)
	return cfg, logger, nil
}

// healthFunc adapts a function to api.HealthChecker
type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tick engine and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().
		Bool("paper", cfg.Binance.PaperTrading).
		Bool("testnet", cfg.Binance.TestNet).
		Dur("tick_interval", cfg.Engine.TickInterval).
		Strs("symbols", cfg.Engine.Symbols).
		Msg("Starting autotrader")

	bus := events.NewEventBus()
	health := make(map[string]api.HealthChecker)

	var store database.Store
	if cfg.Database.Enabled {
		db, err := database.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		repo := database.NewRepository(db)
		health["database"] = repo
		store = repo
	} else {
		logger.Warn().Msg("Database disabled, state is kept in memory only")
		store = database.NewMemoryStore()
	}

	var indicatorCache cache.IndicatorCache
	if cfg.Redis.Enabled {
		redisSvc := cache.NewService(cfg.Redis, logger)
		defer redisSvc.Close()
		health["redis"] = redisSvc
		indicatorCache = cache.NewRedisIndicatorCache(redisSvc, 2*cfg.Engine.TickInterval, cfg.Bias.CorrelationTTL)
	} else {
		indicatorCache = cache.NewMemoryIndicatorCache(cfg.Bias.CorrelationTTL)
	}

	credentials, err := vault.NewClient(cfg.Vault, cfg.Binance.TestNet)
	if err != nil {
		return err
	}
	if cfg.Vault.Enabled {
		health["vault"] = healthFunc(credentials.Health)
	}

	spotCfg := binance.SpotClientConfig{
		BaseURL:        cfg.Binance.BaseURL,
		TestNet:        cfg.Binance.TestNet,
		RequestTimeout: cfg.Binance.RequestTimeout,
		RequestsPerSec: cfg.Binance.RequestsPerSec,
		RequestBurst:   cfg.Binance.RequestBurst,
	}
	marketData := binance.NewSpotClient(spotCfg, logger)
	exchanges := binance.NewClientFactory(spotCfg, credentials, cfg.Binance.PaperTrading,
		cfg.Binance.QuoteAsset, cfg.Binance.PaperQuoteFunds, logger)

	var history engine.HistoryRecorder
	if cfg.Influx.Enabled {
		rec, err := timeseries.NewInfluxRecorder(ctx, cfg.Influx, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("InfluxDB unavailable, indicator history disabled")
		} else {
			defer rec.Close()
			health["influx"] = rec
			history = rec
		}
	}

	if cfg.Notification.Enabled {
		notifier := notification.NewManager(true, logger)
		if cfg.Notification.Telegram.Enabled {
			tg, err := notification.NewTelegramNotifier(cfg.Notification.Telegram)
			if err != nil {
				return fmt.Errorf("telegram: %w", err)
			}
			notifier.AddNotifier(tg)
		}
		notifier.Attach(bus)
	}

	svc := engine.NewService(engine.Options{
		Config:    cfg,
		Store:     store,
		Market:    marketData,
		Exchanges: exchanges,
		Cache:     indicatorCache,
		Publisher: bus,
		History:   history,
		Logger:    logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.Run(gctx)
		return nil
	})

	if cfg.Server.Enabled {
		hub := api.NewHub(logger)
		hub.Attach(bus)

		var jwt *auth.JWTManager
		if cfg.Auth.Enabled {
			jwt = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, 0)
		} else {
			logger.Warn().Str("user_id", cfg.Auth.DevUserID).Msg("API auth disabled, all requests act as the dev user")
		}

		server := api.NewServer(cfg.Server, svc, hub, jwt, cfg.Auth.DevUserID, logger)
		for name, hc := range health {
			server.AddHealthCheck(name, hc)
		}
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("Autotrader stopped")
	return nil
}
