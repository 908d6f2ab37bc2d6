package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"autotrader/config"
	"autotrader/internal/auth"
	"autotrader/internal/binance"
	"autotrader/internal/database"
	"autotrader/internal/engine"
	"autotrader/internal/indicators"
	"autotrader/internal/vault"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			db, err := database.NewDB(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.RunMigrations(cmd.Context())
		},
	}
}

func indicatorsCmd() *cobra.Command {
	var symbol, timeframe string
	cmd := &cobra.Command{
		Use:   "indicators",
		Short: "Compute and print the indicator set of a symbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if !database.ValidSymbol(symbol) {
				return fmt.Errorf("invalid symbol %q", symbol)
			}
			if timeframe == "" {
				timeframe = cfg.Engine.BaseTimeframe
			}

			client := binance.NewSpotClient(binance.SpotClientConfig{
				BaseURL:        cfg.Binance.BaseURL,
				TestNet:        cfg.Binance.TestNet,
				RequestTimeout: cfg.Binance.RequestTimeout,
				RequestsPerSec: cfg.Binance.RequestsPerSec,
				RequestBurst:   cfg.Binance.RequestBurst,
			}, logger)
			calc := indicators.NewCalculator(engine.IndicatorParams(cfg.Indicators))

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			candles, err := client.GetKlines(ctx, symbol, timeframe, calc.RequiredCandles())
			if err != nil {
				return fmt.Errorf("fetch klines: %w", err)
			}

			set := calc.Compute(symbol, timeframe, candles, time.Now())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(set)
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "BTCUSDT", "Symbol to analyse")
	cmd.Flags().StringVar(&timeframe, "timeframe", "", "Candle timeframe (defaults to the engine base timeframe)")
	return cmd
}

func sampleConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample-config [file]",
		Short: "Write a config file with every default filled in",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := "config.sample.yaml"
			if len(args) == 1 {
				out = args[0]
			}
			if err := config.GenerateSample(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sample configuration written to %s\n", out)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		userID string
		admin  bool
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API access token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwtSecret is not configured")
			}
			jwt := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, ttl)
			token, err := jwt.GenerateAccessToken(auth.UserClaims{UserID: userID, IsAdmin: admin})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User ID the token acts as")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant admin rights")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("user")
	return cmd
}

func credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage per-user exchange API keys in Vault",
	}

	var userID, apiKey, secretKey string
	var testnet bool
	set := &cobra.Command{
		Use:   "set",
		Short: "Store a user's exchange API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if !cfg.Vault.Enabled {
				return fmt.Errorf("vault is disabled")
			}
			if apiKey == "" {
				apiKey = os.Getenv("BINANCE_API_KEY")
			}
			if secretKey == "" {
				secretKey = os.Getenv("BINANCE_SECRET_KEY")
			}
			if apiKey == "" || secretKey == "" {
				return fmt.Errorf("api key and secret are required")
			}
			client, err := vault.NewClient(cfg.Vault, cfg.Binance.TestNet)
			if err != nil {
				return err
			}
			if err := client.StoreCredentials(cmd.Context(), userID, vault.Credentials{
				APIKey:    apiKey,
				SecretKey: secretKey,
				TestNet:   testnet,
			}); err != nil {
				return err
			}
			logger.Info().Str("user_id", userID).Msg("Exchange credentials stored")
			return nil
		},
	}
	set.Flags().StringVar(&userID, "user", "", "User ID")
	set.Flags().StringVar(&apiKey, "api-key", "", "Binance API key (or BINANCE_API_KEY)")
	set.Flags().StringVar(&secretKey, "secret-key", "", "Binance secret key (or BINANCE_SECRET_KEY)")
	set.Flags().BoolVar(&testnet, "testnet", false, "Keys belong to the spot testnet")
	set.MarkFlagRequired("user")

	var deleteUser string
	del := &cobra.Command{
		Use:   "delete",
		Short: "Remove a user's exchange API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			client, err := vault.NewClient(cfg.Vault, cfg.Binance.TestNet)
			if err != nil {
				return err
			}
			return client.DeleteCredentials(cmd.Context(), deleteUser)
		},
	}
	del.Flags().StringVar(&deleteUser, "user", "", "User ID")
	del.MarkFlagRequired("user")

	cmd.AddCommand(set, del)
	return cmd
}
