package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.TickInterval != time.Minute {
		t.Errorf("tick interval = %s, want 1m", cfg.Engine.TickInterval)
	}
	if cfg.Bias.Symbol != "BTCUSDT" {
		t.Errorf("bias symbol = %s", cfg.Bias.Symbol)
	}
	if cfg.Execution.ProtectionAttempts != 4 {
		t.Errorf("protection attempts = %d, want 4", cfg.Execution.ProtectionAttempts)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
engine:
  tickInterval: 30s
  baseTimeframe: 1h
  symbols: [BTCUSDT, ADAUSDT]
risk:
  dailyLossLimitPct: 4
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RISK_DAILY_LOSS_LIMIT_PCT", "2.5")
	t.Setenv("ENGINE_SYMBOLS", "ETHUSDT, SOLUSDT")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.TickInterval != 30*time.Second || cfg.Engine.BaseTimeframe != "1h" {
		t.Errorf("engine = %s/%s, want file values", cfg.Engine.TickInterval, cfg.Engine.BaseTimeframe)
	}
	if cfg.Risk.DailyLossLimitPct != 2.5 {
		t.Errorf("daily loss limit = %v, want env override 2.5", cfg.Risk.DailyLossLimitPct)
	}
	if len(cfg.Engine.Symbols) != 2 || cfg.Engine.Symbols[0] != "ETHUSDT" || cfg.Engine.Symbols[1] != "SOLUSDT" {
		t.Errorf("symbols = %v", cfg.Engine.Symbols)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("engine: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected a parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"tick too short", func(c *Config) { c.Engine.TickInterval = 100 * time.Millisecond }},
		{"reset hour", func(c *Config) { c.Engine.DailyResetHourUTC = 24 }},
		{"base timeframe not tracked", func(c *Config) { c.Engine.BaseTimeframe = "1d" }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }},
		{"positive correlation momentum", func(c *Config) { c.Bias.CorrelationMomentumPct = 1 }},
		{"unbounded protection retries", func(c *Config) { c.Execution.ProtectionAttempts = 50 }},
		{"telegram without token", func(c *Config) { c.Notification.Telegram.Enabled = true }},
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestGenerateSample_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.yaml")
	if err := GenerateSample(path); err != nil {
		t.Fatalf("GenerateSample: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if cfg.Engine.BaseTimeframe != Default().Engine.BaseTimeframe {
		t.Errorf("base timeframe = %s", cfg.Engine.BaseTimeframe)
	}
}
