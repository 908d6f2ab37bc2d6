package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all engine configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Binance      BinanceConfig      `yaml:"binance"`
	Vault        VaultConfig        `yaml:"vault"`
	Engine       EngineConfig       `yaml:"engine"`
	Indicators   IndicatorConfig    `yaml:"indicators"`
	Signals      SignalConfig       `yaml:"signals"`
	Bias         BiasConfig         `yaml:"bias"`
	Risk         RiskConfig         `yaml:"risk"`
	Execution    ExecutionConfig    `yaml:"execution"`
	Notification NotificationConfig `yaml:"notification"`
	Influx       InfluxConfig       `yaml:"influx"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	Mode           string   `yaml:"mode"` // gin mode: debug, release, test
}

// AuthConfig holds API token validation settings
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwtSecret"`
	Issuer    string `yaml:"issuer"`
	// DevUserID is used as the caller identity when auth is disabled
	DevUserID string `yaml:"devUserId"`
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"sslMode"`
	MaxConns        int           `yaml:"maxConns"`
	MinConns        int           `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime time.Duration `yaml:"maxConnIdleTime"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// RedisConfig holds cache settings
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// BinanceConfig holds exchange connectivity settings.
// Per-user API keys live in Vault, never in this file.
type BinanceConfig struct {
	BaseURL         string        `yaml:"baseUrl"`
	TestNet         bool          `yaml:"testnet"`
	PaperTrading    bool          `yaml:"paperTrading"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	RequestsPerSec  float64       `yaml:"requestsPerSecond"`
	RequestBurst    int           `yaml:"requestBurst"`
	QuoteAsset      string        `yaml:"quoteAsset"`
	PaperQuoteFunds float64       `yaml:"paperQuoteFunds"`
}

// VaultConfig holds per-user credential storage settings
type VaultConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	Token      string `yaml:"token"`
	MountPath  string `yaml:"mountPath"`
	SecretPath string `yaml:"secretPath"`
}

// EngineConfig holds tick scheduling settings
type EngineConfig struct {
	TickInterval      time.Duration `yaml:"tickInterval"`
	BaseTimeframe     string        `yaml:"baseTimeframe"`
	Timeframes        []string      `yaml:"timeframes"`
	Symbols           []string      `yaml:"symbols"`
	MaxTrackedSymbols int           `yaml:"maxTrackedSymbols"`
	RefreshWorkers    int           `yaml:"refreshWorkers"`
	UserWorkerIdle    time.Duration `yaml:"userWorkerIdle"`
	DailyResetHourUTC int           `yaml:"dailyResetHourUtc"`
	StatsRefreshTicks int           `yaml:"statsRefreshTicks"`
	StatsLookback     time.Duration `yaml:"statsLookback"`
	MinStrategyTrades int           `yaml:"minStrategyTrades"`
}

// IndicatorConfig holds indicator periods
type IndicatorConfig struct {
	RSIPeriod       int     `yaml:"rsiPeriod"`
	MACDFast        int     `yaml:"macdFast"`
	MACDSlow        int     `yaml:"macdSlow"`
	MACDSignal      int     `yaml:"macdSignal"`
	BollingerPeriod int     `yaml:"bollingerPeriod"`
	BollingerStdDev float64 `yaml:"bollingerStdDev"`
	ATRPeriod       int     `yaml:"atrPeriod"`
	StochKPeriod    int     `yaml:"stochKPeriod"`
	StochSlowK      int     `yaml:"stochSlowK"`
	StochSlowD      int     `yaml:"stochSlowD"`
	VolumePeriod    int     `yaml:"volumePeriod"`
}

// SignalConfig holds signal analyzer settings
type SignalConfig struct {
	MinIndicators      int                `yaml:"minIndicators"`
	Weights            map[string]float64 `yaml:"weights"`
	RSIOversold        float64            `yaml:"rsiOversold"`
	RSIOverbought      float64            `yaml:"rsiOverbought"`
	VolatileATRPercent float64            `yaml:"volatileAtrPercent"`
}

// BiasConfig holds market-bias filter settings
type BiasConfig struct {
	Symbol                 string        `yaml:"symbol"`
	Timeframe              string        `yaml:"timeframe"`
	CorrelationTimeframe   string        `yaml:"correlationTimeframe"`
	CorrelationWindow      int           `yaml:"correlationWindow"`
	CorrelationTTL         time.Duration `yaml:"correlationTtl"`
	CorrelationThreshold   float64       `yaml:"correlationThreshold"`
	WeakMomentumPct        float64       `yaml:"weakMomentumPct"`
	StrongMomentumPct      float64       `yaml:"strongMomentumPct"`
	CorrelationMomentumPct float64       `yaml:"correlationMomentumPct"`
}

// RiskConfig holds per-user defaults for the circuit breaker and sizing
type RiskConfig struct {
	DailyLossLimitPct    float64 `yaml:"dailyLossLimitPct"`
	MaxConsecutiveLosses int     `yaml:"maxConsecutiveLosses"`
	MaxPositions         int     `yaml:"maxPositions"`
	PositionSizePct      float64 `yaml:"positionSizePct"`
	MaxPositionUSD       float64 `yaml:"maxPositionUsd"`
	StopLossPct          float64 `yaml:"stopLossPct"`
	TakeProfitPct        float64 `yaml:"takeProfitPct"`
	MinConfidence        float64 `yaml:"minConfidence"`
	DefaultCapitalUSD    float64 `yaml:"defaultCapitalUsd"`
}

// ExecutionConfig holds order placement and retry settings
type ExecutionConfig struct {
	OrderTimeout           time.Duration `yaml:"orderTimeout"`
	PlaceAttempts          int           `yaml:"placeAttempts"`
	ProtectionAttempts     int           `yaml:"protectionAttempts"`
	RetryInitialInterval   time.Duration `yaml:"retryInitialInterval"`
	RetryMaxInterval       time.Duration `yaml:"retryMaxInterval"`
	ConditionalMaxRetries  int           `yaml:"conditionalMaxRetries"`
	ConditionalRetryBase   time.Duration `yaml:"conditionalRetryBase"`
	ConditionalRetryMax    time.Duration `yaml:"conditionalRetryMax"`
	RuleMaxFailures        int           `yaml:"ruleMaxFailures"`
	BotMaxFailures         int           `yaml:"botMaxFailures"`
	LimitOrderTTL          time.Duration `yaml:"limitOrderTtl"`
	ReconcileLookback      time.Duration `yaml:"reconcileLookback"`
	StopLimitOffsetPercent float64       `yaml:"stopLimitOffsetPercent"`
}

// NotificationConfig holds alert channel settings
type NotificationConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig holds Telegram bot settings
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"botToken"`
	ChatID   int64  `yaml:"chatId"`
}

// InfluxConfig holds the optional indicator history sink settings
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Output      string `yaml:"output"`
	IncludeFile bool   `yaml:"includeFile"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path (if it exists), applies defaults and
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := loadFromFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if loaded != nil {
			cfg = loaded
		}
	}

	setDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "autotrader"
	}
	if cfg.Auth.DevUserID == "" {
		cfg.Auth.DevUserID = "local"
	}

	db := &cfg.Database
	if db.Host == "" {
		db.Host = "localhost"
	}
	if db.Port == 0 {
		db.Port = 5432
	}
	if db.User == "" {
		db.User = "autotrader"
	}
	if db.Name == "" {
		db.Name = "autotrader"
	}
	if db.SSLMode == "" {
		db.SSLMode = "disable"
	}
	if db.MaxConns == 0 {
		db.MaxConns = 25
	}
	if db.MinConns == 0 {
		db.MinConns = 5
	}
	if db.MaxConnLifetime == 0 {
		db.MaxConnLifetime = time.Hour
	}
	if db.MaxConnIdleTime == 0 {
		db.MaxConnIdleTime = 30 * time.Minute
	}

	if cfg.Redis.Address == "" {
		cfg.Redis.Address = "localhost:6379"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}

	b := &cfg.Binance
	if b.BaseURL == "" {
		b.BaseURL = "https://api.binance.com"
	}
	if b.RequestTimeout == 0 {
		b.RequestTimeout = 10 * time.Second
	}
	if b.RequestsPerSec == 0 {
		b.RequestsPerSec = 10
	}
	if b.RequestBurst == 0 {
		b.RequestBurst = 20
	}
	if b.QuoteAsset == "" {
		b.QuoteAsset = "USDT"
	}
	if b.PaperQuoteFunds == 0 {
		b.PaperQuoteFunds = 10000
	}

	if cfg.Vault.MountPath == "" {
		cfg.Vault.MountPath = "secret"
	}
	if cfg.Vault.SecretPath == "" {
		cfg.Vault.SecretPath = "autotrader/api-keys"
	}

	e := &cfg.Engine
	if e.TickInterval == 0 {
		e.TickInterval = time.Minute
	}
	if e.BaseTimeframe == "" {
		e.BaseTimeframe = "15m"
	}
	if len(e.Timeframes) == 0 {
		e.Timeframes = []string{"5m", "15m", "1h", "4h"}
	}
	if len(e.Symbols) == 0 {
		e.Symbols = []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT"}
	}
	if e.MaxTrackedSymbols == 0 {
		e.MaxTrackedSymbols = 30
	}
	if e.RefreshWorkers == 0 {
		e.RefreshWorkers = 8
	}
	if e.UserWorkerIdle == 0 {
		e.UserWorkerIdle = 30 * time.Minute
	}
	if e.StatsRefreshTicks == 0 {
		e.StatsRefreshTicks = 15
	}
	if e.StatsLookback == 0 {
		e.StatsLookback = 30 * 24 * time.Hour
	}
	if e.MinStrategyTrades == 0 {
		e.MinStrategyTrades = 10
	}

	ind := &cfg.Indicators
	if ind.RSIPeriod == 0 {
		ind.RSIPeriod = 14
	}
	if ind.MACDFast == 0 {
		ind.MACDFast = 12
	}
	if ind.MACDSlow == 0 {
		ind.MACDSlow = 26
	}
	if ind.MACDSignal == 0 {
		ind.MACDSignal = 9
	}
	if ind.BollingerPeriod == 0 {
		ind.BollingerPeriod = 20
	}
	if ind.BollingerStdDev == 0 {
		ind.BollingerStdDev = 2.0
	}
	if ind.ATRPeriod == 0 {
		ind.ATRPeriod = 14
	}
	if ind.StochKPeriod == 0 {
		ind.StochKPeriod = 14
	}
	if ind.StochSlowK == 0 {
		ind.StochSlowK = 3
	}
	if ind.StochSlowD == 0 {
		ind.StochSlowD = 3
	}
	if ind.VolumePeriod == 0 {
		ind.VolumePeriod = 20
	}

	s := &cfg.Signals
	if s.MinIndicators == 0 {
		s.MinIndicators = 3
	}
	if s.RSIOversold == 0 {
		s.RSIOversold = 30
	}
	if s.RSIOverbought == 0 {
		s.RSIOverbought = 70
	}
	if s.VolatileATRPercent == 0 {
		s.VolatileATRPercent = 3.0
	}

	bias := &cfg.Bias
	if bias.Symbol == "" {
		bias.Symbol = "BTCUSDT"
	}
	if bias.Timeframe == "" {
		bias.Timeframe = "1h"
	}
	if bias.CorrelationTimeframe == "" {
		bias.CorrelationTimeframe = "1h"
	}
	if bias.CorrelationWindow == 0 {
		bias.CorrelationWindow = 168
	}
	if bias.CorrelationTTL == 0 {
		bias.CorrelationTTL = 24 * time.Hour
	}
	if bias.CorrelationThreshold == 0 {
		bias.CorrelationThreshold = 0.7
	}
	if bias.WeakMomentumPct == 0 {
		bias.WeakMomentumPct = 1.0
	}
	if bias.StrongMomentumPct == 0 {
		bias.StrongMomentumPct = 3.0
	}
	if bias.CorrelationMomentumPct == 0 {
		bias.CorrelationMomentumPct = -1.0
	}

	r := &cfg.Risk
	if r.DailyLossLimitPct == 0 {
		r.DailyLossLimitPct = 5.0
	}
	if r.MaxConsecutiveLosses == 0 {
		r.MaxConsecutiveLosses = 5
	}
	if r.MaxPositions == 0 {
		r.MaxPositions = 5
	}
	if r.PositionSizePct == 0 {
		r.PositionSizePct = 5.0
	}
	if r.MaxPositionUSD == 0 {
		r.MaxPositionUSD = 1000
	}
	if r.StopLossPct == 0 {
		r.StopLossPct = 2.0
	}
	if r.TakeProfitPct == 0 {
		r.TakeProfitPct = 4.0
	}
	if r.MinConfidence == 0 {
		r.MinConfidence = 0.6
	}
	if r.DefaultCapitalUSD == 0 {
		r.DefaultCapitalUSD = 1000
	}

	x := &cfg.Execution
	if x.OrderTimeout == 0 {
		x.OrderTimeout = 10 * time.Second
	}
	if x.PlaceAttempts == 0 {
		x.PlaceAttempts = 3
	}
	if x.ProtectionAttempts == 0 {
		x.ProtectionAttempts = 4
	}
	if x.RetryInitialInterval == 0 {
		x.RetryInitialInterval = 500 * time.Millisecond
	}
	if x.RetryMaxInterval == 0 {
		x.RetryMaxInterval = 5 * time.Second
	}
	if x.ConditionalMaxRetries == 0 {
		x.ConditionalMaxRetries = 4
	}
	if x.ConditionalRetryBase == 0 {
		x.ConditionalRetryBase = time.Minute
	}
	if x.ConditionalRetryMax == 0 {
		x.ConditionalRetryMax = 15 * time.Minute
	}
	if x.RuleMaxFailures == 0 {
		x.RuleMaxFailures = 5
	}
	if x.BotMaxFailures == 0 {
		x.BotMaxFailures = 3
	}
	if x.LimitOrderTTL == 0 {
		x.LimitOrderTTL = 24 * time.Hour
	}
	if x.ReconcileLookback == 0 {
		x.ReconcileLookback = 2 * time.Minute
	}
	if x.StopLimitOffsetPercent == 0 {
		x.StopLimitOffsetPercent = 0.5
	}

	if cfg.Influx.Bucket == "" {
		cfg.Influx.Bucket = "autotrader"
	}

	l := &cfg.Logging
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
	if l.Output == "" {
		l.Output = "stdout"
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Exchange API keys are per-user and never read from the environment.
func applyEnvOverrides(cfg *Config) {
	cfg.Server.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Port = getEnvIntOrDefault("SERVER_PORT", cfg.Server.Port)

	cfg.Auth.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.Auth.Enabled)
	cfg.Auth.JWTSecret = getEnvOrDefault("JWT_SECRET", cfg.Auth.JWTSecret)

	cfg.Database.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.Database.Enabled)
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = getEnvOrDefault("DB_NAME", cfg.Database.Name)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)

	cfg.Binance.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.Binance.BaseURL)
	cfg.Binance.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.Binance.TestNet)
	cfg.Binance.PaperTrading = getEnvBoolOrDefault("PAPER_TRADING", cfg.Binance.PaperTrading)
	cfg.Binance.RequestTimeout = getEnvDurationOrDefault("BINANCE_REQUEST_TIMEOUT", cfg.Binance.RequestTimeout)

	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)

	cfg.Engine.TickInterval = getEnvDurationOrDefault("ENGINE_TICK_INTERVAL", cfg.Engine.TickInterval)
	cfg.Engine.RefreshWorkers = getEnvIntOrDefault("ENGINE_REFRESH_WORKERS", cfg.Engine.RefreshWorkers)
	cfg.Engine.DailyResetHourUTC = getEnvIntOrDefault("ENGINE_DAILY_RESET_HOUR_UTC", cfg.Engine.DailyResetHourUTC)
	if symbols := os.Getenv("ENGINE_SYMBOLS"); symbols != "" {
		cfg.Engine.Symbols = splitList(symbols)
	}

	cfg.Bias.Symbol = getEnvOrDefault("BIAS_SYMBOL", cfg.Bias.Symbol)

	cfg.Risk.DailyLossLimitPct = getEnvFloatOrDefault("RISK_DAILY_LOSS_LIMIT_PCT", cfg.Risk.DailyLossLimitPct)
	cfg.Risk.MaxConsecutiveLosses = getEnvIntOrDefault("RISK_MAX_CONSECUTIVE_LOSSES", cfg.Risk.MaxConsecutiveLosses)

	cfg.Execution.OrderTimeout = getEnvDurationOrDefault("EXECUTION_ORDER_TIMEOUT", cfg.Execution.OrderTimeout)

	cfg.Notification.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.Notification.Enabled)
	cfg.Notification.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.Notification.Telegram.Enabled)
	cfg.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			cfg.Notification.Telegram.ChatID = id
		}
	}

	cfg.Influx.Enabled = getEnvBoolOrDefault("INFLUX_ENABLED", cfg.Influx.Enabled)
	cfg.Influx.URL = getEnvOrDefault("INFLUX_URL", cfg.Influx.URL)
	cfg.Influx.Token = getEnvOrDefault("INFLUX_TOKEN", cfg.Influx.Token)
	cfg.Influx.Org = getEnvOrDefault("INFLUX_ORG", cfg.Influx.Org)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnvOrDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	if c.Engine.TickInterval < time.Second {
		return fmt.Errorf("engine.tickInterval must be at least 1s, got %s", c.Engine.TickInterval)
	}
	if c.Engine.DailyResetHourUTC < 0 || c.Engine.DailyResetHourUTC > 23 {
		return fmt.Errorf("engine.dailyResetHourUtc must be in [0,23], got %d", c.Engine.DailyResetHourUTC)
	}
	if !containsString(c.Engine.Timeframes, c.Engine.BaseTimeframe) {
		return fmt.Errorf("engine.baseTimeframe %q must be one of engine.timeframes", c.Engine.BaseTimeframe)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwtSecret is required when auth is enabled")
	}
	if c.Bias.CorrelationThreshold <= 0 || c.Bias.CorrelationThreshold > 1 {
		return fmt.Errorf("bias.correlationThreshold must be in (0,1], got %v", c.Bias.CorrelationThreshold)
	}
	if c.Bias.CorrelationMomentumPct >= 0 {
		return fmt.Errorf("bias.correlationMomentumPct must be negative, got %v", c.Bias.CorrelationMomentumPct)
	}
	if c.Execution.ProtectionAttempts < 1 || c.Execution.ProtectionAttempts > 10 {
		return fmt.Errorf("execution.protectionAttempts must be in [1,10], got %d", c.Execution.ProtectionAttempts)
	}
	if c.Notification.Telegram.Enabled && c.Notification.Telegram.BotToken == "" {
		return fmt.Errorf("notification.telegram.botToken is required when telegram is enabled")
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Org == "") {
		return fmt.Errorf("influx.url and influx.org are required when influx is enabled")
	}
	return nil
}

// GenerateSample writes a sample configuration file with every default filled in
func GenerateSample(filename string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
