package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"crypto-dca-engine/internal/consensus"
	"crypto-dca-engine/internal/grid"
	"crypto-dca-engine/internal/indicator"
	"crypto-dca-engine/internal/notification"
	"crypto-dca-engine/internal/risk"
	"crypto-dca-engine/internal/sentiment"
	"crypto-dca-engine/internal/storage"
)

// Config is the full engine configuration. Values load from config.json with
// environment variable overrides on top; credentials can additionally come
// from Vault.
type Config struct {
	Engine       EngineConfig       `json:"engine"`
	Binance      BinanceConfig      `json:"binance"`
	Indicator    indicator.Config   `json:"indicator"`
	Grid         grid.Config        `json:"grid"`
	Risk         risk.Config        `json:"risk"`
	Consensus    ConsensusConfig    `json:"consensus"`
	Sentiment    sentiment.Config   `json:"sentiment"`
	Database     DatabaseConfig     `json:"database"`
	Redis        RedisConfig        `json:"redis"`
	Notification NotificationConfig `json:"notification"`
	Vault        VaultConfig        `json:"vault"`
	Logging      LoggingConfig      `json:"logging"`
}

// EngineConfig drives the decision loop.
type EngineConfig struct {
	Pairs            []string `json:"pairs"`
	Timeframe        string   `json:"timeframe"`
	CandleCount      int      `json:"candle_count"`
	DecisionCron     string   `json:"decision_cron"` // cron spec for decision cycles
	MinPairsCount    int      `json:"min_pairs_count"`
	MaxOpenPositions int      `json:"max_open_positions"`
	PaperTrading     bool     `json:"paper_trading"`
	// StaleTickMaxAge discards price ticks older than this at decision time.
	StaleTickMaxAge time.Duration `json:"stale_tick_max_age"`
}

// BinanceConfig holds exchange connectivity.
type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	BaseURL   string `json:"base_url"`
	StreamURL string `json:"stream_url"`
	TestNet   bool   `json:"testnet"`
}

// ConsensusConfig couples the validator settings with the two agent clients.
type ConsensusConfig struct {
	Validator consensus.ValidatorConfig `json:"validator"`
	AgentA    consensus.ClientConfig    `json:"agent_a"`
	AgentB    consensus.ClientConfig    `json:"agent_b"`
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	// Backend is "postgres", "sqlite" or "none".
	Backend    string                 `json:"backend"`
	Postgres   storage.PostgresConfig `json:"postgres"`
	SQLitePath string                 `json:"sqlite_path"`
}

// RedisConfig holds shared-state settings.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// NotificationConfig groups the delivery channels.
type NotificationConfig struct {
	Enabled  bool                        `json:"enabled"`
	Telegram notification.TelegramConfig `json:"telegram"`
	Discord  notification.DiscordConfig  `json:"discord"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // console writer when false
}

// Load reads config.json (optional) and applies environment overrides.
func Load() (*Config, error) {
	cfg := defaults()

	if raw, err := os.ReadFile("config.json"); err == nil {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config.json: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Engine: EngineConfig{
			Pairs:            []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
			Timeframe:        "15m",
			CandleCount:      250,
			DecisionCron:     "*/1 * * * *",
			MinPairsCount:    3,
			MaxOpenPositions: 5,
			PaperTrading:     true,
			StaleTickMaxAge:  30 * time.Second,
		},
		Binance: BinanceConfig{
			BaseURL:   "https://api.binance.com",
			StreamURL: "wss://stream.binance.com:9443",
		},
		Indicator: indicator.DefaultConfig(),
		Grid:      grid.DefaultConfig(),
		Risk:      risk.DefaultConfig(),
		Consensus: ConsensusConfig{
			Validator: consensus.DefaultValidatorConfig(),
			AgentA:    consensus.DefaultClientConfig(),
			AgentB: consensus.ClientConfig{
				Provider:    consensus.ProviderOpenAI,
				Model:       "gpt-4o",
				MaxTokens:   512,
				Temperature: 0.2,
			},
		},
		Sentiment: sentiment.DefaultConfig(),
		Database: DatabaseConfig{
			Backend:    "sqlite",
			SQLitePath: "dca_engine.db",
			Postgres: storage.PostgresConfig{
				Host:    "localhost",
				Port:    5432,
				SSLMode: "disable",
			},
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		Logging: LoggingConfig{
			Level:      "info",
			JSONFormat: true,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Binance.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.Binance.APIKey)
	cfg.Binance.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.Binance.SecretKey)
	cfg.Binance.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.Binance.BaseURL)
	cfg.Binance.StreamURL = getEnvOrDefault("BINANCE_STREAM_URL", cfg.Binance.StreamURL)
	if getEnvOrDefault("BINANCE_TESTNET", "") == "true" {
		cfg.Binance.TestNet = true
		cfg.Binance.BaseURL = "https://testnet.binance.vision"
		cfg.Binance.StreamURL = "wss://testnet.binance.vision"
	}

	if v := os.Getenv("PAPER_TRADING"); v != "" {
		cfg.Engine.PaperTrading = v == "true"
	}
	if v := os.Getenv("DECISION_CRON"); v != "" {
		cfg.Engine.DecisionCron = v
	}

	cfg.Consensus.AgentA.APIKey = getEnvOrDefault("CONSENSUS_AGENT_A_API_KEY", cfg.Consensus.AgentA.APIKey)
	cfg.Consensus.AgentB.APIKey = getEnvOrDefault("CONSENSUS_AGENT_B_API_KEY", cfg.Consensus.AgentB.APIKey)
	if v := os.Getenv("REQUIRE_DUAL_CONSENSUS"); v != "" {
		cfg.Consensus.Validator.RequireDualConsensus = v == "true"
	}
	if ms := getEnvIntOrDefault("AI_TIMEOUT_MS", 0); ms > 0 {
		cfg.Consensus.Validator.AgentTimeout = time.Duration(ms) * time.Millisecond
	}
	if ms := getEnvIntOrDefault("AI_OVERALL_TIMEOUT_MS", 0); ms > 0 {
		cfg.Consensus.Validator.OverallTimeout = time.Duration(ms) * time.Millisecond
	}

	cfg.Database.Backend = getEnvOrDefault("DB_BACKEND", cfg.Database.Backend)
	cfg.Database.Postgres.Host = getEnvOrDefault("POSTGRES_HOST", cfg.Database.Postgres.Host)
	cfg.Database.Postgres.Port = getEnvIntOrDefault("POSTGRES_PORT", cfg.Database.Postgres.Port)
	cfg.Database.Postgres.User = getEnvOrDefault("POSTGRES_USER", cfg.Database.Postgres.User)
	cfg.Database.Postgres.Password = getEnvOrDefault("POSTGRES_PASSWORD", cfg.Database.Postgres.Password)
	cfg.Database.Postgres.Database = getEnvOrDefault("POSTGRES_DB", cfg.Database.Postgres.Database)
	cfg.Database.SQLitePath = getEnvOrDefault("SQLITE_PATH", cfg.Database.SQLitePath)

	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = v == "true"
	}
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)

	if v := os.Getenv("NOTIFICATIONS_ENABLED"); v != "" {
		cfg.Notification.Enabled = v == "true"
	}
	cfg.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	if v := getEnvIntOrDefault("TELEGRAM_CHAT_ID", 0); v != 0 {
		cfg.Notification.Telegram.ChatID = int64(v)
	}
	if cfg.Notification.Telegram.BotToken != "" && cfg.Notification.Telegram.ChatID != 0 {
		cfg.Notification.Telegram.Enabled = true
	}
	cfg.Notification.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.Notification.Discord.WebhookURL)
	if cfg.Notification.Discord.WebhookURL != "" {
		cfg.Notification.Discord.Enabled = true
	}

	cfg.Vault.Enabled = getEnvOrDefault("VAULT_ENABLED", "") == "true" || cfg.Vault.Enabled
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.Vault.SecretPath)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.Logging.JSONFormat = v == "true"
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.Engine.Pairs) < c.Engine.MinPairsCount {
		return fmt.Errorf("need at least %d trading pairs, got %d", c.Engine.MinPairsCount, len(c.Engine.Pairs))
	}
	if c.Engine.CandleCount < c.Indicator.MaxLookback() {
		return fmt.Errorf("candle_count %d below indicator lookback %d", c.Engine.CandleCount, c.Indicator.MaxLookback())
	}
	if !c.Engine.PaperTrading && (c.Binance.APIKey == "" || c.Binance.SecretKey == "") {
		return fmt.Errorf("live trading requires Binance credentials")
	}
	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("risk config: %w", err)
	}
	if err := c.Grid.Validate(); err != nil {
		return fmt.Errorf("grid config: %w", err)
	}
	return nil
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
