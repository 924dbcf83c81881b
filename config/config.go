package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EngineMode selects between simulated and real order routing.
type EngineMode string

const (
	ModePaper EngineMode = "PAPER"
	ModeLive  EngineMode = "LIVE"
)

// Config holds the full engine configuration, populated from the
// environment (optionally seeded by a .env file).
type Config struct {
	DatabaseURL string
	HistoryDir  string // JSONL journal directory, used when DatabaseURL is empty

	BackendPort int
	CORSOrigin  string

	Mode                EngineMode
	AutoPaper           bool
	ConfidenceThreshold float64
	Symbols             []string
	Timeframe           string

	StaleDataMs        int64
	MinExpectedEdge    float64
	MaxPositionSizePct float64
	MaxExposurePct     float64
	PaperSlippageBps   float64
	PaperFeeBps        float64
	LoopInterval       time.Duration

	InitialBalance float64

	AdvisorURL string
	ArbEnabled bool

	KucoinAPIKey        string
	KucoinAPISecret     string
	KucoinAPIPassphrase string

	VaultConfig VaultConfig
	RedisConfig RedisConfig

	LogLevel string
	LogJSON  bool
}

// VaultConfig holds HashiCorp Vault configuration for LIVE credentials.
type VaultConfig struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
}

// RedisConfig holds Redis configuration for the idempotency cache.
type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		HistoryDir:  getEnvOrDefault("HISTORY_DIR", "data"),

		BackendPort: getEnvIntOrDefault("BACKEND_PORT", 8090),
		CORSOrigin:  getEnvOrDefault("CORS_ORIGIN", "*"),

		Mode:                EngineMode(strings.ToUpper(getEnvOrDefault("ENGINE_MODE", "PAPER"))),
		AutoPaper:           getEnvOrDefault("AUTO_PAPER", "true") == "true",
		ConfidenceThreshold: getEnvFloatOrDefault("CONFIDENCE_THRESHOLD", 0.6),
		Timeframe:           getEnvOrDefault("BOT_TIMEFRAME", "1h"),

		StaleDataMs:        getEnvInt64OrDefault("BOT_STALE_DATA_MS", 7_200_000),
		MinExpectedEdge:    getEnvFloatOrDefault("BOT_MIN_EXPECTED_EDGE", 5e-4),
		MaxPositionSizePct: getEnvFloatOrDefault("BOT_MAX_POSITION_SIZE_PCT", 0.25),
		MaxExposurePct:     getEnvFloatOrDefault("BOT_MAX_EXPOSURE_PCT", 0.7),
		PaperSlippageBps:   getEnvFloatOrDefault("BOT_PAPER_SLIPPAGE_BPS", 4),
		PaperFeeBps:        getEnvFloatOrDefault("BOT_PAPER_FEE_BPS", 10),
		LoopInterval:       time.Duration(getEnvInt64OrDefault("BOT_LOOP_MS", 15000)) * time.Millisecond,

		InitialBalance: getEnvFloatOrDefault("ENGINE_INITIAL_BALANCE", 1000),

		AdvisorURL: os.Getenv("ADVISOR_URL"),
		ArbEnabled: getEnvOrDefault("ARB_ENABLED", "false") == "true",

		KucoinAPIKey:        os.Getenv("KUCOIN_API_KEY"),
		KucoinAPISecret:     os.Getenv("KUCOIN_API_SECRET"),
		KucoinAPIPassphrase: os.Getenv("KUCOIN_API_PASSPHRASE"),

		VaultConfig: VaultConfig{
			Enabled:    getEnvOrDefault("VAULT_ENABLED", "false") == "true",
			Address:    getEnvOrDefault("VAULT_ADDR", "http://localhost:8200"),
			Token:      os.Getenv("VAULT_TOKEN"),
			MountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "secret"),
			SecretPath: getEnvOrDefault("VAULT_SECRET_PATH", "paper-engine/kucoin"),
		},
		RedisConfig: RedisConfig{
			Enabled:  getEnvOrDefault("REDIS_ENABLED", "false") == "true",
			Address:  getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvIntOrDefault("REDIS_DB", 0),
		},

		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
		LogJSON:  getEnvOrDefault("LOG_JSON", "true") == "true",
	}

	symbols := getEnvOrDefault("ENGINE_SYMBOL", "BTC-USDC")
	for _, s := range strings.Split(symbols, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			cfg.Symbols = append(cfg.Symbols, s)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for fatal errors. Validation only
// runs at startup; nothing here is re-checked mid-run.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("ENGINE_MODE must be PAPER or LIVE, got %q", c.Mode)
	}

	if c.Mode == ModeLive && !c.VaultConfig.Enabled {
		if c.KucoinAPIKey == "" || c.KucoinAPISecret == "" || c.KucoinAPIPassphrase == "" {
			return fmt.Errorf("LIVE mode requires KUCOIN_API_KEY, KUCOIN_API_SECRET and KUCOIN_API_PASSPHRASE")
		}
	}

	if len(c.Symbols) == 0 {
		return fmt.Errorf("ENGINE_SYMBOL must name at least one symbol")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be in [0,1], got %v", c.ConfidenceThreshold)
	}
	if c.MaxPositionSizePct <= 0 || c.MaxPositionSizePct > 1 {
		return fmt.Errorf("BOT_MAX_POSITION_SIZE_PCT must be in (0,1], got %v", c.MaxPositionSizePct)
	}
	if c.MaxExposurePct <= 0 || c.MaxExposurePct > 1 {
		return fmt.Errorf("BOT_MAX_EXPOSURE_PCT must be in (0,1], got %v", c.MaxExposurePct)
	}
	if c.LoopInterval < time.Second {
		return fmt.Errorf("BOT_LOOP_MS must be at least 1000, got %v", c.LoopInterval.Milliseconds())
	}
	if c.BackendPort <= 0 || c.BackendPort > 65535 {
		return fmt.Errorf("BACKEND_PORT out of range: %d", c.BackendPort)
	}
	return nil
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

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
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
