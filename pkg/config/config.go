package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading core. Account and
// strategy definitions live in their own JSON files; everything here is
// process plumbing.
type Config struct {
	Port string

	// File locations
	AccountConfigPath string // pm_config.json
	StrategyConfigDir string // config/strategies/{user_id}/{strategy}.json
	DBPath            string
	LogPath           string
	LogLevel          string

	// Admin API
	APIAuthSecret string // empty disables the /api/v1 surface

	// Exchange tuning
	RESTTimeoutSec   int
	WSReadTimeoutSec int

	// Shutdown
	GracePeriodSec int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8080"),
		AccountConfigPath: getEnv("PM_CONFIG_PATH", "config/pm_config.json"),
		StrategyConfigDir: getEnv("STRATEGY_CONFIG_DIR", "config/strategies"),
		DBPath:            getEnv("DB_PATH", "./data/trading.db"),
		LogPath:           getEnv("LOG_PATH", "./logs/core.log"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		APIAuthSecret:     getEnv("API_AUTH_SECRET", ""),
		RESTTimeoutSec:    getEnvInt("REST_TIMEOUT_SEC", 10),
		WSReadTimeoutSec:  getEnvInt("WS_READ_TIMEOUT_SEC", 60),
		GracePeriodSec:    getEnvInt("SHUTDOWN_GRACE_SEC", 10),
	}, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
