package config

import (
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

type Config struct {
	Port                string
	DataDir             string
	IndexURL            string
	MaxConcurrentBuilds int
	MaxSourceBytes      int64
	ProbeTimeout        time.Duration
	StopGrace           time.Duration
	JwtSecret           string
	LogLevel            string
}

// Load loads configuration from environment variables.
// Automatically loads .env file if present.
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		DataDir:             getEnv("DATA_DIR", "/var/lib/bootman"),
		IndexURL:            getEnv("INDEX_URL", "https://index.substratehq.run"),
		MaxConcurrentBuilds: getEnvInt("MAX_CONCURRENT_BUILDS", 2),
		MaxSourceBytes:      getEnvSize("MAX_SOURCE_SIZE", "512MB"),
		ProbeTimeout:        getEnvDuration("SERVICE_PROBE_TIMEOUT", 30*time.Second),
		StopGrace:           getEnvDuration("STOP_GRACE_PERIOD", 10*time.Second),
		JwtSecret:           getEnv("JWT_SECRET", ""),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSize(key, defaultValue string) int64 {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(getEnv(key, defaultValue))); err != nil {
		_ = v.UnmarshalText([]byte(defaultValue))
	}
	return int64(v.Bytes())
}
