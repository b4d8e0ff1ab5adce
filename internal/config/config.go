package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr       string
	GRPCAddr       string
	MySQLDSN       string
	RedisAddr      string
	RedisPoolSize  int
	RequestTimeout time.Duration
	OrderLockTTL   time.Duration
	LogLevel       string
}

func Load() *Config {
	// Load .env file if exists
	godotenv.Load()

	return &Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:       getEnv("GRPC_ADDR", ":50051"),
		MySQLDSN:       getEnv("MYSQL_DSN", "root:root@tcp(localhost:3306)/orders?parseTime=true&loc=UTC"),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPoolSize:  getEnvAsInt("REDIS_POOL_SIZE", 100),
		RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		OrderLockTTL:   getEnvAsDuration("ORDER_LOCK_TTL", 10*time.Second),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration strings ("5s") or a bare number of
// seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
