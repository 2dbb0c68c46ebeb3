package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Metrics   MetricsConfig
	Logging   LoggingConfig
	Signaling SignalingConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxRooms        int
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type SignalingConfig struct {
	WSReadLimit     int64
	WSWriteTimeout  time.Duration
	WSPongTimeout   time.Duration
	WSPingInterval  time.Duration
	HubPingInterval time.Duration
	SendBufferSize  int
	RateLimitPerSec float64
	RateLimitBurst  int
	MaxRoomIDLength int
}

func LoadConfig() *Config {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host:            getEnv("SIGNALING_HOST", "0.0.0.0"),
			Port:            getEnvInt("SIGNALING_PORT", 3001),
			ReadTimeout:     time.Duration(getEnvInt("SIGNALING_READ_TIMEOUT", 30)) * time.Second,
			WriteTimeout:    time.Duration(getEnvInt("SIGNALING_WRITE_TIMEOUT", 30)) * time.Second,
			MaxRooms:        getEnvInt("SIGNALING_MAX_ROOMS", 10000),
			AllowedOrigins:  getEnvList("ALLOWED_ORIGINS", []string{"*"}),
			ShutdownTimeout: time.Duration(getEnvInt("SIGNALING_SHUTDOWN_TIMEOUT", 10)) * time.Second,
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Signaling: SignalingConfig{
			WSReadLimit:     int64(getEnvInt("SIGNALING_WS_READ_LIMIT", 65536)),
			WSWriteTimeout:  time.Duration(getEnvInt("SIGNALING_WS_WRITE_TIMEOUT", 10)) * time.Second,
			WSPongTimeout:   time.Duration(getEnvInt("SIGNALING_WS_PONG_TIMEOUT", 60)) * time.Second,
			WSPingInterval:  time.Duration(getEnvInt("SIGNALING_WS_PING_INTERVAL", 54)) * time.Second,
			HubPingInterval: time.Duration(getEnvInt("SIGNALING_WS_HUB_PING_INTERVAL", 30)) * time.Second,
			SendBufferSize:  getEnvInt("SIGNALING_SEND_BUFFER", 256),
			RateLimitPerSec: float64(getEnvInt("SIGNALING_RATE_LIMIT_PER_SEC", 50)),
			RateLimitBurst:  getEnvInt("SIGNALING_RATE_LIMIT_BURST", 100),
			MaxRoomIDLength: getEnvInt("SIGNALING_MAX_ROOM_ID_LENGTH", 128),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
