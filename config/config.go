package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Client         ClientConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ClientConfig holds the knobs the call client needs: where the relay lives,
// which STUN servers to hand to new peer links, and the bounded waits the
// coordinator applies to joining and negotiation.
type ClientConfig struct {
	ServerURL   string
	STUNServers []string

	// JoinTimeout bounds opening the signaling channel plus waiting for the
	// roster snapshot. NegotiationTimeout bounds a single peer link reaching
	// Connected; zero disables the negotiation deadline.
	JoinTimeout        time.Duration
	NegotiationTimeout time.Duration

	// Preferred capture resolution. The media source falls back to an
	// unconstrained request once before giving up.
	VideoWidth  int
	VideoHeight int
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	stunStr := getEnv("STUN_SERVERS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
		Client: ClientConfig{
			ServerURL:          getEnv("SERVER_URL", "ws://localhost:8080/ws"),
			STUNServers:        strings.Split(stunStr, ","),
			JoinTimeout:        getDuration("JOIN_TIMEOUT", 10*time.Second),
			NegotiationTimeout: getDuration("NEGOTIATION_TIMEOUT", 30*time.Second),
			VideoWidth:         getInt("VIDEO_WIDTH", 1280),
			VideoHeight:        getInt("VIDEO_HEIGHT", 720),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
