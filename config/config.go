package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds relay server and chat client configuration
type Config struct {
	Port              int
	RedisURL          string
	RedisPassword     string
	MaxSessions       int
	SessionTimeout    time.Duration
	HistoryTTL        time.Duration // How long stored conversations are kept
	GeminiAPIKey      string
	GeminiModel       string
	AllowedOrigins    []string
	KeepAlivePeriod   time.Duration
	MaxBufferSize     int // Maximum size in bytes of one reassembled inbound message
	MaxFramePayload   int // Maximum data bytes per outbound frame
	PendingFrameTTL   time.Duration
	ArtifactsEnabled  bool
	WebsocketEndpoint string // Client: relay websocket URL
	APIEndpoint       string // Client: relay HTTP base URL
	LogLevel          string
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:              8080,
		RedisURL:          "localhost:6379",
		RedisPassword:     "",
		MaxSessions:       100,
		SessionTimeout:    30 * time.Minute,
		HistoryTTL:        7 * 24 * time.Hour,
		GeminiModel:       "gemini-2.5-flash",
		AllowedOrigins:    []string{"*"},
		KeepAlivePeriod:   30 * time.Second,
		MaxBufferSize:     5 * 1024 * 1024, // 5MB default
		MaxFramePayload:   24 * 1024,
		PendingFrameTTL:   5 * time.Minute,
		ArtifactsEnabled:  true,
		WebsocketEndpoint: "ws://localhost:8080/ws",
		APIEndpoint:       "http://localhost:8080",
		LogLevel:          "info",
	}

	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")

	if model := os.Getenv("GEMINI_MODEL"); model != "" {
		config.GeminiModel = model
	}

	var err error
	if config.Port, err = intEnv("PORT", config.Port); err != nil {
		return nil, err
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}

	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.RedisPassword = redisPassword
	}

	if config.MaxSessions, err = intEnv("MAX_SESSIONS", config.MaxSessions); err != nil {
		return nil, err
	}

	// SESSION_TIMEOUT is in minutes
	timeout, err := intEnv("SESSION_TIMEOUT", int(config.SessionTimeout/time.Minute))
	if err != nil {
		return nil, err
	}
	config.SessionTimeout = time.Duration(timeout) * time.Minute

	// HISTORY_TTL is in hours
	historyTTL, err := intEnv("HISTORY_TTL", int(config.HistoryTTL/time.Hour))
	if err != nil {
		return nil, err
	}
	config.HistoryTTL = time.Duration(historyTTL) * time.Hour

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = strings.Split(origins, ",")
	}

	// KEEPALIVE_PERIOD is in seconds
	keepalive, err := intEnv("KEEPALIVE_PERIOD", int(config.KeepAlivePeriod/time.Second))
	if err != nil {
		return nil, err
	}
	config.KeepAlivePeriod = time.Duration(keepalive) * time.Second

	if config.MaxBufferSize, err = intEnv("MAX_BUFFER_SIZE", config.MaxBufferSize); err != nil {
		return nil, err
	}

	if config.MaxFramePayload, err = intEnv("MAX_FRAME_PAYLOAD", config.MaxFramePayload); err != nil {
		return nil, err
	}
	if config.MaxFramePayload <= 0 {
		return nil, fmt.Errorf("invalid MAX_FRAME_PAYLOAD: must be positive")
	}

	// PENDING_FRAME_TTL is in seconds
	ttl, err := intEnv("PENDING_FRAME_TTL", int(config.PendingFrameTTL/time.Second))
	if err != nil {
		return nil, err
	}
	config.PendingFrameTTL = time.Duration(ttl) * time.Second

	if enabled := os.Getenv("ARTIFACTS_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid ARTIFACTS_ENABLED: %w", err)
		}
		config.ArtifactsEnabled = b
	}

	if endpoint := os.Getenv("WEBSOCKET_ENDPOINT"); endpoint != "" {
		config.WebsocketEndpoint = endpoint
	}

	if endpoint := os.Getenv("API_ENDPOINT"); endpoint != "" {
		config.APIEndpoint = strings.TrimRight(endpoint, "/")
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}

	return config, nil
}

func intEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}
