// Package config provides environment configuration for the relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreNATS   = "nats"
	StoreBadger = "badger"
	StoreBolt   = "bolt"
	StoreSQLite = "sqlite"
)

// Transport modes.
const (
	TransportEventStream = "eventstream"
	TransportSink        = "sink"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ShutdownTimeout    time.Duration
	CORSAllowedOrigins []string

	// LLM settings
	LLMProvider      string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	DefaultModel     string
	LLMMaxTokens     int
	LLMTimeout       time.Duration

	// Storage settings
	StoreBackend         string
	StorePath            string
	PersistMaxRetries    int
	PersistRetryInterval time.Duration

	// NATS settings
	NATSURL       string
	NATSCAFile    string
	NATSCertFile  string
	NATSKeyFile   string
	NATSToken     string
	NATSKVBucket  string
	EventsEnabled bool

	// Streaming settings
	StreamBuffer      int
	StreamProtocol    string
	TransportMode     string
	HeartbeatInterval time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"https://*", "http://*"}),

		// LLM
		LLMProvider:      getEnv("LLM_PROVIDER", "openai"),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", ""),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", ""),
		DefaultModel:     getEnv("DEFAULT_MODEL", ""),
		LLMMaxTokens:     getIntEnv("LLM_MAX_TOKENS", 4096),
		LLMTimeout:       getDurationEnv("LLM_TIMEOUT", 2*time.Minute),

		// Storage
		StoreBackend:         getEnv("STORE_BACKEND", StoreMemory),
		StorePath:            getEnv("STORE_PATH", "data/conversations"),
		PersistMaxRetries:    getIntEnv("PERSIST_MAX_RETRIES", 3),
		PersistRetryInterval: getDurationEnv("PERSIST_RETRY_INTERVAL", 200*time.Millisecond),

		// NATS
		NATSURL:       getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:    getEnv("NATS_CA_FILE", ""),
		NATSCertFile:  getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:   getEnv("NATS_KEY_FILE", ""),
		NATSToken:     getEnv("NATS_TOKEN", ""),
		NATSKVBucket:  getEnv("NATS_KV_BUCKET", "conversations"),
		EventsEnabled: getBoolEnv("EVENTS_ENABLED", false),

		// Streaming
		StreamBuffer:      getIntEnv("STREAM_BUFFER", 64),
		StreamProtocol:    getEnv("STREAM_PROTOCOL", "sse"),
		TransportMode:     getEnv("TRANSPORT_MODE", TransportEventStream),
		HeartbeatInterval: getDurationEnv("HEARTBEAT_INTERVAL", 15*time.Second),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports configuration values outside their allowed sets.
func (c *Config) Validate() error {
	switch c.LLMProvider {
	case "openai", "anthropic", "scripted":
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	switch c.StoreBackend {
	case StoreMemory, StoreNATS, StoreBadger, StoreBolt, StoreSQLite:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.StreamProtocol {
	case "sse", "data":
	default:
		return fmt.Errorf("unknown STREAM_PROTOCOL %q", c.StreamProtocol)
	}
	switch c.TransportMode {
	case TransportEventStream, TransportSink:
	default:
		return fmt.Errorf("unknown TRANSPORT_MODE %q", c.TransportMode)
	}
	if c.StreamBuffer < 1 {
		return fmt.Errorf("STREAM_BUFFER must be positive, got %d", c.StreamBuffer)
	}
	if c.PersistMaxRetries < 0 {
		return fmt.Errorf("PERSIST_MAX_RETRIES must not be negative, got %d", c.PersistMaxRetries)
	}
	return nil
}

// NeedsNATS reports whether a NATS connection is required.
func (c *Config) NeedsNATS() bool {
	return c.StoreBackend == StoreNATS || c.EventsEnabled
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
