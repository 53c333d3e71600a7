package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "STORE_BACKEND", "PERSIST_MAX_RETRIES", "STREAM_BUFFER", "TRANSPORT_MODE", "EVENTS_ENABLED", "LLM_PROVIDER", "STREAM_PROTOCOL"} {
		t.Setenv(key, "")
	}
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, 3, cfg.PersistMaxRetries)
	assert.Equal(t, 64, cfg.StreamBuffer)
	assert.Equal(t, TransportEventStream, cfg.TransportMode)
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.NeedsNATS())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "nats")
	t.Setenv("LLM_TIMEOUT", "45s")
	t.Setenv("STREAM_BUFFER", "8")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("TRACING_ENABLED", "true")

	cfg := Load()

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, StoreNATS, cfg.StoreBackend)
	assert.Equal(t, 45*time.Second, cfg.LLMTimeout)
	assert.Equal(t, 8, cfg.StreamBuffer)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.TracingEnabled)
	assert.True(t, cfg.NeedsNATS())
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("STREAM_BUFFER", "lots")
	t.Setenv("LLM_TIMEOUT", "forever")

	cfg := Load()

	assert.Equal(t, 64, cfg.StreamBuffer)
	assert.Equal(t, 2*time.Minute, cfg.LLMTimeout)
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	cases := map[string]func(*Config){
		"provider":  func(c *Config) { c.LLMProvider = "llama" },
		"store":     func(c *Config) { c.StoreBackend = "postgres" },
		"protocol":  func(c *Config) { c.StreamProtocol = "ws" },
		"transport": func(c *Config) { c.TransportMode = "poll" },
		"buffer":    func(c *Config) { c.StreamBuffer = 0 },
		"retries":   func(c *Config) { c.PersistMaxRetries = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Load()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
