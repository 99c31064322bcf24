package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the gateway's startup configuration, read once from
// the environment and never mutated afterward.
type Config struct {
	STTAPIKey string
	LLMAPIKey string

	Port    int
	TLSCert string
	TLSKey  string

	STTProvider string // "deepgram" (default) or "google"

	UtteranceEndMS int
	EndpointingMS  int
	HardCeilingMS  int

	SubscriberQueue int
	MaxSessions     int
	MaxSubscribers  int

	TranslatorTimeout time.Duration
	TTSTimeout        time.Duration

	VoicesConfigPath string
	MetricsAddr      string
}

// Load reads Config from the environment, applying the defaults from
// the gateway's configuration table.
func Load() (*Config, error) {
	cfg := &Config{
		STTAPIKey:         os.Getenv("STT_API_KEY"),
		LLMAPIKey:         os.Getenv("LLM_API_KEY"),
		Port:              envInt("PORT", 5050),
		TLSCert:           os.Getenv("TLS_CERT"),
		TLSKey:            os.Getenv("TLS_KEY"),
		STTProvider:       envString("STT_PROVIDER", "deepgram"),
		UtteranceEndMS:    envInt("UTTERANCE_END_MS", 1000),
		EndpointingMS:     envInt("ENDPOINTING_MS", 300),
		HardCeilingMS:     envInt("HARD_CEILING_MS", 15000),
		SubscriberQueue:   envInt("SUBSCRIBER_QUEUE", 32),
		MaxSessions:       envInt("MAX_SESSIONS", 32),
		MaxSubscribers:    envInt("MAX_SUBSCRIBERS", 64),
		TranslatorTimeout: time.Duration(envInt("TRANSLATOR_TIMEOUT_MS", 4000)) * time.Millisecond,
		TTSTimeout:        time.Duration(envInt("TTS_TIMEOUT_MS", 8000)) * time.Millisecond,
		VoicesConfigPath:  os.Getenv("VOICES_CONFIG"),
		MetricsAddr:       os.Getenv("METRICS_ADDR"),
	}

	if cfg.STTAPIKey == "" {
		return nil, fmt.Errorf("config: STT_API_KEY is required")
	}
	if cfg.LLMAPIKey == "" {
		return nil, fmt.Errorf("config: LLM_API_KEY is required")
	}
	if cfg.STTProvider != "deepgram" && cfg.STTProvider != "google" {
		return nil, fmt.Errorf("config: STT_PROVIDER must be %q or %q, got %q", "deepgram", "google", cfg.STTProvider)
	}
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("config: TLS_CERT and TLS_KEY must both be set or both be empty")
	}

	return cfg, nil
}

// TLSEnabled reports whether the gateway should serve wss/https.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
