// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the evaluator service configuration.
//
// # Description
//
// Values are layered: Default(), then an optional YAML file, then
// environment variables. Later layers only override keys they set.
//
//	cfg, err := config.Load("glassscore.yaml")
//	if err != nil { ... }
//	if err := cfg.Validate(); err != nil { ... }
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// LLM backends accepted by LLMConfig.Backend.
const (
	BackendOpenAI    = "openai"
	BackendOllama    = "ollama"
	BackendAnthropic = "anthropic"
	BackendLocal     = "local"
	BackendNone      = "none"
)

// Config is the complete evaluator configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" envPrefix:"GLASSSCORE_"`
	LLM           LLMConfig           `yaml:"llm" envPrefix:"GLASSSCORE_LLM_"`
	Search        SearchConfig        `yaml:"search" envPrefix:"GLASSSCORE_SEARCH_"`
	Evaluation    EvaluationConfig    `yaml:"evaluation" envPrefix:"GLASSSCORE_"`
	Archive       ArchiveConfig       `yaml:"archive" envPrefix:"GLASSSCORE_ARCHIVE_"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging" envPrefix:"GLASSSCORE_LOG_"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	GinMode         string        `yaml:"gin_mode" env:"GIN_MODE"`
	APIKeys         []string      `yaml:"api_keys" env:"API_KEYS" envSeparator:","`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LLMConfig selects and configures the language model backend.
type LLMConfig struct {
	Backend           string          `yaml:"backend" env:"BACKEND"`
	OpenAI            OpenAIConfig    `yaml:"openai" envPrefix:"OPENAI_"`
	Ollama            OllamaConfig    `yaml:"ollama" envPrefix:"OLLAMA_"`
	Anthropic         AnthropicConfig `yaml:"anthropic" envPrefix:"ANTHROPIC_"`
	LocalURL          string          `yaml:"local_url" env:"LOCAL_URL"`
	Cooldown          time.Duration   `yaml:"cooldown" env:"COOLDOWN"`
	MaxRetries        int             `yaml:"max_retries" env:"MAX_RETRIES"`
	RequestsPerMinute float64         `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`
}

// OpenAIConfig configures OpenAI-compatible backends. Several keys are
// rotated round-robin.
type OpenAIConfig struct {
	APIKeys []string `yaml:"api_keys" env:"API_KEYS" envSeparator:","`
	Model   string   `yaml:"model" env:"MODEL"`
	BaseURL string   `yaml:"base_url" env:"BASE_URL"`
}

// OllamaConfig configures an Ollama server.
type OllamaConfig struct {
	URL   string `yaml:"url" env:"URL"`
	Model string `yaml:"model" env:"MODEL"`
}

// AnthropicConfig configures the Anthropic Messages API.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key" env:"API_KEY"`
	Model  string `yaml:"model" env:"MODEL"`
}

// SearchConfig configures web verification. An empty APIKey disables it.
type SearchConfig struct {
	URL        string `yaml:"url" env:"URL"`
	APIKey     string `yaml:"api_key" env:"API_KEY"`
	MaxResults int    `yaml:"max_results" env:"MAX_RESULTS"`
	MaxClaims  int    `yaml:"max_claims" env:"MAX_CLAIMS"`
}

// EvaluationConfig bounds evaluation work and session lifetime.
type EvaluationConfig struct {
	ProducerTimeout   time.Duration `yaml:"producer_timeout" env:"PRODUCER_TIMEOUT"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval" env:"KEEPALIVE_INTERVAL"`
	SessionTTL        time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`
	SweepInterval     time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	ChunkSize         int           `yaml:"chunk_size" env:"CHUNK_SIZE"`
	ChunkOverlap      int           `yaml:"chunk_overlap" env:"CHUNK_OVERLAP"`
}

// ArchiveConfig configures the BadgerDB snapshot archive. An empty Path
// keeps the archive in memory.
type ArchiveConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// ObservabilityConfig configures tracing. The endpoint variable uses the
// standard OpenTelemetry name.
type ObservabilityConfig struct {
	TracingEnabled bool   `yaml:"tracing_enabled" env:"GLASSSCORE_TRACING_ENABLED"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	Dir   string `yaml:"dir" env:"DIR"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            12230,
			GinMode:         "release",
			ShutdownTimeout: 15 * time.Second,
		},
		LLM: LLMConfig{
			Backend:    BackendOllama,
			OpenAI:     OpenAIConfig{Model: "gpt-4o-mini"},
			Ollama:     OllamaConfig{URL: "http://localhost:11434", Model: "llama3.1"},
			Anthropic:  AnthropicConfig{Model: "claude-3-5-haiku-latest"},
			LocalURL:   "http://localhost:8080",
			Cooldown:   60 * time.Second,
			MaxRetries: 2,
		},
		Search: SearchConfig{
			URL:        "https://api.tavily.com/search",
			MaxResults: 5,
			MaxClaims:  5,
		},
		Evaluation: EvaluationConfig{
			ProducerTimeout:   2 * time.Minute,
			KeepAliveInterval: 15 * time.Second,
			SessionTTL:        time.Hour,
			SweepInterval:     time.Minute,
			ChunkSize:         4000,
			ChunkOverlap:      200,
		},
		Observability: ObservabilityConfig{
			ServiceName: "glassscore-evaluator",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load returns Default() overlaid with the YAML file at path, if path is
// non-empty, and then with environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Server.GinMode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("server.gin_mode %q must be debug, release or test", c.Server.GinMode))
	}

	switch strings.ToLower(c.LLM.Backend) {
	case BackendOpenAI:
		if len(nonBlank(c.LLM.OpenAI.APIKeys)) == 0 {
			errs = append(errs, errors.New("llm.openai.api_keys is required for the openai backend"))
		}
	case BackendOllama:
		errs = append(errs, checkURL("llm.ollama.url", c.LLM.Ollama.URL))
	case BackendAnthropic, "claude":
		if c.LLM.Anthropic.APIKey == "" {
			errs = append(errs, errors.New("llm.anthropic.api_key is required for the anthropic backend"))
		}
	case BackendLocal:
		errs = append(errs, checkURL("llm.local_url", c.LLM.LocalURL))
	case BackendNone:
	default:
		errs = append(errs, fmt.Errorf("llm.backend %q is not supported", c.LLM.Backend))
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, errors.New("llm.max_retries must not be negative"))
	}
	if c.LLM.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("llm.requests_per_minute must not be negative"))
	}

	if c.Search.APIKey != "" {
		errs = append(errs, checkURL("search.url", c.Search.URL))
	}

	if c.Evaluation.ProducerTimeout <= 0 {
		errs = append(errs, errors.New("evaluation.producer_timeout must be positive"))
	}
	if c.Evaluation.KeepAliveInterval <= 0 {
		errs = append(errs, errors.New("evaluation.keepalive_interval must be positive"))
	}
	if c.Evaluation.SessionTTL < 0 {
		errs = append(errs, errors.New("evaluation.session_ttl must not be negative"))
	}
	if c.Evaluation.SessionTTL > 0 && c.Evaluation.SweepInterval <= 0 {
		errs = append(errs, errors.New("evaluation.sweep_interval must be positive when a TTL is set"))
	}
	if c.Evaluation.ChunkSize <= 0 || c.Evaluation.ChunkOverlap < 0 ||
		c.Evaluation.ChunkOverlap >= c.Evaluation.ChunkSize {
		errs = append(errs, errors.New("evaluation chunk_overlap must be in [0, chunk_size)"))
	}

	if c.Observability.TracingEnabled && c.Observability.OTLPEndpoint == "" {
		errs = append(errs, errors.New("observability.otlp_endpoint is required when tracing is enabled"))
	}

	return errors.Join(errs...)
}

// Redacted returns a copy with secrets masked, for printing.
func (c Config) Redacted() Config {
	out := c
	out.Server.APIKeys = mask(c.Server.APIKeys)
	out.LLM.OpenAI.APIKeys = mask(c.LLM.OpenAI.APIKeys)
	if c.LLM.Anthropic.APIKey != "" {
		out.LLM.Anthropic.APIKey = "****"
	}
	if c.Search.APIKey != "" {
		out.Search.APIKey = "****"
	}
	return out
}

// YAML renders the configuration as YAML.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func checkURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s %q is not a valid URL", key, raw)
	}
	return nil
}

func nonBlank(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func mask(values []string) []string {
	if len(values) == 0 {
		return values
	}
	out := make([]string, len(values))
	for i := range values {
		out[i] = "****"
	}
	return out
}
