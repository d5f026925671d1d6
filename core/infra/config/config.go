package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = ":8080"
	defaultMetricsAddr     = ":9092"
	defaultChatPath        = "/v1/chat/completions"
	defaultAPIKeyHeader    = "api-key"
	defaultFlowAuthHeader  = "x-flow-key"
	defaultRequestTimeout  = 60 * time.Second
	defaultPollInterval    = 1500 * time.Millisecond
	defaultPollDeadline    = 60 * time.Second
	defaultHistoryCapacity = 1000
	defaultRunEventSubject = "offer.run"
	defaultConfigPath      = "config/offerd.yaml"
)

const (
	envConfigPath       = "OFFERD_CONFIG_PATH"
	envHTTPAddr         = "OFFERD_HTTP_ADDR"
	envMetricsAddr      = "OFFERD_METRICS_ADDR"
	envBackend          = "OFFER_BACKEND"
	envDemoMode         = "DEMO_MODE"
	envRequestTimeoutMS = "REQUEST_TIMEOUT_MS"
	envHistoryCapacity  = "HISTORY_CAPACITY"
	envRedisURL         = "REDIS_URL"
	envNATSURL          = "NATS_URL"
	envRunEventSubject  = "RUN_EVENT_SUBJECT"
	envSecretsFile      = "SECRETS_FILE"
	envChatEndpoint     = "CHAT_ENDPOINT"
	envChatModel        = "CHAT_MODEL"
	envChatPath         = "CHAT_PATH"
	envChatAPIKeyHeader = "CHAT_API_KEY_HEADER"
	envChatExtraHeaders = "CHAT_EXTRA_HEADERS"
	envAssistantURL     = "ASSISTANT_ENDPOINT"
	envAssistantID      = "ASSISTANT_ID"
	envPollIntervalMS   = "ASSISTANT_POLL_INTERVAL_MS"
	envPollDeadlineMS   = "ASSISTANT_POLL_DEADLINE_MS"
	envFlowTriggerURL   = "FLOW_TRIGGER_URL"
	envFlowAuthHeader   = "FLOW_AUTH_HEADER"
)

// ChatConfig configures the direct chat-completion backend.
type ChatConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	ChatPath     string `yaml:"chat_path"`
	APIKeyHeader string `yaml:"api_key_header"`
	ExtraHeaders string `yaml:"extra_headers"`
}

// AssistantConfig configures the polling assistant backend.
type AssistantConfig struct {
	Endpoint       string `yaml:"endpoint"`
	AssistantID    string `yaml:"assistant_id"`
	PollIntervalMS int64  `yaml:"poll_interval_ms"`
	PollDeadlineMS int64  `yaml:"poll_deadline_ms"`
}

// FlowConfig configures the workflow-trigger backend.
type FlowConfig struct {
	TriggerURL string `yaml:"trigger_url"`
	AuthHeader string `yaml:"auth_header"`
}

type fileConfig struct {
	HTTPAddr         string          `yaml:"http_addr"`
	MetricsAddr      string          `yaml:"metrics_addr"`
	Backend          string          `yaml:"backend"`
	DemoMode         bool            `yaml:"demo_mode"`
	RequestTimeoutMS int64           `yaml:"request_timeout_ms"`
	HistoryCapacity  int             `yaml:"history_capacity"`
	RedisURL         string          `yaml:"redis_url"`
	NatsURL          string          `yaml:"nats_url"`
	RunEventSubject  string          `yaml:"run_event_subject"`
	SecretsFile      string          `yaml:"secrets_file"`
	Chat             ChatConfig      `yaml:"chat"`
	Assistant        AssistantConfig `yaml:"assistant"`
	Flow             FlowConfig      `yaml:"flow"`
}

// Config holds runtime configuration for the offer service.
type Config struct {
	HTTPAddr        string
	MetricsAddr     string
	Backend         string
	DemoMode        bool
	RequestTimeout  time.Duration
	HistoryCapacity int
	RedisURL        string
	NatsURL         string
	RunEventSubject string
	SecretsFile     string

	Chat      ChatConfig
	Assistant AssistantConfig
	Flow      FlowConfig

	// PollInterval and PollDeadline are the resolved assistant timings.
	PollInterval time.Duration
	PollDeadline time.Duration
}

// Load builds configuration from an optional YAML file overlaid with
// environment variables. A missing file is not an error; defaults apply.
func Load() *Config {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = defaultConfigPath
	}
	base, err := readFile(path)
	if err != nil && os.Getenv(envConfigPath) != "" {
		// Only complain when the operator pointed at a file explicitly.
		fmt.Fprintf(os.Stderr, "offerd: %v\n", err)
	}
	return merge(base)
}

// LoadFile parses a YAML config file. Missing files yield an empty base.
func LoadFile(path string) (*Config, error) {
	base, err := readFile(path)
	if err != nil {
		return merge(nil), err
	}
	return merge(base), nil
}

func readFile(path string) (*fileConfig, error) {
	// #nosec G304 -- config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &fc, nil
}

func merge(base *fileConfig) *Config {
	if base == nil {
		base = &fileConfig{}
	}

	cfg := &Config{
		HTTPAddr:        override(envHTTPAddr, base.HTTPAddr, defaultHTTPAddr),
		MetricsAddr:     override(envMetricsAddr, base.MetricsAddr, defaultMetricsAddr),
		Backend:         strings.ToLower(override(envBackend, base.Backend, "")),
		DemoMode:        base.DemoMode || envBool(envDemoMode),
		RequestTimeout:  envMillis(envRequestTimeoutMS, base.RequestTimeoutMS, defaultRequestTimeout),
		HistoryCapacity: envInt(envHistoryCapacity, base.HistoryCapacity, defaultHistoryCapacity),
		RedisURL:        override(envRedisURL, base.RedisURL, ""),
		NatsURL:         override(envNATSURL, base.NatsURL, ""),
		RunEventSubject: override(envRunEventSubject, base.RunEventSubject, defaultRunEventSubject),
		SecretsFile:     override(envSecretsFile, base.SecretsFile, ""),
		Chat: ChatConfig{
			Endpoint:     override(envChatEndpoint, base.Chat.Endpoint, ""),
			Model:        override(envChatModel, base.Chat.Model, ""),
			ChatPath:     override(envChatPath, base.Chat.ChatPath, defaultChatPath),
			APIKeyHeader: override(envChatAPIKeyHeader, base.Chat.APIKeyHeader, defaultAPIKeyHeader),
			ExtraHeaders: override(envChatExtraHeaders, base.Chat.ExtraHeaders, ""),
		},
		Assistant: AssistantConfig{
			Endpoint:       override(envAssistantURL, base.Assistant.Endpoint, ""),
			AssistantID:    override(envAssistantID, base.Assistant.AssistantID, ""),
			PollIntervalMS: base.Assistant.PollIntervalMS,
			PollDeadlineMS: base.Assistant.PollDeadlineMS,
		},
		Flow: FlowConfig{
			TriggerURL: override(envFlowTriggerURL, base.Flow.TriggerURL, ""),
			AuthHeader: override(envFlowAuthHeader, base.Flow.AuthHeader, defaultFlowAuthHeader),
		},
	}

	cfg.PollInterval = envMillis(envPollIntervalMS, cfg.Assistant.PollIntervalMS, defaultPollInterval)
	cfg.PollDeadline = envMillis(envPollDeadlineMS, cfg.Assistant.PollDeadlineMS, defaultPollDeadline)
	return cfg
}

func override(envKey, fileVal, def string) string {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v
	}
	if fileVal != "" {
		return fileVal
	}
	return def
}

func envBool(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}

func envInt(key string, fileVal, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if fileVal > 0 {
		return fileVal
	}
	return def
}

func envMillis(key string, fileVal int64, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	if fileVal > 0 {
		return time.Duration(fileVal) * time.Millisecond
	}
	return def
}
