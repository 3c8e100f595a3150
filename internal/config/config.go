// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const redactedValue = "***"

// ErrNotConfigured is returned when an upstream has no usable connection settings.
var ErrNotConfigured = errors.New("upstream not configured")

// Config holds all server configuration.
type Config struct {
	Port            string                `yaml:"port"`
	FrontendURL     string                `yaml:"frontend_url"`
	LogLevel        string                `yaml:"log_level"`
	UpstreamTimeout time.Duration         `yaml:"upstream_timeout"`
	Elastic         ElasticConfig         `yaml:"elastic"`
	Agent           AgentConfig           `yaml:"agent"`
	Vision          VisionConfig          `yaml:"vision"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	SSE             SSEConfig             `yaml:"sse"`
	FollowUps       FollowUpConfig        `yaml:"followups"`
	ConversationLog ConversationLogConfig `yaml:"conversation_log"`
}

// ElasticConfig holds search and Kibana connection settings.
type ElasticConfig struct {
	URL        string `yaml:"url"`
	KibanaURL  string `yaml:"kibana_url"`
	APIKey     string `yaml:"api_key"`
	Index      string `yaml:"index"`
	RerankerID string `yaml:"reranker_id"`
}

// AgentConfig identifies the upstream agent and LLM connector.
type AgentConfig struct {
	ID          string `yaml:"id"`
	ConnectorID string `yaml:"connector_id"`
}

// VisionConfig controls the vision-language model upstream.
type VisionConfig struct {
	URL           string        `yaml:"url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	MaxImageBytes int64         `yaml:"max_image_bytes"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
}

// RateLimitConfig bounds agent turns per client.
type RateLimitConfig struct {
	RequestsPerWindow int           `yaml:"requests_per_window"`
	WindowDuration    time.Duration `yaml:"window_duration"`
}

// SSEConfig controls the streaming relay.
type SSEConfig struct {
	MaxRequestBodySize int64 `yaml:"max_request_body_size"`
	MaxCaptureBytes    int   `yaml:"max_capture_bytes"`
}

// FollowUpConfig controls follow-up suggestion prompts.
type FollowUpConfig struct {
	MaxResponseChars int `yaml:"max_response_chars"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	GlobalEnabled bool   `yaml:"global_enabled"`
	GlobalPath    string `yaml:"global_path"`
	QueueSize     int    `yaml:"queue_size"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:            "8080",
		LogLevel:        "info",
		UpstreamTimeout: 60 * time.Second,
		Elastic: ElasticConfig{
			Index:      "search-eu-ai-act-demo",
			RerankerID: "jina-reranker-v3-demo",
		},
		Agent: AgentConfig{
			ID:          "eu-ai-act-compliance-agent",
			ConnectorID: "OpenAI-GPT-4-1-Mini",
		},
		Vision: VisionConfig{
			URL:           "https://api-beta-vlm.jina.ai/v1/chat/completions",
			Model:         "jina-vlm",
			MaxImageBytes: 10 << 20,
			MaxRetries:    2,
			RetryDelay:    15 * time.Second,
			RetryMaxDelay: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 20,
			WindowDuration:    time.Minute,
		},
		SSE: SSEConfig{
			MaxRequestBodySize: 1 << 20,
			MaxCaptureBytes:    1 << 20,
		},
		FollowUps: FollowUpConfig{
			MaxResponseChars: 1500,
		},
		ConversationLog: ConversationLogConfig{
			Enabled:    false,
			Dir:        "./data/logs/conversations",
			GlobalPath: "./data/logs/conversations/all.ndjson",
			QueueSize:  1000,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, in increasing precedence. An empty path falls back
// to CONFIG_FILE.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.FrontendURL = getEnv("FRONTEND_URL", cfg.FrontendURL)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", cfg.UpstreamTimeout)

	cfg.Elastic.URL = getEnv("ELASTICSEARCH_URL", cfg.Elastic.URL)
	cfg.Elastic.KibanaURL = getEnv("KIBANA_URL", cfg.Elastic.KibanaURL)
	cfg.Elastic.APIKey = getEnv("ELASTIC_API_KEY", cfg.Elastic.APIKey)
	cfg.Elastic.Index = getEnv("ELASTIC_INDEX", cfg.Elastic.Index)
	cfg.Elastic.RerankerID = getEnv("ELASTIC_RERANKER_ID", cfg.Elastic.RerankerID)

	cfg.Agent.ID = getEnv("AGENT_ID", cfg.Agent.ID)
	cfg.Agent.ConnectorID = getEnv("AGENT_CONNECTOR_ID", cfg.Agent.ConnectorID)

	cfg.Vision.URL = getEnv("VISION_URL", cfg.Vision.URL)
	cfg.Vision.APIKey = getEnv("JINA_API_KEY", cfg.Vision.APIKey)
	cfg.Vision.Model = getEnv("VISION_MODEL", cfg.Vision.Model)
	cfg.Vision.MaxImageBytes = int64(getEnvInt("VISION_MAX_IMAGE_BYTES", int(cfg.Vision.MaxImageBytes)))
	cfg.Vision.MaxRetries = getEnvInt("VISION_MAX_RETRIES", cfg.Vision.MaxRetries)
	cfg.Vision.RetryDelay = getEnvDuration("VISION_RETRY_DELAY", cfg.Vision.RetryDelay)
	cfg.Vision.RetryMaxDelay = getEnvDuration("VISION_RETRY_MAX_DELAY", cfg.Vision.RetryMaxDelay)

	cfg.RateLimit.RequestsPerWindow = getEnvInt("RATE_LIMIT_REQUESTS", cfg.RateLimit.RequestsPerWindow)
	cfg.RateLimit.WindowDuration = getEnvDuration("RATE_LIMIT_WINDOW", cfg.RateLimit.WindowDuration)

	cfg.SSE.MaxRequestBodySize = int64(getEnvInt("SSE_MAX_REQUEST_BODY_SIZE", int(cfg.SSE.MaxRequestBodySize)))
	cfg.SSE.MaxCaptureBytes = getEnvInt("SSE_MAX_CAPTURE_BYTES", cfg.SSE.MaxCaptureBytes)

	cfg.FollowUps.MaxResponseChars = getEnvInt("FOLLOWUPS_MAX_RESPONSE_CHARS", cfg.FollowUps.MaxResponseChars)

	cfg.ConversationLog.Enabled = getEnvBool("CONVERSATION_LOG_ENABLED", cfg.ConversationLog.Enabled)
	cfg.ConversationLog.Dir = getEnv("CONVERSATION_LOG_DIR", cfg.ConversationLog.Dir)
	cfg.ConversationLog.GlobalEnabled = getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", cfg.ConversationLog.GlobalEnabled)
	cfg.ConversationLog.GlobalPath = getEnv("CONVERSATION_LOG_GLOBAL_PATH", cfg.ConversationLog.GlobalPath)
	cfg.ConversationLog.QueueSize = getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", cfg.ConversationLog.QueueSize)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Agent.ID == "" {
		return fmt.Errorf("AGENT_ID cannot be empty")
	}
	if c.Agent.ConnectorID == "" {
		return fmt.Errorf("AGENT_CONNECTOR_ID cannot be empty")
	}
	if c.Vision.MaxRetries < 0 {
		return fmt.Errorf("VISION_MAX_RETRIES must be >= 0")
	}
	if c.Vision.MaxImageBytes <= 0 {
		return fmt.Errorf("VISION_MAX_IMAGE_BYTES must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("SSE_MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.FollowUps.MaxResponseChars <= 0 {
		return fmt.Errorf("FOLLOWUPS_MAX_RESPONSE_CHARS must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalEnabled && c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// KibanaBaseURL resolves the Kibana URL. An explicit KIBANA_URL always wins;
// otherwise it is derived from the Elasticsearch URL by swapping the first
// ".es." host segment for ".kb.", the layout of Elastic Cloud deployments.
func (e ElasticConfig) KibanaBaseURL() (string, error) {
	if e.KibanaURL != "" {
		return strings.TrimRight(e.KibanaURL, "/"), nil
	}
	if e.URL == "" {
		return "", fmt.Errorf("%w: missing ELASTICSEARCH_URL (or KIBANA_URL)", ErrNotConfigured)
	}
	derived := strings.Replace(e.URL, ".es.", ".kb.", 1)
	if derived == e.URL {
		return "", fmt.Errorf("%w: cannot derive Kibana URL from ELASTICSEARCH_URL, set KIBANA_URL", ErrNotConfigured)
	}
	return strings.TrimRight(derived, "/"), nil
}

// SearchEnabled reports whether search credentials are present.
func (e ElasticConfig) SearchEnabled() bool {
	return e.URL != "" && e.APIKey != ""
}

// AgentEnabled reports whether the agent upstream can be reached.
func (e ElasticConfig) AgentEnabled() bool {
	if e.APIKey == "" {
		return false
	}
	_, err := e.KibanaBaseURL()
	return err == nil
}

// Redacted returns a copy with credentials masked, for display.
func (c Config) Redacted() Config {
	if c.Elastic.APIKey != "" {
		c.Elastic.APIKey = redactedValue
	}
	if c.Vision.APIKey != "" {
		c.Vision.APIKey = redactedValue
	}
	return c
}

// VisionEnabled reports whether the vision upstream has a key.
func (v VisionConfig) VisionEnabled() bool {
	return v.APIKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// ClientConfig holds settings for the terminal chat client.
type ClientConfig struct {
	ServerURL        string        `yaml:"server_url"`
	Language         string        `yaml:"language"`
	VisionMaxRetries int           `yaml:"vision_max_retries"`
	VisionRetryDelay time.Duration `yaml:"vision_retry_delay"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	LogFile          string        `yaml:"log_file"`
	LogLevel         string        `yaml:"log_level"`
}

// LoadClient builds the chat client configuration. The YAML file, when set,
// is read from its "client" section.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{
		ServerURL:        "http://localhost:8080",
		Language:         "en",
		VisionMaxRetries: 5,
		VisionRetryDelay: 10 * time.Second,
		RequestTimeout:   30 * time.Second,
		LogFile:          "euaiact-chat.log",
		LogLevel:         "info",
	}

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		var file struct {
			Client *ClientConfig `yaml:"client"`
		}
		file.Client = cfg
		if err := loadYAML(path, &file); err != nil {
			return nil, err
		}
	}

	cfg.ServerURL = strings.TrimRight(getEnv("CHAT_SERVER_URL", cfg.ServerURL), "/")
	cfg.Language = getEnv("CHAT_LANGUAGE", cfg.Language)
	cfg.VisionMaxRetries = getEnvInt("CHAT_VISION_MAX_RETRIES", cfg.VisionMaxRetries)
	cfg.VisionRetryDelay = getEnvDuration("CHAT_VISION_RETRY_DELAY", cfg.VisionRetryDelay)
	cfg.RequestTimeout = getEnvDuration("CHAT_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.LogFile = getEnv("CHAT_LOG_FILE", cfg.LogFile)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("invalid client configuration: CHAT_SERVER_URL cannot be empty")
	}
	if cfg.Language != "en" && cfg.Language != "de" {
		return nil, fmt.Errorf("invalid client configuration: CHAT_LANGUAGE must be en or de")
	}
	if cfg.VisionMaxRetries < 0 {
		return nil, fmt.Errorf("invalid client configuration: CHAT_VISION_MAX_RETRIES must be >= 0")
	}
	return cfg, nil
}
