package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestKibanaBaseURL(t *testing.T) {
	tests := []struct {
		name    string
		elastic ElasticConfig
		want    string
		wantErr bool
	}{
		{
			name:    "explicit override wins",
			elastic: ElasticConfig{URL: "https://demo.es.eu-west-1.aws.elastic.cloud", KibanaURL: "https://kibana.internal/"},
			want:    "https://kibana.internal",
		},
		{
			name:    "derived from cloud elasticsearch url",
			elastic: ElasticConfig{URL: "https://demo.es.eu-west-1.aws.elastic.cloud/"},
			want:    "https://demo.kb.eu-west-1.aws.elastic.cloud",
		},
		{
			name:    "only first segment replaced",
			elastic: ElasticConfig{URL: "https://a.es.b.es.c"},
			want:    "https://a.kb.b.es.c",
		},
		{
			name:    "not derivable",
			elastic: ElasticConfig{URL: "http://localhost:9200"},
			wantErr: true,
		},
		{
			name:    "nothing set",
			elastic: ElasticConfig{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.elastic.KibanaBaseURL()
			if tt.wantErr {
				if !errors.Is(err, ErrNotConfigured) {
					t.Fatalf("expected ErrNotConfigured, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "9090")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port from env, got %q", cfg.Port)
	}
	if cfg.Agent.ID != "eu-ai-act-compliance-agent" {
		t.Errorf("unexpected agent id %q", cfg.Agent.ID)
	}
	if cfg.FollowUps.MaxResponseChars != 1500 {
		t.Errorf("unexpected follow-up budget %d", cfg.FollowUps.MaxResponseChars)
	}
	if cfg.Vision.RetryDelay != 15*time.Second || cfg.Vision.RetryMaxDelay != 30*time.Second {
		t.Errorf("unexpected vision retry delays %v/%v", cfg.Vision.RetryDelay, cfg.Vision.RetryMaxDelay)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := []byte(`
port: "7000"
upstream_timeout: 5s
elastic:
  url: https://demo.es.example.cloud
  index: custom-index
agent:
  connector_id: from-yaml
rate_limit:
  requests_per_window: 3
  window_duration: 10s
`)
	if err := os.WriteFile(path, yamlDoc, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AGENT_CONNECTOR_ID", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "7000" {
		t.Errorf("expected yaml port, got %q", cfg.Port)
	}
	if cfg.UpstreamTimeout != 5*time.Second {
		t.Errorf("expected yaml timeout, got %v", cfg.UpstreamTimeout)
	}
	if cfg.Elastic.Index != "custom-index" {
		t.Errorf("expected yaml index, got %q", cfg.Elastic.Index)
	}
	if cfg.Agent.ConnectorID != "from-env" {
		t.Errorf("expected env to override yaml, got %q", cfg.Agent.ConnectorID)
	}
	if cfg.Agent.ID != "eu-ai-act-compliance-agent" {
		t.Errorf("expected default agent id to survive overlay, got %q", cfg.Agent.ID)
	}
	if cfg.RateLimit.RequestsPerWindow != 3 || cfg.RateLimit.WindowDuration != 10*time.Second {
		t.Errorf("unexpected rate limit %+v", cfg.RateLimit)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("RATE_LIMIT_REQUESTS", "0")

	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for zero rate limit")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_BOOL", "yes")
	t.Setenv("TEST_INT", "not-a-number")
	t.Setenv("TEST_DURATION", "250ms")

	if !getEnvBool("TEST_BOOL", false) {
		t.Error("expected yes to parse as true")
	}
	if got := getEnvInt("TEST_INT", 42); got != 42 {
		t.Errorf("expected fallback for invalid int, got %d", got)
	}
	if got := getEnvDuration("TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", got)
	}
	if got := getEnvDuration("TEST_DURATION_UNSET", time.Second); got != time.Second {
		t.Errorf("expected fallback duration, got %v", got)
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CHAT_SERVER_URL", "http://example.test:8080/")
	t.Setenv("CHAT_LANGUAGE", "de")
	t.Setenv("CHAT_VISION_RETRY_DELAY", "2s")

	cfg, err := LoadClient("")
	if err != nil {
		t.Fatalf("LoadClient failed: %v", err)
	}
	if cfg.ServerURL != "http://example.test:8080" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.ServerURL)
	}
	if cfg.Language != "de" {
		t.Errorf("unexpected language %q", cfg.Language)
	}
	if cfg.VisionMaxRetries != 5 {
		t.Errorf("expected default of 5 retries, got %d", cfg.VisionMaxRetries)
	}
	if cfg.VisionRetryDelay != 2*time.Second {
		t.Errorf("unexpected retry delay %v", cfg.VisionRetryDelay)
	}
}

func TestLoadClientRejectsUnknownLanguage(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CHAT_LANGUAGE", "fr")

	if _, err := LoadClient(""); err == nil {
		t.Fatal("expected error for unsupported language")
	}
}

func TestRedactedMasksCredentials(t *testing.T) {
	cfg := Default()
	cfg.Elastic.APIKey = "es-secret"
	cfg.Vision.APIKey = "jina-secret"

	red := cfg.Redacted()
	if red.Elastic.APIKey != "***" || red.Vision.APIKey != "***" {
		t.Fatalf("expected masked keys, got %q and %q", red.Elastic.APIKey, red.Vision.APIKey)
	}
	if cfg.Elastic.APIKey != "es-secret" {
		t.Fatal("Redacted must not modify the receiver")
	}
	if empty := Default().Redacted(); empty.Vision.APIKey != "" {
		t.Fatalf("expected unset key to stay empty, got %q", empty.Vision.APIKey)
	}
}
