package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8090 {
		t.Errorf("default port = %d, want 8090", cfg.Server.Port)
	}
	if cfg.Pipeline.MaxWorkers <= 0 {
		t.Error("default max_workers must be positive")
	}
	if cfg.Providers.LLM.BatchSize != 30 {
		t.Errorf("default llm batch size = %d, want 30", cfg.Providers.LLM.BatchSize)
	}
	if cfg.Providers.Entity.TimeoutSeconds != 120 {
		t.Errorf("default entity timeout = %d, want 120", cfg.Providers.Entity.TimeoutSeconds)
	}
	if cfg.Providers.Entity.DefaultMode != "fast" {
		t.Errorf("default entity mode = %q, want fast", cfg.Providers.Entity.DefaultMode)
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Run("expands references", func(t *testing.T) {
		t.Setenv("TRANSDESK_TEST_KEY", "sk-12345")
		got := ResolveEnvVars("${TRANSDESK_TEST_KEY}")
		if got != "sk-12345" {
			t.Errorf("expected sk-12345, got %s", got)
		}
	})

	t.Run("missing variables expand to empty", func(t *testing.T) {
		got := ResolveEnvVars("${TRANSDESK_DOES_NOT_EXIST_XYZ}")
		if got != "" {
			t.Errorf("expected empty, got %s", got)
		}
	})

	t.Run("plain strings pass through", func(t *testing.T) {
		if got := ResolveEnvVars("literal-key"); got != "literal-key" {
			t.Errorf("expected literal-key, got %s", got)
		}
	})
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	content := string(data)
	for _, want := range []string{"server:", "pipeline:", "providers:", "${OPENAI_API_KEY}"} {
		if !strings.Contains(content, want) {
			t.Errorf("written config missing %q", want)
		}
	}
}
