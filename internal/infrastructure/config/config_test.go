package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Host != "127.0.0.1" || cfg.Port != 8080 {
		t.Errorf("listen = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.OpenAIBaseURL != "https://api.openai.com" {
		t.Errorf("openai base = %q", cfg.OpenAIBaseURL)
	}
	if cfg.OllamaBaseURL != "http://localhost:11434" {
		t.Errorf("ollama base = %q", cfg.OllamaBaseURL)
	}
	if !cfg.StoreStreamChunks || !cfg.RedactAPIKeys {
		t.Error("safety defaults flipped")
	}
	if cfg.DBPath != "interceptor.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LLMTAP_PORT", "9999")
	t.Setenv("LLMTAP_OLLAMA_BASE_URL", "http://remote:11434")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("port = %d, want env override", cfg.Port)
	}
	if cfg.OllamaBaseURL != "http://remote:11434" {
		t.Errorf("ollama base = %q", cfg.OllamaBaseURL)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "port: 1234\nredact_api_keys: false\nlog:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 1234 || cfg.RedactAPIKeys || cfg.Log.Level != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
