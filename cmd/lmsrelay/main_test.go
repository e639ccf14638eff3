package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("LMSCHAT_RELAY_PORT", "9100")
	if cfg := loadConfig(); cfg.Relay.Port != 9100 {
		t.Errorf("env port = %d, want 9100", cfg.Relay.Port)
	}

	path := filepath.Join(t.TempDir(), "relay.json")
	if err := os.WriteFile(path, []byte(`{"relay": {"port": 9200, "rate_limit": 5}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LMSCHAT_CONFIG_FILE", path)

	cfg := loadConfig()
	if cfg.Relay.Port != 9200 || cfg.Relay.RateLimit != 5 {
		t.Errorf("file config = %+v", cfg.Relay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}
