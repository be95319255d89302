package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mothlane/relayq/internal/config"
)

func TestBaseURL(t *testing.T) {
	cases := []struct {
		name string
		addr string
		want string
	}{
		{"host port", "127.0.0.1:18980", "http://127.0.0.1:18980"},
		{"wildcard host", "0.0.0.0:8080", "http://127.0.0.1:8080"},
		{"already a url", "http://example.com:9999/", "http://example.com:9999"},
		{"https url", "https://relayq.internal", "https://relayq.internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := baseURL(config.Config{BindAddr: tc.addr})
			if got != tc.want {
				t.Fatalf("baseURL(%q) = %q, want %q", tc.addr, got, tc.want)
			}
		})
	}
}

func TestLoadAPIKey_ConfigWins(t *testing.T) {
	cfg := config.Config{HomeDir: t.TempDir(), APIKey: "from-config"}
	key, err := loadAPIKey(cfg)
	if err != nil {
		t.Fatalf("loadAPIKey: %v", err)
	}
	if key != "from-config" {
		t.Fatalf("key = %q, want from-config", key)
	}
}

func TestLoadAPIKey_GeneratedAndPersisted(t *testing.T) {
	home := t.TempDir()
	cfg := config.Config{HomeDir: home}

	first, err := loadAPIKey(cfg)
	if err != nil {
		t.Fatalf("loadAPIKey: %v", err)
	}
	if strings.TrimSpace(first) == "" {
		t.Fatal("generated key is empty")
	}

	data, err := os.ReadFile(filepath.Join(home, "api.key"))
	if err != nil {
		t.Fatalf("read api.key: %v", err)
	}
	if strings.TrimSpace(string(data)) != first {
		t.Fatalf("api.key = %q, want %q", data, first)
	}

	// Second call reuses the persisted key.
	second, err := loadAPIKey(cfg)
	if err != nil {
		t.Fatalf("loadAPIKey again: %v", err)
	}
	if second != first {
		t.Fatalf("second key %q differs from first %q", second, first)
	}
}
