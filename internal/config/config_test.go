package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.StoreURL != "memory://" {
		t.Fatalf("expected default memory store, got %q", cfg.StoreURL)
	}
	if cfg.AlertThreshold != 0.8 {
		t.Fatalf("expected default alert threshold 0.8, got %g", cfg.AlertThreshold)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TASUKI_PORT", "9090")
	t.Setenv("TASUKI_STEP_TIMEOUT", "5s")
	t.Setenv("TASUKI_ALERT_THRESHOLD", "0.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.StepTimeout != 5*time.Second {
		t.Fatalf("expected step timeout 5s, got %s", cfg.StepTimeout)
	}
	if cfg.AlertThreshold != 0.5 {
		t.Fatalf("expected threshold 0.5, got %g", cfg.AlertThreshold)
	}
}

func TestNotifyURLDefaultsToStoreURL(t *testing.T) {
	t.Setenv("TASUKI_STORE_URL", "postgres://localhost:5432/tasuki")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.NotifyURL != cfg.StoreURL {
		t.Fatalf("expected NotifyURL to default to StoreURL, got %q", cfg.NotifyURL)
	}
}

func TestStoreBackendSelection(t *testing.T) {
	cases := []struct {
		url     string
		backend string
		wantErr bool
	}{
		{"memory://", StoreMemory, false},
		{"sqlite:///var/lib/tasuki/runs.db", StoreSQLite, false},
		{"postgres://localhost:5432/tasuki", StorePostgres, false},
		{"postgresql://localhost:5432/tasuki", StorePostgres, false},
		{"mysql://localhost:3306/tasuki", "", true},
	}
	for _, tc := range cases {
		cfg := Config{StoreURL: tc.url}
		backend, err := cfg.StoreBackend()
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tc.url)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.url, err)
		}
		if backend != tc.backend {
			t.Fatalf("expected backend %q for %q, got %q", tc.backend, tc.url, backend)
		}
	}
}

func TestSQLitePath(t *testing.T) {
	cfg := Config{StoreURL: "sqlite:///tmp/tasuki.db"}
	if got := cfg.SQLitePath(); got != "/tmp/tasuki.db" {
		t.Fatalf("expected /tmp/tasuki.db, got %q", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("TASUKI_ALERT_THRESHOLD", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail with out-of-range threshold")
	}
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("TASUKI_PORT", "abc")
	t.Setenv("TASUKI_STEP_TIMEOUT", "five-seconds")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected fallback port 8080, got %d", cfg.Port)
	}
	if cfg.StepTimeout != 30*time.Second {
		t.Fatalf("expected fallback step timeout 30s, got %s", cfg.StepTimeout)
	}
}
