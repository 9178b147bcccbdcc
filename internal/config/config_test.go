package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.PathMaxSteps != 100 {
		t.Errorf("expected path_max_steps 100, got %d", cfg.PathMaxSteps)
	}
	if cfg.StartConcurrency != 8 {
		t.Errorf("expected start_concurrency 8, got %d", cfg.StartConcurrency)
	}
	if cfg.WebhookTimeout != 10*time.Second {
		t.Errorf("expected webhook_timeout 10s, got %s", cfg.WebhookTimeout)
	}
	if cfg.LockTTL != 30*time.Second || cfg.LockWait != 10*time.Second {
		t.Errorf("expected lock ttl/wait 30s/10s, got %s/%s", cfg.LockTTL, cfg.LockWait)
	}
	if cfg.FlowCacheTTL != 10*time.Minute {
		t.Errorf("expected flow_cache_ttl 10m, got %s", cfg.FlowCacheTTL)
	}
	if cfg.SweepSchedule != "*/1 * * * *" {
		t.Errorf("expected default sweep schedule, got %q", cfg.SweepSchedule)
	}
	if !cfg.SendWebhooks {
		t.Error("send_webhooks should default to true")
	}
	if cfg.Addr() != ":8083" {
		t.Errorf("expected addr :8083, got %s", cfg.Addr())
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("FLOWLINE_PATH_MAX_STEPS", "50")
	t.Setenv("FLOWLINE_SEND_WEBHOOKS", "false")
	t.Setenv("FLOWLINE_LOCK_TTL", "1m")
	t.Setenv("DB_URL", "postgresql://other/db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PathMaxSteps != 50 {
		t.Errorf("expected 50, got %d", cfg.PathMaxSteps)
	}
	if cfg.SendWebhooks {
		t.Error("expected send_webhooks false")
	}
	if cfg.LockTTL != time.Minute {
		t.Errorf("expected 1m, got %s", cfg.LockTTL)
	}
	if cfg.DBURL != "postgresql://other/db" {
		t.Errorf("expected DB_URL alias, got %s", cfg.DBURL)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowline.yaml")
	data := "http_port: 9090\nstart_concurrency: 2\nsweep_schedule: \"*/5 * * * *\"\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPPort != 9090 || cfg.StartConcurrency != 2 {
		t.Errorf("expected file values, got port=%d concurrency=%d", cfg.HTTPPort, cfg.StartConcurrency)
	}
	if cfg.SweepSchedule != "*/5 * * * *" {
		t.Errorf("expected file schedule, got %q", cfg.SweepSchedule)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		value string
		field string
	}{
		{"bad schedule", "FLOWLINE_SWEEP_SCHEDULE", "every minute", "SweepSchedule"},
		{"zero steps", "FLOWLINE_PATH_MAX_STEPS", "0", "PathMaxSteps"},
		{"port out of range", "FLOWLINE_HTTP_PORT", "70000", "HTTPPort"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			_, err := Load("")
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("expected error about %s, got %v", tt.field, err)
			}
		})
	}
}
