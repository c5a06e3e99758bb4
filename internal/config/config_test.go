package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("Database.Driver = %q, want memory", cfg.Database.Driver)
	}
	if cfg.Database.InteractionTTL != 90*24*time.Hour {
		t.Errorf("InteractionTTL = %v, want 90d", cfg.Database.InteractionTTL)
	}
	if cfg.Vector.Driver != "embedded" {
		t.Errorf("Vector.Driver = %q, want embedded", cfg.Vector.Driver)
	}
	if cfg.Quota.Shards != 64 {
		t.Errorf("Quota.Shards = %d, want 64", cfg.Quota.Shards)
	}
	if cfg.Retention.Interval != time.Hour {
		t.Errorf("Retention.Interval = %v, want 1h", cfg.Retention.Interval)
	}
	if cfg.Retention.RejectionTTL != 30*24*time.Hour {
		t.Errorf("Retention.RejectionTTL = %v, want 30d", cfg.Retention.RejectionTTL)
	}
	if cfg.Notify.WebhookURL != "" {
		t.Errorf("Notify.WebhookURL = %q, want disabled by default", cfg.Notify.WebhookURL)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTMART_PORT", "9999")
	t.Setenv("AGENTMART_STORE_DRIVER", "postgres")
	t.Setenv("AGENTMART_RETENTION_INTERVAL", "15m")
	t.Setenv("AGENTMART_CHARGE_ON_RECORDING_FAILURE", "false")
	t.Setenv("AGENTMART_WEBHOOK_URL", "https://hooks.example.com/agentmart")

	cfg := Load()
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q, want postgres", cfg.Database.Driver)
	}
	if cfg.Retention.Interval != 15*time.Minute {
		t.Errorf("Retention.Interval = %v, want 15m", cfg.Retention.Interval)
	}
	if cfg.Pipeline.ChargeOnRecordingFailure {
		t.Error("ChargeOnRecordingFailure = true, want false")
	}
	if cfg.Notify.WebhookURL != "https://hooks.example.com/agentmart" {
		t.Errorf("Notify.WebhookURL = %q", cfg.Notify.WebhookURL)
	}
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("AGENTMART_PORT", "not-a-port")
	t.Setenv("AGENTMART_RETENTION_INTERVAL", "soon")

	cfg := Load()
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want fallback 8080", cfg.Port)
	}
	if cfg.Retention.Interval != time.Hour {
		t.Errorf("Retention.Interval = %v, want fallback 1h", cfg.Retention.Interval)
	}
}
