package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("REMINDER_POLL_SECONDS", "")
	t.Setenv("COMMISSION_HOLD_DAYS", "")
	t.Setenv("BROKERDESK_TRUSTED_PROXIES", "")

	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.ReminderPollInterval != 30*time.Second {
		t.Fatalf("expected 30s poll interval, got %s", cfg.ReminderPollInterval)
	}
	if cfg.CommissionHold != 30*24*time.Hour {
		t.Fatalf("expected 30 day hold, got %s", cfg.CommissionHold)
	}
	if len(cfg.TrustedProxies) != 0 {
		t.Fatalf("expected no trusted proxies by default, got %v", cfg.TrustedProxies)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BROKERDESK_PUBLIC_URL", "https://app.example.com/")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("REMINDER_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("PAYOUT_MINIMUM_CENTS", "10000")
	t.Setenv("BROKERDESK_TRUSTED_PROXIES", " 10.0.0.0/8, ,192.0.2.7 ")

	cfg := Load()
	if cfg.PublicURL != "https://app.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.PublicURL)
	}
	if !cfg.S3UseSSL {
		t.Fatal("expected S3_USE_SSL to be parsed")
	}
	if cfg.ReminderMaxAttempts != 5 {
		t.Fatalf("expected fallback for invalid int, got %d", cfg.ReminderMaxAttempts)
	}
	if cfg.PayoutMinimumCents != 10000 {
		t.Fatalf("expected payout minimum override, got %d", cfg.PayoutMinimumCents)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[0] != "10.0.0.0/8" || cfg.TrustedProxies[1] != "192.0.2.7" {
		t.Fatalf("expected trimmed proxy list, got %q", cfg.TrustedProxies)
	}
}
