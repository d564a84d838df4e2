package config

import (
	"testing"
	"time"
)

func TestLoadAdmissionConfigDefaults(t *testing.T) {
	cfg := LoadAdmissionConfig()
	if cfg.DefaultMaxConcurrent != 50 {
		t.Errorf("default capacity should be 50, got %d", cfg.DefaultMaxConcurrent)
	}
	if cfg.StaleAfter != 30*time.Minute {
		t.Errorf("default staleness should be 30m, got %s", cfg.StaleAfter)
	}
	if cfg.ConflictRetries != 2 {
		t.Errorf("default conflict retries should be 2, got %d", cfg.ConflictRetries)
	}
}

func TestLoadAdmissionConfigClamps(t *testing.T) {
	t.Setenv("ADMISSION_DEFAULT_MAX_CONCURRENT", "0")
	t.Setenv("ADMISSION_MAX_CONCURRENT_CAP", "-5")
	t.Setenv("ADMISSION_STALE_AFTER", "not-a-duration")
	cfg := LoadAdmissionConfig()
	if cfg.DefaultMaxConcurrent < 1 {
		t.Errorf("capacity must stay positive, got %d", cfg.DefaultMaxConcurrent)
	}
	if cfg.MaxConcurrentCap < cfg.DefaultMaxConcurrent {
		t.Errorf("cap %d must not drop below default %d", cfg.MaxConcurrentCap, cfg.DefaultMaxConcurrent)
	}
	if cfg.StaleAfter != 30*time.Minute {
		t.Errorf("malformed duration should fall back to default, got %s", cfg.StaleAfter)
	}
}

func TestLoadRateLimitConfigDefaults(t *testing.T) {
	cfg := LoadRateLimitConfig()
	if !cfg.Enabled {
		t.Error("rate limiting should default to enabled")
	}
	if cfg.SessionMax != 20 || cfg.SessionWindow != 10*time.Second {
		t.Errorf("session budget should default to 20/10s, got %d/%s", cfg.SessionMax, cfg.SessionWindow)
	}
	if cfg.IPMax < cfg.SessionMax {
		t.Errorf("IP budget %d must not undercut the session budget %d", cfg.IPMax, cfg.SessionMax)
	}
	if cfg.TTL < 5*cfg.SessionWindow {
		t.Errorf("counter TTL %s too short for the window %s", cfg.TTL, cfg.SessionWindow)
	}
}

func TestLoadRateLimitConfigOverrides(t *testing.T) {
	t.Setenv("RATE_LIMIT_SESSION_MAX", "5")
	t.Setenv("RATE_LIMIT_SESSION_WINDOW", "30s")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	cfg := LoadRateLimitConfig()
	if cfg.Enabled {
		t.Error("RATE_LIMIT_ENABLED=false should disable limiting")
	}
	if cfg.SessionMax != 5 || cfg.SessionWindow != 30*time.Second {
		t.Errorf("got %d/%s", cfg.SessionMax, cfg.SessionWindow)
	}
}
