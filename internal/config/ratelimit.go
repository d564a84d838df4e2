package config

import (
	"os"
	"time"
)

// RateLimitConfig describes the polling budgets applied to callers.
// Session is the per-session sliding window the admission handler
// enforces (the abuse damper for status polling); IP is a coarser
// window applied by middleware before the body is even parsed.
type RateLimitConfig struct {
	Enabled       bool
	SessionMax    int           // requests allowed per session per window
	SessionWindow time.Duration // sliding window for the per-session budget
	IPMax         int           // requests allowed per client IP per window
	IPWindow      time.Duration // sliding window for the per-IP budget
	TTL           time.Duration // lifetime of idle counter state
	Prefix        string        // key namespace in the shared counter store
	Debug         bool
}

// LoadRateLimitConfig reads rate limiting settings from the environment.
// Windows shorter than a second and non-positive budgets are coerced to
// the defaults; the counter TTL is kept comfortably above the widest
// window so that in-flight windows are never evicted early.
func LoadRateLimitConfig() RateLimitConfig {
	cfg := RateLimitConfig{
		Enabled:       envBool("RATE_LIMIT_ENABLED", true),
		SessionMax:    envInt("RATE_LIMIT_SESSION_MAX", 20),
		SessionWindow: envDur("RATE_LIMIT_SESSION_WINDOW", 10*time.Second),
		IPMax:         envInt("RATE_LIMIT_IP_MAX", 120),
		IPWindow:      envDur("RATE_LIMIT_IP_WINDOW", 10*time.Second),
		TTL:           envDur("RATE_LIMIT_TTL", 10*time.Minute),
		Prefix:        envStr("RATE_LIMIT_PREFIX", "wr"),
		Debug:         envBool("RATE_LIMIT_DEBUG", false),
	}
	if cfg.SessionMax < 1 {
		cfg.SessionMax = 20
	}
	if cfg.SessionWindow < time.Second {
		cfg.SessionWindow = 10 * time.Second
	}
	if cfg.IPMax < cfg.SessionMax {
		cfg.IPMax = cfg.SessionMax
	}
	if cfg.IPWindow < time.Second {
		cfg.IPWindow = 10 * time.Second
	}
	minTTL := 5 * cfg.SessionWindow
	if cfg.IPWindow > cfg.SessionWindow {
		minTTL = 5 * cfg.IPWindow
	}
	if cfg.TTL < minTTL {
		cfg.TTL = minTTL
	}
	return cfg
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}
