package config

import (
	"os"
	"strconv"
	"time"
)

// AdmissionConfig groups the tunables of the waiting room itself.  All of
// them default to values that match the checkout flow this service was
// built for; deployments override them per event scale.
type AdmissionConfig struct {
	DefaultMaxConcurrent int           // capacity used when the caller omits maxConcurrent
	MaxConcurrentCap     int           // hard ceiling on caller-supplied capacity
	StaleAfter           time.Duration // age past which a non-completed session is reaped
	SweepInterval        time.Duration // background reaper period; 0 disables the reaper
	ConflictRetries      int           // extra attempts after a deadlocked transaction
	ConflictBackoff      time.Duration // pause between conflict retries
}

// LoadAdmissionConfig reads the waiting room tunables from the
// environment, falling back to defaults when variables are unset or
// malformed.  Values are clamped to keep the service safe: capacity is
// always positive and the caller cap never drops below the default.
func LoadAdmissionConfig() AdmissionConfig {
	cfg := AdmissionConfig{
		DefaultMaxConcurrent: envInt("ADMISSION_DEFAULT_MAX_CONCURRENT", 50),
		MaxConcurrentCap:     envInt("ADMISSION_MAX_CONCURRENT_CAP", 1000),
		StaleAfter:           envDur("ADMISSION_STALE_AFTER", 30*time.Minute),
		SweepInterval:        envDur("ADMISSION_SWEEP_INTERVAL", 5*time.Minute),
		ConflictRetries:      envInt("ADMISSION_CONFLICT_RETRIES", 2),
		ConflictBackoff:      envDur("ADMISSION_CONFLICT_BACKOFF", 25*time.Millisecond),
	}
	if cfg.DefaultMaxConcurrent < 1 {
		cfg.DefaultMaxConcurrent = 1
	}
	if cfg.MaxConcurrentCap < cfg.DefaultMaxConcurrent {
		cfg.MaxConcurrentCap = cfg.DefaultMaxConcurrent
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.ConflictRetries < 0 {
		cfg.ConflictRetries = 0
	}
	if cfg.ConflictBackoff <= 0 {
		cfg.ConflictBackoff = 25 * time.Millisecond
	}
	return cfg
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
