package config

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadBindAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BindAddr = "not-an-addr"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for malformed bind_addr")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidateRejectsZeroStrikeParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StrikeInterval = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for zero strike_interval")
	}

	cfg = DefaultConfig()
	cfg.StrikeThreshold = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for zero strike_threshold")
	}
}

func TestValidateRejectsEmptyStateDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = "   "
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty state_dir")
	}
}
